/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package main

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/retry"
	"github.com/acronis/go-tasklimit/tasklimit"
	"github.com/acronis/go-tasklimit/timeout"
)

var samplePayloads = []string{"aa", "bbbbbb", "ccccccc", "eeeeee", "dddd", "f", "tt", "qqqq", "www"}

const (
	maxPriority  = 5
	callTimeout  = 100 * time.Millisecond
	maxCallDelay = 50 * time.Millisecond
)

var errDownstreamUnavailable = errors.New("downstream is temporarily unavailable")

// lengthService simulates a flaky downstream that computes string lengths.
type lengthService struct {
	failureRate float64
	retryPolicy retry.Policy
	logger      log.FieldLogger
}

func newLengthService(failureRate float64, logger log.FieldLogger) *lengthService {
	return &lengthService{
		failureRate: failureRate,
		retryPolicy: retry.NewExponentialBackoffPolicy(10*time.Millisecond, 100*time.Millisecond, 3),
		logger:      logger,
	}
}

// Len is the task process function. Each call to the downstream is bounded by a timeout and
// failed calls are retried a few times.
func (s *lengthService) Len(ctx context.Context, payload string) (int, error) {
	var res int
	isRetryable := func(err error) bool {
		return errors.Is(err, errDownstreamUnavailable) || errors.Is(err, timeout.ErrOperationInterrupted)
	}
	notify := func(err error, d time.Duration) {
		s.logger.Debug("downstream call failed, retrying", log.Error(err), log.Duration("delay", d))
	}
	err := retry.DoWithRetry(ctx, s.retryPolicy, isRetryable, backoff.Notify(notify), func(ctx context.Context) error {
		n, err := timeout.Run(ctx, callTimeout, func(ctx context.Context) (int, error) {
			return s.call(ctx, payload)
		})
		if err != nil {
			return err
		}
		res = n
		return nil
	})
	return res, err
}

func (s *lengthService) call(ctx context.Context, payload string) (int, error) {
	timer := time.NewTimer(time.Duration(rand.Int63n(int64(maxCallDelay)))) //nolint:gosec // simulation only
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}
	if rand.Float64() < s.failureRate { //nolint:gosec // simulation only
		return 0, errDownstreamUnavailable
	}
	return len(payload), nil
}

// submitTasks submits tasksNum random tasks concurrently and returns how many of them succeeded.
func submitTasks(
	limiter *tasklimit.Limiter[string, int], ds *lengthService, logger log.FieldLogger, tasksNum int, wait time.Duration,
) int {
	var succeeded atomic.Int32
	var g errgroup.Group
	for i := 0; i < tasksNum; i++ {
		payload := samplePayloads[rand.Intn(len(samplePayloads))] //nolint:gosec // simulation only
		priority := rand.Intn(maxPriority)                         //nolint:gosec // simulation only
		g.Go(func() error {
			res, ok := limiter.Submit(payload, priority, ds.Len).AwaitOrNone(wait)
			if !ok {
				logger.Warn("task is ignored", log.String("payload", payload), log.Int("priority", priority))
				return nil
			}
			succeeded.Inc()
			logger.Info("string length is computed", log.String("payload", payload), log.Int("len", res))
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load())
}
