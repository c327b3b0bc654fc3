/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acronis/go-tasklimit/log"
)

// ErrPeriodicWorkerStop may be returned by a Worker to end the PeriodicWorker loop without an error.
var ErrPeriodicWorkerStop = errors.New("stop periodic worker")

// Worker performs some (usually long-running) work until ctx is done.
type Worker interface {
	Run(ctx context.Context) error
}

// WorkerFunc is an adapter to allow the use of ordinary functions as Worker.
type WorkerFunc func(ctx context.Context) error

// Run implements Worker.
func (f WorkerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// PeriodicWorkerOpts contains optional parameters for PeriodicWorker.
type PeriodicWorkerOpts struct {
	// InitialDelay is waited before the first run.
	InitialDelay time.Duration

	// IntervalDelayFunc, when set, computes the delay after each run instead of the constant interval.
	IntervalDelayFunc func(worker Worker, err error) time.Duration

	// Clock is used for delays (real clock if nil).
	Clock clockwork.Clock
}

// PeriodicWorker runs the underlying worker over and over with a delay between runs.
type PeriodicWorker struct {
	worker   Worker
	logger   log.FieldLogger
	interval time.Duration
	opts     PeriodicWorkerOpts
	clock    clockwork.Clock
}

// NewPeriodicWorker creates a PeriodicWorker with a constant interval.
func NewPeriodicWorker(worker Worker, interval time.Duration, logger log.FieldLogger) *PeriodicWorker {
	return NewPeriodicWorkerWithOpts(worker, interval, logger, PeriodicWorkerOpts{})
}

// NewPeriodicWorkerWithOpts creates a PeriodicWorker with optional parameters.
func NewPeriodicWorkerWithOpts(
	worker Worker, interval time.Duration, logger log.FieldLogger, opts PeriodicWorkerOpts,
) *PeriodicWorker {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &PeriodicWorker{worker: worker, logger: logger, interval: interval, opts: opts, clock: clock}
}

// Run runs the loop until ctx is done or the worker returns ErrPeriodicWorkerStop.
// Other worker errors are logged and do not stop the loop. A panic in the worker ends the loop with an error.
func (pw *PeriodicWorker) Run(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			pw.logger.Error("periodic worker panicked", log.Any("panic", p), log.Bytes("stack", debug.Stack()))
			err = fmt.Errorf("periodic worker panicked: %v", p)
		}
	}()

	pw.logger.Info("periodic worker started",
		log.Duration("initial_delay", pw.opts.InitialDelay), log.Duration("interval", pw.interval))

	delay := pw.opts.InitialDelay
	for {
		select {
		case <-ctx.Done():
			pw.logger.Info("periodic worker stopped")
			return nil
		case <-pw.clock.After(delay):
		}

		runErr := pw.worker.Run(ctx)
		if errors.Is(runErr, ErrPeriodicWorkerStop) {
			pw.logger.Info("periodic worker stopped by worker")
			return nil
		}
		if runErr != nil {
			pw.logger.Error("periodic worker run failed", log.Error(runErr))
		}

		delay = pw.interval
		if pw.opts.IntervalDelayFunc != nil {
			delay = pw.opts.IntervalDelayFunc(pw.worker, runErr)
		}
	}
}
