/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/retry"
)

// ProcessFunc processes the task payload and returns its result.
// The passed context is canceled when the limiter is shut down.
type ProcessFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Task is a handle of a submitted unit of work.
//
// Its result is settled exactly once: with the value returned by the process function,
// with a *TaskError, or with a *LimitExceededError. Tasks abandoned by shutdown are never settled,
// so callers should always bound their waits.
type Task[T, R any] struct {
	id      string
	payload T
	process ProcessFunc[T, R]
	logger  log.FieldLogger

	priority atomic.Int64
	attempts atomic.Int32

	// Backoff state per window. Accessed only by the worker currently holding the task.
	backOffs [2]backoff.BackOff

	settleOnce sync.Once
	done       chan struct{}
	result     R
	err        error
}

func newTask[T, R any](payload T, priority int, process ProcessFunc[T, R], logger log.FieldLogger) *Task[T, R] {
	t := &Task[T, R]{
		id:      xid.New().String(),
		payload: payload,
		process: process,
		done:    make(chan struct{}),
	}
	t.logger = logger.With(log.String("task_id", t.id))
	t.priority.Store(int64(priority))
	return t
}

// ID returns the unique task identifier. It does not change when the task is requeued.
func (t *Task[T, R]) ID() string {
	return t.id
}

// Payload returns the payload passed on submission.
func (t *Task[T, R]) Payload() T {
	return t.payload
}

// Priority returns the priority the task was most recently queued with.
func (t *Task[T, R]) Priority() int {
	return int(t.priority.Load())
}

// Attempts returns how many times the task was dequeued by workers.
func (t *Task[T, R]) Attempts() int {
	return int(t.attempts.Load())
}

// Done returns a channel that is closed when the task result is settled.
func (t *Task[T, R]) Done() <-chan struct{} {
	return t.done
}

// Await waits up to timeout for the task result.
// It returns the value, the error the task was settled with, or ErrWaitTimeout.
// A non-positive timeout polls the result without waiting.
func (t *Task[T, R]) Await(timeout time.Duration) (R, error) {
	select {
	case <-t.done:
		return t.result, t.err
	default:
	}
	if timeout <= 0 {
		var zero R
		return zero, ErrWaitTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.result, t.err
	case <-timer.C:
		var zero R
		return zero, ErrWaitTimeout
	}
}

// AwaitContext waits for the task result until ctx is done.
// Waiting with a context that is never canceled may block forever if the limiter is shut down.
func (t *Task[T, R]) AwaitContext(ctx context.Context) (R, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		var zero R
		return zero, fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// AwaitOrNone works like Await but never returns an error.
// Any failure, including the wait timeout, is logged and reported as false.
func (t *Task[T, R]) AwaitOrNone(timeout time.Duration) (R, bool) {
	res, err := t.Await(timeout)
	if err != nil {
		t.logger.Warn("task result is not available", log.Error(err))
		var zero R
		return zero, false
	}
	return res, true
}

// run invokes the process function and settles the result. It reports whether the task succeeded.
func (t *Task[T, R]) run(ctx context.Context) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			var zero R
			t.settle(zero, &TaskError{TaskID: t.id, Cause: fmt.Errorf("%w: %v", ErrTaskPanicked, p)})
			ok = false
		}
	}()
	res, err := t.process(ctx, t.payload)
	if err != nil {
		var zero R
		t.settle(zero, &TaskError{TaskID: t.id, Cause: err})
		return false
	}
	t.settle(res, nil)
	return true
}

// failWith settles the task with err without running the process function.
func (t *Task[T, R]) failWith(err error) {
	var zero R
	t.settle(zero, err)
}

func (t *Task[T, R]) settle(res R, err error) {
	t.settleOnce.Do(func() {
		t.result = res
		t.err = err
		close(t.done)
	})
}

// nextBackOff returns the delay before the next retry in the given window.
// It returns false when the policy allows no more retries.
func (t *Task[T, R]) nextBackOff(w Window, policy retry.Policy) (time.Duration, bool) {
	if t.backOffs[w] == nil {
		t.backOffs[w] = policy.NewBackOff()
	}
	d := t.backOffs[w].NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}
