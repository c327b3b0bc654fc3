/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package timeout runs a single operation with a bounded wait for its result.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrOperationInterrupted is matched by OperationError when the wait for the operation
// was ended by the timeout or by the parent context.
var ErrOperationInterrupted = errors.New("operation interrupted")

// ErrOperationPanicked is a cause of OperationError when the operation panics.
var ErrOperationPanicked = errors.New("operation panicked")

// OperationError is returned by Run when the operation fails or does not finish in time.
type OperationError struct {
	Interrupted bool
	Cause       error
}

// Error implements error interface.
func (e *OperationError) Error() string {
	if e.Interrupted {
		return fmt.Sprintf("%v: %v", ErrOperationInterrupted, e.Cause)
	}
	return fmt.Sprintf("operation failed: %v", e.Cause)
}

// Unwrap returns the cause.
func (e *OperationError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrOperationInterrupted) true for interrupted operations.
func (e *OperationError) Is(target error) bool {
	return e.Interrupted && target == ErrOperationInterrupted
}

// Run executes op in a separate goroutine and waits up to timeout for its result.
// The context passed to op is canceled when Run returns, so op should stop early on timeout.
// Run does not wait for an op that ignores its context; such an op keeps running in the background.
func Run[R any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (R, error)) (R, error) {
	type outcome struct {
		res R
		err error
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrOperationPanicked, p)}
			}
		}()
		res, err := op(opCtx)
		done <- outcome{res: res, err: err}
	}()

	var zero R
	select {
	case out := <-done:
		if out.err != nil {
			// The operation may have returned its context error right at the deadline.
			return zero, &OperationError{Interrupted: opCtx.Err() != nil, Cause: out.err}
		}
		return out.res, nil
	case <-opCtx.Done():
		return zero, &OperationError{Interrupted: true, Cause: opCtx.Err()}
	}
}
