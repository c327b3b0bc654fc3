/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrLimitExceeded is matched (via errors.Is) by every LimitExceededError.
var ErrLimitExceeded = errors.New("limit exceeded")

// ErrWaitTimeout is returned by the Task await methods when the result is not settled in time.
// The task itself is not affected and may be settled later.
var ErrWaitTimeout = errors.New("wait for task result timed out")

// ErrTaskPanicked is a cause of TaskError when the process function panics.
var ErrTaskPanicked = errors.New("task panicked")

// Window identifies a quota window.
type Window int

// Quota windows.
const (
	WindowSecond Window = iota
	WindowMinute
)

// String returns the window name.
func (w Window) String() string {
	switch w {
	case WindowSecond:
		return "second"
	case WindowMinute:
		return "minute"
	}
	return fmt.Sprintf("window(%d)", int(w))
}

// Duration returns the length of the window.
func (w Window) Duration() time.Duration {
	if w == WindowMinute {
		return time.Minute
	}
	return time.Second
}

// LimitExceededError is delivered through the task result when a quota is exhausted and
// the task priority is below the safety priority,
// or when the retries allowed by the backoff policy are exhausted.
type LimitExceededError struct {
	Window           Window
	Limit            int
	RetriesExhausted bool
}

// Error implements error interface.
func (e *LimitExceededError) Error() string {
	if e.RetriesExhausted {
		return fmt.Sprintf("request per %s limit exceeded (%d), retries exhausted", e.Window, e.Limit)
	}
	return fmt.Sprintf("request per %s limit exceeded (%d)", e.Window, e.Limit)
}

// Is makes errors.Is(err, ErrLimitExceeded) true.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// TaskError wraps an error returned (or a panic raised) by the process function.
type TaskError struct {
	TaskID string
	Cause  error
}

// Error implements error interface.
func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.TaskID, e.Cause)
}

// Unwrap returns the original cause.
func (e *TaskError) Unwrap() error {
	return e.Cause
}
