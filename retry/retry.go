/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package retry provides backoff policies. The task limiter uses them to compute
// how long a throttled task waits before it is put back into the queue.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// IsRetryable defines a func that can tell if error is retryable as opposed to persistent.
type IsRetryable func(error) bool

// RetryableFunc is function that does some work and can be potentially retried.
type RetryableFunc func(ctx context.Context) error

// Policy defines backoff strategy.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// DoWithRetry executes fn with retry according to policy p and with respect to context ctx.
// IsRetryable defines which errors lead to retry attempt (can be nil for any error).
// Notify receives every retry with error and backoff delay (can be nil).
func DoWithRetry(ctx context.Context, p Policy, isRetryable IsRetryable, notify backoff.Notify, fn RetryableFunc) error {
	bctx := backoff.WithContext(p.NewBackOff(), ctx)
	op := func() error {
		err := fn(bctx.Context())
		if err != nil && isRetryable != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, bctx, notify)
}

// PolicyFunc is an adapter to allow the use of ordinary functions as Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// ConstantBackoffPolicy repeats up to max attempts with a constant delay.
// Zero max attempts means no limit.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy with given interval and max retry attempt count.
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts}
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	return limitAttempts(backoff.NewConstantBackOff(p.interval), p.maxAttempts)
}

// ExponentialBackoffPolicy repeats up to max attempts with delays growing by 1.5 multiplier.
// Zero max attempts means no limit, the delay is capped by maxInterval when it is positive.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxAttempts     int
}

// NewExponentialBackoffPolicy returns an exponential backoff policy.
func NewExponentialBackoffPolicy(
	initialInterval, maxInterval time.Duration, maxRetryAttempts int,
) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, maxInterval, maxRetryAttempts}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	if p.maxInterval > 0 {
		eb.MaxInterval = p.maxInterval
	}
	eb.MaxElapsedTime = 0
	return limitAttempts(eb, p.maxAttempts)
}

func limitAttempts(b backoff.BackOff, maxAttempts int) backoff.BackOff {
	if maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxAttempts))
	}
	b.Reset()
	return b
}
