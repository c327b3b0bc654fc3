/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"errors"
	"time"

	"github.com/acronis/go-tasklimit/service"
)

// ErrStopTimeoutExceeded is returned by Unit.Stop when workers do not stop in time.
var ErrStopTimeoutExceeded = errors.New("task limiter stop timeout exceeded")

// shutdowner is the non-generic part of Limiter that Unit needs.
type shutdowner interface {
	ShutdownAll()
	Done() <-chan struct{}
}

// UnitOpts contains optional parameters for Unit.
type UnitOpts struct {
	// GracefulStopTimeout bounds the wait for the workers in Stop(true). Zero means no bound.
	GracefulStopTimeout time.Duration

	// Metrics are registered and unregistered together with the unit.
	Metrics *PrometheusMetrics
}

// Unit presents Limiter as service.Unit.
// The limiter starts its workers on creation, so Start only blocks until the limiter is shut down.
type Unit struct {
	limiter shutdowner
	opts    UnitOpts
}

var _ service.Unit = (*Unit)(nil)
var _ service.MetricsRegisterer = (*Unit)(nil)

// NewUnit creates a new Unit for the limiter.
func NewUnit[T, R any](limiter *Limiter[T, R], opts UnitOpts) *Unit {
	return &Unit{limiter: limiter, opts: opts}
}

// Start blocks until all workers of the limiter have stopped.
func (u *Unit) Start(_ chan<- error) {
	<-u.limiter.Done()
}

// Stop shuts the limiter down. Queued tasks are abandoned in any case,
// with gracefully set Stop also waits for the tasks being run by workers.
func (u *Unit) Stop(gracefully bool) error {
	u.limiter.ShutdownAll()
	if !gracefully {
		return nil
	}
	if u.opts.GracefulStopTimeout == 0 {
		<-u.limiter.Done()
		return nil
	}
	timer := time.NewTimer(u.opts.GracefulStopTimeout)
	defer timer.Stop()
	select {
	case <-u.limiter.Done():
		return nil
	case <-timer.C:
		return ErrStopTimeoutExceeded
	}
}

// MustRegisterMetrics registers the limiter metrics if any.
func (u *Unit) MustRegisterMetrics() {
	if u.opts.Metrics != nil {
		u.opts.Metrics.MustRegister()
	}
}

// UnregisterMetrics unregisters the limiter metrics if any.
func (u *Unit) UnregisterMetrics() {
	if u.opts.Metrics != nil {
		u.opts.Metrics.Unregister()
	}
}
