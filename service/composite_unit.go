/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"sync"

	"go.uber.org/multierr"
)

// CompositeUnit runs several units as one.
type CompositeUnit struct {
	Units []Unit
}

var _ Unit = (*CompositeUnit)(nil)
var _ MetricsRegisterer = (*CompositeUnit)(nil)

// NewCompositeUnit creates a new composite unit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{Units: units}
}

// Start starts all units concurrently and blocks until every Start returns.
// If any unit fails, the others are stopped non-gracefully and
// a CompositeUnitError with the start and stop errors is written to fatalErr.
func (cu *CompositeUnit) Start(fatalErr chan<- error) {
	unitErrs := make([]chan error, len(cu.Units))
	failed := make(chan struct{})
	var failOnce sync.Once
	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for i, u := range cu.Units {
		unitErrs[i] = make(chan error, 1)
		go func(u Unit, errCh chan error) {
			defer wg.Done()
			u.Start(errCh)
			if len(errCh) != 0 {
				failOnce.Do(func() { close(failed) })
			}
		}(u, unitErrs[i])
	}

	allReturned := make(chan struct{})
	go func() {
		wg.Wait()
		close(allReturned)
	}()

	select {
	case <-allReturned:
		select {
		case <-failed:
		default:
			return
		}
	case <-failed:
	}

	err := cu.Stop(false)
	for _, errCh := range unitErrs {
		select {
		case startErr := <-errCh:
			err = multierr.Append(startErr, err)
		default:
		}
	}
	if err != nil {
		fatalErr <- &CompositeUnitError{UnitErrors: flattenUnitErrors(err)}
	}
}

// Stop stops all units concurrently.
// Errors returned by units are combined into a single CompositeUnitError.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	var mu sync.Mutex
	var err error
	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for _, u := range cu.Units {
		go func(u Unit) {
			defer wg.Done()
			if stopErr := u.Stop(gracefully); stopErr != nil {
				mu.Lock()
				err = multierr.Append(err, stopErr)
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	if err != nil {
		return &CompositeUnitError{UnitErrors: multierr.Errors(err)}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all units that own them.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units that own them.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError holds errors of the composed units.
type CompositeUnitError struct {
	UnitErrors []error
}

// Error implements error interface.
func (e *CompositeUnitError) Error() string {
	return multierr.Combine(e.UnitErrors...).Error()
}

// Unwrap allows errors.Is and errors.As to match any of the unit errors.
func (e *CompositeUnitError) Unwrap() []error {
	return e.UnitErrors
}

func flattenUnitErrors(err error) []error {
	var res []error
	for _, e := range multierr.Errors(err) {
		if cue, ok := e.(*CompositeUnitError); ok {
			res = append(res, cue.UnitErrors...)
			continue
		}
		res = append(res, e)
	}
	return res
}
