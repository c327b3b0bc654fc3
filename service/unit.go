/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package service runs the task limiter and its helpers as units with a common lifecycle.
package service

// Unit is a component of a service that can be started and stopped.
type Unit interface {
	// Start runs the unit. It may return right after initialization or block for the unit lifetime.
	// A failure is reported by writing a single error to fatalErr; the channel must not be used
	// after Start has returned.
	Start(fatalErr chan<- error)

	// Stop halts the unit. It may be called even if Start failed or was never called.
	// With gracefully set the unit should let in-flight work finish.
	Stop(gracefully bool) error
}

// MetricsRegisterer is implemented by units that own Prometheus metrics.
type MetricsRegisterer interface {
	MustRegisterMetrics()
	UnregisterMetrics()
}
