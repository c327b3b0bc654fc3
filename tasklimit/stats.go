/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"context"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/service"
)

// statsSource is the non-generic part of Limiter that StatsReporter needs.
type statsSource interface {
	Name() string
	Stats() Stats
}

// Stats is a snapshot of the limiter state.
type Stats struct {
	QueueLen        int
	SecondRemaining int
	MinuteRemaining int
}

// Stats returns a snapshot of the queue length and the quota remainders.
// Reading a quota applies its lazy reset the same way a worker would.
func (l *Limiter[T, R]) Stats() Stats {
	return Stats{
		QueueLen:        l.queue.Len(),
		SecondRemaining: l.secondQuota.Peek(),
		MinuteRemaining: l.minuteQuota.Peek(),
	}
}

// StatsReporter logs the limiter state each time it runs.
// It is meant to be run by service.PeriodicWorker.
//
// Reporting is not free of side effects: reading a quota whose window is over resets it,
// so the next window starts at the report time, and an overdrawn window is logged at debug
// by the report rather than by a worker.
type StatsReporter struct {
	source  statsSource
	logger  log.FieldLogger
	metrics MetricsCollector
}

var _ service.Worker = (*StatsReporter)(nil)

// NewStatsReporter creates a StatsReporter. The metrics collector may be nil.
func NewStatsReporter[T, R any](limiter *Limiter[T, R], logger log.FieldLogger, mc MetricsCollector) *StatsReporter {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	if mc == nil {
		mc = disabledMetricsCollector
	}
	return &StatsReporter{source: limiter, logger: logger, metrics: mc}
}

// Run implements service.Worker.
func (r *StatsReporter) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	st := r.source.Stats()
	r.metrics.SetQueueLen(st.QueueLen)
	r.logger.Info("task limiter stats",
		log.String("limiter", r.source.Name()),
		log.Int("queue_len", st.QueueLen),
		log.Int("second_remaining", st.SecondRemaining),
		log.Int("minute_remaining", st.MinuteRemaining))
	return nil
}
