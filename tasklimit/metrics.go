/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsLabelWindow = "window"

// MetricsCollector represents a collector of metrics to analyze how tasks pass the limiter.
type MetricsCollector interface {
	// IncSubmitted increments the total number of submitted tasks.
	IncSubmitted()

	// IncExecuted increments the total number of tasks whose process function returned without error.
	IncExecuted()

	// IncFailed increments the total number of tasks whose process function returned an error or panicked.
	IncFailed()

	// IncRejected increments the total number of tasks failed because of the exhausted quota.
	IncRejected(w Window)

	// IncRetried increments the total number of tasks requeued because of the exhausted quota.
	IncRetried(w Window)

	// SetQueueLen sets the current number of queued tasks.
	SetQueueLen(n int)

	// ObserveTaskDuration observes the duration of the process function call.
	ObserveTaskDuration(d time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// If it is not empty, PrometheusMetrics.MustCurryWith must be called with the same labels.
	CurriedLabelNames []string

	// DurationBuckets are buckets for the task duration histogram (prometheus.DefBuckets if empty).
	DurationBuckets []float64
}

// PrometheusMetrics represents a Prometheus metrics for the task limiter.
type PrometheusMetrics struct {
	SubmittedTotal *prometheus.CounterVec
	ExecutedTotal  *prometheus.CounterVec
	FailedTotal    *prometheus.CounterVec
	RejectedTotal  *prometheus.CounterVec
	RetriedTotal   *prometheus.CounterVec
	QueueLen       *prometheus.GaugeVec
	TaskDuration   *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: opts.ConstLabels,
		}, append(append([]string{}, opts.CurriedLabelNames...), labels...))
	}

	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	return &PrometheusMetrics{
		SubmittedTotal: counter("task_limiter_submitted_total", "Number of submitted tasks."),
		ExecutedTotal:  counter("task_limiter_executed_total", "Number of successfully processed tasks."),
		FailedTotal:    counter("task_limiter_failed_total", "Number of tasks whose processing failed."),
		RejectedTotal: counter("task_limiter_rejected_total",
			"Number of tasks failed because of the exhausted quota.", metricsLabelWindow),
		RetriedTotal: counter("task_limiter_retried_total",
			"Number of tasks requeued because of the exhausted quota.", metricsLabelWindow),
		QueueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "task_limiter_queue_len",
			Help:        "Current number of queued tasks.",
			ConstLabels: opts.ConstLabels,
		}, opts.CurriedLabelNames),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "task_limiter_task_duration_seconds",
			Help:        "Duration of the task processing.",
			ConstLabels: opts.ConstLabels,
			Buckets:     buckets,
		}, opts.CurriedLabelNames),
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		SubmittedTotal: pm.SubmittedTotal.MustCurryWith(labels),
		ExecutedTotal:  pm.ExecutedTotal.MustCurryWith(labels),
		FailedTotal:    pm.FailedTotal.MustCurryWith(labels),
		RejectedTotal:  pm.RejectedTotal.MustCurryWith(labels),
		RetriedTotal:   pm.RetriedTotal.MustCurryWith(labels),
		QueueLen:       pm.QueueLen.MustCurryWith(labels),
		TaskDuration:   pm.TaskDuration.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

func (pm *PrometheusMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pm.SubmittedTotal, pm.ExecutedTotal, pm.FailedTotal,
		pm.RejectedTotal, pm.RetriedTotal, pm.QueueLen, pm.TaskDuration,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(pm.collectors()...)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	for _, c := range pm.collectors() {
		prometheus.Unregister(c)
	}
}

// IncSubmitted increments the total number of submitted tasks.
func (pm *PrometheusMetrics) IncSubmitted() {
	pm.SubmittedTotal.With(nil).Inc()
}

// IncExecuted increments the total number of successfully processed tasks.
func (pm *PrometheusMetrics) IncExecuted() {
	pm.ExecutedTotal.With(nil).Inc()
}

// IncFailed increments the total number of tasks whose processing failed.
func (pm *PrometheusMetrics) IncFailed() {
	pm.FailedTotal.With(nil).Inc()
}

// IncRejected increments the total number of tasks failed because of the exhausted quota.
func (pm *PrometheusMetrics) IncRejected(w Window) {
	pm.RejectedTotal.With(prometheus.Labels{metricsLabelWindow: w.String()}).Inc()
}

// IncRetried increments the total number of tasks requeued because of the exhausted quota.
func (pm *PrometheusMetrics) IncRetried(w Window) {
	pm.RetriedTotal.With(prometheus.Labels{metricsLabelWindow: w.String()}).Inc()
}

// SetQueueLen sets the current number of queued tasks.
func (pm *PrometheusMetrics) SetQueueLen(n int) {
	pm.QueueLen.With(nil).Set(float64(n))
}

// ObserveTaskDuration observes the duration of the task processing.
func (pm *PrometheusMetrics) ObserveTaskDuration(d time.Duration) {
	pm.TaskDuration.With(nil).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) IncSubmitted()                     {}
func (disabledMetrics) IncExecuted()                      {}
func (disabledMetrics) IncFailed()                        {}
func (disabledMetrics) IncRejected(Window)                {}
func (disabledMetrics) IncRetried(Window)                 {}
func (disabledMetrics) SetQueueLen(int)                   {}
func (disabledMetrics) ObserveTaskDuration(time.Duration) {}

var disabledMetricsCollector = disabledMetrics{}
