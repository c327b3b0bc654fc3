/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/quota"
	"github.com/acronis/go-tasklimit/retry"
)

// Option configures optional parameters of Limiter.
type Option func(*options)

type options struct {
	logger        log.FieldLogger
	metrics       MetricsCollector
	clock         clockwork.Clock
	secondBackoff retry.Policy
	minuteBackoff retry.Policy
}

// WithLogger sets the logger that receives the limiter diagnostic events.
func WithLogger(logger log.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(mc MetricsCollector) Option {
	return func(o *options) { o.metrics = mc }
}

// WithClock sets the clock used by the quota counters and the retry delays.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithSecondBackoff overrides the retry delay policy used when the per-second quota is exhausted.
// A policy that stops (e.g. with max attempts) fails the task with LimitExceededError.
func WithSecondBackoff(p retry.Policy) Option {
	return func(o *options) { o.secondBackoff = p }
}

// WithMinuteBackoff overrides the retry delay policy used when the per-minute quota is exhausted.
func WithMinuteBackoff(p retry.Policy) Option {
	return func(o *options) { o.minuteBackoff = p }
}

// Limiter throttles the execution of submitted tasks with per-second and per-minute quotas.
//
// Tasks are served in priority order by a fixed pool of workers. When a quota is exhausted,
// a task with priority below the safety priority fails with LimitExceededError,
// and other tasks are put back into the queue after a backoff delay.
type Limiter[T, R any] struct {
	name               string
	safetyPriority     int
	escalationPriority int
	backoffs           [2]retry.Policy

	queue       *priorityQueue[T, R]
	secondQuota *quota.Counter
	minuteQuota *quota.Counter

	running      atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	workersWG    sync.WaitGroup
	done         chan struct{}

	logger  log.FieldLogger
	metrics MetricsCollector
	clock   clockwork.Clock
}

// New creates a new Limiter and starts its workers.
func New[T, R any](cfg *Config, opts ...Option) (*Limiter[T, R], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{
		secondBackoff: retry.NewConstantBackoffPolicy(time.Duration(cfg.SecondBackoff), 0),
		minuteBackoff: retry.NewConstantBackoffPolicy(time.Duration(cfg.MinuteBackoff), 0),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.NewDisabledLogger()
	}
	if o.metrics == nil {
		o.metrics = disabledMetricsCollector
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}

	name := cfg.Name
	if name == "" {
		name = DefaultName
	}
	logger := o.logger.With(log.String("limiter", name))

	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter[T, R]{
		name:               name,
		safetyPriority:     cfg.SafetyPriority,
		escalationPriority: cfg.EscalationPriority,
		backoffs:           [2]retry.Policy{WindowSecond: o.secondBackoff, WindowMinute: o.minuteBackoff},
		queue:              newPriorityQueue[T, R](),
		secondQuota: quota.New(cfg.PerSecond, WindowSecond.Duration(),
			quota.WithName(name+"_SECONDS"), quota.WithClock(o.clock), quota.WithLogger(logger)),
		minuteQuota: quota.New(cfg.PerMinute, WindowMinute.Duration(),
			quota.WithName(name+"_MINUTES"), quota.WithClock(o.clock), quota.WithLogger(logger)),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  logger,
		metrics: o.metrics,
		clock:   o.clock,
	}
	l.running.Store(true)

	l.workersWG.Add(cfg.Workers)
	for i := 1; i <= cfg.Workers; i++ {
		go l.runWorker(i)
	}
	go func() {
		l.workersWG.Wait()
		close(l.done)
	}()

	return l, nil
}

// Submit creates a task for the payload and puts it into the queue with the given priority.
// Submit never blocks. A task submitted after ShutdownAll is never processed nor settled.
func (l *Limiter[T, R]) Submit(payload T, priority int, process ProcessFunc[T, R]) *Task[T, R] {
	task := newTask(payload, priority, process, l.logger)
	l.metrics.IncSubmitted()
	if !l.running.Load() {
		task.logger.Warn("task is submitted to the stopped limiter and will never be processed")
		return task
	}
	l.queue.Push(task, priority)
	l.metrics.SetQueueLen(l.queue.Len())
	return task
}

// ShutdownAll stops all workers. It may be called several times.
// Queued tasks and tasks waiting for a retry are abandoned: their results are never settled.
func (l *Limiter[T, R]) ShutdownAll() {
	l.shutdownOnce.Do(func() {
		l.running.Store(false)
		l.cancel()
		l.logger.Info("task limiter is shutting down", log.Int("abandoned_tasks", l.queue.Len()))
	})
}

// Done returns a channel that is closed when all workers have stopped after ShutdownAll.
func (l *Limiter[T, R]) Done() <-chan struct{} {
	return l.done
}

// Name returns the limiter name.
func (l *Limiter[T, R]) Name() string {
	return l.name
}

// QueueLen returns the number of queued tasks.
func (l *Limiter[T, R]) QueueLen() int {
	return l.queue.Len()
}

// SecondQuota returns the per-second quota counter.
func (l *Limiter[T, R]) SecondQuota() *quota.Counter {
	return l.secondQuota
}

// MinuteQuota returns the per-minute quota counter.
func (l *Limiter[T, R]) MinuteQuota() *quota.Counter {
	return l.minuteQuota
}
