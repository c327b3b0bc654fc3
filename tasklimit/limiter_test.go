/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/log/logtest"
	"github.com/acronis/go-tasklimit/retry"
	"github.com/acronis/go-tasklimit/testutil"
)

func strLen(_ context.Context, s string) (int, error) {
	return len(s), nil
}

func newTestConfig(perSecond, perMinute, safetyPriority int) *Config {
	cfg := NewDefaultConfig()
	cfg.Name = "test"
	cfg.PerSecond = perSecond
	cfg.PerMinute = perMinute
	cfg.SafetyPriority = safetyPriority
	return cfg
}

func newTestLimiter(t *testing.T, cfg *Config, opts ...Option) *Limiter[string, int] {
	t.Helper()
	l, err := New[string, int](cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.ShutdownAll()
		<-l.Done()
	})
	return l
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Workers = 0
	_, err := New[string, int](cfg)
	require.EqualError(t, err, "workers: should be > 0, got 0")

	cfg = NewDefaultConfig()
	cfg.PerMinute = -1
	_, err = New[string, int](cfg)
	require.EqualError(t, err, "perMinute: should be >= 0, got -1")
}

func TestLimiter_Accessors(t *testing.T) {
	l := newTestLimiter(t, newTestConfig(2, 10, 5))
	require.Equal(t, "test", l.Name())
	require.Equal(t, "test_SECONDS", l.SecondQuota().Name())
	require.Equal(t, "test_MINUTES", l.MinuteQuota().Name())
	require.Equal(t, 2, l.SecondQuota().ResetValue())
	require.Equal(t, time.Second, l.SecondQuota().Window())
	require.Equal(t, 10, l.MinuteQuota().ResetValue())
	require.Equal(t, time.Minute, l.MinuteQuota().Window())
	require.Equal(t, 0, l.QueueLen())
}

// Quotas of 2 per second and 10 per minute, 5 tasks with sufficient priority submitted concurrently:
// the first two run at once, the rest are retried until the second window is over.
func TestLimiter_ThrottlesHighPriorityTasks(t *testing.T) {
	cfg := newTestConfig(2, 10, 5)
	cfg.Workers = 2
	l := newTestLimiter(t, cfg)

	var mu sync.Mutex
	var completedAt []time.Time
	process := func(ctx context.Context, s string) (int, error) {
		mu.Lock()
		completedAt = append(completedAt, time.Now())
		mu.Unlock()
		return len(s), nil
	}

	const tasksNum = 5
	startedAt := time.Now()
	tasks := make([]*Task[string, int], tasksNum)
	var wg sync.WaitGroup
	for i := 0; i < tasksNum; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tasks[i] = l.Submit("payload", 10, process)
		}(i)
	}
	wg.Wait()

	for _, task := range tasks {
		res, err := task.Await(5 * time.Second)
		require.NoError(t, err)
		require.Equal(t, len("payload"), res)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, completedAt, tasksNum)
	inFirstSecond := 0
	for _, at := range completedAt {
		if at.Sub(startedAt) < time.Second {
			inFirstSecond++
		}
	}
	require.GreaterOrEqual(t, inFirstSecond, 2)
	require.LessOrEqual(t, inFirstSecond, 2)

	var retried int
	for _, task := range tasks {
		retried += task.Attempts() - 1
	}
	require.Greater(t, retried, 0)
}

// With the per-second quota already exhausted, a task below the safety priority fails at once and is never retried.
func TestLimiter_FailsLowPriorityTaskOnSecondQuota(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logRecorder := logtest.NewRecorder()
	metrics := NewPrometheusMetrics()
	l := newTestLimiter(t, newTestConfig(1, 10, 10),
		WithClock(clock), WithLogger(logRecorder), WithMetrics(metrics))

	require.Equal(t, 0, l.SecondQuota().Decrement())

	var called atomic.Bool
	task := l.Submit("payload", 1, func(ctx context.Context, s string) (int, error) {
		called.Store(true)
		return len(s), nil
	})

	_, err := task.Await(3 * time.Second)
	require.ErrorIs(t, err, ErrLimitExceeded)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, WindowSecond, limitErr.Window)
	require.Equal(t, 1, limitErr.Limit)
	require.False(t, limitErr.RetriesExhausted)
	require.EqualError(t, err, "request per second limit exceeded (1)")

	require.False(t, called.Load())
	require.Equal(t, 1, task.Attempts())
	require.Equal(t, 0, l.QueueLen())
	require.Equal(t, 10, l.MinuteQuota().Peek(), "minute quota should not be touched")

	testutil.RequireSamplesCountInCounter(t,
		metrics.RejectedTotal.With(prometheus.Labels{metricsLabelWindow: "second"}), 1)
	testutil.RequireSamplesCountInCounter(t,
		metrics.RetriedTotal.With(prometheus.Labels{metricsLabelWindow: "second"}), 0)
	require.Empty(t, logRecorder.FindAllEntries("task requeued"))

	entry, found := logRecorder.FindEntry("quota exceeded")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
	windowField, found := entry.FindField("window")
	require.True(t, found)
	require.Equal(t, "second", string(windowField.Bytes))
	remainingField, found := entry.FindField("remaining")
	require.True(t, found)
	require.EqualValues(t, -1, remainingField.Int)
	priorityField, found := entry.FindField("priority")
	require.True(t, found)
	require.EqualValues(t, 1, priorityField.Int)
	taskIDField, found := entry.FindField("task_id")
	require.True(t, found)
	require.Equal(t, task.ID(), string(taskIDField.Bytes))
}

// A task with the safety priority is never failed by the quota, it waits until the window is over.
func TestLimiter_RetriesSafetyPriorityTask(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logRecorder := logtest.NewRecorder()
	metrics := NewPrometheusMetrics()
	l := newTestLimiter(t, newTestConfig(1, 10, 5),
		WithClock(clock), WithLogger(logRecorder), WithMetrics(metrics))

	require.Equal(t, 0, l.SecondQuota().Decrement())

	task := l.Submit("payload", 5, strLen)

	// Throttled: the worker waits for the second backoff (100ms by default).
	clock.BlockUntil(1)
	require.Equal(t, 1, task.Attempts())
	clock.Advance(DefaultSecondBackoff)

	// Still inside the window: throttled again with the same priority.
	clock.BlockUntil(1)
	require.Equal(t, 2, task.Attempts())
	require.Equal(t, 5, task.Priority())
	_, err := task.Await(0)
	require.ErrorIs(t, err, ErrWaitTimeout)

	// The window is over when the task comes back from the next backoff.
	clock.Advance(time.Second)
	res, err := task.Await(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, len("payload"), res)
	require.Equal(t, 3, task.Attempts())

	testutil.RequireSamplesCountInCounter(t,
		metrics.RetriedTotal.With(prometheus.Labels{metricsLabelWindow: "second"}), 2)
	testutil.RequireSamplesCountInCounter(t,
		metrics.RejectedTotal.With(prometheus.Labels{metricsLabelWindow: "second"}), 0)
	testutil.RequireSamplesCountInCounter(t, metrics.ExecutedTotal.With(nil), 1)
	require.Len(t, logRecorder.FindAllEntries("task requeued"), 2)
}

// A task throttled by the per-minute quota is requeued with the escalation priority,
// even if its own priority was higher.
func TestLimiter_EscalatesPriorityOnMinuteQuota(t *testing.T) {
	for _, prio := range []int{7, 50} {
		prio := prio
		t.Run(fmt.Sprintf("priority %d", prio), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			metrics := NewPrometheusMetrics()
			l := newTestLimiter(t, newTestConfig(100, 1, 5), WithClock(clock), WithMetrics(metrics))

			require.Equal(t, 0, l.MinuteQuota().Decrement())

			task := l.Submit("payload", prio, strLen)

			clock.BlockUntil(1)
			require.Equal(t, prio, task.Priority())
			clock.Advance(DefaultMinuteBackoff)

			// Requeued with the escalation priority and throttled again, the minute window is not over.
			clock.BlockUntil(1)
			require.Equal(t, DefaultEscalationPriority, task.Priority())
			require.Equal(t, 2, task.Attempts())
			testutil.RequireSamplesCountInCounter(t,
				metrics.RetriedTotal.With(prometheus.Labels{metricsLabelWindow: "minute"}), 1)

			l.ShutdownAll()
			<-l.Done()

			// Abandoned by shutdown: never settled.
			_, err := task.Await(50 * time.Millisecond)
			require.ErrorIs(t, err, ErrWaitTimeout)
		})
	}
}

// An escalated task keeps a priority at or above the safety priority, so it is retried rather than failed.
func TestLimiter_EscalatedTaskStaysRetriable(t *testing.T) {
	cfg := newTestConfig(100, 1, 30)
	_, err := New[string, int](cfg)
	require.EqualError(t, err, "escalationPriority: should be >= safetyPriority (30), got 20")

	cfg.EscalationPriority = 30
	clock := clockwork.NewFakeClock()
	metrics := NewPrometheusMetrics()
	l := newTestLimiter(t, cfg, WithClock(clock), WithMetrics(metrics))

	require.Equal(t, 0, l.MinuteQuota().Decrement())

	task := l.Submit("payload", 40, strLen)

	clock.BlockUntil(1)
	clock.Advance(DefaultMinuteBackoff)

	clock.BlockUntil(1)
	require.Equal(t, 30, task.Priority())
	require.Equal(t, 2, task.Attempts())
	testutil.RequireSamplesCountInCounter(t,
		metrics.RejectedTotal.With(prometheus.Labels{metricsLabelWindow: "minute"}), 0)
	select {
	case <-task.Done():
		t.Fatal("escalated task is settled")
	default:
	}

	// The minute window is over, the retried task runs.
	clock.Advance(time.Minute)
	res, err := task.Await(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, len("payload"), res)
}

func TestLimiter_FailsLowPriorityTaskOnMinuteQuota(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, newTestConfig(5, 1, 5), WithClock(clock))

	require.Equal(t, 0, l.MinuteQuota().Decrement())

	task := l.Submit("payload", 4, strLen)
	_, err := task.Await(3 * time.Second)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.Equal(t, WindowMinute, limitErr.Window)
	require.Equal(t, 1, limitErr.Limit)

	// The per-second quota is consumed before the per-minute one is checked.
	require.Equal(t, 4, l.SecondQuota().Peek())
}

func TestLimiter_BackoffRetriesExhausted(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := newTestLimiter(t, newTestConfig(1, 10, 5),
		WithClock(clock), WithSecondBackoff(retry.NewConstantBackoffPolicy(10*time.Millisecond, 2)))

	require.Equal(t, 0, l.SecondQuota().Decrement())

	task := l.Submit("payload", 10, strLen)
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(10 * time.Millisecond)
	}

	_, err := task.Await(3 * time.Second)
	var limitErr *LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	require.True(t, limitErr.RetriesExhausted)
	require.Equal(t, WindowSecond, limitErr.Window)
	require.EqualError(t, err, "request per second limit exceeded (1), retries exhausted")
	require.Equal(t, 3, task.Attempts())
}

func TestLimiter_ServesHigherPriorityFirst(t *testing.T) {
	l := newTestLimiter(t, newTestConfig(100, 100, 5))

	// Occupy the only worker so the next tasks are queued together.
	release := make(chan struct{})
	blocker := l.Submit("blocker", 100, func(ctx context.Context, s string) (int, error) {
		<-release
		return len(s), nil
	})
	require.Eventually(t, func() bool { return blocker.Attempts() == 1 }, 3*time.Second, time.Millisecond)

	var mu sync.Mutex
	var order []string
	process := func(_ context.Context, s string) (int, error) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
		return len(s), nil
	}
	low := l.Submit("low", 1, process)
	high := l.Submit("high", 50, process)
	mid := l.Submit("mid", 10, process)
	require.Equal(t, 3, l.QueueLen())

	close(release)
	for _, task := range []*Task[string, int]{blocker, low, high, mid} {
		_, err := task.Await(3 * time.Second)
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestLimiter_TaskErrors(t *testing.T) {
	l := newTestLimiter(t, newTestConfig(100, 100, 5))

	cause := errors.New("downstream unavailable")
	failed := l.Submit("a", 1, func(context.Context, string) (int, error) { return 0, cause })
	panicked := l.Submit("b", 1, func(context.Context, string) (int, error) { panic("nil map") })
	ok := l.Submit("c", 1, strLen)

	_, err := failed.Await(3 * time.Second)
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, failed.ID(), taskErr.TaskID)
	require.ErrorIs(t, err, cause)

	_, err = panicked.Await(3 * time.Second)
	require.ErrorIs(t, err, ErrTaskPanicked)

	// The worker keeps serving after a failed or panicked task.
	res, err := ok.Await(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, res)

	_, found := ok.AwaitOrNone(time.Second)
	require.True(t, found)
	_, found = failed.AwaitOrNone(time.Second)
	require.False(t, found)
}

type panickingMetrics struct {
	disabledMetrics
	panicked atomic.Bool
}

func (m *panickingMetrics) ObserveTaskDuration(time.Duration) {
	if m.panicked.CompareAndSwap(false, true) {
		panic("broken collector")
	}
}

func TestLimiter_RecoversWorkerPanic(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	l := newTestLimiter(t, newTestConfig(100, 100, 5),
		WithLogger(logRecorder), WithMetrics(&panickingMetrics{}))

	first := l.Submit("first", 1, strLen)
	res, err := first.Await(3 * time.Second)
	require.NoError(t, err, "settled result is kept")
	require.Equal(t, 5, res)

	second := l.Submit("second", 1, strLen)
	res, err = second.Await(3 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 6, res)

	entry, found := logRecorder.FindEntry("unexpected error while processing task")
	require.True(t, found)
	require.Equal(t, log.LevelError, entry.Level)
	_, found = entry.FindField("stack")
	require.True(t, found)
}

// Shutdown with queued tasks: waiting callers observe the wait timeout, the tasks are never settled.
func TestLimiter_ShutdownAbandonsQueuedTasks(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	cfg := newTestConfig(100, 100, 5)
	cfg.Workers = 1
	l := newTestLimiter(t, cfg, WithLogger(logRecorder))

	running := l.Submit("running", 100, func(ctx context.Context, s string) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.Eventually(t, func() bool { return running.Attempts() == 1 }, 3*time.Second, time.Millisecond)

	queued := []*Task[string, int]{l.Submit("a", 1, strLen), l.Submit("b", 10, strLen)}
	require.Equal(t, 2, l.QueueLen())

	l.ShutdownAll()
	l.ShutdownAll()
	select {
	case <-l.Done():
	case <-time.After(3 * time.Second):
		require.Fail(t, "workers should stop after shutdown")
	}

	// The running task gets the canceled context.
	_, err := running.Await(time.Second)
	require.ErrorIs(t, err, context.Canceled)

	for _, task := range queued {
		_, err = task.Await(50 * time.Millisecond)
		require.ErrorIs(t, err, ErrWaitTimeout)
		_, ok := task.AwaitOrNone(10 * time.Millisecond)
		require.False(t, ok)
		require.Equal(t, 0, task.Attempts())
	}

	entries := logRecorder.FindAllEntries("worker stopped")
	require.Len(t, entries, 1)
	require.Equal(t, log.LevelInfo, entries[0].Level)
	_, found := logRecorder.FindEntryByFilter(func(e logtest.RecordedEntry) bool { return e.Level == log.LevelError })
	require.False(t, found, "shutdown should not be logged as an error")
}

func TestLimiter_SubmitAfterShutdown(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	l := newTestLimiter(t, newTestConfig(100, 100, 5), WithLogger(logRecorder))
	l.ShutdownAll()
	<-l.Done()

	task := l.Submit("late", 10, strLen)
	require.NotNil(t, task)
	require.Equal(t, 0, l.QueueLen())
	_, err := task.Await(20 * time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	entry, found := logRecorder.FindEntry("task is submitted to the stopped limiter and will never be processed")
	require.True(t, found)
	require.Equal(t, log.LevelWarn, entry.Level)
}

func TestLimiter_LogsQueueWait(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	l := newTestLimiter(t, newTestConfig(100, 100, 5), WithLogger(logRecorder))

	_, err := l.Submit("x", 1, strLen).Await(3 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(logRecorder.FindAllEntries("waiting for next task")) >= 2
	}, 3*time.Second, time.Millisecond)
	entry, found := logRecorder.FindEntry("running task")
	require.True(t, found)
	require.Equal(t, log.LevelDebug, entry.Level)
	limiterField, found := entry.FindField("limiter")
	require.True(t, found)
	require.Equal(t, "test", string(limiterField.Bytes))
}

func TestLimiter_Metrics(t *testing.T) {
	clock := clockwork.NewFakeClock()
	metrics := NewPrometheusMetrics()
	l := newTestLimiter(t, newTestConfig(2, 100, 5), WithClock(clock), WithMetrics(metrics))

	succeeded := l.Submit("ok", 3, strLen)
	_, err := succeeded.Await(3 * time.Second)
	require.NoError(t, err)

	failed := l.Submit("fail", 2, func(context.Context, string) (int, error) { return 0, errors.New("fail") })
	_, err = failed.Await(3 * time.Second)
	require.Error(t, err)

	rejected := l.Submit("reject", 1, strLen)
	_, err = rejected.Await(3 * time.Second)
	require.ErrorIs(t, err, ErrLimitExceeded)

	testutil.RequireSamplesCountInCounter(t, metrics.SubmittedTotal.With(nil), 3)
	testutil.RequireSamplesCountInCounter(t, metrics.ExecutedTotal.With(nil), 1)
	testutil.RequireSamplesCountInCounter(t, metrics.FailedTotal.With(nil), 1)
	testutil.RequireSamplesCountInCounter(t,
		metrics.RejectedTotal.With(prometheus.Labels{metricsLabelWindow: "second"}), 1)
	testutil.RequireSamplesCountInHistogram(t, metrics.TaskDuration.With(nil).(prometheus.Histogram), 2)
}

func TestPrometheusMetrics_CurriedLabels(t *testing.T) {
	metrics := NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{
		Namespace:         "app",
		CurriedLabelNames: []string{"limiter"},
	})
	curried := metrics.MustCurryWith(prometheus.Labels{"limiter": "reports"})

	curried.IncSubmitted()
	curried.IncRetried(WindowMinute)
	curried.SetQueueLen(3)

	testutil.RequireSamplesCountInCounter(t,
		metrics.SubmittedTotal.With(prometheus.Labels{"limiter": "reports"}), 1)
	testutil.RequireSamplesCountInCounter(t,
		metrics.RetriedTotal.With(prometheus.Labels{"limiter": "reports", metricsLabelWindow: "minute"}), 1)
	testutil.AssertGaugeValue(t, metrics.QueueLen.With(prometheus.Labels{"limiter": "reports"}), 3)
}
