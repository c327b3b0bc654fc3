/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"fmt"
	"runtime/debug"

	"github.com/acronis/go-tasklimit/log"
	"github.com/acronis/go-tasklimit/quota"
)

func (l *Limiter[T, R]) runWorker(id int) {
	defer l.workersWG.Done()

	logger := l.logger.With(log.Int("worker", id))
	for l.running.Load() {
		if err := l.serveNext(logger); err != nil {
			// The only error is the interruption of a blocking wait on shutdown.
			logger.Info("worker stopped", log.Error(err))
			return
		}
	}
	logger.Info("worker stopped")
}

// serveNext takes one task from the queue and either runs it or throttles it.
// It returns an error only when the limiter is shutting down.
func (l *Limiter[T, R]) serveNext(logger log.FieldLogger) (err error) {
	var task *Task[T, R]
	defer func() {
		if p := recover(); p != nil {
			logger.Error("unexpected error while processing task",
				log.Any("panic", p), log.Bytes("stack", debug.Stack()))
			if task != nil {
				task.failWith(&TaskError{TaskID: task.id, Cause: fmt.Errorf("%w: %v", ErrTaskPanicked, p)})
			}
			err = nil
		}
	}()

	logger.Debug("waiting for next task", log.Int("queue_len", l.queue.Len()))
	entry, err := l.queue.Pop(l.ctx)
	if err != nil {
		return err
	}
	l.metrics.SetQueueLen(l.queue.Len())
	task = entry.task
	task.attempts.Inc()

	if remaining := l.secondQuota.Decrement(); remaining < 0 {
		return l.throttle(task, entry.priority, WindowSecond, l.secondQuota, remaining, entry.priority)
	}
	if remaining := l.minuteQuota.Decrement(); remaining < 0 {
		return l.throttle(task, entry.priority, WindowMinute, l.minuteQuota, remaining, l.escalationPriority)
	}

	task.logger.Debug("running task", log.Int("priority", entry.priority), log.Int("attempt", task.Attempts()))
	startedAt := l.clock.Now()
	if task.run(l.ctx) {
		l.metrics.IncExecuted()
	} else {
		l.metrics.IncFailed()
	}
	l.metrics.ObserveTaskDuration(l.clock.Now().Sub(startedAt))
	return nil
}

// throttle handles a task that hit the exhausted quota of the window.
// A task below the safety priority is failed, others are put back with nextPriority after a backoff delay.
func (l *Limiter[T, R]) throttle(
	task *Task[T, R], priority int, w Window, counter *quota.Counter, remaining int, nextPriority int,
) error {
	task.logger.Warn("quota exceeded",
		log.String("window", w.String()), log.Int("remaining", remaining), log.Int("priority", priority))

	if priority < l.safetyPriority {
		l.metrics.IncRejected(w)
		task.failWith(&LimitExceededError{Window: w, Limit: counter.ResetValue()})
		return nil
	}

	delay, ok := task.nextBackOff(w, l.backoffs[w])
	if !ok {
		l.metrics.IncRejected(w)
		task.failWith(&LimitExceededError{Window: w, Limit: counter.ResetValue(), RetriesExhausted: true})
		return nil
	}

	select {
	case <-l.clock.After(delay):
	case <-l.ctx.Done():
		return l.ctx.Err()
	}

	l.requeue(task, nextPriority)
	l.metrics.IncRetried(w)
	task.logger.Debug("task requeued",
		log.String("window", w.String()), log.Int("priority", nextPriority), log.Duration("delay", delay))
	return nil
}

// requeue puts the task back as a fresh queue entry. Only the worker holding the task may call it.
func (l *Limiter[T, R]) requeue(task *Task[T, R], priority int) {
	l.queue.Push(task, priority)
	l.metrics.SetQueueLen(l.queue.Len())
}
