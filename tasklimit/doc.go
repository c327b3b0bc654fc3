/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package tasklimit provides an in-process limiter that throttles execution of submitted tasks
// with per-second and per-minute quotas.
//
// Tasks are queued by priority and executed by a fixed pool of workers.
// When a quota is exhausted, a task whose priority is below the configured safety priority
// fails with LimitExceededError, and any other task is put back into the queue after a backoff delay.
// Tasks throttled by the per-minute quota are requeued with the escalation priority.
//
// Usage:
//
//	cfg := tasklimit.NewDefaultConfig()
//	cfg.PerSecond, cfg.PerMinute = 2, 10
//	limiter, err := tasklimit.New[string, int](cfg, tasklimit.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer limiter.ShutdownAll()
//
//	task := limiter.Submit("payload", 10, func(ctx context.Context, s string) (int, error) {
//		return len(s), nil
//	})
//	n, err := task.Await(5 * time.Second)
package tasklimit
