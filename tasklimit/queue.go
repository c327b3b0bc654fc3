/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package tasklimit

import (
	"container/heap"
	"context"
	"sync"
)

// queueEntry is a single placement of a task in the queue.
// Entries are immutable: a requeued task gets a fresh entry with its new priority.
type queueEntry[T, R any] struct {
	task     *Task[T, R]
	priority int
}

// entryHeap implements heap.Interface. Higher priority goes first, ties have no defined order.
type entryHeap[T, R any] []*queueEntry[T, R]

var _ heap.Interface = (*entryHeap[any, any])(nil)

func (h entryHeap[T, R]) Len() int { return len(h) }

func (h entryHeap[T, R]) Less(i, j int) bool { return h[i].priority > h[j].priority }

func (h entryHeap[T, R]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T, R]) Push(x any) {
	*h = append(*h, x.(*queueEntry[T, R]))
}

func (h *entryHeap[T, R]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return e
}

// priorityQueue is an unbounded, concurrent, blocking max-priority queue of tasks.
type priorityQueue[T, R any] struct {
	mu       sync.Mutex
	entries  entryHeap[T, R]
	notifyCh chan struct{}
}

func newPriorityQueue[T, R any]() *priorityQueue[T, R] {
	return &priorityQueue[T, R]{notifyCh: make(chan struct{}, 1)}
}

// Push places the task into the queue with the given priority. It never blocks.
func (q *priorityQueue[T, R]) Push(task *Task[T, R], priority int) {
	task.priority.Store(int64(priority))
	q.mu.Lock()
	heap.Push(&q.entries, &queueEntry[T, R]{task: task, priority: priority})
	q.mu.Unlock()
	q.notify()
}

// Pop removes and returns the highest priority entry.
// If the queue is empty, Pop blocks until an entry is pushed or ctx is done.
func (q *priorityQueue[T, R]) Pop(ctx context.Context) (*queueEntry[T, R], error) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			e := heap.Pop(&q.entries).(*queueEntry[T, R])
			more := len(q.entries) > 0
			q.mu.Unlock()
			if more {
				// A single notification may have been consumed for several pushes,
				// pass it on so other waiting workers wake up.
				q.notify()
			}
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notifyCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued entries.
func (q *priorityQueue[T, R]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *priorityQueue[T, R]) notify() {
	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}
