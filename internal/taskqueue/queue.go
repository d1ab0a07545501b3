// ============================================================================
// Task Queue
// ============================================================================
//
// Package: internal/taskqueue
// File: queue.go
// Purpose: Append-only FIFO queue of pending tasks plus a wake signal used
// to notify the dispatcher when new tasks arrive or new slot capacity
// becomes available.
//
// Why not priority: contest workloads are homogeneous; FIFO plus slot
// packing gives low-latency dispatch without starving large (2-slot)
// tasks, because workers advertise slot counts in multiples that fit
// both compile/server (1 slot) and player (2 slot) tasks.
//
// ============================================================================

package taskqueue

import (
	"sync"

	"github.com/prologin-contest/contestmaster/pkg/task"
)

// Queue is an in-memory FIFO of pending tasks.
type Queue struct {
	mu    sync.Mutex
	items []task.Task
	wake  chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Enqueue appends a task to the tail of the queue and signals the wake
// channel (non-blocking: a pending signal is coalesced).
func (q *Queue) Enqueue(t task.Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.notify()
}

// Wake returns the channel the dispatcher selects on. It fires at least
// once after every Enqueue or Requeue call.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// DrainNextDispatchable scans the queue in FIFO order and pops the first
// task for which fits returns true, restoring observable FIFO order among
// tasks of identical slot requirement. Returns false if no task in the
// queue currently fits anywhere.
func (q *Queue) DrainNextDispatchable(fits func(slotsRequired int) bool) (task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.items {
		if fits(t.SlotsTaken()) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return t, true
		}
	}
	return task.Task{}, false
}

// RequeueTail appends a task back to the tail of the queue (used when a
// dispatch RPC fails synchronously), so a single poison task never blocks
// the tasks behind it.
func (q *Queue) RequeueTail(t task.Task) {
	q.Enqueue(t)
}

// Len returns the current queue depth, for the operator status surface.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
