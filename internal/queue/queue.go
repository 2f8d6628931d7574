// Package queue provides the bounded hand-off queue that connects the capture
// goroutine to its consumers.
//
// A [Queue] never blocks its producer: once it holds Capacity items, pushing a
// new one evicts the oldest. Consumers block in [Queue.Pop] until an item
// arrives, an idle timeout elapses, or the queue is closed and drained.
package queue

import (
	"sync"
	"time"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// Status describes the outcome of a [Queue.Pop] call.
type Status int

const (
	// Item means a value was dequeued.
	Item Status = iota

	// Idle means the queue stayed empty for the whole idle window.
	Idle

	// Closed means the queue was closed and every buffered item has been consumed.
	Closed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case Item:
		return "ITEM"
	case Idle:
		return "IDLE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Queue is a bounded FIFO with drop-oldest overflow. Push is safe for
// concurrent producers; Pop expects a single consumer goroutine.
type Queue[T any] struct {
	capacity int

	mu      sync.Mutex
	items   []T
	closed  bool
	dropped uint64

	notify chan struct{} // signalled when an item is pushed
	done   chan struct{} // closed by Close
}

// New creates a Queue holding at most capacity items.
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{
		capacity: capacity,
		items:    make([]T, 0, min(capacity, 64)),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends v and wakes the consumer. If the queue is full the oldest item
// is discarded and Push reports dropped=true. Pushing to a closed queue is a
// no-op that reports accepted=false.
func (q *Queue[T]) Push(v T) (accepted, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if len(q.items) >= q.capacity {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, dropped
}

// Pop removes the oldest item. It blocks until an item is available, the
// queue has been empty for idle (when idle > 0), or the queue is closed and
// empty. Items buffered before Close are still delivered.
func (q *Queue[T]) Pop(idle time.Duration) (T, Status) {
	var timeout <-chan time.Time
	if idle > 0 {
		t := time.NewTimer(idle)
		defer t.Stop()
		timeout = t.C
	}

	for {
		if v, ok, closed := q.tryPop(); ok {
			return v, Item
		} else if closed {
			return v, Closed
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-timeout:
			if v, ok, _ := q.tryPop(); ok {
				return v, Item
			}
			var zero T
			return zero, Idle
		}
	}
}

// tryPop dequeues without blocking. closed is only reported once the queue is
// both closed and empty.
func (q *Queue[T]) tryPop() (v T, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) > 0 {
		v = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		return v, true, false
	}
	return v, false, q.closed
}

// Close stops accepting new items and wakes any blocked consumer. Buffered
// items remain available to Pop. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// IsClosed reports whether Close has been called. Buffered items may still
// be waiting to be popped.
func (q *Queue[T]) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of buffered items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items have been evicted since creation.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Cap returns the maximum number of buffered items.
func (q *Queue[T]) Cap() int { return q.capacity }
