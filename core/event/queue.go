// Package event provides the bounded per-device event queue. A reader
// raises events (card reads, key presses, status changes) between
// polls; they sit in the queue until the next POLL drains one onto the
// wire.
package event

import (
	"sync"

	"github.com/goToMain/osdp-go/core"
)

// DefaultCapacity bounds the queue when no capacity is given. Readers
// are close to their panel, so a handful of undelivered events already
// indicates a stalled poll loop.
const DefaultCapacity = 64

// Queue is a bounded FIFO of pending events. When full, the oldest
// event is dropped to admit the newest; card data from ten polls ago
// is worth less than what the user just presented.
type Queue struct {
	mu      sync.Mutex
	items   []*core.Event
	cap     int
	dropped uint64
}

// NewQueue creates a queue holding at most capacity events. A
// non-positive capacity selects DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{cap: capacity}
}

// Push appends an event, evicting the oldest when the queue is full.
// It reports whether the event was admitted without eviction.
func (q *Queue) Push(ev *core.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
		q.items = append(q.items, ev)
		return false
	}
	q.items = append(q.items, ev)
	return true
}

// Pop removes and returns the oldest event, or nil if the queue is
// empty.
func (q *Queue) Pop() *core.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	ev := q.items[0]
	q.items = q.items[1:]
	return ev
}

// Peek returns the oldest event without removing it.
func (q *Queue) Peek() *core.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events have been evicted since creation.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all pending events.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
