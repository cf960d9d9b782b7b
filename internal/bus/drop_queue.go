package bus

import (
	"sync"

	"github.com/gammazero/deque"
)

// DropQueue is a bounded FIFO whose producers never block. When full, the
// oldest item is discarded and counted.
type DropQueue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	items    deque.Deque[T]
	capacity int
	dropped  uint64
	closed   bool
}

// NewDropQueue creates a drop-oldest queue holding at most capacity items.
func NewDropQueue[T any](capacity int) *DropQueue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &DropQueue[T]{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push appends item, evicting the oldest one when full. It reports false
// only after Close.
func (q *DropQueue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.items.Len() >= q.capacity {
		q.items.PopFront()
		q.dropped++
	}
	q.items.PushBack(item)
	q.notEmpty.Signal()
	return true
}

// Drain blocks until at least one item is queued, then removes and returns
// everything queued along with the number of items dropped since the
// previous Drain. ok is false once the queue is closed and empty.
func (q *DropQueue[T]) Drain() (items []T, dropped uint64, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	dropped = q.dropped
	q.dropped = 0
	if q.items.Len() == 0 {
		return nil, dropped, false
	}
	items = make([]T, 0, q.items.Len())
	for q.items.Len() > 0 {
		items = append(items, q.items.PopFront())
	}
	return items, dropped, true
}

// Dropped returns the overflow counter without resetting it.
func (q *DropQueue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len returns the number of queued items.
func (q *DropQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close stops accepting items and wakes the consumer.
func (q *DropQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.notEmpty.Broadcast()
}
