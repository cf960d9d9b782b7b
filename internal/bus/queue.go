// Package bus provides the queue primitives every component communicates
// through. All synchronisation lives here; callers never see a lock.
package bus

import (
	"errors"
	"sync"

	"github.com/gammazero/deque"
)

var (
	// ErrFull is returned by Offer when the queue has no free slot.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned once a queue has been closed.
	ErrClosed = errors.New("queue closed")
)

// DefaultCapacity is used when a queue is created with a non-positive capacity.
const DefaultCapacity = 64

// Queue is a bounded FIFO with blocking Put and Get.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    deque.Deque[T]
	capacity int
	closed   bool
	onPush   func(*T)
}

// NewQueue creates a queue holding at most capacity items. onPush, if set,
// runs under the queue lock right before an item is appended.
func NewQueue[T any](capacity int, onPush func(*T)) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	q := &Queue[T]{capacity: capacity, onPush: onPush}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put appends item, blocking while the queue is full.
func (q *Queue[T]) Put(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return ErrClosed
	}
	q.push(item)
	return nil
}

// Offer appends item if there is room and never blocks.
func (q *Queue[T]) Offer(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if q.items.Len() >= q.capacity {
		return ErrFull
	}
	q.push(item)
	return nil
}

// Get removes the oldest item, blocking while the queue is empty. Items
// queued before Close are still delivered; afterwards Get returns ErrClosed.
func (q *Queue[T]) Get() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.items.Len() == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.items.Len() == 0 {
		var zero T
		return zero, ErrClosed
	}
	item := q.items.PopFront()
	q.notFull.Signal()
	return item, nil
}

// TryGet removes the oldest item if there is one and never blocks.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		var zero T
		return zero, false
	}
	item := q.items.PopFront()
	q.notFull.Signal()
	return item, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int {
	return q.capacity
}

// Close rejects further Puts and wakes all waiters.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

func (q *Queue[T]) push(item T) {
	if q.onPush != nil {
		q.onPush(&item)
	}
	q.items.PushBack(item)
	q.notEmpty.Signal()
}
