// Package queue provides a minimal generic FIFO used for the bus command
// queue. It is not goroutine-safe; the owner must serialize access.
package queue

// FIFO is a slice-backed first-in first-out queue.
type FIFO[T any] struct {
	items []T
}

// New creates a FIFO with the given preallocated capacity.
func New[T any](prealloc int) *FIFO[T] {
	return &FIFO[T]{items: make([]T, 0, prealloc)}
}

// Push adds an item to the tail of the queue.
func (q *FIFO[T]) Push(item T) {
	q.items = append(q.items, item)
}

// Pop removes and returns the item at the head of the queue.
// The second return value is false if the queue is empty.
func (q *FIFO[T]) Pop() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero // release the reference
	q.items = q.items[1:]

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *FIFO[T]) Peek() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	return q.items[0], true
}

// Drain removes all items and returns them in FIFO order.
func (q *FIFO[T]) Drain() []T {
	out := q.items
	q.items = nil

	return out
}

// Len returns the number of items in the queue.
func (q *FIFO[T]) Len() int {
	return len(q.items)
}
