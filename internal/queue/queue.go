// Package queue provides a FIFO queue backed by a slice.
//
// Queue is not goroutine-safe; callers guard it with their own lock.
package queue

// Queue is a first-in, first-out queue of T.
type Queue[T any] struct {
	items []T
}

// New creates an empty queue with room for prealloc items.
func New[T any](prealloc int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, prealloc)}
}

// Enqueue adds an item to the tail of the queue.
func (q *Queue[T]) Enqueue(item T) {
	q.items = append(q.items, item)
}

// Dequeue removes and returns the item at the head of the queue.
// ok is false when the queue is empty.
func (q *Queue[T]) Dequeue() (item T, ok bool) {
	if len(q.items) == 0 {
		return item, false
	}

	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
func (q *Queue[T]) Peek() (item T, ok bool) {
	if len(q.items) == 0 {
		return item, false
	}

	return q.items[0], true
}

// Reset empties the queue, reusing the underlying array.
func (q *Queue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
}

// IsEmpty returns true if the queue is empty.
func (q *Queue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

// Length returns the number of items in the queue.
func (q *Queue[T]) Length() int {
	return len(q.items)
}
