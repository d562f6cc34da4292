package mqtt

// DefaultQueueCapacity is the capacity of the outbound and inbound queues.
const DefaultQueueCapacity = 10

// Queue is a bounded FIFO ring. It is not safe for concurrent use; the
// session that owns it is guarded by SharedSession.
type Queue[T any] struct {
	items []T
	head  int
	size  int
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &Queue[T]{items: make([]T, capacity)}
}

// Push appends v, or returns ErrQueueFull leaving the queue unchanged.
func (q *Queue[T]) Push(v T) error {
	if q.size == len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.size)%len(q.items)] = v
	q.size++
	return nil
}

// PushFront puts v back at the head so it is popped next.
func (q *Queue[T]) PushFront(v T) error {
	if q.size == len(q.items) {
		return ErrQueueFull
	}
	q.head = (q.head - 1 + len(q.items)) % len(q.items)
	q.items[q.head] = v
	q.size++
	return nil
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	return q.items[q.head], true
}

// Pop removes and returns the head.
func (q *Queue[T]) Pop() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.size }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.items) }

// Clear drops every queued item.
func (q *Queue[T]) Clear() {
	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.head = 0
	q.size = 0
}
