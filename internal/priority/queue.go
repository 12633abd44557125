package priority

import "sync"

// Queue is a FIFO of pending items for one class. It is safe for concurrent
// use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends v to the back of the queue.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// PushFront puts v back at the head of the queue. It is used to return an
// item that was popped but could not be handed on.
func (q *Queue[T]) PushFront(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	copy(q.items[1:], q.items)
	q.items[0] = v
	q.mu.Unlock()
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items[0] = zero // release reference
	q.items = q.items[1:]
	if len(q.items) == 0 {
		// Reset so the backing array does not grow without bound.
		q.items = nil
	}
	return v, true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Registry owns one Queue per class, created on first enqueue. Classes are
// never removed, only drained.
type Registry[T any] struct {
	mu     sync.RWMutex
	queues map[Class]*Queue[T]
	order  []Class // first-seen
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{queues: make(map[Class]*Queue[T])}
}

func (r *Registry[T]) queue(class Class, create bool) *Queue[T] {
	r.mu.RLock()
	q := r.queues[class]
	r.mu.RUnlock()
	if q != nil || !create {
		return q
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if q = r.queues[class]; q == nil {
		q = &Queue[T]{}
		r.queues[class] = q
		r.order = append(r.order, class)
	}
	return q
}

// Enqueue appends v to the queue for class, creating the queue if needed.
func (r *Registry[T]) Enqueue(class Class, v T) {
	r.queue(class, true).Push(v)
}

// Requeue puts v back at the head of the queue for class.
func (r *Registry[T]) Requeue(class Class, v T) {
	r.queue(class, true).PushFront(v)
}

// Dequeue removes the oldest item for class. An unknown class is empty.
func (r *Registry[T]) Dequeue(class Class) (T, bool) {
	q := r.queue(class, false)
	if q == nil {
		var zero T
		return zero, false
	}
	return q.Pop()
}

// Len returns the number of items queued for class.
func (r *Registry[T]) Len(class Class) int {
	q := r.queue(class, false)
	if q == nil {
		return 0
	}
	return q.Len()
}

// Classes returns every class that has ever been enqueued to, in the order
// the classes were first seen.
func (r *Registry[T]) Classes() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Class, len(r.order))
	copy(out, r.order)
	return out
}
