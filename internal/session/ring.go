package session

// Ring is a fixed-capacity FIFO backed by a single arena slice. Pushing into
// a full ring overwrites the oldest element and hands it back to the caller.
type Ring[T any] struct {
	arena []T
	head  int // index of the oldest element
	size  int
}

// NewRing creates an empty ring holding at most capacity elements
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{arena: make([]T, capacity)}
}

// RingFrom loads items (oldest first) into a new ring. Items that do not
// fit are returned as evicted, oldest first.
func RingFrom[T any](capacity int, items []T) (*Ring[T], []T) {
	r := NewRing[T](capacity)
	var evicted []T
	for _, it := range items {
		if old, ok := r.Push(it); ok {
			evicted = append(evicted, old)
		}
	}
	return r, evicted
}

// Push appends v, returning the element it displaced if the ring was full
func (r *Ring[T]) Push(v T) (evicted T, ok bool) {
	capacity := len(r.arena)
	if r.size < capacity {
		r.arena[(r.head+r.size)%capacity] = v
		r.size++
		return evicted, false
	}
	evicted = r.arena[r.head]
	r.arena[r.head] = v
	r.head = (r.head + 1) % capacity
	return evicted, true
}

// Len returns the number of stored elements
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity
func (r *Ring[T]) Cap() int { return len(r.arena) }

// Items returns the elements oldest first
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.arena[(r.head+i)%len(r.arena)]
	}
	return out
}

// Newest returns up to n elements, newest first. n <= 0 returns all.
func (r *Ring[T]) Newest(n int) []T {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]T, n)
	for i := 0; i < n; i++ {
		out[i] = r.arena[(r.head+r.size-1-i)%len(r.arena)]
	}
	return out
}
