package tracker

// Ring is a fixed-capacity FIFO. Pushing into a full ring evicts the oldest
// element.
type Ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Push appends v. When the ring was full the evicted element is returned
// with true.
func (r *Ring[T]) Push(v T) (T, bool) {
	var evicted T
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return evicted, false
	}
	evicted = r.buf[r.head]
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	return evicted, true
}

// Items returns the elements from oldest to newest.
func (r *Ring[T]) Items() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Find returns the newest element matching fn.
func (r *Ring[T]) Find(fn func(T) bool) (T, bool) {
	for i := r.size - 1; i >= 0; i-- {
		v := r.buf[(r.head+i)%len(r.buf)]
		if fn(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}
