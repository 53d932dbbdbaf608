package monitor

// RingBuffer keeps the last N items pushed, overwriting the oldest once
// full. It is not safe for concurrent use.
type RingBuffer[T any] struct {
	data  []T
	head  int // next write position
	count int
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer[T]{data: make([]T, capacity)}
}

func (r *RingBuffer[T]) Push(item T) {
	r.data[r.head] = item
	r.head = (r.head + 1) % len(r.data)
	if r.count < len(r.data) {
		r.count++
	}
}

// Slice copies the items out, oldest first.
func (r *RingBuffer[T]) Slice() []T {
	out := make([]T, r.count)
	start := (r.head - r.count + len(r.data)) % len(r.data)
	n := copy(out, r.data[start:min(start+r.count, len(r.data))])
	copy(out[n:], r.data[:r.count-n])
	return out
}

func (r *RingBuffer[T]) Len() int {
	return r.count
}

func (r *RingBuffer[T]) Cap() int {
	return len(r.data)
}

func (r *RingBuffer[T]) Clear() {
	var zero T
	for i := range r.data {
		r.data[i] = zero
	}
	r.head = 0
	r.count = 0
}
