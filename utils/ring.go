package utils

// Ring is a fixed-capacity FIFO. Pushing into a full ring silently drops
// the oldest entry. Not safe for concurrent use; owners hold their own lock.
type Ring[T any] struct {
	items []T
	start int
	size  int
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v and reports whether an older entry was evicted.
func (r *Ring[T]) Push(v T) bool {
	if r.size < len(r.items) {
		r.items[(r.start+r.size)%len(r.items)] = v
		r.size++
		return false
	}
	r.items[r.start] = v
	r.start = (r.start + 1) % len(r.items)
	return true
}

func (r *Ring[T]) Len() int { return r.size }

func (r *Ring[T]) Cap() int { return len(r.items) }

// Last returns up to n most recent entries, oldest first.
func (r *Ring[T]) Last(n int) []T {
	if n > r.size || n < 0 {
		n = r.size
	}
	out := make([]T, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.items[(r.start+i)%len(r.items)])
	}
	return out
}

// All returns every entry, oldest first.
func (r *Ring[T]) All() []T {
	return r.Last(r.size)
}
