package telemetry

import "sync"

// Ring is a fixed-capacity FIFO buffer. When full, the oldest item is
// evicted.
type Ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int
	size     int
	capacity int
}

// NewRing creates a ring buffer with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &Ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add appends an item, evicting the oldest when full.
func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// Items returns the buffered items oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return []T{}
	}

	result := make([]T, r.size)
	if r.size < r.capacity {
		copy(result, r.items[:r.size])
	} else {
		copy(result, r.items[r.head:])
		copy(result[r.capacity-r.head:], r.items[:r.head])
	}
	return result
}

// Size returns the current number of items.
func (r *Ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
