package util

import "sync"

// RingBuffer keeps the most recent items pushed into it, up to a fixed
// capacity, evicting the oldest first. The status bridge uses it to replay
// recent call snapshots to a late websocket subscriber. Safe for concurrent
// use.
type RingBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	next    int // write cursor
	wrapped bool
}

// NewRingBuffer creates an empty buffer holding at most capacity items.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{items: make([]T, capacity)}
}

// Push stores an item, evicting the oldest once the buffer is full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.items[r.next] = item
	r.next++
	if r.next == len(r.items) {
		r.next = 0
		r.wrapped = true
	}
	r.mu.Unlock()
}

// Snapshot copies the retained items, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.wrapped {
		return append([]T(nil), r.items[:r.next]...)
	}
	out := make([]T, 0, len(r.items))
	out = append(out, r.items[r.next:]...)
	return append(out, r.items[:r.next]...)
}
