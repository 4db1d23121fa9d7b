// Package buffer holds the bounded in-memory history of canonical trade
// events. It is written by the single feed receive path and read by any
// number of concurrent HTTP handlers.
package buffer

import (
	"sync"

	"feedhub/internal/models"
)

const defaultCapacity = 5000

// Ring is a fixed-capacity, newest-first event history. Inserting beyond
// capacity evicts the oldest entry. Reads copy, so a slow reader is never
// affected by concurrent inserts.
type Ring struct {
	mu       sync.RWMutex
	items    []models.TradeEvent
	head     int // index of the most recent entry
	size     int
	capacity int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{
		items:    make([]models.TradeEvent, capacity),
		head:     -1,
		capacity: capacity,
	}
}

// Insert records an event as the newest entry, evicting the oldest when the
// ring is full. Insert always succeeds.
func (r *Ring) Insert(event models.TradeEvent) {
	r.mu.Lock()
	r.head = (r.head + 1) % r.capacity
	r.items[r.head] = event
	if r.size < r.capacity {
		r.size++
	}
	r.mu.Unlock()
}

// Snapshot returns up to limit events, newest first, as an independent copy.
// A non-positive limit returns the full history.
func (r *Ring) Snapshot(limit int) []models.TradeEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]models.TradeEvent, n)
	for i := 0; i < n; i++ {
		idx := (r.head - i + r.capacity) % r.capacity
		out[i] = r.items[idx]
	}
	return out
}

// Len reports the number of events currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity reports the fixed capacity of the ring.
func (r *Ring) Capacity() int {
	return r.capacity
}
