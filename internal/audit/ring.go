package audit

import (
	"context"
	"sync"
)

// DefaultRingCapacity bounds the in-memory event history
const DefaultRingCapacity = 10000

// RingSink keeps the most recent events in memory, dropping the oldest
type RingSink struct {
	mu     sync.RWMutex
	events []Event
	start  int
	size   int
}

// NewRingSink creates a ring buffer holding up to capacity events
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingSink{events: make([]Event, capacity)}
}

// Write appends an event, evicting the oldest when full
func (r *RingSink) Write(_ context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.events)
	if r.size < capacity {
		r.events[(r.start+r.size)%capacity] = *event
		r.size++
		return nil
	}
	r.events[r.start] = *event
	r.start = (r.start + 1) % capacity
	return nil
}

// Query returns matching events, newest first
func (r *RingSink) Query(_ context.Context, filter Filter) ([]Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Event
	capacity := len(r.events)
	for i := r.size - 1; i >= 0; i-- {
		e := r.events[(r.start+i)%capacity]
		if !filter.Matches(&e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Len returns the number of buffered events
func (r *RingSink) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
