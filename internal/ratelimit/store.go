package ratelimit

import (
	"context"
	"sync"
	"time"
)

// WindowResult is the outcome of counting one request in a sliding window
type WindowResult struct {
	Count      int
	Allowed    bool
	RetryAfter time.Duration
}

// Store keeps sliding-window counters and lockouts
type Store interface {
	// IncrementAndCheck purges entries older than window, records now and compares the count to max
	IncrementAndCheck(ctx context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error)
	SetLockout(ctx context.Context, key string, ttl time.Duration) error
	// LockoutTTL returns the remaining lockout, or zero when key is not locked
	LockoutTTL(ctx context.Context, key string) (time.Duration, error)
	ClearLockout(ctx context.Context, key string) error
}

// MemoryStore is a single-process Store
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string][]time.Time
	lockouts map[string]time.Time
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		windows:  make(map[string][]time.Time),
		lockouts: make(map[string]time.Time),
		now:      now,
	}
}

// IncrementAndCheck records a request at now and counts the requests inside window
func (s *MemoryStore) IncrementAndCheck(_ context.Context, key string, now time.Time, window time.Duration, max int) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window)
	entries := s.windows[key]
	kept := entries[:0]
	for _, at := range entries {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	s.windows[key] = kept

	res := WindowResult{Count: len(kept), Allowed: len(kept) <= max}
	if !res.Allowed {
		res.RetryAfter = kept[0].Add(window).Sub(now)
	}
	return res, nil
}

// SetLockout locks key until ttl elapses
func (s *MemoryStore) SetLockout(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockouts[key] = s.now().Add(ttl)
	return nil
}

// LockoutTTL returns the remaining lockout for key, or zero
func (s *MemoryStore) LockoutTTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.lockouts[key]
	if !ok {
		return 0, nil
	}
	remaining := until.Sub(s.now())
	if remaining <= 0 {
		delete(s.lockouts, key)
		return 0, nil
	}
	return remaining, nil
}

// ClearLockout lifts the lockout on key
func (s *MemoryStore) ClearLockout(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lockouts, key)
	return nil
}

// Cleanup drops windows with no entries newer than maxWindow
func (s *MemoryStore) Cleanup(maxWindow time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxWindow)
	removed := 0
	for key, entries := range s.windows {
		if len(entries) == 0 || !entries[len(entries)-1].After(cutoff) {
			delete(s.windows, key)
			removed++
		}
	}
	return removed
}
