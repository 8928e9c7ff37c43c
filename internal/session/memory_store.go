package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Expired sessions stay until CleanupExpiredSessions runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Info
	byUser   map[string]map[string]struct{}
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory session store
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		sessions: make(map[string]*Info),
		byUser:   make(map[string]map[string]struct{}),
		now:      now,
	}
}

// StoreSession saves a copy of s
func (m *MemoryStore) StoreSession(_ context.Context, s *Info) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = s.clone()
	key := userIndexKey(s.TenantID, s.UserID)
	if m.byUser[key] == nil {
		m.byUser[key] = make(map[string]struct{})
	}
	m.byUser[key][s.SessionID] = struct{}{}
	return nil
}

// GetSession returns a copy of the session or nil
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.clone(), nil
}

// DeleteSession removes a session
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(sessionID)
	return nil
}

func (m *MemoryStore) deleteLocked(sessionID string) {
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	key := userIndexKey(s.TenantID, s.UserID)
	delete(m.byUser[key], sessionID)
	if len(m.byUser[key]) == 0 {
		delete(m.byUser, key)
	}
}

// GetUserSessions returns copies of a user's stored sessions
func (m *MemoryStore) GetUserSessions(_ context.Context, userID, tenantID string) ([]*Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byUser[userIndexKey(tenantID, userID)]
	out := make([]*Info, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok {
			out = append(out, s.clone())
		}
	}
	return out, nil
}

// CleanupExpiredSessions deletes every expired session
func (m *MemoryStore) CleanupExpiredSessions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			m.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func userIndexKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}
