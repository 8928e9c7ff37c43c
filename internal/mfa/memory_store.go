package mfa

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment
	challenges  map[string]*Challenge
	backupCodes map[string][]BackupCode
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]*Enrollment),
		challenges:  make(map[string]*Challenge),
		backupCodes: make(map[string][]BackupCode),
	}
}

func userKey(tenantID, userID string) string {
	return tenantID + ":" + userID
}

func methodKey(tenantID, userID string, method Method) string {
	return tenantID + ":" + userID + ":" + string(method)
}

// SaveEnrollment stores a copy of e, replacing any enrollment of the same method
func (s *MemoryStore) SaveEnrollment(_ context.Context, e *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.enrollments[methodKey(e.TenantID, e.UserID, e.Method)] = &cp
	return nil
}

// GetEnrollment returns a copy of the user's enrollment for method
func (s *MemoryStore) GetEnrollment(_ context.Context, tenantID, userID string, method Method) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[methodKey(tenantID, userID, method)]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// ListEnrollments returns the user's enrollments in method order
func (s *MemoryStore) ListEnrollments(_ context.Context, tenantID, userID string) ([]*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Enrollment
	for _, method := range []Method{MethodTOTP, MethodSMS, MethodEmail, MethodBackupCode} {
		if e, ok := s.enrollments[methodKey(tenantID, userID, method)]; ok {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SaveChallenge replaces the pending challenge for method
func (s *MemoryStore) SaveChallenge(_ context.Context, tenantID, userID string, method Method, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.challenges[methodKey(tenantID, userID, method)] = &cp
	return nil
}

// GetChallenge returns a copy of the pending challenge for method
func (s *MemoryStore) GetChallenge(_ context.Context, tenantID, userID string, method Method) (*Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[methodKey(tenantID, userID, method)]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// DeleteChallenge discards the pending challenge for method
func (s *MemoryStore) DeleteChallenge(_ context.Context, tenantID, userID string, method Method) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, methodKey(tenantID, userID, method))
	return nil
}

// ConsumeChallenge deletes the pending challenge under the write lock if match accepts it
func (s *MemoryStore) ConsumeChallenge(_ context.Context, tenantID, userID string, method Method, match func(*Challenge) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := methodKey(tenantID, userID, method)
	c, ok := s.challenges[key]
	if !ok {
		return false, nil
	}
	cp := *c
	if !match(&cp) {
		return false, nil
	}
	delete(s.challenges, key)
	return true, nil
}

// SaveBackupCodes replaces the user's backup codes
func (s *MemoryStore) SaveBackupCodes(_ context.Context, tenantID, userID string, codes []BackupCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupCodes[userKey(tenantID, userID)] = append([]BackupCode(nil), codes...)
	return nil
}

// GetBackupCodes returns a copy of the user's backup codes
func (s *MemoryStore) GetBackupCodes(_ context.Context, tenantID, userID string) ([]BackupCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	codes, ok := s.backupCodes[userKey(tenantID, userID)]
	if !ok {
		return nil, nil
	}
	return append([]BackupCode(nil), codes...), nil
}

// ConsumeBackupCode marks the first unused code accepted by match as used
func (s *MemoryStore) ConsumeBackupCode(_ context.Context, tenantID, userID string, match func(BackupCode) bool, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.backupCodes[userKey(tenantID, userID)]
	if i := matchBackupCode(codes, match); i >= 0 {
		at := usedAt
		codes[i].Used = true
		codes[i].UsedAt = &at
		return true, nil
	}
	return false, nil
}

func matchBackupCode(codes []BackupCode, match func(BackupCode) bool) int {
	for i := range codes {
		if !codes[i].Used && match(codes[i]) {
			return i
		}
	}
	return -1
}
