package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
)

// ErrUserNotFound is returned by MemoryUserStore for unknown users
var ErrUserNotFound = errors.New("user not found")

// UserStore looks up credential records for portal login
type UserStore interface {
	GetUserByUsername(ctx context.Context, tenantID, username string) (*models.User, error)
	UpdateUserLastLogin(ctx context.Context, userID string, loginTime time.Time) error
}

// MemoryUserStore keeps users in memory
type MemoryUserStore struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserStore creates an empty user store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]*models.User)}
}

func usernameKey(tenantID, username string) string {
	return tenantID + ":" + strings.ToLower(username)
}

// AddUser stores u, replacing any user with the same tenant and username
func (s *MemoryUserStore) AddUser(u *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	if cp.Status == "" {
		cp.Status = models.UserStatusActive
	}
	s.users[usernameKey(u.TenantID, u.Username)] = &cp
}

// GetUserByUsername returns a copy of the stored user
func (s *MemoryUserStore) GetUserByUsername(_ context.Context, tenantID, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[usernameKey(tenantID, username)]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// UpdateUserLastLogin stamps the user's last login time
func (s *MemoryUserStore) UpdateUserLastLogin(_ context.Context, userID string, loginTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			t := loginTime
			u.LastLoginAt = &t
			u.UpdatedAt = loginTime
			return nil
		}
	}
	return ErrUserNotFound
}

// HashPassword returns the bcrypt hash stored in User.PasswordHash
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
