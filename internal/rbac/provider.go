package rbac

import (
	"context"
	"errors"
	"sync"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
)

// ErrUserNotFound is returned when a provider has no permissions for a user
var ErrUserNotFound = errors.New("user permissions not found")

// PermissionProvider loads authorization state from a backing store
type PermissionProvider interface {
	GetUserPermissions(ctx context.Context, userID, tenantID string) (*permissions.UserPermissions, error)
	GetRolePermissions(ctx context.Context, role permissions.Role) (permissions.Set, error)
	CheckResourceAccess(ctx context.Context, userID, tenantID, resource, resourceID, action string) (bool, error)
}

// StaticProvider serves permissions from memory
type StaticProvider struct {
	mu     sync.RWMutex
	users  map[string]*permissions.UserPermissions
	grants map[string]map[string]struct{}
}

// NewStaticProvider creates an empty in-memory provider
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		users:  make(map[string]*permissions.UserPermissions),
		grants: make(map[string]map[string]struct{}),
	}
}

// SetUser stores the permissions of a user
func (p *StaticProvider) SetUser(up *permissions.UserPermissions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[userKey(up.UserID, up.TenantID)] = up
}

// GrantResource allows a user to act on one resource instance
func (p *StaticProvider) GrantResource(userID, tenantID, resource, resourceID, action string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := userKey(userID, tenantID)
	if p.grants[key] == nil {
		p.grants[key] = make(map[string]struct{})
	}
	p.grants[key][resource+"/"+resourceID+":"+action] = struct{}{}
}

// GetUserPermissions returns the stored permissions of a user
func (p *StaticProvider) GetUserPermissions(_ context.Context, userID, tenantID string) (*permissions.UserPermissions, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	up, ok := p.users[userKey(userID, tenantID)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return up, nil
}

// GetRolePermissions returns the static permission set of role
func (p *StaticProvider) GetRolePermissions(_ context.Context, role permissions.Role) (permissions.Set, error) {
	return role.Permissions(), nil
}

// CheckResourceAccess reports whether a user was granted access to a resource instance
func (p *StaticProvider) CheckResourceAccess(_ context.Context, userID, tenantID, resource, resourceID, action string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.grants[userKey(userID, tenantID)][resource+"/"+resourceID+":"+action]
	return ok, nil
}

func userKey(userID, tenantID string) string {
	return tenantID + "|" + userID
}
