package tenant

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRepository is an in-process Repository
type MemoryRepository struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant
}

// NewMemoryRepository creates an empty MemoryRepository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tenants: make(map[string]*Tenant)}
}

// CreateTenant stores a copy of t, rejecting a domain already in use
func (r *MemoryRepository) CreateTenant(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.tenants {
		if strings.EqualFold(existing.Domain, t.Domain) {
			return ErrDomainExists
		}
	}
	r.tenants[t.ID] = t.clone()
	return nil
}

// GetTenant returns a copy of the tenant or ErrTenantNotFound
func (r *MemoryRepository) GetTenant(_ context.Context, id string) (*Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t.clone(), nil
}

// UpdateTenant replaces an existing tenant
func (r *MemoryRepository) UpdateTenant(_ context.Context, t *Tenant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[t.ID]; !ok {
		return ErrTenantNotFound
	}
	r.tenants[t.ID] = t.clone()
	return nil
}

// ListTenants pages through tenants oldest first, optionally filtered by status.
// The second result is the number of matches before paging.
func (r *MemoryRepository) ListTenants(_ context.Context, status Status, offset, limit int) ([]*Tenant, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []*Tenant
	for _, t := range r.tenants {
		if status == "" || t.Status == status {
			matched = append(matched, t)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	if offset >= total {
		return []*Tenant{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]*Tenant, 0, end-offset)
	for _, t := range matched[offset:end] {
		out = append(out, t.clone())
	}
	return out, total, nil
}
