package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
)

// Policy rule IDs the service manages in the RBAC engine
const (
	RuleSuspended   = "tenant_suspended"
	RuleDeactivated = "tenant_deactivated"
	RuleIPWhitelist = "tenant_ip_whitelist"
)

// RegisterRequest describes a new tenant
type RegisterRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Domain   string                 `json:"domain" binding:"required"`
	Trial    bool                   `json:"trial"`
	Quota    ResourceQuota          `json:"quota"`
	Policy   *SecurityPolicy        `json:"security_policy"`
	Settings map[string]interface{} `json:"settings"`
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the service time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service handles tenant lifecycle, quotas and security policy
type Service struct {
	repo   Repository
	engine *rbac.Engine
	trail  *audit.Trail
	logger *zap.Logger
	now    func() time.Time

	// serialises read-modify-write of tenant records
	mu sync.Mutex
}

// NewService creates a new tenant service
func NewService(repo Repository, engine *rbac.Engine, trail *audit.Trail, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		engine: engine,
		trail:  trail,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTenant creates a tenant in PENDING, or TRIAL when requested
func (s *Service) RegisterTenant(ctx context.Context, req RegisterRequest, createdBy string) (*Tenant, error) {
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.Domain) == "" {
		return nil, errors.New("tenant name and domain are required")
	}
	req.Quota.setDefaults()
	policy := DefaultSecurityPolicy()
	if req.Policy != nil {
		policy = *req.Policy
	}

	status := StatusPending
	if req.Trial {
		status = StatusTrial
	}
	now := s.now()
	t := &Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Domain:    strings.ToLower(req.Domain),
		Status:    status,
		Quota:     req.Quota,
		Usage:     make(map[Resource]int64),
		Policy:    policy,
		Settings:  req.Settings,
		CreatedAt: now,
		UpdatedAt: now,
		CreatedBy: createdBy,
	}
	if err := s.repo.CreateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	if err := s.applyPolicy(t); err != nil {
		return nil, err
	}

	s.logger.Info("Tenant registered",
		zap.String("tenant_id", t.ID),
		zap.String("name", t.Name),
		zap.String("status", string(t.Status)),
		zap.String("created_by", createdBy),
	)
	s.record(ctx, t.ID, createdBy, audit.EventTenantRegistered, "Tenant registered", audit.RiskLow, map[string]interface{}{
		"name":   t.Name,
		"domain": t.Domain,
		"status": t.Status,
	})
	return t, nil
}

// GetTenant returns a tenant by ID
func (s *Service) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.repo.GetTenant(ctx, id)
}

// ListTenants returns a page of tenants, optionally filtered by status
func (s *Service) ListTenants(ctx context.Context, status Status, offset, limit int) ([]*Tenant, int, error) {
	return s.repo.ListTenants(ctx, status, offset, limit)
}

// IsOperational reports whether the tenant exists and is ACTIVE or TRIAL
func (s *Service) IsOperational(ctx context.Context, id string) (bool, error) {
	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return false, nil
		}
		return false, err
	}
	return t.Status.Operational(), nil
}

// ActivateTenant moves a PENDING or TRIAL tenant to ACTIVE
func (s *Service) ActivateTenant(ctx context.Context, id, by string) (*Tenant, error) {
	t, err := s.transition(ctx, id, StatusActive, "", func(t *Tenant) error {
		if t.Status == StatusSuspended {
			return fmt.Errorf("%w: use reactivate for suspended tenants", ErrInvalidTransition)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, by, audit.EventTenantReactivated, "Tenant activated", audit.RiskLow, nil)
	return t, nil
}

// SuspendTenant blocks every access check for the tenant's users until reactivation
func (s *Service) SuspendTenant(ctx context.Context, id, reason, by string) (*Tenant, error) {
	t, err := s.transition(ctx, id, StatusSuspended, reason, nil)
	if err != nil {
		return nil, err
	}
	if err := s.engine.AddTenantRule(id, rbac.DenyAllRule(RuleSuspended, "Tenant suspended")); err != nil {
		return nil, fmt.Errorf("failed to apply suspension policy: %w", err)
	}

	s.logger.Warn("Tenant suspended",
		zap.String("tenant_id", id),
		zap.String("reason", reason),
		zap.String("by", by),
	)
	s.record(ctx, id, by, audit.EventTenantSuspended, "Tenant suspended", audit.RiskHigh, map[string]interface{}{"reason": reason})
	return t, nil
}

// ReactivateTenant lifts a suspension
func (s *Service) ReactivateTenant(ctx context.Context, id, by string) (*Tenant, error) {
	t, err := s.transition(ctx, id, StatusActive, "", func(t *Tenant) error {
		if t.Status != StatusSuspended {
			return fmt.Errorf("%w: tenant is %s", ErrInvalidTransition, t.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.engine.RemoveTenantRule(id, RuleSuspended)

	s.logger.Info("Tenant reactivated", zap.String("tenant_id", id), zap.String("by", by))
	s.record(ctx, id, by, audit.EventTenantReactivated, "Tenant reactivated", audit.RiskMedium, nil)
	return t, nil
}

// DeactivateTenant permanently closes the tenant
func (s *Service) DeactivateTenant(ctx context.Context, id, reason, by string) (*Tenant, error) {
	t, err := s.transition(ctx, id, StatusDeactivated, reason, nil)
	if err != nil {
		return nil, err
	}
	if err := s.engine.AddTenantRule(id, rbac.DenyAllRule(RuleDeactivated, "Tenant deactivated")); err != nil {
		return nil, fmt.Errorf("failed to apply deactivation policy: %w", err)
	}
	s.engine.RemoveTenantRule(id, RuleSuspended)

	s.logger.Warn("Tenant deactivated", zap.String("tenant_id", id), zap.String("reason", reason))
	s.record(ctx, id, by, audit.EventTenantDeactivated, "Tenant deactivated", audit.RiskHigh, map[string]interface{}{"reason": reason})
	return t, nil
}

func (s *Service) transition(ctx context.Context, id string, to Status, reason string, check func(*Tenant) error) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(t); err != nil {
			return nil, err
		}
	}
	if !canTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.StatusReason = reason
	t.UpdatedAt = s.now()
	if err := s.repo.UpdateTenant(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	return t, nil
}

// restorePageSize bounds each ListTenants call made by RestorePolicies
const restorePageSize = 200

// RestorePolicies re-applies the access rules derived from every stored
// tenant's status and security policy. The engine keeps those rules in
// memory, so this must run before serving on a fresh process.
func (s *Service) RestorePolicies(ctx context.Context) (int, error) {
	restored := 0
	for offset := 0; ; offset += restorePageSize {
		page, total, err := s.repo.ListTenants(ctx, "", offset, restorePageSize)
		if err != nil {
			return restored, fmt.Errorf("failed to list tenants: %w", err)
		}
		for _, t := range page {
			if err := s.applyStatus(t); err != nil {
				return restored, err
			}
			if err := s.applyPolicy(t); err != nil {
				return restored, err
			}
			restored++
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}
	s.logger.Info("Tenant access policies restored", zap.Int("tenants", restored))
	return restored, nil
}

// applyStatus installs or lifts the deny-all rules that match the tenant's status
func (s *Service) applyStatus(t *Tenant) error {
	switch t.Status {
	case StatusSuspended:
		if err := s.engine.AddTenantRule(t.ID, rbac.DenyAllRule(RuleSuspended, "Tenant suspended")); err != nil {
			return fmt.Errorf("failed to apply suspension policy: %w", err)
		}
		s.engine.RemoveTenantRule(t.ID, RuleDeactivated)
	case StatusDeactivated:
		if err := s.engine.AddTenantRule(t.ID, rbac.DenyAllRule(RuleDeactivated, "Tenant deactivated")); err != nil {
			return fmt.Errorf("failed to apply deactivation policy: %w", err)
		}
		s.engine.RemoveTenantRule(t.ID, RuleSuspended)
	default:
		s.engine.RemoveTenantRule(t.ID, RuleSuspended)
		s.engine.RemoveTenantRule(t.ID, RuleDeactivated)
	}
	return nil
}

// UpdateSecurityPolicy replaces the tenant's security policy and re-applies its access rules
func (s *Service) UpdateSecurityPolicy(ctx context.Context, id string, policy SecurityPolicy, by string) (*Tenant, error) {
	s.mu.Lock()
	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	t.Policy = policy
	t.UpdatedAt = s.now()
	err = s.repo.UpdateTenant(ctx, t)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}

	if err := s.applyPolicy(t); err != nil {
		return nil, err
	}
	s.record(ctx, id, by, audit.EventTenantPolicyUpdated, "Tenant security policy updated", audit.RiskMedium, map[string]interface{}{
		"require_mfa":  policy.Session.RequireMFA,
		"ip_whitelist": policy.Session.IPWhitelist,
	})
	return t, nil
}

// applyPolicy mirrors the IP whitelist into a deny rule for requests from other addresses
func (s *Service) applyPolicy(t *Tenant) error {
	if len(t.Policy.Session.IPWhitelist) == 0 {
		s.engine.RemoveTenantRule(t.ID, RuleIPWhitelist)
		return nil
	}
	rule := rbac.PolicyRule{
		ID:        RuleIPWhitelist,
		Name:      "Tenant IP whitelist",
		Effect:    rbac.Deny,
		Resources: []string{rbac.Wildcard},
		Actions:   []string{rbac.Wildcard},
		Conditions: []rbac.Condition{
			{Type: rbac.ConditionIPNotIn, Values: t.Policy.Session.IPWhitelist},
		},
		Priority: 0,
		Enabled:  true,
	}
	if err := s.engine.AddTenantRule(t.ID, rule); err != nil {
		return fmt.Errorf("failed to apply ip whitelist: %w", err)
	}
	return nil
}

// CheckQuota reports whether amount more of resource fits in the tenant's quota.
// Exceeding the quota is audited and returned as false.
func (s *Service) CheckQuota(ctx context.Context, id string, resource Resource, amount int64) (bool, error) {
	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return false, err
	}
	return s.fits(ctx, t, resource, amount)
}

func (s *Service) fits(ctx context.Context, t *Tenant, resource Resource, amount int64) (bool, error) {
	limit, ok := t.Quota.Limit(resource)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	used := t.Usage[resource]
	if used+amount <= limit {
		return true, nil
	}

	s.logger.Warn("Tenant quota exceeded",
		zap.String("tenant_id", t.ID),
		zap.String("resource", string(resource)),
		zap.Int64("used", used),
		zap.Int64("requested", amount),
		zap.Int64("limit", limit),
	)
	s.record(ctx, t.ID, "", audit.EventQuotaExceeded, fmt.Sprintf("Quota exceeded for %s", resource), audit.RiskMedium, map[string]interface{}{
		"resource":  resource,
		"used":      used,
		"requested": amount,
		"limit":     limit,
	})
	return false, nil
}

// RecordUsage consumes amount of resource when it fits the quota
func (s *Service) RecordUsage(ctx context.Context, id string, resource Resource, amount int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return false, err
	}
	ok, err := s.fits(ctx, t, resource, amount)
	if err != nil || !ok {
		return false, err
	}
	t.Usage[resource] += amount
	t.UpdatedAt = s.now()
	if err := s.repo.UpdateTenant(ctx, t); err != nil {
		return false, fmt.Errorf("failed to record usage: %w", err)
	}
	return true, nil
}

// ReleaseUsage returns amount of resource to the quota
func (s *Service) ReleaseUsage(ctx context.Context, id string, resource Resource, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return err
	}
	if _, ok := t.Quota.Limit(resource); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, resource)
	}
	t.Usage[resource] -= amount
	if t.Usage[resource] < 0 {
		t.Usage[resource] = 0
	}
	t.UpdatedAt = s.now()
	if err := s.repo.UpdateTenant(ctx, t); err != nil {
		return fmt.Errorf("failed to release usage: %w", err)
	}
	return nil
}

// GetQuotaUsage reports usage against every quota resource
func (s *Service) GetQuotaUsage(ctx context.Context, id string) (map[Resource]QuotaUsage, error) {
	t, err := s.repo.GetTenant(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make(map[Resource]QuotaUsage)
	for _, r := range []Resource{ResourceUsers, ResourceCustomers, ResourceDevices, ResourceSessions, ResourceAPICalls, ResourceStorageGB} {
		limit, _ := t.Quota.Limit(r)
		used := t.Usage[r]
		u := QuotaUsage{Limit: limit, Used: used}
		if limit > 0 {
			u.Percent = float64(used) / float64(limit) * 100
		}
		out[r] = u
	}
	return out, nil
}

// GetSecurityEvents returns audit events for the tenant
func (s *Service) GetSecurityEvents(ctx context.Context, id string, filter audit.Filter) ([]audit.Event, error) {
	filter.TenantID = id
	events, err := s.trail.Query(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	return events, nil
}

func (s *Service) record(ctx context.Context, tenantID, userID, eventType, description string, risk audit.RiskLevel, details map[string]interface{}) {
	s.trail.Record(ctx, audit.Event{
		TenantID:    tenantID,
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		RiskLevel:   risk,
		Details:     details,
	})
}
