package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
)

// Reasons attached to access results
const (
	ReasonSuperAdmin         = "super_admin"
	ReasonCrossTenant        = "cross-tenant access denied"
	ReasonPermissionsExpired = "permissions expired"
	ReasonExplicitDeny       = "permission explicitly denied"
	ReasonGlobalDeny         = "denied by global policy"
	ReasonBlockedAction      = "action blocked by tenant policy"
	ReasonTenantDeny         = "denied by tenant policy"
	ReasonTenantAllow        = "allowed by tenant policy"
	ReasonPermissionGranted  = "permission granted"
	ReasonHierarchical       = "granted by admin permission"
	ReasonCustomPermission   = "granted by tenant custom permission"
	ReasonGlobalAllow        = "allowed by global policy"
	ReasonResourceDenied     = "resource access denied"
	ReasonLookupFailed       = "permission lookup failed"
	ReasonDefaultDeny        = "no matching permissions or policies"
)

// AccessResult is the structured outcome of CheckAccess
type AccessResult struct {
	Decision           Decision                 `json:"decision"`
	Reason             string                   `json:"reason"`
	MatchedPermissions []permissions.Permission `json:"matched_permissions,omitempty"`
	MatchedRoles       []permissions.Role       `json:"matched_roles,omitempty"`
	MatchedRule        string                   `json:"matched_rule,omitempty"`
	Latency            time.Duration            `json:"latency"`
	Cached             bool                     `json:"cached"`
}

// Allowed reports whether the decision is Allow
func (r AccessResult) Allowed() bool {
	return r.Decision == Allow
}

// Config holds engine configuration
type Config struct {
	CacheEnabled bool
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine time source
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics records decisions in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

type cacheKey struct {
	userID, tenantID, resource, action string
}

// Engine evaluates access requests against roles, tenant policies and global rules
type Engine struct {
	provider     PermissionProvider
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	cacheEnabled bool

	policyMu       sync.RWMutex
	tenantPolicies map[string]*TenantPolicy
	globalRules    []PolicyRule

	cacheMu   sync.Mutex
	decisions map[cacheKey]AccessResult
	userPerms map[string]*permissions.UserPermissions
}

// NewEngine creates a new RBAC engine. provider may be nil.
func NewEngine(provider PermissionProvider, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		provider:       provider,
		logger:         logger,
		now:            time.Now,
		cacheEnabled:   cfg.CacheEnabled,
		tenantPolicies: make(map[string]*TenantPolicy),
		decisions:      make(map[cacheKey]AccessResult),
		userPerms:      make(map[string]*permissions.UserPermissions),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckPermission reports whether up holds perm, honoring scope tenant isolation
func (e *Engine) CheckPermission(up *permissions.UserPermissions, perm permissions.Permission, scope *AccessContext) bool {
	if up == nil {
		return false
	}
	if up.IsSuperAdmin() {
		return true
	}
	if !scopeAllowed(up, scope) {
		return false
	}
	if up.DeniedPermissions.Has(perm) {
		return false
	}
	effective := up.EffectivePermissions()
	if effective.Has(perm) {
		return true
	}
	_, ok := hierarchicalGrant(effective, perm)
	return ok
}

// CheckAccess evaluates resource:action for up and returns a structured decision
func (e *Engine) CheckAccess(ctx context.Context, up *permissions.UserPermissions, resource, action string, ac *AccessContext) AccessResult {
	start := time.Now()
	result := e.evaluate(ctx, up, resource, action, ac)
	result.Latency = time.Since(start)
	e.metrics.RecordAccessDecision(string(result.Decision), result.Cached, result.Latency)

	if !result.Allowed() {
		e.logger.Debug("Access denied",
			zap.String("user_id", userIDOf(up)),
			zap.String("resource", resource),
			zap.String("action", action),
			zap.String("reason", result.Reason),
		)
	}
	return result
}

func (e *Engine) evaluate(ctx context.Context, up *permissions.UserPermissions, resource, action string, ac *AccessContext) AccessResult {
	if up == nil {
		return AccessResult{Decision: Deny, Reason: ReasonDefaultDeny}
	}
	if up.IsSuperAdmin() {
		return AccessResult{Decision: Allow, Reason: ReasonSuperAdmin, MatchedRoles: []permissions.Role{permissions.RoleSuperAdmin}}
	}
	if !scopeAllowed(up, ac) {
		return AccessResult{Decision: Deny, Reason: ReasonCrossTenant}
	}
	now := e.now()
	if up.IsExpired(now) {
		return AccessResult{Decision: Deny, Reason: ReasonPermissionsExpired}
	}

	key := cacheKey{userID: up.UserID, tenantID: up.TenantID, resource: resource, action: action}
	if e.cacheEnabled {
		e.cacheMu.Lock()
		cached, ok := e.decisions[key]
		e.cacheMu.Unlock()
		if ok {
			cached.Cached = true
			return cached
		}
	}

	e.policyMu.RLock()
	policy := e.tenantPolicies[up.TenantID]
	global := e.globalRules
	e.policyMu.RUnlock()

	req := &evalRequest{user: up, resource: resource, action: action, ctx: ac, now: now}
	result := e.decide(ctx, up, req, policy, global)

	if e.cacheEnabled && cacheable(policy, global, ac) {
		e.cacheMu.Lock()
		e.decisions[key] = result
		e.cacheMu.Unlock()
	}
	return result
}

func (e *Engine) decide(ctx context.Context, up *permissions.UserPermissions, req *evalRequest, policy *TenantPolicy, global []PolicyRule) AccessResult {
	perm := permissions.New(req.resource, req.action)

	if up.DeniedPermissions.Has(perm) {
		return AccessResult{Decision: Deny, Reason: ReasonExplicitDeny, MatchedPermissions: []permissions.Permission{perm}}
	}

	for i := range global {
		if global[i].Effect == Deny && global[i].matches(req) {
			return AccessResult{Decision: Deny, Reason: ReasonGlobalDeny, MatchedRule: global[i].ID}
		}
	}

	if policy != nil {
		if isBlocked(policy, req.resource, req.action) {
			return AccessResult{Decision: Deny, Reason: ReasonBlockedAction}
		}
		for i := range policy.Rules {
			rule := &policy.Rules[i]
			if !rule.matches(req) {
				continue
			}
			if rule.Effect == Deny {
				return AccessResult{Decision: Deny, Reason: ReasonTenantDeny, MatchedRule: rule.ID}
			}
			return e.confirmResource(ctx, up, req, AccessResult{Decision: Allow, Reason: ReasonTenantAllow, MatchedRule: rule.ID})
		}
	}

	effective := up.EffectivePermissions()
	if effective.Has(perm) {
		return e.confirmResource(ctx, up, req, AccessResult{
			Decision:           Allow,
			Reason:             ReasonPermissionGranted,
			MatchedPermissions: []permissions.Permission{perm},
			MatchedRoles:       rolesGranting(up.Roles, perm),
		})
	}

	if via, ok := hierarchicalGrant(effective, perm); ok {
		return e.confirmResource(ctx, up, req, AccessResult{
			Decision:           Allow,
			Reason:             ReasonHierarchical,
			MatchedPermissions: []permissions.Permission{via},
			MatchedRoles:       rolesGranting(up.Roles, via),
		})
	}

	if policy != nil && policy.CustomPermissions.Has(perm) {
		return e.confirmResource(ctx, up, req, AccessResult{
			Decision:           Allow,
			Reason:             ReasonCustomPermission,
			MatchedPermissions: []permissions.Permission{perm},
		})
	}

	for i := range global {
		if global[i].Effect == Allow && global[i].matches(req) {
			return e.confirmResource(ctx, up, req, AccessResult{Decision: Allow, Reason: ReasonGlobalAllow, MatchedRule: global[i].ID})
		}
	}

	return AccessResult{Decision: Deny, Reason: ReasonDefaultDeny}
}

// confirmResource narrows an allow to a single resource instance when the request names one
func (e *Engine) confirmResource(ctx context.Context, up *permissions.UserPermissions, req *evalRequest, allowed AccessResult) AccessResult {
	if req.ctx == nil || req.ctx.ResourceID == "" || e.provider == nil {
		return allowed
	}
	if hasAdmin(up, req.resource) {
		return allowed
	}
	ok, err := e.provider.CheckResourceAccess(ctx, up.UserID, up.TenantID, req.resource, req.ctx.ResourceID, req.action)
	if err != nil {
		e.logger.Warn("Failed to check resource access",
			zap.String("user_id", up.UserID),
			zap.String("resource", req.resource),
			zap.String("resource_id", req.ctx.ResourceID),
			zap.Error(err),
		)
		return AccessResult{Decision: Deny, Reason: ReasonLookupFailed}
	}
	if !ok {
		return AccessResult{Decision: Deny, Reason: ReasonResourceDenied}
	}
	return allowed
}

// GetUserPermissions loads permissions through the provider, caching per user and tenant
func (e *Engine) GetUserPermissions(ctx context.Context, userID, tenantID string) (*permissions.UserPermissions, error) {
	key := userKey(userID, tenantID)
	e.cacheMu.Lock()
	up, ok := e.userPerms[key]
	e.cacheMu.Unlock()
	if ok {
		return up, nil
	}
	if e.provider == nil {
		return nil, ErrUserNotFound
	}

	up, err := e.provider.GetUserPermissions(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user permissions: %w", err)
	}

	e.cacheMu.Lock()
	e.userPerms[key] = up
	e.cacheMu.Unlock()
	return up, nil
}

// CheckUserAccess loads a user's permissions and evaluates resource:action
func (e *Engine) CheckUserAccess(ctx context.Context, userID, tenantID, resource, action string, ac *AccessContext) AccessResult {
	up, err := e.GetUserPermissions(ctx, userID, tenantID)
	if err != nil {
		e.logger.Warn("Failed to load user permissions",
			zap.String("user_id", userID),
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return AccessResult{Decision: Deny, Reason: ReasonLookupFailed}
	}
	return e.CheckAccess(ctx, up, resource, action, ac)
}

// InvalidateUserPermissions drops the cached permissions and decisions of a user
func (e *Engine) InvalidateUserPermissions(userID, tenantID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	delete(e.userPerms, userKey(userID, tenantID))
	for k := range e.decisions {
		if k.userID == userID && k.tenantID == tenantID {
			delete(e.decisions, k)
		}
	}
}

// ClearCache drops every cached decision
func (e *Engine) ClearCache() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.decisions = make(map[cacheKey]AccessResult)
}

// CacheSize returns the number of cached decisions
func (e *Engine) CacheSize() int {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return len(e.decisions)
}

func (e *Engine) clearTenantCache(tenantID string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	for k := range e.decisions {
		if k.tenantID == tenantID {
			delete(e.decisions, k)
		}
	}
}

// SetTenantPolicy replaces the policy of a tenant
func (e *Engine) SetTenantPolicy(policy *TenantPolicy) error {
	for _, rule := range policy.Rules {
		if err := ValidateRule(rule); err != nil {
			return err
		}
	}
	next := policy.clone()
	sortRules(next.Rules)

	e.policyMu.Lock()
	e.tenantPolicies[policy.TenantID] = next
	e.policyMu.Unlock()

	e.clearTenantCache(policy.TenantID)
	return nil
}

// GetTenantPolicy returns a copy of a tenant's policy, or nil
func (e *Engine) GetTenantPolicy(tenantID string) *TenantPolicy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	if p, ok := e.tenantPolicies[tenantID]; ok {
		return p.clone()
	}
	return nil
}

// RemoveTenantPolicy deletes a tenant's policy
func (e *Engine) RemoveTenantPolicy(tenantID string) {
	e.policyMu.Lock()
	delete(e.tenantPolicies, tenantID)
	e.policyMu.Unlock()
	e.clearTenantCache(tenantID)
}

// AddTenantRule adds or replaces a rule in a tenant's policy
func (e *Engine) AddTenantRule(tenantID string, rule PolicyRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	e.mutateTenant(tenantID, func(p *TenantPolicy) {
		p.Rules = upsertRule(p.Rules, rule)
		sortRules(p.Rules)
	})
	return nil
}

// RemoveTenantRule deletes a rule from a tenant's policy
func (e *Engine) RemoveTenantRule(tenantID, ruleID string) bool {
	removed := false
	e.mutateTenant(tenantID, func(p *TenantPolicy) {
		p.Rules, removed = deleteRule(p.Rules, ruleID)
	})
	return removed
}

// BlockAction blocks resource:action for every user of a tenant. Either part may be "*".
func (e *Engine) BlockAction(tenantID, resource, action string) {
	e.mutateTenant(tenantID, func(p *TenantPolicy) {
		p.BlockedActions[resource+":"+action] = struct{}{}
	})
}

// UnblockAction removes a blocked action
func (e *Engine) UnblockAction(tenantID, resource, action string) {
	e.mutateTenant(tenantID, func(p *TenantPolicy) {
		delete(p.BlockedActions, resource+":"+action)
	})
}

// SetCustomPermissions replaces the tenant-wide granted permissions
func (e *Engine) SetCustomPermissions(tenantID string, perms ...permissions.Permission) {
	e.mutateTenant(tenantID, func(p *TenantPolicy) {
		p.CustomPermissions = permissions.NewSet(perms...)
	})
}

func (e *Engine) mutateTenant(tenantID string, fn func(p *TenantPolicy)) {
	e.policyMu.Lock()
	current, ok := e.tenantPolicies[tenantID]
	var next *TenantPolicy
	if ok {
		next = current.clone()
	} else {
		next = NewTenantPolicy(tenantID)
	}
	fn(next)
	e.tenantPolicies[tenantID] = next
	e.policyMu.Unlock()

	e.clearTenantCache(tenantID)
}

// AddGlobalRule adds or replaces a rule evaluated for every tenant
func (e *Engine) AddGlobalRule(rule PolicyRule) error {
	if err := ValidateRule(rule); err != nil {
		return err
	}
	e.policyMu.Lock()
	next := upsertRule(append([]PolicyRule(nil), e.globalRules...), rule)
	sortRules(next)
	e.globalRules = next
	e.policyMu.Unlock()

	e.ClearCache()
	return nil
}

// RemoveGlobalRule deletes a global rule
func (e *Engine) RemoveGlobalRule(ruleID string) bool {
	e.policyMu.Lock()
	next, removed := deleteRule(append([]PolicyRule(nil), e.globalRules...), ruleID)
	e.globalRules = next
	e.policyMu.Unlock()

	if removed {
		e.ClearCache()
	}
	return removed
}

// GlobalRules returns a copy of the global rules in evaluation order
func (e *Engine) GlobalRules() []PolicyRule {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return append([]PolicyRule(nil), e.globalRules...)
}

// ValidateRoleAssignment enforces the privilege ceiling for assigning role in targetTenantID
func (e *Engine) ValidateRoleAssignment(assigner *permissions.UserPermissions, role permissions.Role, targetTenantID string) (bool, string) {
	if assigner == nil {
		return false, "assigner is required"
	}
	if !role.Known() {
		return false, fmt.Sprintf("unknown role %q", role)
	}
	if assigner.IsSuperAdmin() {
		return true, ""
	}
	if role == permissions.RoleSuperAdmin {
		return false, "only super admins can assign the super admin role"
	}
	if assigner.HasRole(permissions.RolePlatformAdmin) {
		return true, ""
	}
	if assigner.HasRole(permissions.RoleTenantAdmin) {
		if targetTenantID != assigner.TenantID {
			return false, "tenant admins can only assign roles within their own tenant"
		}
		if role == permissions.RolePlatformAdmin {
			return false, "tenant admins cannot assign platform roles"
		}
		return true, ""
	}
	return false, "insufficient privileges to assign roles"
}

func scopeAllowed(up *permissions.UserPermissions, scope *AccessContext) bool {
	if scope == nil || scope.TenantID == "" || scope.TenantID == up.TenantID {
		return true
	}
	return up.IsSuperAdmin() || up.HasRole(permissions.RolePlatformAdmin)
}

func hierarchicalGrant(effective permissions.Set, perm permissions.Permission) (permissions.Permission, bool) {
	if admin := perm.AdminPermission(); effective.Has(admin) {
		return admin, true
	}
	if perm.Resource() == "system" && effective.Has(permissions.SystemAdmin) {
		return permissions.SystemAdmin, true
	}
	return "", false
}

func hasAdmin(up *permissions.UserPermissions, resource string) bool {
	return up.EffectivePermissions().Has(permissions.New(resource, "admin"))
}

func isBlocked(policy *TenantPolicy, resource, action string) bool {
	for _, key := range []string{
		resource + ":" + action,
		resource + ":" + Wildcard,
		Wildcard + ":" + action,
		Wildcard + ":" + Wildcard,
	} {
		if _, ok := policy.BlockedActions[key]; ok {
			return true
		}
	}
	return false
}

func rolesGranting(roles []permissions.Role, perm permissions.Permission) []permissions.Role {
	var out []permissions.Role
	for _, r := range roles {
		if r.Permissions().Has(perm) {
			out = append(out, r)
		}
	}
	return out
}

// cacheable reports whether a decision is independent of per-request context
func cacheable(policy *TenantPolicy, global []PolicyRule, ac *AccessContext) bool {
	if ac != nil && ac.ResourceID != "" {
		return false
	}
	for _, r := range global {
		if len(r.Conditions) > 0 {
			return false
		}
	}
	if policy != nil {
		for _, r := range policy.Rules {
			if len(r.Conditions) > 0 {
				return false
			}
		}
	}
	return true
}

func upsertRule(rules []PolicyRule, rule PolicyRule) []PolicyRule {
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = rule
			return rules
		}
	}
	return append(rules, rule)
}

func deleteRule(rules []PolicyRule, ruleID string) ([]PolicyRule, bool) {
	for i := range rules {
		if rules[i].ID == ruleID {
			return append(rules[:i], rules[i+1:]...), true
		}
	}
	return rules, false
}

func userIDOf(up *permissions.UserPermissions) string {
	if up == nil {
		return ""
	}
	return up.UserID
}
