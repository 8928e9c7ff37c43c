package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/session"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

// Denial reasons
const (
	ReasonRoleNotAllowed    = "role_not_allowed"
	ReasonMissingPermission = "missing_permission"
	ReasonMFARequired       = "mfa_required"
	ReasonAuthMethod        = "auth_method_not_allowed"
	ReasonPortalMismatch    = "portal_mismatch"
	ReasonSessionInvalid    = "session_invalid"
	ReasonSessionSuspicious = "session_security_violation"
)

var (
	ErrAccessDenied  = errors.New("portal access denied")
	ErrUnknownPortal = errors.New("unknown portal")
)

// AccessDeniedError explains why admission to a portal was refused
type AccessDeniedError struct {
	Portal Type
	Reason string
	Detail string
}

// Error implements error
func (e *AccessDeniedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("portal access denied: %s: %s (%s)", e.Portal, e.Reason, e.Detail)
	}
	return fmt.Sprintf("portal access denied: %s: %s", e.Portal, e.Reason)
}

// Is makes errors.Is(err, ErrAccessDenied) match
func (e *AccessDeniedError) Is(target error) bool {
	return target == ErrAccessDenied
}

// AuthRequest carries an authenticated user asking for portal admission
type AuthRequest struct {
	User              *permissions.UserPermissions
	Portal            Type
	AuthMethod        AuthMethod
	MFAVerified       bool
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
}

// AuthResult is a portal-scoped session and its token pair
type AuthResult struct {
	Session     *session.Info     `json:"session"`
	Tokens      *tokens.TokenPair `json:"tokens"`
	Portal      Type              `json:"portal"`
	Permissions []string          `json:"permissions"`
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMetrics records auth attempts in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithConfigs replaces the default portal policies
func WithConfigs(configs map[Type]Config) Option {
	return func(o *Orchestrator) { o.configs = configs }
}

// Orchestrator admits users into portals
type Orchestrator struct {
	engine   *rbac.Engine
	tokens   *tokens.Service
	sessions *session.Manager
	trail    *audit.Trail
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	configs map[Type]Config
}

// NewOrchestrator creates a portal orchestrator
func NewOrchestrator(engine *rbac.Engine, tokenService *tokens.Service, sessions *session.Manager, trail *audit.Trail, logger *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		tokens:   tokenService,
		sessions: sessions,
		trail:    trail,
		logger:   logger,
		configs:  DefaultConfigs(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the policy of portal
func (o *Orchestrator) Config(portal Type) (Config, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cfg, ok := o.configs[portal]
	return cfg, ok
}

// SetConfig replaces the policy of cfg.Type
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.configs[cfg.Type] = cfg
}

// AuthenticatePortalUser checks role, required permissions, MFA and auth method in that order,
// evicts old portal sessions at the limit, then opens a session and issues portal-scoped tokens.
func (o *Orchestrator) AuthenticatePortalUser(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	cfg, ok := o.Config(req.Portal)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPortal, req.Portal)
	}
	up := req.User
	if up == nil || up.UserID == "" || up.TenantID == "" {
		return nil, errors.New("authenticated user is required")
	}

	if !cfg.allowsRole(up) {
		return nil, o.deny(ctx, req, ReasonRoleNotAllowed, "")
	}
	for _, perm := range cfg.RequiredPermissions {
		res := o.engine.CheckAccess(ctx, up, perm.Resource(), perm.Action(), &rbac.AccessContext{
			TenantID:  up.TenantID,
			IPAddress: req.IPAddress,
		})
		if !res.Allowed() {
			return nil, o.deny(ctx, req, ReasonMissingPermission, string(perm))
		}
	}
	if cfg.RequireMFA && !req.MFAVerified {
		return nil, o.deny(ctx, req, ReasonMFARequired, "")
	}
	if !cfg.allowsMethod(req.AuthMethod) {
		return nil, o.deny(ctx, req, ReasonAuthMethod, string(req.AuthMethod))
	}

	if cfg.MaxConcurrentSessions > 0 {
		evicted, err := o.sessions.EnforceSessionLimit(ctx, up.UserID, up.TenantID, cfg.MaxConcurrentSessions, func(s *session.Info) bool {
			return s.PortalType == string(req.Portal)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to enforce session limit: %w", err)
		}
		if evicted > 0 {
			o.logger.Info("Evicted portal sessions",
				zap.String("user_id", up.UserID),
				zap.String("portal", string(req.Portal)),
				zap.Int("count", evicted),
			)
		}
	}

	sess, err := o.sessions.CreateSession(ctx, session.CreateRequest{
		UserID:            up.UserID,
		TenantID:          up.TenantID,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		PortalType:        string(req.Portal),
		Timeout:           cfg.SessionTimeout,
		Metadata:          map[string]string{"auth_method": string(req.AuthMethod)},
	})
	if err != nil {
		return nil, err
	}

	scoped := FilterPermissions(req.Portal, up.EffectivePermissions())
	pair, err := o.tokens.GenerateTokenPair(tokens.Subject{
		UserID:      up.UserID,
		TenantID:    up.TenantID,
		Roles:       up.RoleStrings(),
		Permissions: scoped,
		SessionID:   sess.SessionID,
		PortalType:  string(req.Portal),
	})
	if err != nil {
		if _, termErr := o.sessions.TerminateSession(ctx, sess.SessionID, session.ReasonSecurityViolation); termErr != nil {
			o.logger.Error("Failed to roll back session", zap.String("session_id", sess.SessionID), zap.Error(termErr))
		}
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	o.metrics.RecordAuthAttempt(string(req.Portal), "success")
	o.logger.Info("Portal login succeeded",
		zap.String("user_id", up.UserID),
		zap.String("tenant_id", up.TenantID),
		zap.String("portal", string(req.Portal)),
		zap.String("session_id", sess.SessionID),
	)
	o.trail.Record(ctx, audit.Event{
		TenantID:    up.TenantID,
		UserID:      up.UserID,
		SessionID:   sess.SessionID,
		EventType:   audit.EventLoginSuccess,
		Description: fmt.Sprintf("Login to %s portal", req.Portal),
		Result:      "success",
		RiskLevel:   audit.RiskLow,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Details:     map[string]interface{}{"portal": req.Portal, "auth_method": req.AuthMethod, "permissions": len(scoped)},
	})

	return &AuthResult{Session: sess, Tokens: pair, Portal: req.Portal, Permissions: scoped}, nil
}

func (o *Orchestrator) deny(ctx context.Context, req AuthRequest, reason, detail string) error {
	o.metrics.RecordAuthAttempt(string(req.Portal), "denied")
	o.logger.Warn("Portal access denied",
		zap.String("user_id", req.User.UserID),
		zap.String("portal", string(req.Portal)),
		zap.String("reason", reason),
		zap.String("detail", detail),
	)
	o.trail.Record(ctx, audit.Event{
		TenantID:    req.User.TenantID,
		UserID:      req.User.UserID,
		EventType:   audit.EventPortalAccessDenied,
		Description: fmt.Sprintf("Access to %s portal denied", req.Portal),
		Result:      "denied",
		RiskLevel:   audit.RiskMedium,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
		Details:     map[string]interface{}{"portal": req.Portal, "reason": reason, "detail": detail, "roles": req.User.RoleStrings()},
	})
	return &AccessDeniedError{Portal: req.Portal, Reason: reason, Detail: detail}
}

// Logout ends the session and revokes any presented tokens
func (o *Orchestrator) Logout(ctx context.Context, claims *tokens.Claims, accessToken, refreshToken string) error {
	if claims.SessionID != "" {
		if _, err := o.sessions.TerminateSession(ctx, claims.SessionID, session.ReasonLogout); err != nil {
			return err
		}
	}
	for _, tok := range []string{accessToken, refreshToken} {
		if tok == "" {
			continue
		}
		if err := o.tokens.RevokeToken(ctx, tok); err != nil {
			return err
		}
	}

	o.trail.Record(ctx, audit.Event{
		TenantID:    claims.TenantID,
		UserID:      claims.Subject,
		SessionID:   claims.SessionID,
		EventType:   audit.EventLogout,
		Description: "User logged out",
		RiskLevel:   audit.RiskLow,
		Details:     map[string]interface{}{"portal": claims.PortalType},
	})
	return nil
}

// ValidatePortalRequest validates an access token presented to portal and checks its session
func (o *Orchestrator) ValidatePortalRequest(ctx context.Context, accessToken string, portal Type, ipAddress, userAgent string) (*tokens.Claims, error) {
	claims, err := o.tokens.ValidateToken(ctx, accessToken, tokens.TypeAccess)
	if err != nil {
		return nil, err
	}
	if Type(claims.PortalType) != portal {
		return nil, &AccessDeniedError{Portal: portal, Reason: ReasonPortalMismatch, Detail: claims.PortalType}
	}
	if claims.SessionID == "" {
		return claims, nil
	}

	s, err := o.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, &AccessDeniedError{Portal: portal, Reason: ReasonSessionInvalid}
	}
	if !o.sessions.ValidateSessionSecurity(ctx, claims.SessionID, ipAddress, userAgent) {
		return nil, &AccessDeniedError{Portal: portal, Reason: ReasonSessionSuspicious}
	}
	if _, err := o.sessions.UpdateSessionActivity(ctx, claims.SessionID); err != nil {
		o.logger.Warn("Failed to update session activity", zap.String("session_id", claims.SessionID), zap.Error(err))
	}
	return claims, nil
}
