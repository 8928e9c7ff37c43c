package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
)

// Config holds session manager configuration
type Config struct {
	SessionTimeout              time.Duration
	MaxConcurrentSessions       int
	SuspiciousActivityThreshold int
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the manager time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records session gauges in m
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// CreateRequest describes a new session
type CreateRequest struct {
	UserID            string
	TenantID          string
	IPAddress         string
	UserAgent         string
	DeviceFingerprint string
	PortalType        string
	Timeout           time.Duration
	Metadata          map[string]string
}

// Manager owns session lifecycle, concurrency limits and hijack detection
type Manager struct {
	store   Store
	cfg     Config
	trail   *audit.Trail
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewManager creates a new session manager
func NewManager(store Store, cfg Config, trail *audit.Trail, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 8 * time.Hour
	}
	if cfg.SuspiciousActivityThreshold <= 0 {
		cfg.SuspiciousActivityThreshold = 3
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		trail:  trail,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession evicts least recently used sessions over the limit, then stores a new session
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*Info, error) {
	if req.UserID == "" || req.TenantID == "" {
		return nil, errors.New("user id and tenant id are required")
	}
	if m.cfg.MaxConcurrentSessions > 0 {
		if _, err := m.EnforceSessionLimit(ctx, req.UserID, req.TenantID, m.cfg.MaxConcurrentSessions, nil); err != nil {
			return nil, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.SessionTimeout
	}
	now := m.now()
	s := &Info{
		SessionID:         uuid.New().String(),
		UserID:            req.UserID,
		TenantID:          req.TenantID,
		CreatedAt:         now,
		LastAccessedAt:    now,
		ExpiresAt:         now.Add(timeout),
		Status:            StatusActive,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		DeviceFingerprint: req.DeviceFingerprint,
		PortalType:        req.PortalType,
		Metadata:          req.Metadata,
	}
	if err := m.store.StoreSession(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	m.metrics.IncActiveSessions()

	m.logger.Info("Session created",
		zap.String("session_id", s.SessionID),
		zap.String("user_id", s.UserID),
		zap.String("tenant_id", s.TenantID),
		zap.String("portal_type", s.PortalType),
	)
	m.trail.Record(ctx, audit.Event{
		TenantID:    s.TenantID,
		UserID:      s.UserID,
		SessionID:   s.SessionID,
		EventType:   audit.EventSessionCreated,
		Description: "Session created",
		RiskLevel:   audit.RiskLow,
		IPAddress:   s.IPAddress,
		UserAgent:   s.UserAgent,
		Details:     map[string]interface{}{"portal_type": s.PortalType, "expires_at": s.ExpiresAt},
	})
	return s, nil
}

// EnforceSessionLimit terminates the least recently accessed live sessions matching filter
// until fewer than max remain. A nil filter matches every session.
func (m *Manager) EnforceSessionLimit(ctx context.Context, userID, tenantID string, max int, filter func(*Info) bool) (int, error) {
	sessions, err := m.GetUserSessions(ctx, userID, tenantID)
	if err != nil {
		return 0, err
	}
	var candidates []*Info
	for _, s := range sessions {
		if filter == nil || filter(s) {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	evicted := 0
	for len(candidates)-evicted >= max && evicted < len(candidates) {
		victim := candidates[evicted]
		if _, err := m.TerminateSession(ctx, victim.SessionID, ReasonSessionLimit); err != nil {
			return evicted, err
		}
		evicted++
	}
	return evicted, nil
}

// GetSession returns a live session, or nil when it is unknown, terminated or expired.
// Expired sessions are deleted on read.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Info, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return nil, nil
	}
	if s.IsExpired(m.now()) {
		if err := m.store.DeleteSession(ctx, sessionID); err != nil {
			m.logger.Warn("Failed to delete expired session", zap.String("session_id", sessionID), zap.Error(err))
		} else {
			m.metrics.DecActiveSessions()
		}
		return nil, nil
	}
	if s.Status == StatusTerminated || s.Status == StatusExpired {
		return nil, nil
	}
	return s, nil
}

// UpdateSessionActivity stamps last access time. Concurrent updates are last-write-wins.
func (m *Manager) UpdateSessionActivity(ctx context.Context, sessionID string) (bool, error) {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return false, err
	}
	s.LastAccessedAt = m.now()
	if err := m.store.StoreSession(ctx, s); err != nil {
		return false, fmt.Errorf("failed to update session activity: %w", err)
	}
	return true, nil
}

// ExtendSession pushes expiry to now plus d, or the configured timeout when d is zero
func (m *Manager) ExtendSession(ctx context.Context, sessionID string, d time.Duration) (bool, error) {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return false, err
	}
	if d <= 0 {
		d = m.cfg.SessionTimeout
	}
	now := m.now()
	s.ExpiresAt = now.Add(d)
	s.LastAccessedAt = now
	if err := m.store.StoreSession(ctx, s); err != nil {
		return false, fmt.Errorf("failed to extend session: %w", err)
	}
	return true, nil
}

// TerminateSession destroys a session and records why
func (m *Manager) TerminateSession(ctx context.Context, sessionID, reason string) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to get session: %w", err)
	}
	if s == nil {
		return false, nil
	}
	if err := m.store.DeleteSession(ctx, sessionID); err != nil {
		return false, fmt.Errorf("failed to terminate session: %w", err)
	}
	m.metrics.DecActiveSessions()

	risk := audit.RiskLow
	if reason == ReasonSecurityViolation {
		risk = audit.RiskHigh
	}
	m.logger.Info("Session terminated",
		zap.String("session_id", sessionID),
		zap.String("user_id", s.UserID),
		zap.String("reason", reason),
	)
	m.trail.Record(ctx, audit.Event{
		TenantID:    s.TenantID,
		UserID:      s.UserID,
		SessionID:   sessionID,
		EventType:   audit.EventSessionTerminated,
		Description: "Session terminated: " + reason,
		RiskLevel:   risk,
		IPAddress:   s.IPAddress,
		Details:     map[string]interface{}{"reason": reason},
	})
	return true, nil
}

// TerminateUserSession ends a session owned by userID in tenantID.
// Sessions of other users are reported as ErrSessionNotFound.
func (m *Manager) TerminateUserSession(ctx context.Context, userID, tenantID, sessionID, reason string) error {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s == nil || s.UserID != userID || s.TenantID != tenantID {
		return ErrSessionNotFound
	}
	ok, err := m.TerminateSession(ctx, sessionID, reason)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	return nil
}

// TerminateAllUserSessions ends every session of a user except excludeID
func (m *Manager) TerminateAllUserSessions(ctx context.Context, userID, tenantID, excludeID string) (int, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to list user sessions: %w", err)
	}
	count := 0
	for _, s := range sessions {
		if s.SessionID == excludeID {
			continue
		}
		ok, err := m.TerminateSession(ctx, s.SessionID, ReasonTerminateAll)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// GetUserSessions returns the live sessions of a user
func (m *Manager) GetUserSessions(ctx context.Context, userID, tenantID string) ([]*Info, error) {
	sessions, err := m.store.GetUserSessions(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list user sessions: %w", err)
	}
	now := m.now()
	out := make([]*Info, 0, len(sessions))
	for _, s := range sessions {
		if s.IsLive(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ValidateSessionSecurity compares the request's IP and user agent with the session.
// Drift flags the session suspicious; reaching the warning threshold terminates it.
// Any internal failure returns false.
func (m *Manager) ValidateSessionSecurity(ctx context.Context, sessionID, ipAddress, userAgent string) bool {
	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Error("Failed to load session for security validation",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return false
	}
	if s == nil {
		return false
	}

	now := m.now()
	var warnings []SecurityWarning
	if ipAddress != "" && s.IPAddress != "" && ipAddress != s.IPAddress {
		warnings = append(warnings, SecurityWarning{Type: "ip_change", Expected: s.IPAddress, Observed: ipAddress, DetectedAt: now})
	}
	if userAgent != "" && s.UserAgent != "" && userAgent != s.UserAgent {
		warnings = append(warnings, SecurityWarning{Type: "user_agent_change", Expected: s.UserAgent, Observed: userAgent, DetectedAt: now})
	}
	if len(warnings) == 0 {
		return true
	}

	s.Warnings = append(s.Warnings, warnings...)
	s.Status = StatusSuspicious

	if len(s.Warnings) >= m.cfg.SuspiciousActivityThreshold {
		if _, err := m.TerminateSession(ctx, sessionID, ReasonSecurityViolation); err != nil {
			m.logger.Error("Failed to terminate suspicious session", zap.String("session_id", sessionID), zap.Error(err))
		}
		return false
	}

	if err := m.store.StoreSession(ctx, s); err != nil {
		m.logger.Error("Failed to record session warning", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}

	m.logger.Warn("Suspicious session activity",
		zap.String("session_id", sessionID),
		zap.String("user_id", s.UserID),
		zap.Int("warnings", len(s.Warnings)),
	)
	m.trail.Record(ctx, audit.Event{
		TenantID:    s.TenantID,
		UserID:      s.UserID,
		SessionID:   sessionID,
		EventType:   audit.EventSessionSuspicious,
		Description: "Session presented from a different client",
		RiskLevel:   audit.RiskHigh,
		IPAddress:   ipAddress,
		UserAgent:   userAgent,
		Details:     map[string]interface{}{"warnings": warnings, "warning_count": len(s.Warnings)},
	})
	return true
}

// CleanupExpiredSessions asks the store to drop expired sessions
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	n, err := m.store.CleanupExpiredSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	if n > 0 {
		m.logger.Info("Cleaned up expired sessions", zap.Int("count", n))
	}
	return n, nil
}

// RunCleanup calls CleanupExpiredSessions every interval until ctx is done
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpiredSessions(ctx); err != nil {
				m.logger.Error("Session cleanup failed", zap.Error(err))
			}
		}
	}
}
