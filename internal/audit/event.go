package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RiskLevel grades how security relevant an event is
type RiskLevel string

// Risk levels
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Event types emitted by the security core
const (
	EventLoginSuccess        = "auth.login_success"
	EventLoginFailed         = "auth.login_failed"
	EventLogout              = "auth.logout"
	EventTokenRefreshed      = "auth.token_refreshed"
	EventTokenRevoked        = "auth.token_revoked"
	EventKeyRotated          = "auth.key_rotated"
	EventPortalAccessDenied  = "portal.access_denied"
	EventSessionCreated      = "session.created"
	EventSessionTerminated   = "session.terminated"
	EventSessionSuspicious   = "session.suspicious_activity"
	EventMFAEnrolled         = "mfa.enrolled"
	EventMFAVerified         = "mfa.verified"
	EventMFAFailed           = "mfa.failed"
	EventMFALocked           = "mfa.locked"
	EventMFADisabled         = "mfa.disabled"
	EventBackupCodesIssued   = "mfa.backup_codes_issued"
	EventAccessDenied        = "rbac.access_denied"
	EventRateLimitExceeded   = "ratelimit.exceeded"
	EventLockoutApplied      = "ratelimit.lockout"
	EventTenantRegistered    = "tenant.registered"
	EventTenantSuspended     = "tenant.suspended"
	EventTenantReactivated   = "tenant.reactivated"
	EventTenantDeactivated   = "tenant.deactivated"
	EventTenantPolicyUpdated = "tenant.policy_updated"
	EventQuotaExceeded       = "tenant.quota_exceeded"
	EventHTTPRequest         = "http.request"
)

// Event is a single security audit record
type Event struct {
	ID          string                 `json:"id" db:"id"`
	TenantID    string                 `json:"tenant_id" db:"tenant_id"`
	UserID      string                 `json:"user_id,omitempty" db:"user_id"`
	SessionID   string                 `json:"session_id,omitempty" db:"session_id"`
	EventType   string                 `json:"event_type" db:"event_type"`
	Description string                 `json:"description" db:"description"`
	Resource    string                 `json:"resource,omitempty" db:"resource"`
	Action      string                 `json:"action,omitempty" db:"action"`
	Result      string                 `json:"result,omitempty" db:"result"`
	RiskLevel   RiskLevel              `json:"risk_level" db:"risk_level"`
	IPAddress   string                 `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string                 `json:"user_agent,omitempty" db:"user_agent"`
	Details     map[string]interface{} `json:"details,omitempty" db:"-"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`
}

// Filter narrows an event query. Zero fields match everything.
type Filter struct {
	TenantID  string
	UserID    string
	EventType string
	RiskLevel RiskLevel
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e *Event) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.CreatedAt.After(f.Until) {
		return false
	}
	return true
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a lexicographically sortable event identifier
func NewID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// MaskSecret keeps the first two characters of s and masks the rest
func MaskSecret(s string) string {
	if len(s) <= 2 {
		return "****"
	}
	masked := []byte(s)
	for i := 2; i < len(masked); i++ {
		masked[i] = '*'
	}
	return string(masked)
}
