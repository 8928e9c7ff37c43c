package session

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session is unknown to the caller
var ErrSessionNotFound = errors.New("session not found")

// Status is the lifecycle state of a session
type Status string

// Session states
const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
	StatusSuspicious Status = "suspicious"
)

// Termination reasons
const (
	ReasonLogout            = "logout"
	ReasonSessionLimit      = "session_limit_exceeded"
	ReasonSecurityViolation = "security_violation"
	ReasonAdminRevoked      = "admin_revoked"
	ReasonTerminateAll      = "terminate_all"
)

// SecurityWarning records drift between a session and a request presenting it
type SecurityWarning struct {
	Type       string    `json:"type"`
	Expected   string    `json:"expected"`
	Observed   string    `json:"observed"`
	DetectedAt time.Time `json:"detected_at"`
}

// Info is a user session
type Info struct {
	SessionID         string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	TenantID          string            `json:"tenant_id"`
	CreatedAt         time.Time         `json:"created_at"`
	LastAccessedAt    time.Time         `json:"last_accessed_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	Status            Status            `json:"status"`
	IPAddress         string            `json:"ip_address"`
	UserAgent         string            `json:"user_agent"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	PortalType        string            `json:"portal_type,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Warnings          []SecurityWarning `json:"security_warnings,omitempty"`
}

// IsActive reports whether the session is ACTIVE and unexpired at now
func (s *Info) IsActive(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// IsLive reports whether the session is unexpired and not terminated. Suspicious sessions are live.
func (s *Info) IsLive(now time.Time) bool {
	return (s.Status == StatusActive || s.Status == StatusSuspicious) && now.Before(s.ExpiresAt)
}

// IsExpired reports whether the session lifetime has passed at now
func (s *Info) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Info) clone() *Info {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	out.Warnings = append([]SecurityWarning(nil), s.Warnings...)
	return &out
}

// Store persists sessions. GetSession returns nil, nil for unknown ids.
type Store interface {
	StoreSession(ctx context.Context, s *Info) error
	GetSession(ctx context.Context, sessionID string) (*Info, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetUserSessions(ctx context.Context, userID, tenantID string) ([]*Info, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)
}
