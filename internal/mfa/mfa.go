package mfa

import (
	"context"
	"errors"
	"time"
)

// Method is an MFA factor type
type Method string

// Supported MFA methods
const (
	MethodTOTP       Method = "totp"
	MethodSMS        Method = "sms"
	MethodEmail      Method = "email"
	MethodBackupCode Method = "backup_code"
)

// Valid reports whether m is a supported method
func (m Method) Valid() bool {
	switch m {
	case MethodTOTP, MethodSMS, MethodEmail, MethodBackupCode:
		return true
	}
	return false
}

// State is the enrollment state of one method for one user
type State string

// Enrollment states
const (
	StateUnenrolled          State = "unenrolled"
	StatePendingVerification State = "pending_verification"
	StateVerified            State = "verified"
	StateDisabled            State = "disabled"
)

var (
	ErrNotEnrolled       = errors.New("mfa method not enrolled")
	ErrAlreadyEnrolled   = errors.New("mfa method already verified")
	ErrUnsupportedMethod = errors.New("unsupported mfa method")
	ErrSendThrottled     = errors.New("mfa code requested too frequently")
	ErrNoDestination     = errors.New("mfa destination is required")
)

// Enrollment is a user's registration of one MFA method
type Enrollment struct {
	UserID      string            `json:"user_id"`
	TenantID    string            `json:"tenant_id"`
	Method      Method            `json:"method"`
	State       State             `json:"state"`
	Secret      string            `json:"-"`
	Destination string            `json:"destination,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	VerifiedAt  *time.Time        `json:"verified_at,omitempty"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Challenge is a delivered one-time code awaiting validation
type Challenge struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BackupCode is a bcrypt-hashed single-use recovery code
type BackupCode struct {
	Hash   []byte     `json:"hash"`
	Used   bool       `json:"used"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// Store persists MFA enrollments, pending challenges and backup codes.
// Getters return nil, nil when nothing is stored. The Consume methods are
// atomic: of any number of concurrent callers at most one gets true.
type Store interface {
	SaveEnrollment(ctx context.Context, e *Enrollment) error
	GetEnrollment(ctx context.Context, tenantID, userID string, method Method) (*Enrollment, error)
	ListEnrollments(ctx context.Context, tenantID, userID string) ([]*Enrollment, error)

	SaveChallenge(ctx context.Context, tenantID, userID string, method Method, c *Challenge) error
	GetChallenge(ctx context.Context, tenantID, userID string, method Method) (*Challenge, error)
	DeleteChallenge(ctx context.Context, tenantID, userID string, method Method) error
	// ConsumeChallenge deletes the pending challenge if match accepts it
	ConsumeChallenge(ctx context.Context, tenantID, userID string, method Method, match func(*Challenge) bool) (bool, error)

	SaveBackupCodes(ctx context.Context, tenantID, userID string, codes []BackupCode) error
	GetBackupCodes(ctx context.Context, tenantID, userID string) ([]BackupCode, error)
	// ConsumeBackupCode marks the first unused code accepted by match as used at usedAt
	ConsumeBackupCode(ctx context.Context, tenantID, userID string, match func(BackupCode) bool, usedAt time.Time) (bool, error)
}

// Sender delivers one-time codes over SMS or email
type Sender interface {
	Send(ctx context.Context, method Method, destination, message string) error
}
