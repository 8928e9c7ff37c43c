package mfa

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
)

const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Config holds MFA manager configuration
type Config struct {
	Issuer            string
	TOTPSkew          uint
	CodeLength        int
	CodeTTL           time.Duration
	BackupCodeCount   int
	BackupCodeLength  int
	BackupCodeCost    int
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	SendInterval      time.Duration
	SendBurst         int
}

func (c *Config) setDefaults() {
	if c.Issuer == "" {
		c.Issuer = "DotMac"
	}
	if c.TOTPSkew == 0 {
		c.TOTPSkew = 1
	}
	if c.CodeLength <= 0 {
		c.CodeLength = 6
	}
	if c.CodeTTL <= 0 {
		c.CodeTTL = 5 * time.Minute
	}
	if c.BackupCodeCount <= 0 {
		c.BackupCodeCount = 8
	}
	if c.BackupCodeLength <= 0 {
		c.BackupCodeLength = 8
	}
	if c.BackupCodeCost == 0 {
		c.BackupCodeCost = bcrypt.DefaultCost
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 30 * time.Second
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 3
	}
}

// Option configures a Manager
type Option func(*Manager)

// WithClock overrides the manager time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics records MFA attempts in mt
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// TOTPEnrollment is returned when a TOTP secret is issued
type TOTPEnrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// Manager handles MFA enrollment, validation and lockout
type Manager struct {
	store   Store
	sender  Sender
	cfg     Config
	trail   *audit.Trail
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
	senders  map[string]*rate.Limiter
}

// NewManager creates a new MFA manager
func NewManager(store Store, sender Sender, cfg Config, trail *audit.Trail, logger *zap.Logger, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		store:    store,
		sender:   sender,
		cfg:      cfg,
		trail:    trail,
		logger:   logger,
		now:      time.Now,
		failures: make(map[string][]time.Time),
		senders:  make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnrollTOTP issues a new TOTP secret in PENDING_VERIFICATION state.
// Re-enrolling replaces a pending or disabled secret.
func (m *Manager) EnrollTOTP(ctx context.Context, tenantID, userID, accountName string) (*TOTPEnrollment, error) {
	existing, err := m.store.GetEnrollment(ctx, tenantID, userID, MethodTOTP)
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if existing != nil && existing.State == StateVerified {
		return nil, ErrAlreadyEnrolled
	}
	if accountName == "" {
		accountName = userID
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	e := &Enrollment{
		UserID:    userID,
		TenantID:  tenantID,
		Method:    MethodTOTP,
		State:     StatePendingVerification,
		Secret:    key.Secret(),
		CreatedAt: m.now(),
	}
	if err := m.store.SaveEnrollment(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to save enrollment: %w", err)
	}

	m.record(ctx, tenantID, userID, audit.EventMFAEnrolled, "TOTP enrollment started", audit.RiskLow, map[string]interface{}{"method": MethodTOTP})
	return &TOTPEnrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// EnrollCodeMethod registers an SMS or email destination and sends the first code
func (m *Manager) EnrollCodeMethod(ctx context.Context, tenantID, userID string, method Method, destination string) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnsupportedMethod
	}
	if destination == "" {
		return ErrNoDestination
	}
	existing, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		return fmt.Errorf("failed to get enrollment: %w", err)
	}
	if existing != nil && existing.State == StateVerified {
		return ErrAlreadyEnrolled
	}

	e := &Enrollment{
		UserID:      userID,
		TenantID:    tenantID,
		Method:      method,
		State:       StatePendingVerification,
		Destination: destination,
		CreatedAt:   m.now(),
	}
	if err := m.store.SaveEnrollment(ctx, e); err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	m.record(ctx, tenantID, userID, audit.EventMFAEnrolled, strings.ToUpper(string(method))+" enrollment started", audit.RiskLow, map[string]interface{}{
		"method":      method,
		"destination": audit.MaskSecret(destination),
	})
	return m.SendCode(ctx, tenantID, userID, method)
}

// SendCode generates a numeric code valid for CodeTTL and delivers it to the enrolled destination
func (m *Manager) SendCode(ctx context.Context, tenantID, userID string, method Method) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnsupportedMethod
	}
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		return fmt.Errorf("failed to get enrollment: %w", err)
	}
	if e == nil || e.State == StateDisabled {
		return ErrNotEnrolled
	}
	if !m.allowSend(tenantID, userID) {
		return ErrSendThrottled
	}

	code, err := numericCode(m.cfg.CodeLength)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}
	challenge := &Challenge{Code: code, ExpiresAt: m.now().Add(m.cfg.CodeTTL)}
	if err := m.store.SaveChallenge(ctx, tenantID, userID, method, challenge); err != nil {
		return fmt.Errorf("failed to save challenge: %w", err)
	}

	message := fmt.Sprintf("Your %s verification code is %s. It expires in %d minutes.",
		m.cfg.Issuer, code, int(m.cfg.CodeTTL.Minutes()))
	if err := m.sender.Send(ctx, method, e.Destination, message); err != nil {
		return fmt.Errorf("failed to send %s code: %w", method, err)
	}

	m.logger.Info("MFA code sent",
		zap.String("user_id", userID),
		zap.String("tenant_id", tenantID),
		zap.String("method", string(method)),
		zap.String("destination", audit.MaskSecret(e.Destination)),
	)
	return nil
}

// GenerateBackupCodes replaces the user's backup codes and returns the plaintext batch once
func (m *Manager) GenerateBackupCodes(ctx context.Context, tenantID, userID string) ([]string, error) {
	plain := make([]string, m.cfg.BackupCodeCount)
	hashed := make([]BackupCode, m.cfg.BackupCodeCount)
	for i := range plain {
		code, err := randomString(backupCodeAlphabet, m.cfg.BackupCodeLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), m.cfg.BackupCodeCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plain[i] = code
		hashed[i] = BackupCode{Hash: hash}
	}

	if err := m.store.SaveBackupCodes(ctx, tenantID, userID, hashed); err != nil {
		return nil, fmt.Errorf("failed to save backup codes: %w", err)
	}
	now := m.now()
	if err := m.store.SaveEnrollment(ctx, &Enrollment{
		UserID:     userID,
		TenantID:   tenantID,
		Method:     MethodBackupCode,
		State:      StateVerified,
		CreatedAt:  now,
		VerifiedAt: &now,
	}); err != nil {
		return nil, fmt.Errorf("failed to save enrollment: %w", err)
	}

	m.record(ctx, tenantID, userID, audit.EventBackupCodesIssued, "Backup codes issued", audit.RiskMedium, map[string]interface{}{"count": len(plain)})
	return plain, nil
}

// RemainingBackupCodes returns how many unused backup codes the user holds
func (m *Manager) RemainingBackupCodes(ctx context.Context, tenantID, userID string) (int, error) {
	codes, err := m.store.GetBackupCodes(ctx, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to get backup codes: %w", err)
	}
	n := 0
	for _, c := range codes {
		if !c.Used {
			n++
		}
	}
	return n, nil
}

// ValidateMFA checks code for method. Locked-out users are rejected before any check.
// Every attempt is audited with the code masked. Failures count toward lockout; success clears it.
func (m *Manager) ValidateMFA(ctx context.Context, tenantID, userID string, method Method, code string) bool {
	if m.IsLockedOut(tenantID, userID) {
		m.logger.Warn("MFA validation blocked by lockout",
			zap.String("user_id", userID),
			zap.String("tenant_id", tenantID),
		)
		m.metrics.RecordMFAAttempt(string(method), "locked")
		return false
	}

	var (
		ok  bool
		err error
	)
	switch method {
	case MethodTOTP:
		ok, err = m.validateTOTP(ctx, tenantID, userID, code)
	case MethodSMS, MethodEmail:
		ok, err = m.validateCode(ctx, tenantID, userID, method, code)
	case MethodBackupCode:
		ok, err = m.validateBackupCode(ctx, tenantID, userID, code)
	default:
		err = ErrUnsupportedMethod
	}
	if err != nil {
		m.logger.Error("MFA validation error",
			zap.String("user_id", userID),
			zap.String("method", string(method)),
			zap.Error(err),
		)
		ok = false
	}

	details := map[string]interface{}{"method": method, "code": audit.MaskSecret(code)}
	if ok {
		m.clearFailures(tenantID, userID)
		m.markUsed(ctx, tenantID, userID, method)
		m.metrics.RecordMFAAttempt(string(method), "success")
		m.record(ctx, tenantID, userID, audit.EventMFAVerified, "MFA verification succeeded", audit.RiskLow, details)
		return true
	}

	locked := m.recordFailure(tenantID, userID)
	m.metrics.RecordMFAAttempt(string(method), "failure")
	m.record(ctx, tenantID, userID, audit.EventMFAFailed, "MFA verification failed", audit.RiskMedium, details)
	if locked {
		m.logger.Warn("MFA lockout applied",
			zap.String("user_id", userID),
			zap.String("tenant_id", tenantID),
			zap.Duration("duration", m.cfg.LockoutDuration),
		)
		m.record(ctx, tenantID, userID, audit.EventMFALocked, "MFA locked after repeated failures", audit.RiskHigh, map[string]interface{}{
			"max_failed_attempts": m.cfg.MaxFailedAttempts,
		})
	}
	return false
}

func (m *Manager) validateTOTP(ctx context.Context, tenantID, userID, code string) (bool, error) {
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, MethodTOTP)
	if err != nil {
		return false, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if e == nil || e.State == StateDisabled || e.Secret == "" {
		return false, nil
	}
	return totp.ValidateCustom(strings.TrimSpace(code), e.Secret, m.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      m.cfg.TOTPSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
}

func (m *Manager) validateCode(ctx context.Context, tenantID, userID string, method Method, code string) (bool, error) {
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		return false, fmt.Errorf("failed to get enrollment: %w", err)
	}
	if e == nil || e.State == StateDisabled {
		return false, nil
	}

	now := m.now()
	code = strings.TrimSpace(code)
	expired := false
	ok, err := m.store.ConsumeChallenge(ctx, tenantID, userID, method, func(c *Challenge) bool {
		if !now.Before(c.ExpiresAt) {
			expired = true
			return false
		}
		return subtle.ConstantTimeCompare([]byte(code), []byte(c.Code)) == 1
	})
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	if expired {
		if err := m.store.DeleteChallenge(ctx, tenantID, userID, method); err != nil {
			return false, fmt.Errorf("failed to delete challenge: %w", err)
		}
	}
	return ok, nil
}

func (m *Manager) validateBackupCode(ctx context.Context, tenantID, userID, code string) (bool, error) {
	normalized := []byte(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", "")))
	ok, err := m.store.ConsumeBackupCode(ctx, tenantID, userID, func(c BackupCode) bool {
		return bcrypt.CompareHashAndPassword(c.Hash, normalized) == nil
	}, m.now())
	if err != nil {
		return false, fmt.Errorf("failed to consume backup code: %w", err)
	}
	return ok, nil
}

// markUsed stamps LastUsedAt and promotes a pending enrollment to VERIFIED
func (m *Manager) markUsed(ctx context.Context, tenantID, userID string, method Method) {
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil || e == nil {
		return
	}
	now := m.now()
	e.LastUsedAt = &now
	if e.State == StatePendingVerification {
		e.State = StateVerified
		e.VerifiedAt = &now
	}
	if err := m.store.SaveEnrollment(ctx, e); err != nil {
		m.logger.Error("Failed to update enrollment", zap.String("user_id", userID), zap.Error(err))
	}
}

// Status returns the enrollment state of method for a user
func (m *Manager) Status(ctx context.Context, tenantID, userID string, method Method) (State, error) {
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		return "", fmt.Errorf("failed to get enrollment: %w", err)
	}
	if e == nil {
		return StateUnenrolled, nil
	}
	return e.State, nil
}

// Enrollments lists all of a user's MFA enrollments
func (m *Manager) Enrollments(ctx context.Context, tenantID, userID string) ([]*Enrollment, error) {
	list, err := m.store.ListEnrollments(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollments: %w", err)
	}
	return list, nil
}

// HasVerifiedMethod reports whether the user has at least one verified method
func (m *Manager) HasVerifiedMethod(ctx context.Context, tenantID, userID string) (bool, error) {
	list, err := m.Enrollments(ctx, tenantID, userID)
	if err != nil {
		return false, err
	}
	for _, e := range list {
		if e.State == StateVerified {
			return true, nil
		}
	}
	return false, nil
}

// DisableMethod moves a method to DISABLED and discards its pending codes
func (m *Manager) DisableMethod(ctx context.Context, tenantID, userID string, method Method) error {
	e, err := m.store.GetEnrollment(ctx, tenantID, userID, method)
	if err != nil {
		return fmt.Errorf("failed to get enrollment: %w", err)
	}
	if e == nil {
		return ErrNotEnrolled
	}
	e.State = StateDisabled
	e.Secret = ""
	if err := m.store.SaveEnrollment(ctx, e); err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}

	switch method {
	case MethodSMS, MethodEmail:
		if err := m.store.DeleteChallenge(ctx, tenantID, userID, method); err != nil {
			return fmt.Errorf("failed to delete challenge: %w", err)
		}
	case MethodBackupCode:
		if err := m.store.SaveBackupCodes(ctx, tenantID, userID, nil); err != nil {
			return fmt.Errorf("failed to clear backup codes: %w", err)
		}
	}

	m.record(ctx, tenantID, userID, audit.EventMFADisabled, "MFA method disabled", audit.RiskMedium, map[string]interface{}{"method": method})
	return nil
}

// IsLockedOut reports whether failed attempts within the lockout window reached the limit
func (m *Manager) IsLockedOut(tenantID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pruneLocked(userKey(tenantID, userID))) >= m.cfg.MaxFailedAttempts
}

// FailedAttempts returns the failures counted inside the current window
func (m *Manager) FailedAttempts(tenantID, userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pruneLocked(userKey(tenantID, userID)))
}

// ResetLockout clears a user's failure history
func (m *Manager) ResetLockout(tenantID, userID string) {
	m.clearFailures(tenantID, userID)
}

func (m *Manager) pruneLocked(key string) []time.Time {
	cutoff := m.now().Add(-m.cfg.LockoutDuration)
	attempts := m.failures[key]
	kept := attempts[:0]
	for _, at := range attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(m.failures, key)
		return nil
	}
	m.failures[key] = kept
	return kept
}

// recordFailure reports whether this failure triggered the lockout
func (m *Manager) recordFailure(tenantID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey(tenantID, userID)
	attempts := append(m.pruneLocked(key), m.now())
	m.failures[key] = attempts
	return len(attempts) == m.cfg.MaxFailedAttempts
}

func (m *Manager) clearFailures(tenantID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, userKey(tenantID, userID))
}

func (m *Manager) allowSend(tenantID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userKey(tenantID, userID)
	lim, ok := m.senders[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(m.cfg.SendInterval), m.cfg.SendBurst)
		m.senders[key] = lim
	}
	return lim.AllowN(m.now(), 1)
}

func (m *Manager) record(ctx context.Context, tenantID, userID, eventType, description string, risk audit.RiskLevel, details map[string]interface{}) {
	m.trail.Record(ctx, audit.Event{
		TenantID:    tenantID,
		UserID:      userID,
		EventType:   eventType,
		Description: description,
		RiskLevel:   risk,
		Details:     details,
	})
}

func numericCode(length int) (string, error) {
	return randomString("0123456789", length)
}

func randomString(alphabet string, length int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(alphabet[n.Int64()])
	}
	return sb.String(), nil
}
