package mfa

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type captureSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

var codePattern = regexp.MustCompile(`code is (\d+)`)

func (s *captureSender) Send(_ context.Context, _ Method, _ string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, message)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.messages)
	m := codePattern.FindStringSubmatch(s.messages[len(s.messages)-1])
	require.Len(t, m, 2)
	return m[1]
}

type fixture struct {
	mgr    *Manager
	clock  *fakeClock
	sender *captureSender
	ring   *audit.RingSink
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, func(func() time.Time) Store { return NewMemoryStore() })
}

func newFixtureWithStore(t *testing.T, cfg Config, newStore func(now func() time.Time) Store) *fixture {
	t.Helper()
	if cfg.BackupCodeCost == 0 {
		cfg.BackupCodeCost = bcrypt.MinCost
	}
	clock := &fakeClock{now: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
	sender := &captureSender{}
	ring := audit.NewRingSink(100)
	mgr := NewManager(newStore(clock.Now), sender, cfg, audit.NewTrail(zap.NewNop(), ring), zap.NewNop(), WithClock(clock.Now))
	return &fixture{mgr: mgr, clock: clock, sender: sender, ring: ring}
}

func TestTOTPEnrollmentLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	state, err := f.mgr.Status(ctx, "t1", "u1", MethodTOTP)
	require.NoError(t, err)
	assert.Equal(t, StateUnenrolled, state)

	enrollment, err := f.mgr.EnrollTOTP(ctx, "t1", "u1", "user@example.com")
	require.NoError(t, err)
	assert.Contains(t, enrollment.URL, "otpauth://totp/")

	state, err = f.mgr.Status(ctx, "t1", "u1", MethodTOTP)
	require.NoError(t, err)
	assert.Equal(t, StatePendingVerification, state)

	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, code))

	state, err = f.mgr.Status(ctx, "t1", "u1", MethodTOTP)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, state)

	// TOTP codes are not consumed
	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, code))

	_, err = f.mgr.EnrollTOTP(ctx, "t1", "u1", "")
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)

	verified, err := f.mgr.HasVerifiedMethod(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestTOTPSkewWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	enrollment, err := f.mgr.EnrollTOTP(ctx, "t1", "u1", "")
	require.NoError(t, err)

	previous, err := totp.GenerateCode(enrollment.Secret, f.clock.Now().Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, previous))

	stale, err := totp.GenerateCode(enrollment.Secret, f.clock.Now().Add(-5*time.Minute))
	require.NoError(t, err)
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, stale))
}

func TestSMSCodeIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	require.NoError(t, f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodSMS, "+15550100"))
	code := f.sender.lastCode(t)
	assert.Len(t, code, 6)

	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodSMS, code))
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodSMS, code))

	state, err := f.mgr.Status(ctx, "t1", "u1", MethodSMS)
	require.NoError(t, err)
	assert.Equal(t, StateVerified, state)
}

func TestSMSCodeExpires(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	require.NoError(t, f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodEmail, "user@example.com"))
	code := f.sender.lastCode(t)

	f.clock.Advance(5 * time.Minute)
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodEmail, code))

	challenge, err := f.mgr.store.GetChallenge(ctx, "t1", "u1", MethodEmail)
	require.NoError(t, err)
	assert.Nil(t, challenge)
}

func TestSendCodeThrottled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{SendBurst: 2, SendInterval: time.Minute})

	require.NoError(t, f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodSMS, "+15550100"))
	require.NoError(t, f.mgr.SendCode(ctx, "t1", "u1", MethodSMS))
	assert.ErrorIs(t, f.mgr.SendCode(ctx, "t1", "u1", MethodSMS), ErrSendThrottled)

	f.clock.Advance(time.Minute)
	assert.NoError(t, f.mgr.SendCode(ctx, "t1", "u1", MethodSMS))
}

func TestSendCodeErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	assert.ErrorIs(t, f.mgr.SendCode(ctx, "t1", "u1", MethodSMS), ErrNotEnrolled)
	assert.ErrorIs(t, f.mgr.SendCode(ctx, "t1", "u1", MethodTOTP), ErrUnsupportedMethod)
	assert.ErrorIs(t, f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodSMS, ""), ErrNoDestination)

	f.sender.err = errors.New("gateway down")
	err := f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodSMS, "+15550100")
	assert.Error(t, err)
}

func TestBackupCodesSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	codes, err := f.mgr.GenerateBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)
	require.Len(t, codes, 8)
	for _, c := range codes {
		assert.Regexp(t, `^[A-Z0-9]{8}$`, c)
	}

	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, codes[0]))
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, codes[0]))

	remaining, err := f.mgr.RemainingBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 7, remaining)

	// regeneration invalidates the previous batch
	_, err = f.mgr.GenerateBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, codes[1]))
}

// concurrentValidations runs n simultaneous validations of code and returns how many succeeded
func concurrentValidations(f *fixture, method Method, code string, n int) int {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if f.mgr.ValidateMFA(context.Background(), "t1", "u1", method, code) {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()
	return successes
}

func TestConcurrentCodesAreSingleUse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxFailedAttempts: 100})

	codes, err := f.mgr.GenerateBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, concurrentValidations(f, MethodBackupCode, codes[0], 8))

	remaining, err := f.mgr.RemainingBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, len(codes)-1, remaining)

	require.NoError(t, f.mgr.EnrollCodeMethod(ctx, "t1", "u1", MethodSMS, "+15550100"))
	assert.Equal(t, 1, concurrentValidations(f, MethodSMS, f.sender.lastCode(t), 8))
}

func TestLockoutBlocksCorrectCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxFailedAttempts: 3, LockoutDuration: 10 * time.Minute})

	enrollment, err := f.mgr.EnrollTOTP(ctx, "t1", "u1", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, "000000x"))
	}
	assert.True(t, f.mgr.IsLockedOut("t1", "u1"))

	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, code))

	locked, err := f.ring.Query(ctx, audit.Filter{EventType: audit.EventMFALocked})
	require.NoError(t, err)
	assert.Len(t, locked, 1)

	// other users are unaffected
	assert.False(t, f.mgr.IsLockedOut("t1", "u2"))

	f.clock.Advance(11 * time.Minute)
	code, err = totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, code))
	assert.Equal(t, 0, f.mgr.FailedAttempts("t1", "u1"))
}

func TestSuccessClearsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxFailedAttempts: 3})

	codes, err := f.mgr.GenerateBackupCodes(ctx, "t1", "u1")
	require.NoError(t, err)

	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, "WRONG123"))
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, "WRONG456"))
	assert.Equal(t, 2, f.mgr.FailedAttempts("t1", "u1"))

	assert.True(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodBackupCode, codes[2]))
	assert.Equal(t, 0, f.mgr.FailedAttempts("t1", "u1"))
}

func TestAuditMasksCodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, "123456"))

	events, err := f.ring.Query(ctx, audit.Filter{EventType: audit.EventMFAFailed})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "12****", events[0].Details["code"])
}

func TestDisableMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	enrollment, err := f.mgr.EnrollTOTP(ctx, "t1", "u1", "")
	require.NoError(t, err)
	require.NoError(t, f.mgr.DisableMethod(ctx, "t1", "u1", MethodTOTP))

	state, err := f.mgr.Status(ctx, "t1", "u1", MethodTOTP)
	require.NoError(t, err)
	assert.Equal(t, StateDisabled, state)

	code, err := totp.GenerateCode(enrollment.Secret, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, f.mgr.ValidateMFA(ctx, "t1", "u1", MethodTOTP, code))

	assert.ErrorIs(t, f.mgr.DisableMethod(ctx, "t1", "u1", MethodSMS), ErrNotEnrolled)

	// a disabled method may be enrolled again
	_, err = f.mgr.EnrollTOTP(ctx, "t1", "u1", "")
	assert.NoError(t, err)
}
