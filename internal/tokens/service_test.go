package tokens

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	pemOnce sync.Once
	testPEM []byte
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func sharedPEM(t *testing.T) []byte {
	t.Helper()
	pemOnce.Do(func() {
		data, _, err := GenerateKeyPEM(MinKeyBits)
		require.NoError(t, err)
		testPEM = data
	})
	return testPEM
}

func newTestService(t *testing.T, clock *fakeClock, blacklist Blacklist) *Service {
	t.Helper()
	keys, err := NewKeyManagerFromPEM(sharedPEM(t), WithKeyClock(clock.Now), WithTrustWindow(time.Hour))
	require.NoError(t, err)
	if blacklist == nil {
		blacklist = NewMemoryBlacklist(clock.Now)
	}
	svc, err := NewService(keys, blacklist, zap.NewNop(),
		WithIssuer("dotmac-security"),
		WithAudience("dotmac-platform"),
		WithAccessTTL(15*time.Minute),
		WithRefreshTTL(24*time.Hour),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	return svc
}

func testSubject() Subject {
	return Subject{
		UserID:      "user-1",
		TenantID:    "tenant-1",
		Roles:       []string{"support_agent"},
		Permissions: []string{"ticket:read"},
		SessionID:   "session-1",
		PortalType:  "admin",
	}
}

func TestTokenPairRoundTrip(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)

	pair, err := svc.GenerateTokenPair(testSubject())
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)

	claims, err := svc.ValidateToken(context.Background(), pair.AccessToken, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, TypeAccess, claims.Type)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, "admin", claims.PortalType)
	assert.Equal(t, svc.Keys().Active().ID, claims.KeyID)
	assert.NotEmpty(t, claims.ID)

	refreshClaims, err := svc.ValidateToken(context.Background(), pair.RefreshToken, TypeRefresh)
	require.NoError(t, err)
	assert.NotEqual(t, claims.ID, refreshClaims.ID)
}

func TestTamperedTokenIsInvalid(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	token, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	for i := range parts {
		tampered := append([]string(nil), parts...)
		seg := []byte(tampered[i])
		mid := len(seg) / 2
		if seg[mid] == 'A' {
			seg[mid] = 'B'
		} else {
			seg[mid] = 'A'
		}
		tampered[i] = string(seg)

		_, err := svc.ValidateToken(context.Background(), strings.Join(tampered, "."), "")
		require.Error(t, err, "segment %d", i)
		assert.True(t, errors.Is(err, ErrTokenInvalid), "segment %d: %v", i, err)
		assert.Equal(t, KindInvalid, KindOf(err))
	}
}

func TestExpiredToken(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	token, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)
	_, err = svc.ValidateToken(context.Background(), token, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestWrongTokenType(t *testing.T) {
	svc := newTestService(t, newFakeClock(), nil)
	pair, err := svc.GenerateTokenPair(testSubject())
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), pair.AccessToken, TypeRefresh)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestRefreshRotationRejectsReplay(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	pair, err := svc.GenerateTokenPair(testSubject())
	require.NoError(t, err)

	rotated, claims, err := svc.RefreshAccessToken(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	newClaims, err := svc.ValidateToken(context.Background(), rotated.AccessToken, TypeAccess)
	require.NoError(t, err)
	assert.Equal(t, []string{"ticket:read"}, newClaims.Permissions)

	_, _, err = svc.RefreshAccessToken(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)
	assert.Equal(t, KindRevoked, KindOf(err))
}

func TestRevokeToken(t *testing.T) {
	clock := newFakeClock()
	blacklist := NewMemoryBlacklist(clock.Now)
	svc := newTestService(t, clock, blacklist)
	token, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)

	require.NoError(t, svc.RevokeToken(context.Background(), token))
	_, err = svc.ValidateToken(context.Background(), token, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	clock.Advance(16 * time.Minute)
	assert.Equal(t, 1, blacklist.Cleanup())

	assert.ErrorIs(t, svc.RevokeToken(context.Background(), "not-a-token"), ErrTokenInvalid)
}

func TestRevokeExpiredTokenIsNoop(t *testing.T) {
	clock := newFakeClock()
	blacklist := NewMemoryBlacklist(clock.Now)
	svc := newTestService(t, clock, blacklist)
	token, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)

	clock.Advance(time.Hour)
	require.NoError(t, svc.RevokeToken(context.Background(), token))
	assert.Equal(t, 0, blacklist.Cleanup())
}

type brokenBlacklist struct{}

func (brokenBlacklist) Add(context.Context, string, time.Duration) error { return errors.New("down") }
func (brokenBlacklist) Exists(context.Context, string) (bool, error)      { return false, errors.New("down") }
func (brokenBlacklist) Remove(context.Context, string) error              { return errors.New("down") }

func TestBlacklistFailureFailsClosed(t *testing.T) {
	svc := newTestService(t, newFakeClock(), brokenBlacklist{})
	token, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), token, TypeAccess)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestKeyRotationTrustWindow(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	oldToken, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)
	oldKid := svc.Keys().Active().ID

	_, err = svc.Keys().Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, svc.Keys().Active().ID)
	assert.Len(t, svc.Keys().JWKS().Keys, 2)

	_, err = svc.ValidateToken(context.Background(), oldToken, TypeAccess)
	require.NoError(t, err)

	newToken, _, err := svc.GenerateAccessToken(testSubject())
	require.NoError(t, err)
	claims, err := svc.ValidateToken(context.Background(), newToken, TypeAccess)
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, claims.KeyID)

	clock.Advance(61 * time.Minute)
	assert.Equal(t, 1, svc.Keys().Prune())
	_, ok := svc.Keys().PublicKey(oldKid)
	assert.False(t, ok)
	assert.Len(t, svc.Keys().JWKS().Keys, 1)
}

func TestDefaultTrustWindow(t *testing.T) {
	clock := newFakeClock()
	keys, err := NewKeyManagerFromPEM(sharedPEM(t), WithKeyClock(clock.Now))
	require.NoError(t, err)
	oldKid := keys.Active().ID
	_, err = keys.Rotate()
	require.NoError(t, err)

	clock.Advance(DefaultTrustWindow - time.Minute)
	assert.Equal(t, 0, keys.Prune())
	_, ok := keys.PublicKey(oldKid)
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, keys.Prune())
	_, ok = keys.PublicKey(oldKid)
	assert.False(t, ok)
}

func TestUntrustedKeyRejected(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	otherKeys, err := NewKeyManager(MinKeyBits, WithKeyClock(clock.Now))
	require.NoError(t, err)
	other, err := NewService(otherKeys, NewMemoryBlacklist(clock.Now), zap.NewNop(),
		WithIssuer("dotmac-security"), WithAudience("dotmac-platform"), WithClock(clock.Now))
	require.NoError(t, err)

	token, _, err := other.GenerateAccessToken(testSubject())
	require.NoError(t, err)
	_, err = svc.ValidateToken(context.Background(), token, "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestMissingRequiredClaims(t *testing.T) {
	clock := newFakeClock()
	svc := newTestService(t, clock, nil)
	key := svc.Keys().Active()
	now := clock.Now()

	claims := Claims{
		Type:  TypeAccess,
		KeyID: key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dotmac-security",
			Audience:  jwt.ClaimStrings{"dotmac-platform"},
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        "jti-1",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = key.ID
	signed, err := token.SignedString(key.Private)
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), signed, "")
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Contains(t, err.Error(), "tenant_id")
}

func TestKeySizeMinimum(t *testing.T) {
	_, err := NewKeyManager(1024)
	assert.Error(t, err)
	_, _, err = GenerateKeyPEM(1024)
	assert.Error(t, err)
}

func TestJWKSShape(t *testing.T) {
	svc := newTestService(t, newFakeClock(), nil)
	set := svc.Keys().JWKS()
	require.Len(t, set.Keys, 1)
	k := set.Keys[0]
	assert.Equal(t, "RSA", k.Kty)
	assert.Equal(t, "sig", k.Use)
	assert.Equal(t, "RS256", k.Alg)
	assert.Equal(t, svc.Keys().Active().ID, k.Kid)
	assert.Equal(t, "AQAB", k.E)
	assert.NotEmpty(t, k.N)
}

func TestRedisBlacklist(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bl := NewRedisBlacklist(client)
	ctx := context.Background()

	require.NoError(t, bl.Add(ctx, "jti-1", time.Minute))
	ok, err := bl.Exists(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = bl.Exists(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, bl.Add(ctx, "jti-2", time.Minute))
	require.NoError(t, bl.Remove(ctx, "jti-2"))
	ok, err = bl.Exists(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRefreshTTLMustExceedAccessTTL(t *testing.T) {
	keys, err := NewKeyManagerFromPEM(sharedPEM(t))
	require.NoError(t, err)
	_, err = NewService(keys, NewMemoryBlacklist(nil), zap.NewNop(), WithAccessTTL(time.Hour), WithRefreshTTL(time.Minute))
	assert.Error(t, err)
}
