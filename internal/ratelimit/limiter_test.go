package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

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

type brokenStore struct{}

func (brokenStore) IncrementAndCheck(context.Context, string, time.Time, time.Duration, int) (WindowResult, error) {
	return WindowResult{}, errors.New("connection refused")
}
func (brokenStore) SetLockout(context.Context, string, time.Duration) error { return nil }
func (brokenStore) LockoutTTL(context.Context, string) (time.Duration, error) {
	return 0, errors.New("connection refused")
}
func (brokenStore) ClearLockout(context.Context, string) error { return nil }

func loginRule(max int) Rule {
	return Rule{
		ID:             "login",
		LimitType:      LimitIP,
		MaxRequests:    max,
		Window:         time.Minute,
		EndpointFilter: `^/login$`,
		MethodFilter:   []string{"POST"},
		Enabled:        true,
	}
}

func newTestLimiter(t *testing.T, store Store, cfg Config, rules ...Rule) (*Limiter, *fakeClock, *audit.RingSink) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	if store == nil {
		store = NewMemoryStore(clock.Now)
	}
	ring := audit.NewRingSink(100)
	cfg.Enabled = true
	l, err := NewLimiter(store, rules, cfg, audit.NewTrail(zap.NewNop(), ring), zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	return l, clock, ring
}

func TestSlidingWindow(t *testing.T) {
	ctx := context.Background()
	l, clock, ring := newTestLimiter(t, nil, Config{}, loginRule(3))
	req := Request{IP: "10.0.0.1", Path: "/login", Method: "POST"}

	for i := 0; i < 3; i++ {
		assert.True(t, l.CheckRateLimits(ctx, req).Allowed, "request %d", i+1)
		clock.Advance(time.Second)
	}

	res := l.CheckRateLimits(ctx, req)
	assert.False(t, res.Allowed)
	assert.Equal(t, "login", res.RuleViolated)
	assert.Equal(t, 57*time.Second, res.RetryAfter)
	assert.False(t, res.LockedOut)

	// another IP has its own window
	assert.True(t, l.CheckRateLimits(ctx, Request{IP: "10.0.0.2", Path: "/login", Method: "POST"}).Allowed)

	clock.Advance(time.Minute)
	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)

	events, err := ring.Query(ctx, audit.Filter{EventType: audit.EventRateLimitExceeded})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRuleFilters(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, nil, Config{}, loginRule(1))

	assert.True(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", Path: "/login", Method: "POST"}).Allowed)
	// GET and other paths are not counted by the rule
	for i := 0; i < 5; i++ {
		assert.True(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", Path: "/login", Method: "GET"}).Allowed)
		assert.True(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", Path: "/other", Method: "POST"}).Allowed)
	}
	assert.False(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", Path: "/login", Method: "POST"}).Allowed)
}

func TestUserRuleSkipsAnonymous(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, nil, Config{}, Rule{ID: "per_user", LimitType: LimitUser, MaxRequests: 1, Window: time.Minute, Enabled: true})

	for i := 0; i < 3; i++ {
		assert.True(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", Path: "/x", Method: "GET"}).Allowed)
	}
	assert.True(t, l.CheckRateLimits(ctx, Request{IP: "1.1.1.1", UserID: "u1", Path: "/x"}).Allowed)
	assert.False(t, l.CheckRateLimits(ctx, Request{IP: "2.2.2.2", UserID: "u1", Path: "/y"}).Allowed)
}

func TestLockoutEscalation(t *testing.T) {
	ctx := context.Background()
	l, clock, ring := newTestLimiter(t, nil, Config{LockoutThreshold: 4, LockoutDuration: 10 * time.Minute}, loginRule(2))
	req := Request{IP: "10.0.0.9", UserID: "u1", Path: "/login", Method: "POST"}

	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
	assert.False(t, l.CheckRateLimits(ctx, req).LockedOut)

	res := l.CheckRateLimits(ctx, req)
	assert.False(t, res.Allowed)
	assert.True(t, res.LockedOut)

	// the user is locked on every path and from any IP
	res = l.CheckRateLimits(ctx, Request{IP: "10.0.0.10", UserID: "u1", Path: "/elsewhere", Method: "GET"})
	assert.False(t, res.Allowed)
	assert.Equal(t, RuleLockout, res.RuleViolated)

	events, err := ring.Query(ctx, audit.Filter{EventType: audit.EventLockoutApplied})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	clock.Advance(11 * time.Minute)
	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
}

func TestClearLockout(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, nil, Config{LockoutThreshold: 2}, loginRule(1))
	req := Request{IP: "10.0.0.9", Path: "/login", Method: "POST"}

	l.CheckRateLimits(ctx, req)
	require.True(t, l.CheckRateLimits(ctx, req).LockedOut)

	require.NoError(t, l.ClearLockout(ctx, "10.0.0.9", ""))
	res := l.CheckRateLimits(ctx, Request{IP: "10.0.0.9", Path: "/other", Method: "GET"})
	assert.True(t, res.Allowed)
}

func TestFailsOpenOnStoreError(t *testing.T) {
	l, _, _ := newTestLimiter(t, brokenStore{}, Config{}, loginRule(1))
	for i := 0; i < 5; i++ {
		assert.True(t, l.CheckRateLimits(context.Background(), Request{IP: "1.1.1.1", Path: "/login", Method: "POST"}).Allowed)
	}
}

func TestRuleManagement(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLimiter(t, nil, Config{}, loginRule(1))
	req := Request{IP: "1.1.1.1", Path: "/login", Method: "POST"}

	require.True(t, l.SetRuleEnabled("login", false))
	for i := 0; i < 3; i++ {
		assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
	}
	assert.True(t, l.RemoveRule("login"))
	assert.False(t, l.RemoveRule("login"))
	assert.Empty(t, l.Rules())

	assert.Error(t, l.AddRule(Rule{ID: "bad", LimitType: LimitIP, MaxRequests: 1, Window: time.Second, EndpointFilter: "(["}))
	assert.Error(t, l.AddRule(Rule{ID: "zero", LimitType: LimitIP}))
	assert.Error(t, l.AddRule(Rule{ID: "odd", LimitType: "tenant", MaxRequests: 1, Window: time.Second}))
}

func TestDefaultRulesCompile(t *testing.T) {
	l, _, _ := newTestLimiter(t, nil, Config{}, DefaultRules()...)
	assert.Len(t, l.Rules(), len(DefaultRules()))
}

func TestRedisStoreWindow(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l, clock, _ := newTestLimiter(t, NewRedisStore(client), Config{LockoutThreshold: 3, LockoutDuration: time.Minute}, loginRule(2))
	req := Request{IP: "10.1.1.1", Path: "/login", Method: "POST"}

	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
	clock.Advance(10 * time.Second)
	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
	res := l.CheckRateLimits(ctx, req)
	assert.True(t, res.LockedOut)
	assert.True(t, mr.Exists("ratelimit:lockout:ip:10.1.1.1"))

	mr.FastForward(2 * time.Minute)
	clock.Advance(2 * time.Minute)
	assert.True(t, l.CheckRateLimits(ctx, req).Allowed)
}

func TestRedisStoreRetryAfter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	res, err := store.IncrementAndCheck(ctx, "k", start, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = store.IncrementAndCheck(ctx, "k", start.Add(15*time.Second), time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, 45*time.Second, res.RetryAfter)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _, _ := newTestLimiter(t, nil, Config{LockoutThreshold: 3, LockoutDuration: time.Minute}, loginRule(1))

	router := gin.New()
	router.Use(Middleware(l))
	router.POST("/login", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do().Code)

	w := do()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "login", body["rule_violated"])
	assert.Contains(t, body, "retry_after")
	assert.Contains(t, body, "message")

	w = do()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "login", body["rule_violated"])

	w = do()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, RuleLockout, body["rule_violated"])
	assert.Equal(t, float64(60), body["retry_after"])
}
