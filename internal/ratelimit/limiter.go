package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
)

// RuleLockout is reported as the violated rule when an identity is locked out
const RuleLockout = "lockout"

// Config holds limiter configuration
type Config struct {
	Enabled          bool
	LockoutThreshold int
	LockoutDuration  time.Duration
}

// Request identifies the caller of one HTTP request
type Request struct {
	IP        string
	UserID    string
	Path      string
	Method    string
	UserAgent string
}

// Result is the outcome of CheckRateLimits
type Result struct {
	Allowed      bool
	RuleViolated string
	RetryAfter   time.Duration
	LockedOut    bool
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the limiter time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records rate limit hits in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Limiter applies sliding-window rules with lockout escalation
type Limiter struct {
	store   Store
	cfg     Config
	trail   *audit.Trail
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu    sync.RWMutex
	rules []*Rule
}

// NewLimiter creates a limiter over rules
func NewLimiter(store Store, rules []Rule, cfg Config, trail *audit.Trail, logger *zap.Logger, opts ...Option) (*Limiter, error) {
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	l := &Limiter{
		store:  store,
		cfg:    cfg,
		trail:  trail,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, r := range rules {
		if err := l.AddRule(r); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// AddRule adds or replaces a rule by ID
func (l *Limiter) AddRule(r Rule) error {
	if err := r.compile(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, existing := range l.rules {
		if existing.ID == r.ID {
			l.rules[i] = &r
			return nil
		}
	}
	l.rules = append(l.rules, &r)
	return nil
}

// RemoveRule deletes a rule and reports whether it existed
func (l *Limiter) RemoveRule(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.rules {
		if r.ID == id {
			l.rules = append(l.rules[:i:i], l.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetRuleEnabled toggles a rule and reports whether it exists
func (l *Limiter) SetRuleEnabled(id string, enabled bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.rules {
		if r.ID == id {
			cp := *r
			cp.Enabled = enabled
			l.rules[i] = &cp
			return true
		}
	}
	return false
}

// Rules returns a snapshot of the configured rules
func (l *Limiter) Rules() []Rule {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Rule, len(l.rules))
	for i, r := range l.rules {
		out[i] = *r
	}
	return out
}

// CheckRateLimits evaluates lockouts, then every matching rule in order, stopping at the first violation.
// Storage errors allow the request.
func (l *Limiter) CheckRateLimits(ctx context.Context, req Request) Result {
	if !l.cfg.Enabled {
		return Result{Allowed: true}
	}

	for _, key := range lockoutKeys(req) {
		ttl, err := l.store.LockoutTTL(ctx, key)
		if err != nil {
			l.logger.Error("Rate limit lockout check failed, allowing request",
				zap.String("key", key),
				zap.Error(err),
			)
			return Result{Allowed: true}
		}
		if ttl > 0 {
			l.metrics.RecordRateLimitHit(RuleLockout, true)
			return Result{Allowed: false, RuleViolated: RuleLockout, RetryAfter: ttl, LockedOut: true}
		}
	}

	l.mu.RLock()
	rules := make([]*Rule, len(l.rules))
	copy(rules, l.rules)
	l.mu.RUnlock()

	now := l.now()
	for _, rule := range rules {
		if !rule.matches(req) {
			continue
		}
		res, err := l.store.IncrementAndCheck(ctx, rule.counterKey(req), now, rule.Window, rule.MaxRequests)
		if err != nil {
			l.logger.Error("Rate limit check failed, allowing request",
				zap.String("rule_id", rule.ID),
				zap.Error(err),
			)
			return Result{Allowed: true}
		}
		if res.Allowed {
			continue
		}
		return l.violation(ctx, req, rule, res)
	}
	return Result{Allowed: true}
}

func (l *Limiter) violation(ctx context.Context, req Request, rule *Rule, res WindowResult) Result {
	out := Result{Allowed: false, RuleViolated: rule.ID, RetryAfter: res.RetryAfter}

	l.logger.Warn("Rate limit exceeded",
		zap.String("rule_id", rule.ID),
		zap.String("ip", req.IP),
		zap.String("user_id", req.UserID),
		zap.String("path", req.Path),
		zap.Int("count", res.Count),
	)
	l.trail.Record(ctx, audit.Event{
		UserID:      req.UserID,
		EventType:   audit.EventRateLimitExceeded,
		Description: fmt.Sprintf("Rate limit %s exceeded", rule.ID),
		Resource:    req.Path,
		Action:      req.Method,
		Result:      "blocked",
		RiskLevel:   audit.RiskMedium,
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		Details:     map[string]interface{}{"rule_id": rule.ID, "count": res.Count, "max_requests": rule.MaxRequests},
	})

	lockout := l.cfg.LockoutThreshold > 0 && res.Count >= l.cfg.LockoutThreshold
	l.metrics.RecordRateLimitHit(rule.ID, lockout)
	if !lockout {
		return out
	}

	for _, key := range lockoutKeys(req) {
		if err := l.store.SetLockout(ctx, key, l.cfg.LockoutDuration); err != nil {
			l.logger.Error("Failed to apply lockout", zap.String("key", key), zap.Error(err))
		}
	}
	l.logger.Warn("Lockout applied",
		zap.String("ip", req.IP),
		zap.String("user_id", req.UserID),
		zap.Duration("duration", l.cfg.LockoutDuration),
	)
	l.trail.Record(ctx, audit.Event{
		UserID:      req.UserID,
		EventType:   audit.EventLockoutApplied,
		Description: "Identity locked out after repeated rate limit violations",
		Resource:    req.Path,
		RiskLevel:   audit.RiskHigh,
		IPAddress:   req.IP,
		UserAgent:   req.UserAgent,
		Details:     map[string]interface{}{"rule_id": rule.ID, "duration_seconds": int(l.cfg.LockoutDuration.Seconds())},
	})
	out.LockedOut = true
	out.RetryAfter = l.cfg.LockoutDuration
	return out
}

// ClearLockout lifts the lockout for an IP and, when given, a user
func (l *Limiter) ClearLockout(ctx context.Context, ip, userID string) error {
	for _, key := range lockoutKeys(Request{IP: ip, UserID: userID}) {
		if err := l.store.ClearLockout(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func lockoutKeys(req Request) []string {
	keys := make([]string, 0, 2)
	if req.IP != "" {
		keys = append(keys, "ip:"+req.IP)
	}
	if req.UserID != "" {
		keys = append(keys, "user:"+req.UserID)
	}
	return keys
}
