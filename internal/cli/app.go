package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/auth"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/config"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/database"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/mfa"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/portal"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/ratelimit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	redisclient "github.com/michaelayoade/dotmac-framework-sub009/internal/redis"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/session"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tenant"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/websocket"
)

const memoryCleanupInterval = time.Minute

// app holds every wired component of the security core
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db    *database.Client
	redis *redisclient.Client

	metrics      *metrics.Metrics
	trail        *audit.Trail
	keys         *tokens.KeyManager
	tokens       *tokens.Service
	engine       *rbac.Engine
	provider     *rbac.StaticProvider
	users        auth.UserStore
	memUsers     *auth.MemoryUserStore
	sessions     *session.Manager
	mfa          *mfa.Manager
	limiter      *ratelimit.Limiter
	tenants      *tenant.Service
	orchestrator *portal.Orchestrator
	hub          *websocket.Hub

	// set only for the memory backend
	blacklist *tokens.MemoryBlacklist
	rateStore *ratelimit.MemoryStore

	router *gin.Engine
}

// newApp connects the storage backends and builds every service on top of them
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	ring := audit.NewRingSink(cfg.Audit.RingCapacity)
	var tenantRepo tenant.Repository
	var provider rbac.PermissionProvider
	if cfg.Database.DSN != "" {
		db, err := database.NewClient(database.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.db = db
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				a.Close()
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
		}
		// the database sink comes first so queries read the durable log
		a.trail = audit.NewTrail(logger, database.NewAuditSink(db), ring)
		tenantRepo = database.NewTenantRepository(db)
		provider = db
		a.users = db
	} else {
		a.trail = audit.NewTrail(logger, ring)
		tenantRepo = tenant.NewMemoryRepository()
		a.provider = rbac.NewStaticProvider()
		provider = a.provider
		a.memUsers = auth.NewMemoryUserStore()
		a.users = a.memUsers
	}

	var (
		blacklist    tokens.Blacklist
		sessionStore session.Store
		rateStore    ratelimit.Store
		mfaStore     mfa.Store
	)
	switch cfg.Storage.Backend {
	case config.StorageRedis:
		rc, err := redisclient.NewClient(ctx, redisclient.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			Database:     cfg.Redis.Database,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		a.redis = rc
		blacklist = tokens.NewRedisBlacklist(rc.Universal())
		sessionStore = session.NewRedisStore(rc.Universal(), logger, nil)
		rateStore = ratelimit.NewRedisStore(rc.Universal())
		mfaStore = mfa.NewRedisStore(rc.Universal(), nil)
	default:
		a.blacklist = tokens.NewMemoryBlacklist(nil)
		a.rateStore = ratelimit.NewMemoryStore(nil)
		blacklist = a.blacklist
		sessionStore = session.NewMemoryStore(nil)
		rateStore = a.rateStore
		mfaStore = mfa.NewMemoryStore()
	}

	keys, err := loadKeys(cfg.JWT)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.keys = keys

	a.tokens, err = tokens.NewService(keys, blacklist, logger,
		tokens.WithIssuer(cfg.JWT.Issuer),
		tokens.WithAudience(cfg.JWT.Audience),
		tokens.WithAccessTTL(cfg.JWT.AccessTokenTTL),
		tokens.WithRefreshTTL(cfg.JWT.RefreshTokenTTL),
		tokens.WithMetrics(a.metrics),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}

	a.engine = rbac.NewEngine(provider, rbac.Config{CacheEnabled: cfg.RBAC.CacheEnabled}, logger, rbac.WithMetrics(a.metrics))
	a.sessions = session.NewManager(sessionStore, session.Config{
		SessionTimeout:              cfg.Session.Timeout,
		MaxConcurrentSessions:       cfg.Session.MaxConcurrentSessions,
		SuspiciousActivityThreshold: cfg.Session.SuspiciousActivityThreshold,
	}, a.trail, logger, session.WithMetrics(a.metrics))
	a.mfa = mfa.NewManager(mfaStore, mfa.NewLogSender(logger), mfa.Config{
		Issuer:            cfg.MFA.Issuer,
		CodeTTL:           cfg.MFA.CodeTTL,
		BackupCodeCount:   cfg.MFA.BackupCodeCount,
		MaxFailedAttempts: cfg.MFA.MaxFailedAttempts,
		LockoutDuration:   cfg.MFA.LockoutDuration,
	}, a.trail, logger, mfa.WithMetrics(a.metrics))

	a.limiter, err = ratelimit.NewLimiter(rateStore, ratelimit.DefaultRules(), ratelimit.Config{
		Enabled:          cfg.RateLimit.Enabled,
		LockoutThreshold: cfg.RateLimit.LockoutThreshold,
		LockoutDuration:  cfg.RateLimit.LockoutDuration,
	}, a.trail, logger, ratelimit.WithMetrics(a.metrics))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize rate limiter: %w", err)
	}

	a.tenants = tenant.NewService(tenantRepo, a.engine, a.trail, logger)
	if _, err := a.tenants.RestorePolicies(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore tenant policies: %w", err)
	}
	a.orchestrator = portal.NewOrchestrator(a.engine, a.tokens, a.sessions, a.trail, logger, portal.WithMetrics(a.metrics))
	a.hub = websocket.NewHub(a.trail, logger)

	a.router = a.routes()
	return a, nil
}

// loadKeys reads the configured signing key or generates a fresh one
func loadKeys(cfg config.JWTConfig) (*tokens.KeyManager, error) {
	opts := []tokens.KeyOption{tokens.WithTrustWindow(cfg.TrustedKeyWindow)}
	if cfg.PrivateKeyFile == "" {
		keys, err := tokens.NewKeyManager(cfg.KeyBits, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return keys, nil
	}
	pemData, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	keys, err := tokens.NewKeyManagerFromPEM(pemData, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	return keys, nil
}

func (a *app) routes() *gin.Engine {
	if a.cfg.Server.Mode == gin.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(middleware.Recovery(a.logger))
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Metrics(a.metrics))
	router.Use(middleware.CORS(a.cfg.Server.AllowedOrigins))
	router.Use(middleware.Security())
	router.Use(middleware.AuditLog(a.trail))

	router.GET("/health", a.health)
	if a.cfg.Metrics.Enabled {
		router.GET(a.cfg.Metrics.Path, gin.WrapH(a.metrics.Handler()))
	}

	authHandler := auth.NewHandler(auth.Dependencies{
		Users:        a.users,
		Engine:       a.engine,
		Orchestrator: a.orchestrator,
		Tokens:       a.tokens,
		Sessions:     a.sessions,
		MFA:          a.mfa,
		Tenants:      a.tenants,
		Trail:        a.trail,
		Metrics:      a.metrics,
	}, a.logger)
	tenantHandler := tenant.NewHandler(a.tenants, a.logger)
	wsHandler := websocket.NewHandler(a.hub, a.cfg.Server.AllowedOrigins, a.logger, websocket.WithMetrics(a.metrics))

	requireAuth := middleware.RequireAuth(a.tokens, a.sessions, a.logger)
	limit := ratelimit.Middleware(a.limiter)

	router.GET("/.well-known/jwks.json", authHandler.JWKS)

	v1 := router.Group("/api/v1")
	{
		public := v1.Group("", limit)
		public.POST("/auth/portal/:portal/login", authHandler.PortalLogin)
		public.POST("/auth/refresh", authHandler.RefreshToken)

		// user-scoped rules need the caller identity, so the limiter runs after auth
		authed := v1.Group("", requireAuth, limit)
		authed.POST("/auth/logout", authHandler.Logout)
		authed.GET("/auth/sessions", authHandler.GetActiveSessions)
		authed.DELETE("/auth/sessions/:id", authHandler.RevokeSession)

		authed.POST("/mfa/totp/enroll", authHandler.EnrollTOTP)
		authed.POST("/mfa/sms/send", authHandler.SendCode)
		authed.POST("/mfa/verify", authHandler.VerifyMFA)
		authed.POST("/mfa/backup-codes", authHandler.GenerateBackupCodes)

		authed.GET("/audit/events", middleware.RequirePermission(a.engine, permissions.AuditRead), authHandler.GetAuditEvents)

		tenantAdmin := middleware.RequirePermission(a.engine, permissions.TenantAdmin)
		tenantRead := middleware.RequirePermission(a.engine, permissions.TenantRead)
		tenants := authed.Group("/tenants")
		{
			tenants.POST("", tenantAdmin, tenantHandler.CreateTenant)
			tenants.GET("", tenantAdmin, tenantHandler.ListTenants)
			tenants.GET("/:id", tenantRead, tenantHandler.GetTenant)
			tenants.PUT("/:id/security-policy", tenantAdmin, tenantHandler.UpdateSecurityPolicy)
			tenants.POST("/:id/activate", tenantAdmin, tenantHandler.ActivateTenant)
			tenants.POST("/:id/suspend", tenantAdmin, tenantHandler.SuspendTenant)
			tenants.POST("/:id/reactivate", tenantAdmin, tenantHandler.ReactivateTenant)
			tenants.POST("/:id/deactivate", tenantAdmin, tenantHandler.DeactivateTenant)
			tenants.GET("/:id/quota", tenantRead, tenantHandler.GetQuota)
			tenants.GET("/:id/security-events", middleware.RequirePermission(a.engine, permissions.AuditRead), tenantHandler.GetSecurityEvents)
		}
	}

	router.GET("/ws/security-events",
		websocket.QueryToken(),
		requireAuth,
		middleware.RequirePermission(a.engine, permissions.AuditRead),
		wsHandler.ServeAuditStream,
	)

	return router
}

func (a *app) health(c *gin.Context) {
	checks := gin.H{}
	status := http.StatusOK
	if a.db != nil {
		checks["database"] = "ok"
		if err := a.db.Health(c.Request.Context()); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	if a.redis != nil {
		checks["redis"] = "ok"
		if err := a.redis.Health(c.Request.Context()); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"service":   "security-core",
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// runBackground starts the hub and housekeeping loops. The returned
// function blocks until they have all exited after ctx is cancelled.
func (a *app) runBackground(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { a.hub.Run(ctx) })
	spawn(func() { a.sessions.RunCleanup(ctx, a.cfg.Session.CleanupInterval) })
	if a.cfg.JWT.KeyRotationInterval > 0 {
		spawn(func() { a.rotateKeys(ctx, a.cfg.JWT.KeyRotationInterval) })
	}
	if a.blacklist != nil || a.rateStore != nil {
		spawn(func() { a.cleanupMemory(ctx, memoryCleanupInterval) })
	}

	return wg.Wait
}

// rotateKeys swaps in a new signing key every interval and drops keys
// older than the trust window
func (a *app) rotateKeys(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.rotateOnce(ctx)
		}
	}
}

func (a *app) rotateOnce(ctx context.Context) {
	key, err := a.keys.Rotate()
	if err != nil {
		a.logger.Error("Signing key rotation failed", zap.Error(err))
		return
	}
	pruned := a.keys.Prune()
	a.logger.Info("Signing key rotated", zap.String("kid", key.ID), zap.Int("pruned", pruned))
	a.trail.Record(ctx, audit.Event{
		EventType:   audit.EventKeyRotated,
		Description: "Token signing key rotated",
		Result:      "success",
		RiskLevel:   audit.RiskLow,
		Details:     map[string]interface{}{"kid": key.ID, "pruned": pruned},
	})
}

func (a *app) cleanupMemory(ctx context.Context, interval time.Duration) {
	var maxWindow time.Duration
	for _, r := range a.limiter.Rules() {
		if r.Window > maxWindow {
			maxWindow = r.Window
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var revoked, counters int
			if a.blacklist != nil {
				revoked = a.blacklist.Cleanup()
			}
			if a.rateStore != nil {
				counters = a.rateStore.Cleanup(maxWindow)
			}
			if revoked+counters > 0 {
				a.logger.Debug("Pruned in-memory security state",
					zap.Int("blacklist_entries", revoked),
					zap.Int("rate_limit_keys", counters),
				)
			}
		}
	}
}

// Close releases the storage connections
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}
