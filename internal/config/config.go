package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

// Storage backends for sessions, token blacklist and rate-limit counters
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

const minKeyBits = tokens.MinKeyBits

// Config holds all configuration for the security service
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	JWT       JWTConfig       `yaml:"jwt"`
	Session   SessionConfig   `yaml:"session"`
	MFA       MFAConfig       `yaml:"mfa"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	RBAC      RBACConfig      `yaml:"rbac"`
	Audit     AuditConfig     `yaml:"audit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Mode           string        `yaml:"mode"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// StorageConfig selects the backend for ephemeral security state
type StorageConfig struct {
	Backend string `yaml:"backend"`
}

// DatabaseConfig holds database configuration. An empty DSN keeps
// tenants, users and audit events in memory.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	Database     int    `yaml:"database"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// JWTConfig holds token signing configuration
type JWTConfig struct {
	PrivateKeyFile      string        `yaml:"private_key_file"`
	KeyBits             int           `yaml:"key_bits"`
	Issuer              string        `yaml:"issuer"`
	Audience            string        `yaml:"audience"`
	AccessTokenTTL      time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL     time.Duration `yaml:"refresh_token_ttl"`
	TrustedKeyWindow    time.Duration `yaml:"trusted_key_window"`
	KeyRotationInterval time.Duration `yaml:"key_rotation_interval"`
}

// SessionConfig holds session lifecycle configuration
type SessionConfig struct {
	Timeout                     time.Duration `yaml:"timeout"`
	MaxConcurrentSessions       int           `yaml:"max_concurrent_sessions"`
	SuspiciousActivityThreshold int           `yaml:"suspicious_activity_threshold"`
	CleanupInterval             time.Duration `yaml:"cleanup_interval"`
}

// MFAConfig holds second-factor configuration
type MFAConfig struct {
	Issuer            string        `yaml:"issuer"`
	CodeTTL           time.Duration `yaml:"code_ttl"`
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	LockoutDuration   time.Duration `yaml:"lockout_duration"`
	BackupCodeCount   int           `yaml:"backup_code_count"`
}

// RateLimitConfig holds rate limiter configuration
type RateLimitConfig struct {
	Enabled          bool          `yaml:"enabled"`
	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutDuration  time.Duration `yaml:"lockout_duration"`
}

// RBACConfig holds access engine configuration
type RBACConfig struct {
	CacheEnabled bool `yaml:"cache_enabled"`
}

// AuditConfig holds audit trail configuration
type AuditConfig struct {
	RingCapacity int `yaml:"ring_capacity"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8083,
			Mode:           "release",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			IdleTimeout:    120 * time.Second,
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageConfig{Backend: StorageMemory},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Database:     1,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		JWT: JWTConfig{
			KeyBits:          minKeyBits,
			Issuer:           "dotmac-platform",
			Audience:         "dotmac-portals",
			AccessTokenTTL:   15 * time.Minute,
			RefreshTokenTTL:  7 * 24 * time.Hour,
			TrustedKeyWindow: tokens.DefaultTrustWindow,
		},
		Session: SessionConfig{
			Timeout:                     8 * time.Hour,
			MaxConcurrentSessions:       10,
			SuspiciousActivityThreshold: 3,
			CleanupInterval:             5 * time.Minute,
		},
		MFA: MFAConfig{
			Issuer:            "DotMac",
			CodeTTL:           5 * time.Minute,
			MaxFailedAttempts: 5,
			LockoutDuration:   15 * time.Minute,
			BackupCodeCount:   8,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			LockoutThreshold: 10,
			LockoutDuration:  15 * time.Minute,
		},
		RBAC:    RBACConfig{CacheEnabled: true},
		Audit:   AuditConfig{RingCapacity: 10000},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// CONFIG_FILE, then environment variables, and validates the result
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnvInt("PORT", cfg.Server.Port)
	cfg.Server.Mode = getEnvString("GIN_MODE", cfg.Server.Mode)
	cfg.Server.ReadTimeout = getEnvDuration("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvDuration("WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", cfg.Server.IdleTimeout)
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = strings.Split(origins, ",")
	}

	cfg.Storage.Backend = getEnvString("STORAGE_BACKEND", cfg.Storage.Backend)

	cfg.Database.DSN = getEnvString("DATABASE_URL", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = getEnvDuration("DB_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)
	cfg.Database.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", cfg.Database.AutoMigrate)

	cfg.Redis.Addr = getEnvString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnvString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.Database = getEnvInt("REDIS_DB", cfg.Redis.Database)
	cfg.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)
	cfg.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", cfg.Redis.MinIdleConns)

	cfg.JWT.PrivateKeyFile = getEnvString("JWT_PRIVATE_KEY_FILE", cfg.JWT.PrivateKeyFile)
	cfg.JWT.KeyBits = getEnvInt("JWT_KEY_BITS", cfg.JWT.KeyBits)
	cfg.JWT.Issuer = getEnvString("JWT_ISSUER", cfg.JWT.Issuer)
	cfg.JWT.Audience = getEnvString("JWT_AUDIENCE", cfg.JWT.Audience)
	cfg.JWT.AccessTokenTTL = getEnvDuration("JWT_ACCESS_TTL", cfg.JWT.AccessTokenTTL)
	cfg.JWT.RefreshTokenTTL = getEnvDuration("JWT_REFRESH_TTL", cfg.JWT.RefreshTokenTTL)
	cfg.JWT.TrustedKeyWindow = getEnvDuration("JWT_TRUSTED_KEY_WINDOW", cfg.JWT.TrustedKeyWindow)
	cfg.JWT.KeyRotationInterval = getEnvDuration("JWT_KEY_ROTATION_INTERVAL", cfg.JWT.KeyRotationInterval)

	cfg.Session.Timeout = getEnvDuration("SESSION_TIMEOUT", cfg.Session.Timeout)
	cfg.Session.MaxConcurrentSessions = getEnvInt("SESSION_MAX_CONCURRENT", cfg.Session.MaxConcurrentSessions)
	cfg.Session.SuspiciousActivityThreshold = getEnvInt("SESSION_SUSPICIOUS_THRESHOLD", cfg.Session.SuspiciousActivityThreshold)
	cfg.Session.CleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", cfg.Session.CleanupInterval)

	cfg.MFA.Issuer = getEnvString("MFA_ISSUER", cfg.MFA.Issuer)
	cfg.MFA.CodeTTL = getEnvDuration("MFA_CODE_TTL", cfg.MFA.CodeTTL)
	cfg.MFA.MaxFailedAttempts = getEnvInt("MFA_MAX_FAILED_ATTEMPTS", cfg.MFA.MaxFailedAttempts)
	cfg.MFA.LockoutDuration = getEnvDuration("MFA_LOCKOUT_DURATION", cfg.MFA.LockoutDuration)
	cfg.MFA.BackupCodeCount = getEnvInt("MFA_BACKUP_CODE_COUNT", cfg.MFA.BackupCodeCount)

	cfg.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.LockoutThreshold = getEnvInt("RATE_LIMIT_LOCKOUT_THRESHOLD", cfg.RateLimit.LockoutThreshold)
	cfg.RateLimit.LockoutDuration = getEnvDuration("RATE_LIMIT_LOCKOUT_DURATION", cfg.RateLimit.LockoutDuration)

	cfg.RBAC.CacheEnabled = getEnvBool("RBAC_CACHE_ENABLED", cfg.RBAC.CacheEnabled)
	cfg.Audit.RingCapacity = getEnvInt("AUDIT_RING_CAPACITY", cfg.Audit.RingCapacity)
	cfg.Metrics.Enabled = getEnvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnvString("METRICS_PATH", cfg.Metrics.Path)
}

// Validate rejects configurations the service cannot start with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be %q or %q", c.Storage.Backend, StorageMemory, StorageRedis))
	}
	if c.Storage.Backend == StorageRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	if c.JWT.PrivateKeyFile == "" && c.JWT.KeyBits < minKeyBits {
		errs = append(errs, fmt.Errorf("jwt.key_bits %d is below the %d bit minimum", c.JWT.KeyBits, minKeyBits))
	}
	if c.JWT.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("jwt.access_token_ttl must be positive"))
	}
	if c.JWT.RefreshTokenTTL <= c.JWT.AccessTokenTTL {
		errs = append(errs, errors.New("jwt.refresh_token_ttl must exceed jwt.access_token_ttl"))
	}
	if c.JWT.TrustedKeyWindow < 0 || c.JWT.KeyRotationInterval < 0 {
		errs = append(errs, errors.New("jwt key windows must not be negative"))
	}
	if c.Session.Timeout <= 0 {
		errs = append(errs, errors.New("session.timeout must be positive"))
	}
	if c.MFA.CodeTTL <= 0 || c.MFA.LockoutDuration <= 0 {
		errs = append(errs, errors.New("mfa durations must be positive"))
	}
	if c.RateLimit.LockoutDuration <= 0 {
		errs = append(errs, errors.New("rate_limit.lockout_duration must be positive"))
	}
	if c.Audit.RingCapacity <= 0 {
		errs = append(errs, errors.New("audit.ring_capacity must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
