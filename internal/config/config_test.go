package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8083, cfg.Server.Port)
	assert.Equal(t, StorageMemory, cfg.Storage.Backend)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, 2048, cfg.JWT.KeyBits)
	assert.Equal(t, tokens.DefaultTrustWindow, cfg.JWT.TrustedKeyWindow)
	assert.Equal(t, 10, cfg.Session.MaxConcurrentSessions)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
  allowed_origins: ["https://portal.example.net"]
storage:
  backend: redis
jwt:
  issuer: isp-core
  access_token_ttl: 5m
  refresh_token_ttl: 24h
session:
  max_concurrent_sessions: 3
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("JWT_ACCESS_TTL", "10m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port, "env overrides file")
	assert.Equal(t, []string{"https://portal.example.net"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, StorageRedis, cfg.Storage.Backend)
	assert.Equal(t, "isp-core", cfg.JWT.Issuer)
	assert.Equal(t, 10*time.Minute, cfg.JWT.AccessTokenTTL)
	assert.Equal(t, 24*time.Hour, cfg.JWT.RefreshTokenTTL)
	assert.Equal(t, 3, cfg.Session.MaxConcurrentSessions)
	assert.Equal(t, "dotmac-portals", cfg.JWT.Audience, "unset keys keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"weak key", func(c *Config) { c.JWT.KeyBits = 1024 }, false},
		{"weak key ignored with key file", func(c *Config) { c.JWT.KeyBits = 1024; c.JWT.PrivateKeyFile = "/keys/jwt.pem" }, true},
		{"zero access ttl", func(c *Config) { c.JWT.AccessTokenTTL = 0 }, false},
		{"refresh not longer than access", func(c *Config) { c.JWT.RefreshTokenTTL = c.JWT.AccessTokenTTL }, false},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, false},
		{"redis without addr", func(c *Config) { c.Storage.Backend = StorageRedis; c.Redis.Addr = "" }, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, false},
		{"empty ring", func(c *Config) { c.Audit.RingCapacity = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
