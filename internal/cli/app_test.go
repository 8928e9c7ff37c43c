package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/config"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	a, err := newApp(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func (a *app) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:5000"
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func TestAppServesPublicRoutes(t *testing.T) {
	a := newTestApp(t, nil)

	w := a.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = a.do(http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var set tokens.JWKSet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RS256", set.Keys[0].Alg)

	w = a.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = a.do(http.MethodGet, "/api/v1/auth/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = a.do(http.MethodGet, "/api/v1/tenants/abc", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAppMetricsDisabled(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Metrics.Enabled = false })

	w := a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBootstrapAdminCanSignIn(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	res, err := a.bootstrapAdmin(ctx, bootstrapOptions{Username: "root", Password: "s3cret-pass", Domain: "platform.local"})
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupCodes)
	assert.True(t, strings.HasPrefix(res.OTPAuthURL, "otpauth://totp/"))

	var out bytes.Buffer
	res.print(&out)
	assert.Contains(t, out.String(), res.BackupCodes[0])

	login := models.PortalLoginRequest{Username: "root", Password: "s3cret-pass", TenantID: res.TenantID}
	w := a.do(http.MethodPost, "/api/v1/auth/portal/admin/login", "", login)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"mfa_required":true`)

	login.MFAMethod = "backup_code"
	login.MFACode = res.BackupCodes[0]
	w = a.do(http.MethodPost, "/api/v1/auth/portal/admin/login", "", login)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = a.do(http.MethodGet, "/api/v1/tenants/"+res.TenantID, resp.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "platform.local")

	w = a.do(http.MethodGet, "/api/v1/tenants/"+res.TenantID+"/quota", resp.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodGet, "/api/v1/audit/events?limit=10", resp.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestBootstrapAdminNeedsCredentials(t *testing.T) {
	a := newTestApp(t, nil)

	_, err := a.bootstrapAdmin(context.Background(), bootstrapOptions{Username: "root", Domain: "platform.local"})
	assert.Error(t, err)
}

func TestRotateOnceRecordsAuditEvent(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()

	a.rotateOnce(ctx)

	assert.Len(t, a.keys.JWKS().Keys, 2)
	events, err := a.trail.Query(ctx, audit.Filter{EventType: audit.EventKeyRotated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, a.keys.Active().ID, events[0].Details["kid"])
}

func TestAppRedisBackendHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Storage.Backend = config.StorageRedis
		cfg.Redis.Addr = mr.Addr()
	})

	w := a.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"redis":"ok"`)

	mr.Close()
	w = a.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"degraded"`)
}

func TestAppRedisBackendKeepsMFAState(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Storage.Backend = config.StorageRedis
		cfg.Redis.Addr = mr.Addr()
	})

	res, err := a.bootstrapAdmin(context.Background(), bootstrapOptions{Username: "root", Password: "s3cret-pass", Domain: "platform.local"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("mfa:enrollment:"+res.TenantID+":"+res.UserID+":totp"))
	assert.True(t, mr.Exists("mfa:backup_codes:"+res.TenantID+":"+res.UserID))
}

func TestNewAppRejectsUnreadableKeyFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Default()
	cfg.JWT.PrivateKeyFile = filepath.Join(t.TempDir(), "missing.pem")

	_, err := newApp(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "failed to read signing key")
}

func TestKeysGenerateWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jwt.pem")
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"keys", "generate", "--out", path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Wrote 2048-bit key")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pemData, err := os.ReadFile(path)
	require.NoError(t, err)
	key, err := tokens.ParsePrivateKeyPEM(pemData)
	require.NoError(t, err)
	assert.Equal(t, 2048, key.N.BitLen())

	cfg := config.Default()
	cfg.JWT.PrivateKeyFile = path
	keys, err := loadKeys(cfg.JWT)
	require.NoError(t, err)
	kid, err := tokens.KeyID(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, kid, keys.Active().ID)
}

func TestKeysGenerateRejectsWeakKeys(t *testing.T) {
	cmd := newRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"keys", "generate", "--bits", "1024"})

	assert.Error(t, cmd.Execute())
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "1.2.3\n", out.String())
}
