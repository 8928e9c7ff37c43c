package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/mfa"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/models"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/portal"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/session"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tenant"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

type testEnv struct {
	router   *gin.Engine
	users    *MemoryUserStore
	provider *rbac.StaticProvider
	mfa      *mfa.Manager
	tenants  *tenant.Service
	tokens   *tokens.Service
	sessions *session.Manager
	ring     *audit.RingSink
	tenantID string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	ctx := context.Background()

	ring := audit.NewRingSink(500)
	trail := audit.NewTrail(logger, ring)
	provider := rbac.NewStaticProvider()
	engine := rbac.NewEngine(provider, rbac.Config{}, logger)
	sessions := session.NewManager(session.NewMemoryStore(nil), session.Config{SessionTimeout: time.Hour}, trail, logger)
	keys, err := tokens.NewKeyManager(tokens.MinKeyBits)
	require.NoError(t, err)
	tokenService, err := tokens.NewService(keys, tokens.NewMemoryBlacklist(nil), logger)
	require.NoError(t, err)
	mfaManager := mfa.NewManager(mfa.NewMemoryStore(), mfa.NewLogSender(logger), mfa.Config{Issuer: "DotMac"}, trail, logger)
	tenants := tenant.NewService(tenant.NewMemoryRepository(), engine, trail, logger)
	orchestrator := portal.NewOrchestrator(engine, tokenService, sessions, trail, logger)

	tn, err := tenants.RegisterTenant(ctx, tenant.RegisterRequest{Name: "Acme ISP", Domain: "acme.example.net", Trial: true}, "test")
	require.NoError(t, err)

	users := NewMemoryUserStore()
	h := NewHandler(Dependencies{
		Users:        users,
		Engine:       engine,
		Orchestrator: orchestrator,
		Tokens:       tokenService,
		Sessions:     sessions,
		MFA:          mfaManager,
		Tenants:      tenants,
		Trail:        trail,
	}, logger)

	r := gin.New()
	r.GET("/.well-known/jwks.json", h.JWKS)
	v1 := r.Group("/api/v1")
	v1.POST("/auth/portal/:portal/login", h.PortalLogin)
	v1.POST("/auth/refresh", h.RefreshToken)
	authed := v1.Group("", middleware.RequireAuth(tokenService, sessions, logger))
	authed.POST("/auth/logout", h.Logout)
	authed.GET("/auth/sessions", h.GetActiveSessions)
	authed.DELETE("/auth/sessions/:id", h.RevokeSession)
	authed.POST("/mfa/verify", h.VerifyMFA)
	authed.POST("/mfa/backup-codes", h.GenerateBackupCodes)
	authed.GET("/audit/events", middleware.RequirePermission(engine, permissions.AuditRead), h.GetAuditEvents)

	return &testEnv{
		router:   r,
		users:    users,
		provider: provider,
		mfa:      mfaManager,
		tenants:  tenants,
		tokens:   tokenService,
		sessions: sessions,
		ring:     ring,
		tenantID: tn.ID,
	}
}

func (e *testEnv) addUser(t *testing.T, id, username, password string, roles ...permissions.Role) {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	e.users.AddUser(&models.User{ID: id, TenantID: e.tenantID, Username: username, PasswordHash: hash})
	e.provider.SetUser(&permissions.UserPermissions{
		UserID:              id,
		TenantID:            e.tenantID,
		Roles:               roles,
		ExplicitPermissions: permissions.NewSet(),
		DeniedPermissions:   permissions.NewSet(),
	})
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("User-Agent", "portal-test")
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) login(t *testing.T, portalName, username, password string) (*httptest.ResponseRecorder, models.LoginResponse) {
	t.Helper()
	w := e.do(http.MethodPost, "/api/v1/auth/portal/"+portalName+"/login", "", models.PortalLoginRequest{
		Username: username,
		Password: password,
		TenantID: e.tenantID,
	})
	var resp models.LoginResponse
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestPortalLoginSuccess(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)

	w, resp := e.login(t, "customer", "alice", "s3cret-pass")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, resp.AccessToken)
	assert.NotEmpty(t, resp.RefreshToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "customer", resp.Portal)
	assert.Contains(t, resp.Permissions, string(permissions.CustomerRead))
	assert.Empty(t, resp.User.PasswordHash)
	require.NotNil(t, resp.User.LastLoginAt)
}

func TestPortalLoginRejectsBadCredentials(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)

	w, _ := e.login(t, "customer", "alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = e.login(t, "customer", "nobody", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	events, err := e.ring.Query(context.Background(), audit.Filter{EventType: audit.EventLoginFailed})
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestPortalLoginRejectsWrongPortalRole(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)

	w, _ := e.login(t, "technician", "alice", "s3cret-pass")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), portal.ReasonRoleNotAllowed)

	w, _ = e.login(t, "backoffice", "alice", "s3cret-pass")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPortalLoginSuspendedTenant(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	_, err := e.tenants.SuspendTenant(context.Background(), e.tenantID, "unpaid", "billing")
	require.NoError(t, err)

	w, _ := e.login(t, "customer", "alice", "s3cret-pass")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPortalLoginMFAChallenge(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.addUser(t, "admin-1", "root", "adm1n-pass", permissions.RoleTenantAdmin)

	w, _ := e.login(t, "admin", "root", "adm1n-pass")
	assert.Equal(t, http.StatusForbidden, w.Code, "admin portal requires an enrolled factor")

	enrollment, err := e.mfa.EnrollTOTP(ctx, e.tenantID, "admin-1", "root")
	require.NoError(t, err)
	code, err := totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	require.True(t, e.mfa.ValidateMFA(ctx, e.tenantID, "admin-1", mfa.MethodTOTP, code))

	w, _ = e.login(t, "admin", "root", "adm1n-pass")
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var challenge models.MFAChallengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &challenge))
	assert.True(t, challenge.MFARequired)
	assert.Equal(t, []string{"totp"}, challenge.Methods)

	code, err = totp.GenerateCode(enrollment.Secret, time.Now())
	require.NoError(t, err)
	w = e.do(http.MethodPost, "/api/v1/auth/portal/admin/login", "", models.PortalLoginRequest{
		Username:  "root",
		Password:  "adm1n-pass",
		TenantID:  e.tenantID,
		MFAMethod: "totp",
		MFACode:   code,
	})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRefreshAndLogout(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	_, resp := e.login(t, "customer", "alice", "s3cret-pass")

	w := e.do(http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: resp.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var refreshed models.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &refreshed))
	assert.NotEqual(t, resp.RefreshToken, refreshed.RefreshToken)

	w = e.do(http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: resp.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "revoked")

	w = e.do(http.MethodPost, "/api/v1/auth/logout", refreshed.AccessToken, models.LogoutRequest{RefreshToken: refreshed.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(http.MethodGet, "/api/v1/auth/sessions", refreshed.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: refreshed.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefreshRejectedAfterTenantSuspension(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	_, resp := e.login(t, "customer", "alice", "s3cret-pass")

	_, err := e.tenants.SuspendTenant(context.Background(), e.tenantID, "unpaid", "billing")
	require.NoError(t, err)

	w := e.do(http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: resp.RefreshToken})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Tenant is not active")

	_, err = e.tenants.ReactivateTenant(context.Background(), e.tenantID, "billing")
	require.NoError(t, err)
	w = e.do(http.MethodPost, "/api/v1/auth/refresh", "", models.RefreshRequest{RefreshToken: resp.RefreshToken})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSessionsListAndRevoke(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	e.addUser(t, "cust-2", "bob", "b0b-pass", permissions.RoleCustomerUser)
	_, first := e.login(t, "customer", "alice", "s3cret-pass")
	_, second := e.login(t, "customer", "alice", "s3cret-pass")
	_, bob := e.login(t, "customer", "bob", "b0b-pass")

	w := e.do(http.MethodGet, "/api/v1/auth/sessions", first.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count   int    `json:"count"`
		Current string `json:"current"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, first.SessionID, body.Current)

	w = e.do(http.MethodDelete, "/api/v1/auth/sessions/"+bob.SessionID, first.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(http.MethodDelete, "/api/v1/auth/sessions/"+second.SessionID, first.AccessToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodGet, "/api/v1/auth/sessions", second.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMFAVerifyAndBackupCodes(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	_, resp := e.login(t, "customer", "alice", "s3cret-pass")

	w := e.do(http.MethodPost, "/api/v1/mfa/backup-codes", resp.AccessToken, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var codes models.BackupCodesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &codes))
	require.NotEmpty(t, codes.Codes)

	w = e.do(http.MethodPost, "/api/v1/mfa/verify", resp.AccessToken, models.MFAVerifyRequest{Method: "backup_code", Code: codes.Codes[0]})
	assert.Equal(t, http.StatusOK, w.Code)
	w = e.do(http.MethodPost, "/api/v1/mfa/verify", resp.AccessToken, models.MFAVerifyRequest{Method: "backup_code", Code: codes.Codes[0]})
	assert.Equal(t, http.StatusUnauthorized, w.Code, "backup codes are single use")

	w = e.do(http.MethodPost, "/api/v1/mfa/verify", resp.AccessToken, models.MFAVerifyRequest{Method: "carrier_pigeon", Code: "1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuditEventsRequirePermission(t *testing.T) {
	e := newTestEnv(t)
	e.addUser(t, "cust-1", "alice", "s3cret-pass", permissions.RoleCustomerUser)
	e.addUser(t, "admin-1", "root", "adm1n-pass", permissions.RoleTenantAdmin)
	_, cust := e.login(t, "customer", "alice", "s3cret-pass")

	w := e.do(http.MethodGet, "/api/v1/audit/events", cust.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	s, err := e.sessions.CreateSession(context.Background(), session.CreateRequest{
		UserID:    "admin-1",
		TenantID:  e.tenantID,
		IPAddress: "198.51.100.7",
		UserAgent: "portal-test",
	})
	require.NoError(t, err)
	pair, err := e.tokens.GenerateTokenPair(tokens.Subject{UserID: "admin-1", TenantID: e.tenantID, SessionID: s.SessionID, PortalType: "admin"})
	require.NoError(t, err)

	w = e.do(http.MethodGet, "/api/v1/audit/events?limit=5", pair.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotEmpty(t, body.Events)
	for _, ev := range body.Events {
		assert.Equal(t, e.tenantID, ev.TenantID)
	}

	w = e.do(http.MethodGet, "/api/v1/audit/events?limit=0", pair.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestJWKS(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(http.MethodGet, "/.well-known/jwks.json", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var set tokens.JWKSet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RS256", set.Keys[0].Alg)
}
