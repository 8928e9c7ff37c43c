package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/permissions"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/rbac"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/tokens"
)

type streamEnv struct {
	server   *httptest.Server
	trail    *audit.Trail
	hub      *Hub
	tokens   *tokens.Service
	provider *rbac.StaticProvider
}

func newStreamEnv(t *testing.T) *streamEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	trail := audit.NewTrail(logger)
	provider := rbac.NewStaticProvider()
	engine := rbac.NewEngine(provider, rbac.Config{}, logger)
	keys, err := tokens.NewKeyManager(tokens.MinKeyBits)
	require.NoError(t, err)
	tokenService, err := tokens.NewService(keys, tokens.NewMemoryBlacklist(nil), logger)
	require.NoError(t, err)

	hub := NewHub(trail, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/ws/security-events",
		QueryToken(),
		middleware.RequireAuth(tokenService, nil, logger),
		middleware.RequirePermission(engine, permissions.AuditRead),
		NewHandler(hub, []string{"*"}, logger).ServeAuditStream,
	)
	server := httptest.NewServer(r)
	t.Cleanup(func() {
		server.Close()
		cancel()
	})

	return &streamEnv{server: server, trail: trail, hub: hub, tokens: tokenService, provider: provider}
}

func (e *streamEnv) token(t *testing.T, userID, tenantID string, role permissions.Role) string {
	t.Helper()
	e.provider.SetUser(&permissions.UserPermissions{
		UserID:              userID,
		TenantID:            tenantID,
		Roles:               []permissions.Role{role},
		ExplicitPermissions: permissions.NewSet(),
		DeniedPermissions:   permissions.NewSet(),
	})
	tok, _, err := e.tokens.GenerateAccessToken(tokens.Subject{UserID: userID, TenantID: tenantID})
	require.NoError(t, err)
	return tok
}

func (e *streamEnv) dial(query string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/security-events" + query
	return websocket.DefaultDialer.Dial(url, nil)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestAuditStreamIsTenantScoped(t *testing.T) {
	e := newStreamEnv(t)
	tok := e.token(t, "admin-1", "tenant-1", permissions.RoleTenantAdmin)

	conn, _, err := e.dial("?token=" + tok)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readMessage(t, conn)
	assert.Equal(t, TypeConnection, welcome.Type)
	require.Eventually(t, func() bool { return e.hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	e.trail.Record(ctx, audit.Event{TenantID: "tenant-2", EventType: audit.EventLoginFailed})
	e.trail.Record(ctx, audit.Event{TenantID: "tenant-1", EventType: audit.EventSessionSuspicious, RiskLevel: audit.RiskHigh})

	msg := readMessage(t, conn)
	assert.Equal(t, TypeAuditEvent, msg.Type)
	payload, ok := msg.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "tenant-1", payload["tenant_id"])
	assert.Equal(t, audit.EventSessionSuspicious, payload["event_type"])
}

func TestAuditStreamMinRisk(t *testing.T) {
	e := newStreamEnv(t)
	tok := e.token(t, "admin-1", "tenant-1", permissions.RoleTenantAdmin)

	conn, _, err := e.dial("?min_risk=high&token=" + tok)
	require.NoError(t, err)
	defer conn.Close()
	readMessage(t, conn)
	require.Eventually(t, func() bool { return e.hub.GetClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	e.trail.Record(ctx, audit.Event{TenantID: "tenant-1", EventType: audit.EventLoginSuccess, RiskLevel: audit.RiskLow})
	e.trail.Record(ctx, audit.Event{TenantID: "tenant-1", EventType: audit.EventMFALocked, RiskLevel: audit.RiskHigh})

	msg := readMessage(t, conn)
	payload := msg.Payload.(map[string]interface{})
	assert.Equal(t, audit.EventMFALocked, payload["event_type"])
}

func TestAuditStreamHandshakeRequiresAuth(t *testing.T) {
	e := newStreamEnv(t)

	_, resp, err := e.dial("")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok := e.token(t, "cust-1", "tenant-1", permissions.RoleCustomerUser)
	_, resp, err = e.dial("?token=" + tok)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, e.hub.GetClientCount())
}

func TestHubUnsubscribesOnStop(t *testing.T) {
	trail := audit.NewTrail(zap.NewNop())
	hub := NewHub(trail, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return trail.SubscriberCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-stopped
	assert.Equal(t, 0, trail.SubscriberCount())
	assert.False(t, hub.RegisterClient(&Client{ID: "late", Send: make(chan Message, 1)}))
}
