package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/metrics"
	"github.com/michaelayoade/dotmac-framework-sub009/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBuffer     = 64
)

// QueryToken lets browser clients pass the access token as ?token= during the handshake
func QueryToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			if token := c.Query("token"); token != "" {
				c.Request.Header.Set("Authorization", "Bearer "+token)
			}
		}
		c.Next()
	}
}

// Option configures a Handler
type Option func(*Handler)

// WithMetrics tracks open connections in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler upgrades authenticated requests into audit stream connections
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewHandler creates a handler. An origin list containing "*" accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string, logger *zap.Logger, opts ...Option) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || allowed["*"] || allowed[origin]
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeAuditStream must run behind RequireAuth and RequirePermission(audit:read)
func (h *Handler) ServeAuditStream(c *gin.Context) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}
	minRisk := audit.RiskLevel(c.DefaultQuery("min_risk", string(audit.RiskLow)))
	if _, known := riskRank[minRisk]; !known {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown risk level"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.String("user_id", claims.UserID()), zap.Error(err))
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		TenantID: claims.TenantID,
		UserID:   claims.UserID(),
		MinRisk:  minRisk,
		Send:     make(chan Message, sendBuffer),
	}
	if !h.hub.RegisterClient(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.metrics.IncWebSocketConnections()
	h.logger.Info("Audit stream client connected",
		zap.String("client_id", client.ID),
		zap.String("user_id", client.UserID),
		zap.String("tenant_id", client.TenantID),
	)

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	go h.writePump(conn, client, expiresAt)
	h.readPump(conn, client)
}

// readPump discards client frames and detects disconnects
func (h *Handler) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		conn.Close()
		h.metrics.DecWebSocketConnections()
		h.logger.Info("Audit stream client disconnected", zap.String("client_id", client.ID))
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Audit stream read error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards hub messages and pings, closing the stream when the token expires
func (h *Handler) writePump(conn *websocket.Conn, client *Client, expiresAt time.Time) {
	ticker := time.NewTicker(pingPeriod)
	var expired <-chan time.Time
	if !expiresAt.IsZero() {
		timer := time.NewTimer(time.Until(expiresAt))
		defer timer.Stop()
		expired = timer.C
	}
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-expired:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "token expired"), time.Now().Add(writeWait))
			return
		}
	}
}
