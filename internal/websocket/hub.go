package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/audit"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Message types
const (
	TypeConnection = "connection"
	TypeAuditEvent = "audit_event"
)

var riskRank = map[audit.RiskLevel]int{
	audit.RiskLow:      0,
	audit.RiskMedium:   1,
	audit.RiskHigh:     2,
	audit.RiskCritical: 3,
}

// Client is one subscriber to a tenant's audit stream
type Client struct {
	ID       string
	TenantID string
	UserID   string
	MinRisk  audit.RiskLevel
	Send     chan Message
}

func (c *Client) wants(e *audit.Event) bool {
	if e.TenantID != c.TenantID {
		return false
	}
	return riskRank[e.RiskLevel] >= riskRank[c.MinRisk]
}

// Hub fans audit events out to connected clients of the same tenant
type Hub struct {
	trail      *audit.Trail
	logger     *zap.Logger
	clients    map[*Client]bool
	broadcast  chan audit.Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub fed by trail
func NewHub(trail *audit.Trail, logger *zap.Logger) *Hub {
	return &Hub{
		trail:      trail,
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan audit.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run subscribes to the audit trail and serves the hub until ctx is done
func (h *Hub) Run(ctx context.Context) {
	unsubscribe := h.trail.Subscribe(h.publish)
	defer unsubscribe()
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

			welcome := Message{
				Type:      TypeConnection,
				Payload:   map[string]interface{}{"status": "connected", "client_id": client.ID, "tenant_id": client.TenantID},
				Timestamp: time.Now(),
			}
			h.deliver(client, welcome)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			msg := Message{Type: TypeAuditEvent, Payload: event, Timestamp: event.CreatedAt}
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.wants(&event) {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range targets {
				h.deliver(client, msg)
			}
		}
	}
}

// deliver drops clients whose send buffer is full
func (h *Hub) deliver(client *Client, msg Message) {
	select {
	case client.Send <- msg:
	default:
		h.mu.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.Send)
		}
		h.mu.Unlock()
		h.logger.Warn("Dropped slow audit stream client",
			zap.String("client_id", client.ID),
			zap.String("tenant_id", client.TenantID),
		)
	}
}

// publish must not block the audit trail
func (h *Hub) publish(event audit.Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Audit stream buffer full, event not streamed", zap.String("event_id", event.ID))
	}
}

// RegisterClient registers a new WebSocket client. It returns false once the hub has stopped.
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient unregisters a WebSocket client
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
