// Package realtime pushes live balance and subscription changes to
// connected dashboard clients over WebSocket, so the credits counter
// updates without polling.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glowdesk/glowdesk/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for tenant-scoped events
type EventType string

const (
	EventCreditsUpdated      EventType = "credits.updated"
	EventSubscriptionUpdated EventType = "subscription.updated"
)

// Event is one message pushed to a tenant's connected clients.
type Event struct {
	Type      EventType `json:"type"`
	TenantID  string    `json:"tenantId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type client struct {
	hub      *Hub
	tenantID string
	conn     *websocket.Conn
	send     chan []byte
}

// maxClientsPerTenant bounds connections per tenant (browser tabs).
const maxClientsPerTenant = 16

// Hub fans events out to clients, partitioned by tenant. A client only
// ever receives events for the tenant it connected under.
type Hub struct {
	mu      sync.RWMutex
	tenants map[string]map[*client]bool
	logger  *slog.Logger
	done    chan struct{}
	once    sync.Once
}

// NewHub creates a hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		tenants: make(map[string]map[*client]bool),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Shutdown closes all client connections and rejects new upgrades.
func (h *Hub) Shutdown(ctx context.Context) {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	for _, clients := range h.tenants {
		for c := range clients {
			close(c.send)
		}
	}
	h.tenants = make(map[string]map[*client]bool)
	h.mu.Unlock()
	metrics.ActiveRealtimeClients.Set(0)
	h.logger.Info("realtime hub stopped")
}

// NotifyCredits pushes a balance change to the tenant's clients.
func (h *Hub) NotifyCredits(tenantID string, remaining int) {
	h.publish(&Event{
		Type:      EventCreditsUpdated,
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Data:      map[string]any{"creditsRemaining": remaining},
	})
}

// NotifySubscription pushes a plan/status change to the tenant's clients.
func (h *Hub) NotifySubscription(tenantID, plan, status string) {
	h.publish(&Event{
		Type:      EventSubscriptionUpdated,
		TenantID:  tenantID,
		Timestamp: time.Now(),
		Data:      map[string]any{"plan": plan, "status": status},
	})
}

func (h *Hub) publish(event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	clients := h.tenants[event.TenantID]
	var slow []*client
	for c := range clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	// Drop clients that can't keep up instead of blocking publishers.
	for _, c := range slow {
		h.remove(c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.tenants[c.tenantID]
	if len(clients) >= maxClientsPerTenant {
		return false
	}
	if clients == nil {
		clients = make(map[*client]bool)
		h.tenants[c.tenantID] = clients
	}
	clients[c] = true
	metrics.ActiveRealtimeClients.Inc()
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.tenants[c.tenantID]
	if !ok || !clients[c] {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.tenants, c.tenantID)
	}
	close(c.send)
	metrics.ActiveRealtimeClients.Dec()
}

// ClientCount returns connected clients for a tenant.
func (h *Hub) ClientCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tenants[tenantID])
}

// HandleWebSocket upgrades GET /v1/tenants/:id/events to a WebSocket.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, tenantID string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      h,
		tenantID: tenantID,
		conn:     conn,
		send:     make(chan []byte, 64),
	}
	if !h.add(c) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection; clients send nothing meaningful, but
// reading is required to process pongs and detect closure.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
