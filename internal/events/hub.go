// Package events pushes cache-invalidation hints to signed-in
// dashboard sessions over WebSocket. Delivery is at-least-once with no
// backfill; clients re-fetch on reconnect.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/osiriscare/fleet/internal/metrics"
	"github.com/osiriscare/fleet/internal/store"
)

// Event types.
const (
	TypeApplianceCheckin = "appliance_checkin"
	TypeIncidentOpened   = "incident_opened"
	TypeIncidentResolved = "incident_resolved"
	TypePatternPromoted  = "pattern_promoted"
	TypeDriftObserved    = "drift_observed"
	TypeOrderStatus      = "order_status"
)

// Channel is the Redis pub/sub channel carrying events between plane
// replicas.
const Channel = "fleet:events"

const pingInterval = 30 * time.Second

// Event is one push notification. It identifies what changed, never
// the content; clients re-fetch through the portal API.
type Event struct {
	Type   string   `json:"type"`
	SiteID string   `json:"site_id,omitempty"`
	IDs    []string `json:"ids,omitempty"`
}

// Publisher is the contract services use to emit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Hub fans events out to connected WebSocket clients. With Redis
// configured, Publish goes through the shared channel so every plane
// replica broadcasts to its own sockets.
type Hub struct {
	log        *slog.Logger
	redis      *store.Redis
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewHub builds a hub. redis may be nil; events then stay local to
// this replica.
func NewHub(logger *slog.Logger, redis *store.Redis) *Hub {
	return &Hub{
		log:        logger,
		redis:      redis,
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			// Session auth happens before the upgrade; the dashboard is
			// served from its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish emits one event. Failures are logged and dropped; events are
// hints, the dashboard converges by re-fetching.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if h.redis != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			if err := h.redis.Publish(ctx, Channel, payload); err == nil {
				return
			}
			h.log.Warn("event publish fell back to local delivery", "type", ev.Type)
		}
	}
	select {
	case h.broadcast <- ev:
	default:
		h.log.Warn("event dropped, broadcast queue full", "type", ev.Type)
	}
}

// Run owns the client set until the context ends. All socket writes
// happen here so each connection has a single writer.
func (h *Hub) Run(ctx context.Context) {
	if h.redis != nil {
		sub := h.redis.Subscribe(ctx, Channel)
		defer sub.Close()
		go h.pumpRedis(ctx, sub.Channel())
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketClients.Set(float64(total))
			h.log.Debug("websocket client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			for _, c := range conns {
				c.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := c.WriteJSON(ev); err != nil {
					h.drop(c)
				}
			}

		case <-ping.C:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for c := range h.clients {
				conns = append(conns, c)
			}
			h.mu.RUnlock()
			deadline := time.Now().Add(10 * time.Second)
			for _, c := range conns {
				if err := c.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) pumpRedis(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				h.log.Warn("malformed event on redis channel", "error", err)
				continue
			}
			select {
			case h.broadcast <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(total))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		c.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()
	metrics.WebsocketClients.Set(0)
}

// HandleWebSocket upgrades the request and registers the connection.
// The read pump discards inbound frames; the socket is push-only.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadLimit(1 << 10)
		conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
