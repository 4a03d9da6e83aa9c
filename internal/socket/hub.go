package socket

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/monitoring"
)

// Stats tracks fan-out counters. Monotonic, reset only at process start.
type Stats struct {
	TotalConnections   int64
	CurrentConnections int64
	MessagesDelivered  int64
	MessagesDropped    int64
	SlowConsumers      int64
}

// Hub owns the bidirectional user ↔ connection registry and delivers typed
// messages to one user, to a room, or to every connected client. Critical
// sections are short; reads dominate writes.
type Hub struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}

	nextID int64
	stats  Stats

	// onRegister runs after a connection is registered; the orchestrator
	// uses it to drain the user's offline stream.
	onRegister func(userID string)
}

// NewHub creates an empty connection registry.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger: logger.With().Str("component", "socket_hub").Logger(),
		byUser: make(map[string]map[*Client]struct{}),
	}
}

// SetOnRegister installs the post-register hook. Must be called before the
// first connection.
func (h *Hub) SetOnRegister(fn func(userID string)) {
	h.onRegister = fn
}

// Stats returns the live counters.
func (h *Hub) Stats() *Stats {
	return &h.stats
}

// Register adds a connection for a user and starts its pumps. The returned
// client is owned by the socket layer.
func (h *Hub) Register(userID string, conn net.Conn) *Client {
	c := &Client{
		id:          atomic.AddInt64(&h.nextID, 1),
		userID:      userID,
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		connectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}

	h.mu.Lock()
	conns, ok := h.byUser[userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.byUser[userID] = conns
	}
	conns[c] = struct{}{}
	h.mu.Unlock()

	atomic.AddInt64(&h.stats.TotalConnections, 1)
	current := atomic.AddInt64(&h.stats.CurrentConnections, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(current))

	go c.writePump()
	go c.readPump()

	h.logger.Info().
		Str("user_id", userID).
		Int64("client_id", c.id).
		Int64("current_connections", current).
		Msg("Client connected")

	if h.onRegister != nil {
		// Offline drain runs off the registration path so connects stay
		// fast even with a deep backlog.
		go h.onRegister(userID)
	}
	return c
}

// Unregister removes a connection from the registry. Safe to call more than
// once per client. The client's pumps tear the connection itself down; a
// fan-out snapshot taken before removal can still enqueue safely.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	conns, ok := h.byUser[c.userID]
	if ok {
		if _, present := conns[c]; !present {
			ok = false
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.byUser, c.userID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	current := atomic.AddInt64(&h.stats.CurrentConnections, -1)
	monitoring.ConnectionsActive.Set(float64(current))

	h.logger.Info().
		Str("user_id", c.userID).
		Int64("client_id", c.id).
		Dur("duration", time.Since(c.connectedAt)).
		Int64("current_connections", current).
		Msg("Client disconnected")
}

// Message is the egress envelope for every socket topic.
type Message struct {
	Type      string          `json:"type"`
	Event     json.RawMessage `json:"event"`
	Timestamp int64           `json:"timestamp"`
}

// encode builds the wire form of one typed message.
func encode(topic string, event any) ([]byte, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{
		Type:      topic,
		Event:     raw,
		Timestamp: time.Now().UnixMilli(),
	})
}

// EmitToUser delivers a message to every currently-registered connection of
// a user, at least once each. Returns false iff the user had zero
// connections; per-connection failures are counted but do not block others.
func (h *Hub) EmitToUser(userID, topic string, event any) bool {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.byUser[userID]))
	for c := range h.byUser[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return false
	}

	data, err := encode(topic, event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode message")
		return true // user had connections; the failure is ours
	}

	for _, c := range conns {
		if c.enqueue(topic, data) {
			atomic.AddInt64(&h.stats.MessagesDelivered, 1)
		} else {
			atomic.AddInt64(&h.stats.MessagesDropped, 1)
		}
	}
	return true
}

// Broadcast delivers a message to every connected client. Serialization
// happens once for all recipients.
func (h *Hub) Broadcast(topic string, event any) {
	data, err := encode(topic, event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode broadcast")
		return
	}

	h.mu.RLock()
	var conns []*Client
	for _, set := range h.byUser {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.enqueue(topic, data) {
			atomic.AddInt64(&h.stats.MessagesDelivered, 1)
		} else {
			atomic.AddInt64(&h.stats.MessagesDropped, 1)
		}
	}
}

// EmitToRoom delivers a message to clients that joined the named room.
func (h *Hub) EmitToRoom(room, topic string, event any) {
	data, err := encode(topic, event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("Failed to encode room message")
		return
	}

	h.mu.RLock()
	var conns []*Client
	for _, set := range h.byUser {
		for c := range set {
			if c.inRoom(room) {
				conns = append(conns, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.enqueue(topic, data) {
			atomic.AddInt64(&h.stats.MessagesDelivered, 1)
		} else {
			atomic.AddInt64(&h.stats.MessagesDropped, 1)
		}
	}
}

// ConnectionsFor returns the number of active connections for a user.
func (h *Hub) ConnectionsFor(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int64 {
	return atomic.LoadInt64(&h.stats.CurrentConnections)
}

// CloseAll force-closes every connection, used during shutdown after the
// drain grace period.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	var conns []*Client
	for _, set := range h.byUser {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.closeWith(ws.StatusGoingAway, "server shutting down")
	}
}
