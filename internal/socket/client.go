// Package socket maintains the user ↔ connection registry and delivers typed
// messages to browsers over long-lived WebSocket connections.
package socket

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tickstock/relay/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Time allowed to read the next pong before the connection is
	// considered dead.
	pongWait = 30 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Outbound buffer per connection. When full, messages to that
	// connection are dropped and the slow-consumer counter advances.
	sendBufferSize = 256

	// Consecutive full-buffer drops before the connection is closed.
	maxSendStrikes = 3
)

// Client is one WebSocket connection owned by the socket layer and
// referenced by the hub registry.
type Client struct {
	id     int64
	userID string
	conn   net.Conn
	hub    *Hub

	// send is never closed; done is the end-of-life signal so a stale
	// fan-out snapshot can still enqueue without racing teardown.
	send chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	closeStatus ws.StatusCode
	closeReason string

	connectedAt  time.Time
	sendAttempts int32
	slowWarned   int32

	rooms map[string]struct{}
	mu    sync.Mutex // guards rooms
}

// UserID returns the owning user.
func (c *Client) UserID() string { return c.userID }

// joinRooms adds the client to named rooms (idempotent).
func (c *Client) joinRooms(rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		c.rooms[r] = struct{}{}
	}
}

func (c *Client) leaveRooms(rooms []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rooms {
		delete(c.rooms, r)
	}
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// enqueue attempts a non-blocking send. A full buffer counts a strike; after
// maxSendStrikes the connection is closed as a slow consumer. Returns false
// when the message was dropped.
func (c *Client) enqueue(topic string, data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		monitoring.MessagesDropped.WithLabelValues(topic, "buffer_full").Inc()

		if attempts == 1 && atomic.CompareAndSwapInt32(&c.slowWarned, 0, 1) {
			c.hub.logger.Warn().
				Int64("client_id", c.id).
				Str("user_id", c.userID).
				Msg("Client is slow")
		}

		if attempts >= maxSendStrikes {
			c.hub.logger.Warn().
				Int64("client_id", c.id).
				Str("user_id", c.userID).
				Int32("consecutive_failures", attempts).
				Msg("Disconnecting slow client")
			monitoring.SlowConsumers.Inc()
			c.closeWith(ws.StatusPolicyViolation, "client too slow to process messages")
		}
		return false
	}
}

// closeWith records the close status and marks the connection dead, exactly
// once. It never touches the socket: the write pump owns all outbound frames
// and performs the actual teardown when it observes done.
func (c *Client) closeWith(status ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeStatus = status
		c.closeReason = reason
		close(c.done)
	})
}

// writePump drains the send buffer to the wire, batching queued messages
// into one flush to reduce syscalls, and keeps the connection alive with
// pings.
func (c *Client) writePump() {
	defer monitoring.RecoverPanic(c.hub.logger, "writePump", map[string]any{"client_id": c.id})

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeWith(ws.StatusNormalClosure, "")
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(c.closeStatus, c.closeReason)
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
				c.hub.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Write failed")
				return
			}
			monitoring.MessagesSent.Inc()

			// Batch whatever else is queued into the same flush.
			n := len(c.send)
			for i := 0; i < n; i++ {
				message = <-c.send
				if err := wsutil.WriteServerMessage(writer, ws.OpText, message); err != nil {
					c.hub.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Write failed")
					return
				}
				monitoring.MessagesSent.Inc()
			}

			if err := writer.Flush(); err != nil {
				c.hub.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Flush failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.hub.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Ping failed")
				return
			}
		}
	}
}

// clientMessage is the JSON shape browsers send upstream.
type clientMessage struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// readPump consumes client frames until the connection drops. Control frames
// are handled by wsutil; text frames carry subscribe/unsubscribe/ping.
func (c *Client) readPump() {
	defer monitoring.RecoverPanic(c.hub.logger, "readPump", map[string]any{"client_id": c.id})
	defer func() {
		c.hub.Unregister(c)
		c.closeWith(ws.StatusNormalClosure, "")
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			c.hub.logger.Debug().Err(err).Int64("client_id", c.id).Msg("Read loop ended")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug().Int64("client_id", c.id).Msg("Ignoring malformed client message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.joinRooms(msg.Channels)
		case "unsubscribe":
			c.leaveRooms(msg.Channels)
		case "ping":
			pong, _ := json.Marshal(map[string]any{"type": "pong", "ts": time.Now().UnixMilli()})
			c.enqueue("pong", pong)
		default:
			c.hub.logger.Debug().
				Int64("client_id", c.id).
				Str("type", msg.Type).
				Msg("Unknown client message type")
		}
	}
}
