package socket

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peerReader drains one side of a pipe, collecting text frames.
type peerReader struct {
	mu       sync.Mutex
	messages []Message
}

func (p *peerReader) run(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return
		}
		var msg Message
		if json.Unmarshal(data, &msg) == nil {
			p.mu.Lock()
			p.messages = append(p.messages, msg)
			p.mu.Unlock()
		}
	}
}

func (p *peerReader) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func (p *peerReader) last() Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[len(p.messages)-1]
}

func registerPeer(t *testing.T, h *Hub, userID string) (*Client, *peerReader) {
	t.Helper()
	server, client := net.Pipe()
	reader := &peerReader{}
	go reader.run(client)
	c := h.Register(userID, server)
	t.Cleanup(func() {
		h.Unregister(c)
		client.Close()
	})
	return c, reader
}

func TestEmitToUserNoConnections(t *testing.T) {
	h := NewHub(zerolog.Nop())
	assert.False(t, h.EmitToUser("ghost", "pattern_alert", map[string]any{"x": 1}))
}

func TestEmitToUserDeliversEnvelope(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, reader := registerPeer(t, h, "u1")

	require.True(t, h.EmitToUser("u1", "pattern_alert", map[string]any{"symbol": "AAPL"}))
	require.Eventually(t, func() bool { return reader.count() > 0 }, 2*time.Second, 10*time.Millisecond)

	msg := reader.last()
	assert.Equal(t, "pattern_alert", msg.Type)
	assert.NotZero(t, msg.Timestamp)
	var event map[string]any
	require.NoError(t, json.Unmarshal(msg.Event, &event))
	assert.Equal(t, "AAPL", event["symbol"])
}

func TestEmitToUserReachesEveryConnection(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, r1 := registerPeer(t, h, "u1")
	_, r2 := registerPeer(t, h, "u1")

	require.True(t, h.EmitToUser("u1", "pattern_alert", "payload"))
	require.Eventually(t, func() bool {
		return r1.count() > 0 && r2.count() > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesAllUsers(t *testing.T) {
	h := NewHub(zerolog.Nop())
	_, r1 := registerPeer(t, h, "u1")
	_, r2 := registerPeer(t, h, "u2")

	h.Broadcast("system_health", map[string]any{"status": "ok"})
	require.Eventually(t, func() bool {
		return r1.count() > 0 && r2.count() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "system_health", r1.last().Type)
}

func TestEmitToRoomOnlyReachesJoinedClients(t *testing.T) {
	h := NewHub(zerolog.Nop())
	c1, r1 := registerPeer(t, h, "u1")
	_, r2 := registerPeer(t, h, "u2")

	c1.joinRooms([]string{"dashboard"})
	h.EmitToRoom("dashboard", "dashboard_price_update", map[string]any{"p": 1})

	require.Eventually(t, func() bool { return r1.count() > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, r2.count())

	c1.leaveRooms([]string{"dashboard"})
	assert.False(t, c1.inRoom("dashboard"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := NewHub(zerolog.Nop())
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)

	c := h.Register("u1", server)
	require.EqualValues(t, 1, h.ConnectionCount())
	require.Equal(t, 1, h.ConnectionsFor("u1"))

	h.Unregister(c)
	h.Unregister(c)
	assert.EqualValues(t, 0, h.ConnectionCount())
	assert.Equal(t, 0, h.ConnectionsFor("u1"))
}

func TestSlowConsumerStrikesCloseConnection(t *testing.T) {
	h := NewHub(zerolog.Nop())
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)

	// Bare client, no pumps: the send buffer never drains.
	c := &Client{
		id:     1,
		userID: "u1",
		conn:   server,
		hub:    h,
		send:   make(chan []byte, 2),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}

	assert.True(t, c.enqueue("t", []byte("a")))
	assert.True(t, c.enqueue("t", []byte("b")))
	// Buffer full: three consecutive drops mark the client closed.
	assert.False(t, c.enqueue("t", []byte("c")))
	assert.False(t, c.enqueue("t", []byte("d")))
	assert.False(t, c.enqueue("t", []byte("e")))

	select {
	case <-c.done:
	default:
		t.Fatal("slow consumer was not marked closed")
	}
	assert.Equal(t, ws.StatusPolicyViolation, c.closeStatus)

	// A closed client refuses new messages even with buffer room.
	<-c.send
	assert.False(t, c.enqueue("t", []byte("f")))
}

func TestEnqueueAfterUnregisterDoesNotPanic(t *testing.T) {
	h := NewHub(zerolog.Nop())
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)

	c := h.Register("u1", server)
	h.Unregister(c)

	// A fan-out snapshot taken before the disconnect may still hold the
	// client; a late enqueue is delivered or refused, never a panic.
	require.NotPanics(t, func() { c.enqueue("pattern_alert", []byte(`{}`)) })

	c.closeWith(ws.StatusNormalClosure, "")
	assert.False(t, c.enqueue("pattern_alert", []byte(`{}`)))
}

func TestConcurrentEmitAndDisconnect(t *testing.T) {
	h := NewHub(zerolog.Nop())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				h.EmitToUser("u1", "pattern_alert", map[string]any{"n": 1})
			}
		}
	}()

	for i := 0; i < 200; i++ {
		server, client := net.Pipe()
		go io.Copy(io.Discard, client)
		c := h.Register("u1", server)
		h.Unregister(c)
		c.closeWith(ws.StatusGoingAway, "churn")
	}

	close(stop)
	wg.Wait()
}

func TestOnRegisterHookRuns(t *testing.T) {
	h := NewHub(zerolog.Nop())
	hooked := make(chan string, 1)
	h.SetOnRegister(func(userID string) { hooked <- userID })

	registerPeer(t, h, "u7")
	select {
	case userID := <-hooked:
		assert.Equal(t, "u7", userID)
	case <-time.After(2 * time.Second):
		t.Fatal("onRegister hook did not run")
	}
}

func TestCloseAllSendsGoingAway(t *testing.T) {
	h := NewHub(zerolog.Nop())
	server, client := net.Pipe()

	frames := make(chan ws.Frame, 4)
	go func() {
		for {
			frame, err := ws.ReadFrame(client)
			if err != nil {
				return
			}
			frames <- frame
		}
	}()

	h.Register("u1", server)
	h.CloseAll()

	select {
	case frame := <-frames:
		assert.Equal(t, ws.OpClose, frame.Header.OpCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no close frame received")
	}
}
