// Package offline buffers undeliverable per-user messages in durable bus
// streams and drains them on reconnect.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/bus"
	"github.com/tickstock/relay/internal/monitoring"
)

const streamPrefix = "offline:"

// streamTTL bounds how long an abandoned user's backlog is retained. Each
// enqueue refreshes it.
const streamTTL = 24 * time.Hour

// Pending is one buffered message awaiting delivery.
type Pending struct {
	ID         string
	Topic      string
	Payload    json.RawMessage
	EnqueuedAt int64
}

// Queue appends durable messages to per-user streams. Entries survive
// process restarts; they survive bus restarts when bus persistence is
// configured.
type Queue struct {
	bus        *bus.Client
	logger     zerolog.Logger
	maxPerUser int64

	now func() time.Time
}

// NewQueue creates an offline queue keeping at most maxPerUser entries per
// stream; excess drops the oldest.
func NewQueue(busClient *bus.Client, maxPerUser int, logger zerolog.Logger) *Queue {
	if maxPerUser <= 0 {
		maxPerUser = 1000
	}
	return &Queue{
		bus:        busClient,
		logger:     logger.With().Str("component", "offline_queue").Logger(),
		maxPerUser: int64(maxPerUser),
		now:        time.Now,
	}
}

func streamKey(userID string) string {
	return streamPrefix + userID
}

// Enqueue appends a message to the user's stream, trimming to the configured
// cap.
func (q *Queue) Enqueue(ctx context.Context, userID, topic string, payload []byte) error {
	_, err := q.bus.XAdd(ctx, streamKey(userID), q.maxPerUser, map[string]any{
		"topic":       topic,
		"payload":     string(payload),
		"enqueued_at": q.now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("offline enqueue for %s: %w", userID, err)
	}
	if err := q.bus.Expire(ctx, streamKey(userID), streamTTL); err != nil {
		q.logger.Warn().Err(err).Str("user_id", userID).Msg("Offline retention refresh failed")
	}
	monitoring.OfflineEnqueued.Inc()
	q.logger.Debug().
		Str("user_id", userID).
		Str("topic", topic).
		Msg("Message buffered offline")
	return nil
}

// Pending returns the user's buffered messages in insertion order.
func (q *Queue) Pending(ctx context.Context, userID string) ([]Pending, error) {
	entries, err := q.bus.XRange(ctx, streamKey(userID))
	if err != nil {
		return nil, err
	}

	out := make([]Pending, 0, len(entries))
	for _, e := range entries {
		p := Pending{ID: e.ID}
		if v, ok := e.Values["topic"].(string); ok {
			p.Topic = v
		}
		if v, ok := e.Values["payload"].(string); ok {
			p.Payload = json.RawMessage(v)
		}
		if v, ok := e.Values["enqueued_at"].(string); ok {
			p.EnqueuedAt, _ = strconv.ParseInt(v, 10, 64)
		}
		out = append(out, p)
	}
	return out, nil
}

// Drain delivers the user's buffered messages in insertion order via the
// supplied callback, trimming each entry on successful delivery. Delivery
// stops at the first failure so the remainder stays buffered. Returns the
// number delivered.
func (q *Queue) Drain(ctx context.Context, userID string, deliver func(topic string, payload json.RawMessage) bool) (int, error) {
	pending, err := q.Pending(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	delivered := 0
	for _, p := range pending {
		if !deliver(p.Topic, p.Payload) {
			break
		}
		if err := q.bus.XDel(ctx, streamKey(userID), p.ID); err != nil {
			q.logger.Warn().Err(err).Str("user_id", userID).Str("entry", p.ID).Msg("Offline trim failed")
			break
		}
		delivered++
		monitoring.OfflineDrained.Inc()
	}

	if delivered > 0 {
		q.logger.Info().
			Str("user_id", userID).
			Int("delivered", delivered).
			Int("pending", len(pending)-delivered).
			Msg("Offline messages drained")
	}
	return delivered, nil
}

// Len returns the number of buffered messages for a user.
func (q *Queue) Len(ctx context.Context, userID string) (int64, error) {
	return q.bus.XLen(ctx, streamKey(userID))
}
