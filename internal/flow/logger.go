// Package flow traces individual events through the pipeline with
// per-checkpoint structured log records keyed by flow id.
package flow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/monitoring"
)

// Pipeline checkpoints in traversal order.
const (
	CheckpointReceived  = "EVENT_RECEIVED"
	CheckpointParsed    = "EVENT_PARSED"
	CheckpointCached    = "PATTERN_CACHED"
	CheckpointFiltered  = "USER_FILTERED"
	CheckpointDelivered = "WEBSOCKET_DELIVERED"
)

// maxTracked bounds the start-time table; flows older than flowTTL are
// evicted on sweep so abandoned ids do not accumulate.
const (
	maxTracked = 10000
	flowTTL    = 5 * time.Minute
)

// Logger emits one structured record per checkpoint. Emission is
// fire-and-forget; a failure to record never blocks or fails the data path.
type Logger struct {
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	starts map[string]time.Time
}

// NewLogger creates a flow logger writing through the given base logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "flow").Logger(),
		now:    time.Now,
		starts: make(map[string]time.Time),
	}
}

// MintID returns a fresh flow id for events that arrived without one.
func MintID() string {
	return uuid.NewString()
}

// Checkpoint records one stage for a flow. The first checkpoint for an id
// anchors its start time; later ones report elapsed milliseconds since then.
// detail may be nil.
func (l *Logger) Checkpoint(flowID, checkpoint string, detail map[string]any) {
	if flowID == "" {
		return
	}
	now := l.now()

	l.mu.Lock()
	start, ok := l.starts[flowID]
	if !ok {
		if len(l.starts) >= maxTracked {
			l.sweepLocked(now)
		}
		l.starts[flowID] = now
		start = now
	}
	if checkpoint == CheckpointDelivered {
		delete(l.starts, flowID)
	}
	l.mu.Unlock()

	ev := l.logger.Info().
		Str("flow_id", flowID).
		Str("checkpoint", checkpoint).
		Float64("ts", float64(now.UnixNano())/1e9).
		Float64("elapsed_since_start_ms", float64(now.Sub(start).Microseconds())/1000)
	for k, v := range detail {
		ev = ev.Interface(k, v)
	}
	ev.Msg("Flow checkpoint")

	monitoring.FlowCheckpoints.WithLabelValues(checkpoint).Inc()
}

// sweepLocked evicts entries past flowTTL. Caller holds l.mu.
func (l *Logger) sweepLocked(now time.Time) {
	for id, start := range l.starts {
		if now.Sub(start) > flowTTL {
			delete(l.starts, id)
		}
	}
}

// Tracked returns the number of in-flight flows, used by health reporting.
func (l *Logger) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.starts)
}
