package events

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/bus"
	"github.com/tickstock/relay/internal/monitoring"
	"github.com/tickstock/relay/internal/pattern"
)

// producerHeartbeatKey is written by the upstream producer; the relay only
// reads it.
const producerHeartbeatKey = "producer:heartbeat"

// producerOfflineAfter is how stale the heartbeat may be before the producer
// is reported offline.
const producerOfflineAfter = 60 * time.Second

// readTimeout bounds each bus read so liveness actions stay responsive.
const readTimeout = time.Second

// ResourceGuard lets the subscriber shed load under pressure.
type ResourceGuard interface {
	AllowEvent() bool
	ShouldPauseIngest() bool
}

// Handlers is the dispatch matrix, populated by registration so the
// orchestrator and subscriber stay acyclic.
type Handlers struct {
	Pattern          func(ctx context.Context, rec *pattern.Record, flowID string)
	BacktestProgress func(ctx context.Context, payload map[string]any, flowID string)
	BacktestResult   func(ctx context.Context, payload map[string]any, flowID string)
	SystemHealth     func(ctx context.Context, payload map[string]any, flowID string)
}

// Channels maps ingress channel names to event kinds.
type Channels struct {
	Patterns         string
	BacktestProgress string
	BacktestResults  string
	Health           string
}

// Config holds subscriber configuration.
type Config struct {
	Channels          Channels
	HeartbeatInterval time.Duration
	PatternTTL        time.Duration // fills expires_at when the producer omits it
	StatusChannel     string        // observability events published here
}

// Stats tracks subscriber counters. Monotonic, reset only at process start.
type Stats struct {
	StartTime        time.Time
	PatternsReceived int64
	ProgressReceived int64
	ResultsReceived  int64
	HealthReceived   int64
	Dropped          int64
	Errors           int64
	Heartbeats       int64
}

// Subscriber consumes the fixed ingress channel set and dispatches typed
// events. It is a stateless translator between the bus and the handlers.
type Subscriber struct {
	bus      *bus.Client
	cfg      Config
	logger   zerolog.Logger
	guard    ResourceGuard
	handlers Handlers
	stats    Stats

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewSubscriber creates a subscriber. Handlers are registered separately via
// Register before Start.
func NewSubscriber(busClient *bus.Client, cfg Config, guard ResourceGuard, logger zerolog.Logger) *Subscriber {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.PatternTTL == 0 {
		cfg.PatternTTL = time.Hour
	}
	if cfg.StatusChannel == "" {
		cfg.StatusChannel = "tickstock.relay.status"
	}
	return &Subscriber{
		bus:    busClient,
		cfg:    cfg,
		logger: logger.With().Str("component", "subscriber").Logger(),
		guard:  guard,
		stats:  Stats{StartTime: time.Now()},
		now:    time.Now,
	}
}

// Register installs the dispatch matrix. Must be called before Start.
func (s *Subscriber) Register(h Handlers) {
	s.handlers = h
}

// Stats returns the live counters.
func (s *Subscriber) Stats() *Stats {
	return &s.stats
}

// Running reports whether the subscriber loop is active.
func (s *Subscriber) Running() bool {
	return s.running.Load()
}

// Start opens the subscription and launches the consume and heartbeat loops.
func (s *Subscriber) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	channels := []string{
		s.cfg.Channels.Patterns,
		s.cfg.Channels.BacktestProgress,
		s.cfg.Channels.BacktestResults,
		s.cfg.Channels.Health,
	}
	pubsub := s.bus.Subscribe(loopCtx, channels...)

	s.running.Store(true)
	s.wg.Add(2)
	go s.consumeLoop(loopCtx, pubsub)
	go s.heartbeatLoop(loopCtx)

	s.logger.Info().Strs("channels", channels).Msg("Subscriber started")
	return nil
}

// Stop unsubscribes and waits for the loops to finish. Bounded by the
// caller's shutdown deadline.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
	s.logger.Info().
		Int64("patterns", atomic.LoadInt64(&s.stats.PatternsReceived)).
		Int64("dropped", atomic.LoadInt64(&s.stats.Dropped)).
		Int64("errors", atomic.LoadInt64(&s.stats.Errors)).
		Msg("Subscriber stopped")
}

// consumeLoop reads one message at a time with a bounded timeout so the
// shutdown check stays responsive.
func (s *Subscriber) consumeLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "consumeLoop", nil)
	defer pubsub.Close()
	defer s.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := pubsub.ReceiveTimeout(ctx, readTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			atomic.AddInt64(&s.stats.Errors, 1)
			monitoring.EventErrors.Inc()
			s.logger.Warn().Err(err).Msg("Bus read error, backing off")
			time.Sleep(250 * time.Millisecond)
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			s.logger.Info().
				Str("kind", m.Kind).
				Str("channel", m.Channel).
				Int("count", m.Count).
				Msg("Subscription confirmed")
		case *redis.Message:
			s.handleMessage(ctx, m.Channel, []byte(m.Payload))
		}
	}
}

// handleMessage classifies and dispatches one bus message.
func (s *Subscriber) handleMessage(ctx context.Context, channel string, payload []byte) {
	if s.guard != nil && (!s.guard.AllowEvent() || s.guard.ShouldPauseIngest()) {
		s.drop("rate_limited", channel, nil)
		return
	}

	kind, known := s.kindFor(channel)
	if !known {
		s.drop("unknown_channel", channel, nil)
		return
	}
	monitoring.EventsReceived.WithLabelValues(string(kind)).Inc()

	switch kind {
	case KindPatternDetected:
		s.dispatchPattern(ctx, payload)
	case KindBacktestProgress:
		atomic.AddInt64(&s.stats.ProgressReceived, 1)
		s.dispatchEnvelope(ctx, payload, s.handlers.BacktestProgress)
	case KindBacktestResult:
		atomic.AddInt64(&s.stats.ResultsReceived, 1)
		s.dispatchEnvelope(ctx, payload, s.handlers.BacktestResult)
	case KindSystemHealth:
		atomic.AddInt64(&s.stats.HealthReceived, 1)
		s.dispatchEnvelope(ctx, payload, s.handlers.SystemHealth)
	}
}

func (s *Subscriber) dispatchPattern(ctx context.Context, payload []byte) {
	rec, flowID, err := ParsePatternEvent(payload, s.cfg.PatternTTL, s.now())
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrDeepNesting) {
			reason = "deep_nesting"
		}
		s.drop(reason, s.cfg.Channels.Patterns, err)
		return
	}
	if flowID == "" {
		flowID = uuid.NewString()
	}

	atomic.AddInt64(&s.stats.PatternsReceived, 1)
	if s.handlers.Pattern != nil {
		s.handlers.Pattern(ctx, rec, flowID)
	}
}

func (s *Subscriber) dispatchEnvelope(ctx context.Context, payload []byte, handler func(context.Context, map[string]any, string)) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		s.drop("malformed", "", err)
		return
	}
	flowID := env.FlowID
	if flowID == "" {
		flowID = uuid.NewString()
	}
	if handler != nil {
		handler(ctx, env.Data, flowID)
	}
}

func (s *Subscriber) drop(reason, channel string, err error) {
	atomic.AddInt64(&s.stats.Dropped, 1)
	monitoring.EventsDropped.WithLabelValues(reason).Inc()
	s.logger.Debug().
		Err(err).
		Str("reason", reason).
		Str("channel", channel).
		Msg("Event dropped")
}

func (s *Subscriber) kindFor(channel string) (Kind, bool) {
	switch channel {
	case s.cfg.Channels.Patterns:
		return KindPatternDetected, true
	case s.cfg.Channels.BacktestProgress:
		return KindBacktestProgress, true
	case s.cfg.Channels.BacktestResults:
		return KindBacktestResult, true
	case s.cfg.Channels.Health:
		return KindSystemHealth, true
	default:
		return "", false
	}
}

// heartbeatLoop emits a heartbeat log plus an observability event on the
// status channel every interval.
func (s *Subscriber) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	defer monitoring.RecoverPanic(s.logger, "heartbeatLoop", nil)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitHeartbeat(ctx)
		}
	}
}

func (s *Subscriber) emitHeartbeat(ctx context.Context) {
	atomic.AddInt64(&s.stats.Heartbeats, 1)
	uptime := time.Since(s.stats.StartTime)

	s.logger.Info().
		Int64("patterns_received", atomic.LoadInt64(&s.stats.PatternsReceived)).
		Int64("progress_received", atomic.LoadInt64(&s.stats.ProgressReceived)).
		Int64("results_received", atomic.LoadInt64(&s.stats.ResultsReceived)).
		Int64("health_received", atomic.LoadInt64(&s.stats.HealthReceived)).
		Int64("dropped", atomic.LoadInt64(&s.stats.Dropped)).
		Int64("errors", atomic.LoadInt64(&s.stats.Errors)).
		Dur("uptime", uptime).
		Bool("producer_online", s.ProducerOnline(ctx)).
		Msg("Subscriber heartbeat")

	status := map[string]any{
		"channels": []string{
			s.cfg.Channels.Patterns,
			s.cfg.Channels.BacktestProgress,
			s.cfg.Channels.BacktestResults,
			s.cfg.Channels.Health,
		},
		"patterns_received": atomic.LoadInt64(&s.stats.PatternsReceived),
		"dropped":           atomic.LoadInt64(&s.stats.Dropped),
		"errors":            atomic.LoadInt64(&s.stats.Errors),
		"uptime_sec":        int64(uptime.Seconds()),
		"timestamp":         s.now().Unix(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	// Fire and forget: heartbeat publication must never block consumption.
	if err := s.bus.Publish(ctx, s.cfg.StatusChannel, payload); err != nil {
		s.logger.Debug().Err(err).Msg("Heartbeat publish failed")
	}
}

// ProducerOnline reports whether the upstream producer's heartbeat key is
// fresh (written within the last 60s).
func (s *Subscriber) ProducerOnline(ctx context.Context) bool {
	v, found, err := s.bus.Get(ctx, producerHeartbeatKey)
	if err != nil || !found {
		return false
	}
	ts, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return false
	}
	return s.now().Sub(time.Unix(int64(ts), 0)) < producerOfflineAfter
}
