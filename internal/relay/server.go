// Package relay wires the bus client, pattern cache, scan engine, subscriber,
// user filter, socket hub, offline buffer and flow logger into one process
// and exposes the HTTP surface.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tickstock/relay/internal/bus"
	"github.com/tickstock/relay/internal/config"
	"github.com/tickstock/relay/internal/events"
	"github.com/tickstock/relay/internal/flow"
	"github.com/tickstock/relay/internal/limits"
	"github.com/tickstock/relay/internal/monitoring"
	"github.com/tickstock/relay/internal/offline"
	"github.com/tickstock/relay/internal/pattern"
	"github.com/tickstock/relay/internal/scan"
	"github.com/tickstock/relay/internal/socket"
	"github.com/tickstock/relay/internal/users"
)

// Egress socket topics. Part of the external contract.
const (
	TopicPatternAlert     = "pattern_alert"
	TopicBacktestProgress = "backtest_progress"
	TopicBacktestResult   = "backtest_result"
	TopicSystemHealth     = "system_health"
)

// dashboardBroadcastTopics are dashboard-channel event types relayed to every
// client. Not durable: they are superseded by the next tick.
var dashboardBroadcastTopics = map[string]struct{}{
	"dashboard_price_update":   {},
	"dashboard_ohlcv_update":   {},
	"dashboard_market_summary": {},
}

// shutdownTimeout bounds each stop during graceful shutdown.
const shutdownTimeout = 5 * time.Second

// patternAlertEvent is the event body of pattern_alert frames and offline
// replays: the detection payload plus its kind discriminator and provenance.
type patternAlertEvent struct {
	Kind      string          `json:"kind"`
	Channel   string          `json:"channel"`
	Timestamp float64         `json:"timestamp"`
	FlowID    string          `json:"flow_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Server is the orchestrator. It owns component lifecycles; the components
// themselves never reference each other directly.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus        *bus.Client
	cache      *pattern.Cache
	engine     *scan.Engine
	subscriber *events.Subscriber
	filter     *users.Filter
	hub        *socket.Hub
	offline    *offline.Queue
	flow       *flow.Logger
	guard      *limits.Guard
	jobs       *jobTable

	wsHandler  *socket.Handler
	httpServer *http.Server

	cancel    context.CancelFunc
	startedAt time.Time
}

// NewServer constructs every component and wires the dispatch paths. An
// unreachable bus is a fatal construction error; everything else degrades at
// runtime instead.
func NewServer(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	busClient, err := bus.NewClient(bus.Config{
		Addr:           cfg.BusAddr(),
		Password:       cfg.BusPassword,
		DB:             cfg.BusDB,
		MaxConnections: cfg.BusMaxConnections,
		SocketTimeout:  cfg.BusSocketTimeout,
		ConnectTimeout: cfg.BusConnectTimeout,
		HealthInterval: cfg.BusHealthInterval,
	}, logger)
	if err != nil {
		return nil, err
	}

	cache := pattern.NewCache(busClient, pattern.CacheConfig{
		PatternTTL:      cfg.PatternCacheTTL,
		IndexTTL:        cfg.IndexCacheTTL,
		ResponseTTL:     cfg.APIResponseTTL,
		CleanupInterval: cfg.CleanupInterval,
	}, logger)

	hub := socket.NewHub(logger)

	guard := limits.NewGuard(limits.GuardConfig{
		MaxConnections:     cfg.MaxConnections,
		MaxEventRate:       cfg.MaxEventRate,
		MaxBroadcastRate:   cfg.MaxBroadcastRate,
		MaxGoroutines:      cfg.MaxGoroutines,
		CPURejectThreshold: cfg.CPURejectThreshold,
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
	}, &hub.Stats().CurrentConnections, logger)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With().Str("component", "relay").Logger(),
		bus:        busClient,
		cache:      cache,
		engine:     scan.NewEngine(cache, cfg.ScanBudget, logger),
		filter:     users.NewFilter(users.NewBusStore(busClient), cfg.WatchlistRefresh, logger),
		hub:        hub,
		offline:    offline.NewQueue(busClient, cfg.MaxOfflinePerUser, logger),
		flow:       flow.NewLogger(logger),
		guard:      guard,
		jobs:       newJobTable(),
	}

	s.subscriber = events.NewSubscriber(busClient, events.Config{
		Channels: events.Channels{
			Patterns:         cfg.PatternChannel,
			BacktestProgress: cfg.BacktestProgressChannel,
			BacktestResults:  cfg.BacktestResultChannel,
			Health:           cfg.HealthChannel,
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		PatternTTL:        cfg.PatternCacheTTL,
	}, guard, logger)
	s.subscriber.Register(events.Handlers{
		Pattern:          s.handlePattern,
		BacktestProgress: s.handleBacktestProgress,
		BacktestResult:   s.handleBacktestResult,
		SystemHealth:     s.handleSystemHealth,
	})

	s.wsHandler = socket.NewHandler(hub, guard)
	hub.SetOnRegister(s.drainOffline)

	mux := http.NewServeMux()
	mux.Handle("/ws", s.wsHandler)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", monitoring.Handler())
	mux.HandleFunc("/api/patterns/scan", s.handleScan)
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

// Start brings the components up in dependency order and begins serving.
// Blocks until the HTTP listener stops.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startedAt = time.Now()

	s.bus.StartHealthLoop(runCtx)
	s.filter.StartRefreshLoop(runCtx)
	s.guard.StartMonitoring(runCtx, s.cfg.MetricsInterval)

	if err := s.subscriber.Start(runCtx); err != nil {
		cancel()
		return err
	}
	s.cache.StartCleanupLoop(runCtx)
	go s.dashboardLoop(runCtx)
	go s.jobSweepLoop(runCtx)

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Relay started")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops components in reverse dependency order. Each stop is bounded
// and component errors are logged, not propagated.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("Relay shutting down")
	s.wsHandler.SetShuttingDown()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	s.subscriber.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.hub.CloseAll()
	if err := s.bus.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Bus close failed")
	}
	s.logger.Info().Msg("Relay stopped")
}

// handlePattern is the pattern_detected path: checkpoint, cache, filter,
// fan out, buffer for offline users. The cache write strictly precedes
// delivery so a scan issued after an alert always sees the pattern.
func (s *Server) handlePattern(ctx context.Context, rec *pattern.Record, flowID string) {
	s.flow.Checkpoint(flowID, flow.CheckpointReceived, map[string]any{"channel": s.cfg.PatternChannel})
	s.flow.Checkpoint(flowID, flow.CheckpointParsed, map[string]any{
		"symbol":  rec.Symbol,
		"pattern": rec.PatternType,
	})

	if err := s.cache.ProcessEvent(ctx, pattern.ActionDetected, rec); err != nil {
		return
	}
	s.flow.Checkpoint(flowID, flow.CheckpointCached, nil)

	recJSON, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().Err(err).Str("id", rec.ID()).Msg("Pattern payload marshal failed")
		return
	}
	payload, err := json.Marshal(patternAlertEvent{
		Kind:      pattern.ActionDetected,
		Channel:   s.cfg.PatternChannel,
		Timestamp: rec.DetectedAt,
		FlowID:    flowID,
		Payload:   recJSON,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("id", rec.ID()).Msg("Pattern alert marshal failed")
		return
	}

	if !s.filter.Loaded() {
		// Filter failed open: broadcast rather than drop alerts.
		if s.guard.AllowBroadcast() {
			s.hub.Broadcast(TopicPatternAlert, json.RawMessage(payload))
		}
		s.flow.Checkpoint(flowID, flow.CheckpointDelivered, map[string]any{"mode": "broadcast"})
		return
	}

	userIDs := s.filter.UsersFor(rec.Symbol, rec.PatternType, rec.Confidence)
	s.flow.Checkpoint(flowID, flow.CheckpointFiltered, map[string]any{"users": len(userIDs)})

	delivered, buffered := 0, 0
	for _, userID := range userIDs {
		if s.hub.EmitToUser(userID, TopicPatternAlert, json.RawMessage(payload)) {
			delivered++
			continue
		}
		// Pattern alerts are durable; the user gets them on reconnect.
		if err := s.offline.Enqueue(ctx, userID, TopicPatternAlert, payload); err != nil {
			s.logger.Warn().Err(err).Str("user_id", userID).Msg("Offline buffering failed")
			continue
		}
		buffered++
	}

	s.flow.Checkpoint(flowID, flow.CheckpointDelivered, map[string]any{
		"delivered": delivered,
		"buffered":  buffered,
	})
}

func (s *Server) handleBacktestProgress(ctx context.Context, payload map[string]any, flowID string) {
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return
	}
	userID, _ := payload["user_id"].(string)
	progress, _ := payload["progress"].(float64)
	currentSymbol, _ := payload["current_symbol"].(string)
	eta, _ := payload["eta"].(float64)

	job := s.jobs.update(jobID, userID, progress, currentSymbol, eta)
	s.emitJob(TopicBacktestProgress, job)
}

func (s *Server) handleBacktestResult(ctx context.Context, payload map[string]any, flowID string) {
	jobID, _ := payload["job_id"].(string)
	if jobID == "" {
		return
	}
	userID, _ := payload["user_id"].(string)
	status, _ := payload["status"].(string)

	job := s.jobs.finish(jobID, userID, status)
	s.emitJob(TopicBacktestResult, job)
}

// emitJob delivers a job update to its owner, falling back to broadcast when
// no owner is known.
func (s *Server) emitJob(topic string, job Job) {
	if job.UserID != "" {
		if s.hub.EmitToUser(job.UserID, topic, job) {
			return
		}
	}
	if s.guard.AllowBroadcast() {
		s.hub.Broadcast(topic, job)
	}
}

func (s *Server) handleSystemHealth(ctx context.Context, payload map[string]any, flowID string) {
	if s.guard.AllowBroadcast() {
		s.hub.Broadcast(TopicSystemHealth, payload)
	}
}

// drainOffline runs off the register path, replaying the user's buffered
// alerts through the live connection.
func (s *Server) drainOffline(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	_, err := s.offline.Drain(ctx, userID, func(topic string, payload json.RawMessage) bool {
		return s.hub.EmitToUser(userID, topic, payload)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Offline drain failed")
	}
}

// dashboardLoop consumes the dashboard channel: watchlist updates refresh the
// filter snapshot eagerly; market-data events are broadcast.
func (s *Server) dashboardLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(s.logger, "dashboardLoop", nil)

	pubsub := s.bus.Subscribe(ctx, s.cfg.DashboardChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := pubsub.ReceiveTimeout(ctx, time.Second)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			time.Sleep(250 * time.Millisecond)
			continue
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		env, err := events.ParseEnvelope([]byte(m.Payload))
		if err != nil {
			continue
		}

		switch {
		case env.EventType == "watchlist_update":
			s.filter.Invalidate(ctx)
		default:
			if _, known := dashboardBroadcastTopics[env.EventType]; known && s.guard.AllowBroadcast() {
				s.hub.Broadcast(env.EventType, env.Data)
			}
		}
	}
}

// jobSweepLoop evicts finished backtest jobs past retention.
func (s *Server) jobSweepLoop(ctx context.Context) {
	defer monitoring.RecoverPanic(s.logger, "jobSweepLoop", nil)

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.jobs.sweep()
		}
	}
}

// handleScan serves GET (flat query params) and POST (JSON body) scan
// requests. Contract errors map to 400; everything else to 500.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var (
		filters scan.Filters
		err     error
	)
	switch r.Method {
	case http.MethodGet:
		filters, err = scan.ParseQuery(r.URL.Query())
	case http.MethodPost:
		err = json.NewDecoder(r.Body).Decode(&filters)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.engine.Scan(r.Context(), filters)
	if err != nil {
		if s.bus.Healthy(r.Context()) {
			writeJSONError(w, http.StatusBadRequest, err.Error())
		} else {
			writeJSONError(w, http.StatusServiceUnavailable, "pattern cache unavailable")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("Scan response write failed")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
