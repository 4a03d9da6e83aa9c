package relay

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Component status values, ordered from best to worst.
const (
	StatusHealthy  = "healthy"
	StatusWarning  = "warning"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// errorThreshold is the counter level past which a component reports
// degraded.
const errorThreshold = 100

// HealthView is the aggregate health report.
type HealthView struct {
	Status     string            `json:"status"`
	UptimeSec  int64             `json:"uptime_sec"`
	Components map[string]string `json:"components"`
	PLOnline   bool              `json:"tickstock_pl_online"`
	Detail     map[string]any    `json:"detail,omitempty"`
}

// Health aggregates per-component status. The subsystem is healthy iff the
// bus and cache are healthy; a stopped subscriber, stale producer heartbeat
// or CPU past the reject threshold downgrades to warning; error counters past
// threshold downgrade to degraded.
func (s *Server) Health(r *http.Request) HealthView {
	ctx := r.Context()

	components := make(map[string]string, 6)

	busOK := s.bus.Healthy(ctx)
	components["bus"] = boolStatus(busOK, StatusError)
	components["pattern_cache"] = boolStatus(s.cache.Healthy(ctx), StatusError)
	components["subscriber"] = boolStatus(s.subscriber.Running(), StatusWarning)

	cacheStats := s.cache.Stats()
	if atomic.LoadInt64(&cacheStats.WriteFailures) > errorThreshold {
		components["pattern_cache"] = worse(components["pattern_cache"], StatusDegraded)
	}
	subStats := s.subscriber.Stats()
	if atomic.LoadInt64(&subStats.Errors) > errorThreshold {
		components["subscriber"] = worse(components["subscriber"], StatusDegraded)
	}

	hubStats := s.hub.Stats()
	components["socket_hub"] = StatusHealthy
	if atomic.LoadInt64(&hubStats.SlowConsumers) > errorThreshold {
		components["socket_hub"] = StatusDegraded
	}

	components["user_filter"] = boolStatus(s.filter.Loaded(), StatusWarning)

	components["resources"] = StatusHealthy
	if s.guard.CPUPercent() > s.cfg.CPURejectThreshold {
		components["resources"] = StatusWarning
	}

	plOnline := s.subscriber.ProducerOnline(ctx)

	overall := StatusHealthy
	for _, st := range components {
		overall = worse(overall, st)
	}
	if !plOnline {
		overall = worse(overall, StatusWarning)
	}

	return HealthView{
		Status:     overall,
		UptimeSec:  int64(time.Since(s.startedAt).Seconds()),
		PLOnline:   plOnline,
		Components: components,
		Detail: map[string]any{
			"connections":       s.hub.ConnectionCount(),
			"breaker_state":     s.bus.BreakerState().String(),
			"cache_hit_ratio":   cacheStats.HitRatio(),
			"patterns_received": atomic.LoadInt64(&subStats.PatternsReceived),
			"events_dropped":    atomic.LoadInt64(&subStats.Dropped),
			"backtest_jobs":     s.jobs.count(),
			"flows_in_flight":   s.flow.Tracked(),
			"resources":         s.guard.Snapshot(),
		},
	}
}

// handleHealth serves the aggregate view. 200 for healthy/warning, 503 for
// degraded/error so load balancers stop routing.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	view := s.Health(r)

	status := http.StatusOK
	if view.Status == StatusDegraded || view.Status == StatusError {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(view)
}

func boolStatus(ok bool, bad string) string {
	if ok {
		return StatusHealthy
	}
	return bad
}

// worse returns the worse of two statuses.
func worse(a, b string) string {
	rank := map[string]int{
		StatusHealthy:  0,
		StatusWarning:  1,
		StatusDegraded: 2,
		StatusError:    3,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
