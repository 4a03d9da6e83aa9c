// Package limits enforces static resource limits: admission control for new
// connections, rate limiting for event ingest and broadcasts, and CPU-based
// backpressure.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/time/rate"

	"github.com/tickstock/relay/internal/monitoring"
)

// GuardConfig holds the static limits. No auto-tuning; behavior stays
// predictable under load.
type GuardConfig struct {
	MaxConnections     int
	MaxEventRate       int // bus events per second
	MaxBroadcastRate   int // socket broadcasts per second
	MaxGoroutines      int
	CPURejectThreshold float64 // new connections rejected above this
	CPUPauseThreshold  float64 // ingest paused above this
}

// Guard gates work admission against the configured limits. It implements
// socket.AdmissionGuard and events.ResourceGuard.
type Guard struct {
	config GuardConfig
	logger zerolog.Logger

	eventLimiter     *rate.Limiter
	broadcastLimiter *rate.Limiter

	// currentConns points at the hub's live connection counter.
	currentConns *int64

	currentCPU atomic.Value // float64
	currentMem atomic.Value // int64 bytes
}

// NewGuard creates a resource guard. currentConns must point at an int64
// updated atomically by the connection owner.
func NewGuard(config GuardConfig, currentConns *int64, logger zerolog.Logger) *Guard {
	g := &Guard{
		config:           config,
		logger:           logger.With().Str("component", "resource_guard").Logger(),
		eventLimiter:     rate.NewLimiter(rate.Limit(config.MaxEventRate), config.MaxEventRate*2),
		broadcastLimiter: rate.NewLimiter(rate.Limit(config.MaxBroadcastRate), config.MaxBroadcastRate*2),
		currentConns:     currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMem.Store(int64(0))

	g.logger.Info().
		Int("max_connections", config.MaxConnections).
		Int("max_event_rate", config.MaxEventRate).
		Int("max_broadcast_rate", config.MaxBroadcastRate).
		Int("max_goroutines", config.MaxGoroutines).
		Float64("cpu_reject_threshold", config.CPURejectThreshold).
		Float64("cpu_pause_threshold", config.CPUPauseThreshold).
		Msg("Resource guard initialized")
	return g
}

// ShouldAcceptConnection checks, in order, the hard connection limit, the CPU
// emergency brake, and the goroutine limit.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	if conns >= int64(g.config.MaxConnections) {
		monitoring.CapacityRejections.WithLabelValues("at_max_connections").Inc()
		return false, fmt.Sprintf("at max connections (%d)", g.config.MaxConnections)
	}

	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.config.CPURejectThreshold {
		monitoring.CapacityRejections.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpuPct, g.config.CPURejectThreshold)
	}

	if goros := runtime.NumGoroutine(); goros > g.config.MaxGoroutines {
		monitoring.CapacityRejections.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.config.MaxGoroutines)
	}

	return true, "OK"
}

// AllowEvent reports whether one bus event may be processed now. Events over
// the rate are dropped, not queued; the bus stream is the durable buffer.
func (g *Guard) AllowEvent() bool {
	return g.eventLimiter.Allow()
}

// AllowBroadcast rate-limits whole-hub broadcasts.
func (g *Guard) AllowBroadcast() bool {
	return g.broadcastLimiter.Allow()
}

// ShouldPauseIngest reports whether consumption should pause because CPU is
// critically high.
func (g *Guard) ShouldPauseIngest() bool {
	return g.currentCPU.Load().(float64) > g.config.CPUPauseThreshold
}

// CPUPercent returns the last sampled CPU usage.
func (g *Guard) CPUPercent() float64 {
	return g.currentCPU.Load().(float64)
}

// sample refreshes CPU and memory readings.
func (g *Guard) sample() {
	// cpu.Percent with zero interval compares against the previous call, so
	// the first reading after start is 0.
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		g.logger.Warn().Err(err).Msg("CPU sample failed")
	} else {
		g.currentCPU.Store(percents[0])
		monitoring.CPUUsagePercent.Set(percents[0])
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMem.Store(int64(mem.Alloc))
}

// StartMonitoring samples resource usage on the given interval until ctx is
// cancelled.
func (g *Guard) StartMonitoring(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	g.sample()

	go func() {
		defer monitoring.RecoverPanic(g.logger, "resourceMonitorLoop", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				g.logger.Info().Msg("Resource monitoring stopped")
				return
			case <-ticker.C:
				g.sample()
				g.logger.Debug().
					Float64("cpu_percent", g.currentCPU.Load().(float64)).
					Int64("memory_mb", g.currentMem.Load().(int64)/(1024*1024)).
					Int64("connections", atomic.LoadInt64(g.currentConns)).
					Int("goroutines", runtime.NumGoroutine()).
					Msg("Resource state updated")
			}
		}
	}()
}

// Snapshot returns current readings for the health endpoint.
func (g *Guard) Snapshot() map[string]any {
	return map[string]any{
		"max_connections":      g.config.MaxConnections,
		"current_connections":  atomic.LoadInt64(g.currentConns),
		"cpu_percent":          g.currentCPU.Load().(float64),
		"cpu_reject_threshold": g.config.CPURejectThreshold,
		"cpu_pause_threshold":  g.config.CPUPauseThreshold,
		"memory_bytes":         g.currentMem.Load().(int64),
		"goroutines":           runtime.NumGoroutine(),
		"goroutine_limit":      g.config.MaxGoroutines,
	}
}
