package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the relay. Scraped from /metrics.
var (
	// Bus client metrics
	BusOperationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_bus_operations_total",
		Help: "Total bus operations by name and outcome",
	}, []string{"op", "outcome"})

	BusOperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_bus_operation_duration_seconds",
		Help:    "Bus operation latency",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
	}, []string{"op"})

	BusCircuitState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_bus_circuit_state",
		Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open",
	})

	BusReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_bus_reconnects_total",
		Help: "Total bus reconnection attempts",
	})

	// Pattern cache metrics
	PatternsCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_patterns_cached",
		Help: "Number of pattern records currently cached",
	})

	PatternEventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_pattern_events_processed_total",
		Help: "Pattern cache write-path events by action",
	}, []string{"action"})

	PatternsCleaned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_patterns_cleaned_total",
		Help: "Expired pattern records removed by the cleanup pass",
	})

	ResponseCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_cache_hits_total",
		Help: "Scan response cache hits",
	})

	ResponseCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_response_cache_misses_total",
		Help: "Scan response cache misses",
	})

	// Scan engine metrics
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_scan_duration_seconds",
		Help:    "Scan query latency including cache hits",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})

	ScanBudgetExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_scan_budget_exceeded_total",
		Help: "Scans that exceeded their wall-clock budget and returned partial results",
	})

	// Subscriber metrics
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Events received from the bus by kind",
	}, []string{"kind"})

	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Events dropped by reason (malformed, unknown_channel, rate_limited, deep_nesting)",
	}, []string{"reason"})

	EventErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_event_errors_total",
		Help: "Bus read errors in the subscriber loop",
	})

	// Socket fan-out metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_connections_total",
		Help: "Total WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_ws_connections_active",
		Help: "Current active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_connections_failed_total",
		Help: "Failed connection attempts (rejected or upgrade error)",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_messages_sent_total",
		Help: "Messages written to WebSocket clients",
	})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_ws_messages_dropped_total",
		Help: "Messages dropped per topic and reason",
	}, []string{"topic", "reason"})

	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_ws_slow_consumers_total",
		Help: "Clients disconnected for being too slow",
	})

	// Offline buffer metrics
	OfflineEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_offline_enqueued_total",
		Help: "Messages appended to per-user offline streams",
	})

	OfflineDrained = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_offline_drained_total",
		Help: "Messages delivered from offline streams on reconnect",
	})

	// Flow logger metrics
	FlowCheckpoints = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_flow_checkpoints_total",
		Help: "Flow checkpoints recorded by name",
	}, []string{"checkpoint"})

	// Resource guard metrics
	CapacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_capacity_rejections_total",
		Help: "Connection rejections by reason",
	}, []string{"reason"})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_cpu_usage_percent",
		Help: "Process CPU usage percent",
	})
)

func init() {
	prometheus.MustRegister(
		BusOperationsTotal,
		BusOperationDuration,
		BusCircuitState,
		BusReconnectsTotal,
		PatternsCached,
		PatternEventsProcessed,
		PatternsCleaned,
		ResponseCacheHits,
		ResponseCacheMisses,
		ScanDuration,
		ScanBudgetExceeded,
		EventsReceived,
		EventsDropped,
		EventErrors,
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		MessagesSent,
		MessagesDropped,
		SlowConsumers,
		OfflineEnqueued,
		OfflineDrained,
		FlowCheckpoints,
		CapacityRejections,
		CPUUsagePercent,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
