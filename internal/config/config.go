package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all relay configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP surface (websocket upgrades, scan API, health, metrics)
	Addr string `env:"RELAY_ADDR" envDefault:":8080"`

	// Bus connection
	BusHost           string        `env:"BUS_HOST" envDefault:"localhost"`
	BusPort           int           `env:"BUS_PORT" envDefault:"6379"`
	BusDB             int           `env:"BUS_DB" envDefault:"0"`
	BusPassword       string        `env:"BUS_PASSWORD" envDefault:""`
	BusMaxConnections int           `env:"BUS_MAX_CONNECTIONS" envDefault:"50"`
	BusSocketTimeout  time.Duration `env:"BUS_SOCKET_TIMEOUT" envDefault:"2s"`
	BusConnectTimeout time.Duration `env:"BUS_SOCKET_CONNECT_TIMEOUT" envDefault:"1s"`
	BusHealthInterval time.Duration `env:"BUS_HEALTH_CHECK_INTERVAL" envDefault:"15s"`

	// Ingress channel names (comma-separated overrides accepted per channel)
	PatternChannel          string `env:"CHANNEL_PATTERNS" envDefault:"tickstock.events.patterns"`
	BacktestProgressChannel string `env:"CHANNEL_BACKTEST_PROGRESS" envDefault:"tickstock.events.backtesting.progress"`
	BacktestResultChannel   string `env:"CHANNEL_BACKTEST_RESULTS" envDefault:"tickstock.events.backtesting.results"`
	HealthChannel           string `env:"CHANNEL_HEALTH" envDefault:"tickstock.health.status"`
	DashboardChannel        string `env:"CHANNEL_DASHBOARD" envDefault:"tickstock.events.dashboard"`

	// Cache TTLs
	PatternCacheTTL time.Duration `env:"PATTERN_CACHE_TTL" envDefault:"3600s"`
	APIResponseTTL  time.Duration `env:"API_RESPONSE_CACHE_TTL" envDefault:"30s"`
	IndexCacheTTL   time.Duration `env:"INDEX_CACHE_TTL" envDefault:"3600s"`

	// Background intervals
	CleanupInterval   time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"60s"`
	WatchlistRefresh  time.Duration `env:"WATCHLIST_REFRESH_SEC" envDefault:"300s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL_SEC" envDefault:"60s"`

	// Offline buffering
	MaxOfflinePerUser int `env:"MAX_OFFLINE_PER_USER" envDefault:"1000"`

	// Connection capacity and safety thresholds
	MaxConnections     int     `env:"RELAY_MAX_CONNECTIONS" envDefault:"500"`
	MaxEventRate       int     `env:"RELAY_MAX_EVENT_RATE" envDefault:"1000"`
	MaxBroadcastRate   int     `env:"RELAY_MAX_BROADCAST_RATE" envDefault:"200"`
	MaxGoroutines      int     `env:"RELAY_MAX_GOROUTINES" envDefault:"2000"`
	CPURejectThreshold float64 `env:"RELAY_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"RELAY_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Scan budget
	ScanBudget time.Duration `env:"SCAN_BUDGET" envDefault:"100ms"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// BusAddr returns the host:port form used by the bus client.
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.BusHost, c.BusPort)
}

// Channels returns the ingress channel names in subscription order.
func (c *Config) Channels() []string {
	return []string{
		c.PatternChannel,
		c.BacktestProgressChannel,
		c.BacktestResultChannel,
		c.HealthChannel,
	}
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies env vars directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.BusHost == "" {
		return fmt.Errorf("BUS_HOST is required")
	}
	if c.BusPort < 1 || c.BusPort > 65535 {
		return fmt.Errorf("BUS_PORT must be 1-65535, got %d", c.BusPort)
	}
	if c.BusMaxConnections < 1 {
		return fmt.Errorf("BUS_MAX_CONNECTIONS must be > 0, got %d", c.BusMaxConnections)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.PatternCacheTTL <= 0 {
		return fmt.Errorf("PATTERN_CACHE_TTL must be > 0, got %s", c.PatternCacheTTL)
	}
	if c.APIResponseTTL <= 0 {
		return fmt.Errorf("API_RESPONSE_CACHE_TTL must be > 0, got %s", c.APIResponseTTL)
	}
	if c.MaxOfflinePerUser < 1 {
		return fmt.Errorf("MAX_OFFLINE_PER_USER must be > 0, got %d", c.MaxOfflinePerUser)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("RELAY_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("RELAY_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("RELAY_CPU_PAUSE_THRESHOLD (%.1f) must be >= RELAY_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	for _, ch := range c.Channels() {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("ingress channel names must be non-empty")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// LogConfig logs the effective configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("bus_addr", c.BusAddr()).
		Int("bus_db", c.BusDB).
		Int("bus_max_connections", c.BusMaxConnections).
		Dur("bus_socket_timeout", c.BusSocketTimeout).
		Strs("channels", c.Channels()).
		Dur("pattern_cache_ttl", c.PatternCacheTTL).
		Dur("api_response_ttl", c.APIResponseTTL).
		Dur("index_cache_ttl", c.IndexCacheTTL).
		Dur("cleanup_interval", c.CleanupInterval).
		Dur("watchlist_refresh", c.WatchlistRefresh).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Int("max_offline_per_user", c.MaxOfflinePerUser).
		Int("max_connections", c.MaxConnections).
		Int("max_event_rate", c.MaxEventRate).
		Int("max_broadcast_rate", c.MaxBroadcastRate).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Relay configuration loaded")
}
