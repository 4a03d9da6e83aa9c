package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/tickstock/relay/internal/config"
	"github.com/tickstock/relay/internal/monitoring"
	"github.com/tickstock/relay/internal/relay"
)

// Exit codes: 0 clean shutdown, 1 init failure, 2 fatal runtime error.
const (
	exitOK      = 0
	exitInit    = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fallbackLogger := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})
		fallbackLogger.Error().Err(err).Msg("Failed to load configuration")
		return exitInit
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// automaxprocs already capped GOMAXPROCS to the container CPU limit.
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("Runtime configured")
	cfg.LogConfig(logger)

	server, err := relay.NewServer(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create relay")
		return exitInit
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Signal received, shutting down")
		server.Shutdown()
		if err := <-errCh; err != nil {
			logger.Error().Err(err).Msg("Relay exited with error")
			return exitRuntime
		}
		return exitOK
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("Relay failed")
			server.Shutdown()
			return exitRuntime
		}
		return exitOK
	}
}
