package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/squadrecon/service/app"
	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/brojonat/squadrecon/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"store_driver", cfg.StoreDriver,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	deps, err := app.Build(ctx, cfg, metricsCollector, logger, app.Options{Publish: true})
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}
	defer deps.Close()

	// SSE streams are best effort; the API keeps working without them. The
	// server closes the publisher on shutdown.
	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("SSE streaming disabled", "error", err)
		ssePublisher = nil
	}

	httpServer := server.New(cfg.ServerAddr, cfg, deps.Engine, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"squad_base_url", cfg.SquadBaseURL,
		"nats_url", cfg.NATSURL,
		"redis_lock", cfg.RedisURL != "",
		"stale_after", cfg.StaleAfter,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
