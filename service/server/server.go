package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/squadrecon/service/config"
	"github.com/brojonat/squadrecon/service/engine"
	"github.com/brojonat/squadrecon/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP server for the reconciliation service.
type Server struct {
	addr         string
	cfg          *config.Config
	engine       *engine.Engine
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, eng *engine.Engine, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		cfg:          cfg,
		engine:       eng,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger.With("component", "server"),
	}
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	header := "x-squad-encrypted-body"
	if s.cfg != nil && s.cfg.WebhookSignatureHeader != "" {
		header = s.cfg.WebhookSignatureHeader
	}

	// Gateway callbacks
	route("POST /api/v1/webhooks/squad", "webhook_squad", handleSquadWebhook(s.engine, header, s.logger))

	// Transaction routes
	route("POST /api/v1/transactions", "create_transaction", handleCreateTransaction(s.engine, s.logger))
	route("GET /api/v1/transactions", "list_transactions", handleListTransactions(s.engine, s.logger))
	route("GET /api/v1/transactions/{ref}", "get_transaction", handleGetTransaction(s.engine, s.logger))
	route("POST /api/v1/transactions/{ref}/verify", "verify_transaction", handleVerifyTransaction(s.engine, s.logger))
	route("GET /api/v1/transactions-stuck", "list_stuck", handleListStuck(s.engine, s.logger))
	route("GET /api/v1/anomalies", "list_anomalies", handleListAnomalies(s.engine, s.logger))

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/transactions/{ref}", handleStreamTransitions(s.ssePublisher, s.metrics, s.logger))
		mux.Handle("GET /api/v1/stream/transactions", handleStreamTransitions(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.engine == nil {
		return fmt.Errorf("server: engine is required")
	}

	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// SSE connections hold the response open, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
