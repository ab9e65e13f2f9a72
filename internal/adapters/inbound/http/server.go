// Package http provides the inbound HTTP adapter for the trade runner: the
// /price_update batch trigger and the health probes.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/archon-research/stl/stl-trade/internal/ports/inbound"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Addr is the address to listen on (e.g., ":8080")
	Addr string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout bounds a whole request, including a triggered pass.
	WriteTimeout time.Duration

	// ShutdownTimeout is how long in-flight passes get to finish on shutdown.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// ServerConfigDefaults returns a config with default values.
func ServerConfigDefaults() ServerConfig {
	return ServerConfig{
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    30 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server serves the batch trigger and the health probes.
//
// Endpoints:
//   - /price_update  - Runs one pass (only when a trigger handler is given)
//   - /health/ready  - 200 once the runner can accept triggers (readiness probe)
//   - /health/live   - 200 while no pass is stuck (liveness probe)
//   - /health        - Combined status for monitoring
//
// Once shuttingDown is set every probe returns 503 so the load balancer
// drains the task before it exits.
type Server struct {
	server          *http.Server
	checker         inbound.HealthChecker
	shuttingDown    *atomic.Bool
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewServer creates the HTTP server. trigger may be nil to serve probes only.
func NewServer(config ServerConfig, checker inbound.HealthChecker, shuttingDown *atomic.Bool, trigger *TriggerHandler) *Server {
	defaults := ServerConfigDefaults()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if shuttingDown == nil {
		shuttingDown = &atomic.Bool{}
	}

	s := &Server{
		checker:         checker,
		shuttingDown:    shuttingDown,
		shutdownTimeout: config.ShutdownTimeout,
		logger:          config.Logger.With("component", "http-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/ready", s.handleReady)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health", s.handleHealth)
	if trigger != nil {
		trigger.RegisterRoutes(mux)
	}

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.probe(w, s.checker.IsReady(), "ready", "not_ready")
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.probe(w, s.checker.IsHealthy(), "healthy", "unhealthy")
}

func (s *Server) probe(w http.ResponseWriter, ok bool, up, down string) {
	switch {
	case s.shuttingDown.Load():
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
	case ok:
		respondJSON(w, s.logger, http.StatusOK, map[string]string{"status": up})
	default:
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": down})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		respondJSON(w, s.logger, http.StatusServiceUnavailable, map[string]any{
			"status":       "shutting_down",
			"ready":        false,
			"healthy":      false,
			"shuttingDown": true,
		})
		return
	}

	ready := s.checker.IsReady()
	healthy := s.checker.IsHealthy()
	status, code := "ok", http.StatusOK
	if !ready || !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	respondJSON(w, s.logger, code, map[string]any{
		"status":       status,
		"ready":        ready,
		"healthy":      healthy,
		"shuttingDown": false,
	})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}
