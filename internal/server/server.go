// Package server implements the relay peer that replicas sync against.
//
// The relay is not a replica: it never resolves conflicts or materializes
// rows. Per file it keeps every message it has been sent and the trie of
// their timestamps, and answers each exchange with the messages the caller
// has not seen plus that trie.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/roach88/crdtsync/internal/config"
	"github.com/roach88/crdtsync/internal/metrics"
)

// Server represents the relay HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	store      *GroupStore
	logger     *zap.Logger
	metrics    *metrics.Metrics
	cfg        config.Config
}

// NewServer creates a relay server. Call SetupRoutes before serving.
func NewServer(cfg config.Config, store *GroupStore, logger *zap.Logger, m *metrics.Metrics) *Server {
	router := mux.NewRouter()
	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Server.Listen,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger, s.metrics),
	}
	if s.cfg.Server.RateLimit > 0 {
		limiter := NewRateLimiter(s.cfg.Server.RateLimit, s.cfg.Server.Burst, s.logger)
		middlewareChain = append(middlewareChain, limiter.Limit)
	}
	s.router.Use(Chain(middlewareChain...))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)

	if s.cfg.Metrics.Enabled && s.metrics != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).
			Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "endpoint not found", http.StatusNotFound)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting relay server",
		zap.String("listen", s.cfg.Server.Listen),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}
