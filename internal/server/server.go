// Package server provides the admin HTTP API of a replstore node.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/replstore/internal/config"
	"github.com/devrev/replstore/internal/health"
)

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	handlers   *Handlers
	health     *health.Checker
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	cfg        *config.Config
}

// NewServer creates a new HTTP server with every route registered.
// gatherer may be nil when metrics are disabled.
func NewServer(cfg *config.Config, handlers *Handlers, checker *health.Checker, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:   router,
		handlers: handlers,
		health:   checker,
		gatherer: gatherer,
		logger:   logger,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		Recovery(s.logger),
		RequestID,
		Logging(s.logger),
	}
	if s.cfg.Server.RateLimit.Enabled {
		limiter := NewRateLimiter(s.cfg.Server.RateLimit.RequestsPerSecond, s.cfg.Server.RateLimit.BurstSize, s.logger)
		middlewareChain = append(middlewareChain, limiter.Limit)
	}
	s.router.Use(Chain(middlewareChain...))

	s.router.HandleFunc("/health", s.health.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.health.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(Timeout(s.cfg.Server.RequestTimeout))
	v1.HandleFunc("/keys/parse", s.handlers.ParseKey).Methods(http.MethodGet)
	v1.HandleFunc("/databases", s.handlers.ListDatabases).Methods(http.MethodGet)
	v1.HandleFunc("/foreign/{namespace}/reconcile", s.handlers.Reconcile).Methods(http.MethodPost)
	v1.HandleFunc("/foreign/{namespace}/{id}", s.handlers.DeleteReference).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting admin HTTP server", zap.String("addr", s.cfg.Server.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}
