// Package api implements the HTTP/SSE front end: session lifecycle
// endpoints, the streaming chat endpoint, and panel/model discovery,
// wired on top of [session.Manager].
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelai/synapse/internal/config"
	"github.com/kestrelai/synapse/internal/health"
	"github.com/kestrelai/synapse/internal/observe"
	"github.com/kestrelai/synapse/internal/session"
)

// Server owns the HTTP surface and its dependencies. Construct with New,
// start with Run, and stop with Shutdown.
type Server struct {
	mgr      *session.Manager
	personas map[string]config.Persona
	metrics  *observe.Metrics

	// modelsBreaker wraps the whole credential check behind
	// GET /api/panels/available-models; while it is open the handler
	// answers 503. The check only reads environment variables and never
	// returns an error, so it does not trip the breaker, and there is no
	// separate breaker per provider kind.
	modelsBreaker *health.CircuitBreaker

	httpServer *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithMetrics injects an [observe.Metrics] instance instead of using
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithModelsBreaker injects a [health.CircuitBreaker] instead of the default
// configuration.
func WithModelsBreaker(cb *health.CircuitBreaker) Option {
	return func(s *Server) { s.modelsBreaker = cb }
}

// New wires a Server around mgr and the configured personas.
func New(mgr *session.Manager, personas map[string]config.Persona, opts ...Option) *Server {
	s := &Server{
		mgr:      mgr,
		personas: personas,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.modelsBreaker == nil {
		s.modelsBreaker = health.NewCircuitBreaker(health.CircuitBreakerConfig{
			Name:         "panels.available-models",
			MaxFailures:  3,
			ResetTimeout: 30 * time.Second,
		})
	}
	return s
}

// Handler builds the request router, wrapped in the observability
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions/create", s.handleCreateSession)
	mux.HandleFunc("POST /api/chat/sessions/create", s.handleCreateSession)
	mux.HandleFunc("GET /api/chat/{sid}/stream", s.handleStream)
	mux.HandleFunc("GET /api/chat/{sid}/status", s.handleStatus)
	mux.HandleFunc("GET /api/chat/{sid}/synapse-events", s.handleSynapseEvents)
	mux.HandleFunc("GET /api/sessions/", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{sid}", s.handleSessionDetail)
	mux.HandleFunc("PUT /api/sessions/{sid}/end", s.handleEndSession)
	mux.HandleFunc("GET /api/panels/available-models", s.handleAvailableModels)
	mux.HandleFunc("GET /api/panels/presets", s.handlePresets)
	mux.HandleFunc("POST /api/panels/validate", s.handleValidatePanel)

	// Scrape endpoint for the Prometheus exporter bridge set up by
	// observe.InitProvider.
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// Bind constructs the underlying [http.Server] for addr. Call it on the
// caller's goroutine before dispatching [Server.Serve] to a background
// goroutine, so that a concurrent [Server.Shutdown] always has a non-nil
// server to stop.
func (s *Server) Bind(addr string) {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
}

// Run binds addr and blocks serving requests until the listener stops for
// any reason other than a graceful [Server.Shutdown].
func (s *Server) Run(addr string) error {
	s.Bind(addr)
	return s.Serve()
}

// Serve blocks serving requests on the server bound by [Server.Bind] until
// it stops for any reason other than a graceful [Server.Shutdown].
func (s *Server) Serve() error {
	slog.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP listener, waiting for in-flight
// requests (including open SSE streams) to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		if s.httpServer != nil {
			err = s.httpServer.Shutdown(ctx)
		}
	})
	return err
}
