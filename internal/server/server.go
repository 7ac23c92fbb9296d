// Package server is a development orchestration engine: it tracks jobs and
// attempts, accepts heartbeats, and relays cancellation requests to running
// attempts through heartbeat acks and attempt polling.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/internal/store"
)

// Server is the orchestration engine REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	now       func() time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithClock overrides the time source used for heartbeat timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(bearerAuthMiddleware(s.config.Token))

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Post("/", s.handleCreateJob)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetJob)
					r.Route("/attempts", func(r chi.Router) {
						r.Get("/", s.handleListAttempts)
						r.Route("/{n}", func(r chi.Router) {
							r.Get("/", s.handleGetAttempt)
							r.Put("/", s.handleRecordAttempt)
							r.Put("/heartbeat", s.handleHeartbeat)
							r.Put("/cancel", s.handleCancelAttempt)
						})
					})
				})
			})
		})
	})
}
