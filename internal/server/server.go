// Package server exposes the verification harness over a JSON REST API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/vmsched/internal/config"
	"github.com/me/vmsched/internal/runner"
	"github.com/me/vmsched/internal/store"
)

// Server is the vmsched REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	runner    runner.Runner
	limits    ScenarioLimits
}

// ScenarioLimits bounds the scenarios POST /scenarios will generate.
type ScenarioLimits struct {
	MaxSpawns uint32
	MaxWrites uint32
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithScenarioLimits overrides the default scenario bounds.
func WithScenarioLimits(l ScenarioLimits) Option {
	return func(s *Server) {
		s.limits = l
	}
}

// New creates a new Server with all routes registered.
// run may be nil if no verification should run (e.g. in tests); queued
// verifications then stay PENDING.
func New(cfg config.ServerConfig, st store.Store, run runner.Runner, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		runner:    run,
		limits:    ScenarioLimits{MaxSpawns: 256, MaxWrites: 1024},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// StartRunner begins the verification runner in a background goroutine.
func (s *Server) StartRunner(ctx context.Context) {
	if s.runner == nil {
		return
	}
	go func() {
		if err := s.runner.Start(ctx); err != nil && err != context.Canceled {
			s.logger.Error("runner stopped", "error", err)
		}
	}()
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
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Verification
		r.Post("/verify", s.handleVerify)
		r.Route("/verifications", func(r chi.Router) {
			r.Get("/", s.handleListVerifications)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetVerification)
				r.Get("/checkpoints", s.handleListCheckpoints)
			})
		})

		// Scenario generation
		r.Post("/scenarios", s.handleCreateScenario)
	})
}
