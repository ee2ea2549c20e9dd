package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/gocycle/internal/cycling"
	"github.com/me/gocycle/internal/datastore"
	"github.com/me/gocycle/internal/executor"
	"github.com/me/gocycle/internal/matcher"
	"github.com/me/gocycle/internal/metrics"
	"github.com/me/gocycle/internal/scheduler"
	"github.com/me/gocycle/internal/store"
)

// Version is reported by the discovery and health endpoints.
const Version = "0.1.0"

// Server is the gocycle REST API server.
type Server struct {
	router     chi.Router
	logger     *slog.Logger
	startTime  time.Time
	store      store.Store
	scheduler  scheduler.Scheduler
	data       *datastore.Store
	matcher    *matcher.Matcher
	registry   *executor.Registry // optional; used for job logs and health
	metrics    *metrics.Metrics   // optional; serves /metrics and counts requests
	workerKeys *WorkerKeyConfig   // optional; nil leaves worker endpoints open
	sseEvery   time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithExecutorRegistry sets the back-end registry used to read job logs.
func WithExecutorRegistry(reg *executor.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithMetrics exposes m on /metrics and records request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithWorkerKeyConfig requires worker requests to carry a configured key.
func WithWorkerKeyConfig(cfg *WorkerKeyConfig) Option {
	return func(s *Server) {
		s.workerKeys = cfg
	}
}

// WithStreamInterval sets how often the delta stream checks for changes.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		s.sseEvery = d
	}
}

// New creates a new Server with all routes registered.
// sched may be nil, in which case commands and messages are refused.
func New(kind cycling.Kind, st store.Store, sched scheduler.Scheduler, data *datastore.Store, logger *slog.Logger, opts ...Option) (*Server, error) {
	m, err := matcher.New(kind, 256)
	if err != nil {
		return nil, err
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		store:     st,
		scheduler: sched,
		data:      data,
		matcher:   m,
		sseEvery:  time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ReapWorkers marks workers that stopped sending heartbeats offline, every
// interval, until ctx is cancelled. Their running jobs fail, which the
// scheduler sees on its next poll.
func (s *Server) ReapWorkers(ctx context.Context, timeout, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.MarkStaleWorkers(ctx, time.Now().Add(-timeout))
			if err != nil {
				s.logger.Error("mark stale workers", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Warn("workers marked offline", "count", n, "timeout", timeout)
			}
		}
	}
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger, s.metrics))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Published view
		r.Get("/workflow", s.handleGetWorkflow)
		r.Route("/datastore", func(r chi.Router) {
			r.Get("/", s.handleDatastore)
			r.Get("/deltas", s.handleDeltas)
		})
		r.Route("/sse", func(r chi.Router) {
			r.Get("/datastore", s.handleSSEDatastore)
		})

		// Task instances
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Route("/{point}/{name}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/jobs", s.handleListJobs)
				r.Get("/logs", s.handleGetTaskLogs)
			})
		})

		// Control
		r.Post("/commands", s.handleCommand)
		r.Post("/messages", s.handleMessage)

		// Remote workers
		r.Route("/workers", func(r chi.Router) {
			r.Use(workerAuthMiddleware(s.workerKeys, s.logger))
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", s.handleDeregisterWorker)
				r.Put("/heartbeat", s.handleWorkerHeartbeat)
				r.Get("/work", s.handleWorkerCheckout)
				r.Put("/jobs/{handle}", s.handleWorkerReport)
			})
		})
	})
}
