// Package api exposes the orchestrator over a local HTTP admin surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmswain/foreman/internal/events"
	"github.com/jmswain/foreman/internal/journal"
	"github.com/jmswain/foreman/internal/worker"
)

//go:generate mockgen -destination=mocks/mock_orchestrator.go -package=mocks github.com/jmswain/foreman/internal/api Orchestrator

// Orchestrator is the worker lifecycle surface the API serves.
type Orchestrator interface {
	Create(ctx context.Context, spec worker.JobSpec) (worker.Descriptor, error)
	Stop(id string) bool
	Get(id string) (worker.Descriptor, bool)
	List() []worker.Descriptor
	ListByJob(jobID string) []worker.Descriptor
	SendRequest(ctx context.Context, id, route string, payload json.RawMessage) (json.RawMessage, error)
}

// JournalReader serves historical lifecycle records.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
	ByWorker(ctx context.Context, workerID string) ([]journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey, when set, is required as a bearer token on /v1 routes.
	APIKey string
}

// Server is the HTTP admin server.
type Server struct {
	config    Config
	orch      Orchestrator
	bus       *events.Bus
	journal   JournalReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. journal may be nil when journalling is disabled.
func New(config Config, orch Orchestrator, bus *events.Bus, journal JournalReader, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		orch:      orch,
		bus:       bus,
		journal:   journal,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // worker requests can take up to the request timeout
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("admin API starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("admin API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Routes returns the HTTP handler without binding a listener. Used by tests
// and by embedders that manage their own server.
func (s *Server) Routes() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/workers", s.handleListWorkers)
		r.Post("/workers", s.handleCreateWorker)
		r.Get("/workers/{workerID}", s.handleGetWorker)
		r.Delete("/workers/{workerID}", s.handleDeleteWorker)
		r.Post("/workers/{workerID}/request", s.handleWorkerRequest)
		r.Get("/workers/{workerID}/journal", s.handleWorkerJournal)
		r.Get("/events", s.handleEvents)
		r.Get("/journal", s.handleJournal)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
