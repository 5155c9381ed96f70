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

	"github.com/mattjoyce/platformd/internal/dispatch"
	"github.com/mattjoyce/platformd/internal/events"
	"github.com/mattjoyce/platformd/internal/instance"
	"github.com/mattjoyce/platformd/internal/platform"
	"github.com/mattjoyce/platformd/internal/session"
)

// Dispatcher accepts client messages.
type Dispatcher interface {
	Submit(ctx context.Context, sessionID, sessionSecret string, raw json.RawMessage) (*dispatch.Ticket, error)
}

// Supervisor exposes the running instances.
type Supervisor interface {
	Platforms() *platform.Registry
	Instances() []*instance.Instance
	Destroy(ctx context.Context, id string) bool
}

// Config holds API server configuration
type Config struct {
	Listen string
	APIKey string
	// SyncTimeout is how long a message submission waits for its reply
	// before answering 202.
	SyncTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	supervisor Supervisor
	sessions   *session.Hub
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance
func New(config Config, dispatcher Dispatcher, supervisor Supervisor, sessions *session.Hub, hub *events.Hub, logger *slog.Logger) *Server {
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = 30 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		supervisor: supervisor,
		sessions:   sessions,
		events:     hub,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Streams stay open; writes are bounded per message instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/platforms", s.handleListPlatforms)
		r.Get("/instances", s.handleListInstances)
		r.Delete("/instances/{id}", s.handleDestroyInstance)
		r.Post("/sessions", s.handleOpenSession)
		r.Delete("/sessions/{id}", s.handleCloseSession)
		r.Get("/sessions/{id}/stream", s.handleSessionStream)
		r.Post("/sessions/{id}/messages", s.handleSessionMessage)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
