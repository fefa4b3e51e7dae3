package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenroomhq/greenroom/internal/buildinfo"
	"github.com/greenroomhq/greenroom/internal/core"
	"github.com/greenroomhq/greenroom/internal/store"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	manager    *core.Manager
	store      *store.Store
	scheduler  *core.Scheduler
	executor   core.Executor
	hub        *core.Hub
	registry   *prometheus.Registry
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(addr, authToken string, manager *core.Manager, st *store.Store, scheduler *core.Scheduler, executor core.Executor, hub *core.Hub, registry *prometheus.Registry, logger *slog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		manager:   manager,
		store:     st,
		scheduler: scheduler,
		executor:  executor,
		hub:       hub,
		registry:  registry,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	// WriteTimeout stays zero so the event stream and log follow endpoints
	// can run indefinitely.
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = httpServer
	return s, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/rooms", func(r chi.Router) {
			r.Get("/", s.handleListRooms)
			r.Post("/", s.handleCreateRoom)

			r.Route("/{roomID}", func(r chi.Router) {
				r.Get("/", s.handleGetRoom)
				r.Delete("/", s.handleDestroyRoom)
				r.Get("/operations", s.handleListRoomOperations)
			})
		})

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", s.handleListOperations)

			r.Route("/{operationID}", func(r chi.Router) {
				r.Get("/", s.handleGetOperation)
				r.Get("/logs", s.handleOperationLogs)
				r.Post("/cancel", s.handleCancelOperation)
			})
		})

		r.Get("/events", s.handleEvents)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        buildinfo.Version,
		"commit":         buildinfo.Commit,
		"next_retention": s.scheduler.NextRetention().UTC().Format(time.RFC3339),
	})
}
