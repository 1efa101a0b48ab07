package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/resilience"
	"taskpilot/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	executor   core.TaskRunner
	scheduler  *core.Scheduler
	breakers   *resilience.Registry
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler, when non-nil, is
// mounted at /mcp behind the same auth as the REST routes.
func NewServer(addr string, authToken string, store *store.Store, executor core.TaskRunner, scheduler *core.Scheduler, breakers *resilience.Registry, mcpHandler http.Handler, logger *slog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     store,
		executor:  executor,
		scheduler: scheduler,
		breakers:  breakers,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes(mcpHandler)

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

func (s *Server) registerRoutes(mcpHandler http.Handler) {
	if mcpHandler != nil {
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/health/breakers", s.handleBreakerHealth)
		r.Post("/scheduler/run", s.handleSchedulerRun)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/cancel", s.handleCancelTask)
				r.Get("/executions", s.handleListExecutions)
			})
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/{executionID}", s.handleGetExecution)
			r.Get("/{executionID}/screenshots/{stepIndex}", s.handleGetScreenshot)
		})
	})
}
