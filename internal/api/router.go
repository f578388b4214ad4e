package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"taskwarden/internal/core"
	"taskwarden/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// TaskService is the lifecycle surface the handlers drive.
type TaskService interface {
	Create(ctx context.Context, in core.TaskInput) (*core.Task, error)
	Update(ctx context.Context, id string, patch core.TaskPatch) (*core.Task, error)
	Get(ctx context.Context, id string) (*core.Task, error)
	List(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error)
	Ledger(ctx context.Context, id string, limit, offset int) ([]*core.LedgerEntry, error)
	Pause(ctx context.Context, id string) (*core.Task, error)
	Resume(ctx context.Context, id string) (*core.Task, error)
	ExecuteNow(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Preview(in core.TaskInput, n int) ([]time.Time, error)
}

// Inbox is the notification store surface exposed over HTTP.
type Inbox interface {
	GetLedgerEntry(ctx context.Context, id int64) (*core.LedgerEntry, error)
	ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]*core.Notification, error)
	MarkNotificationRead(ctx context.Context, id int64) error
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
	CountUnreadNotifications(ctx context.Context) (int, error)
	ArchiveReadNotifications(ctx context.Context) (int64, error)
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	tasks      TaskService
	inbox      Inbox
	mcpHandler http.Handler
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. mcpHandler may be nil.
func NewServer(addr string, authToken string, tasks TaskService, inbox Inbox, mcpHandler http.Handler, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:     router,
		tasks:      tasks,
		inbox:      inbox,
		mcpHandler: mcpHandler,
		logger:     logger,
		authToken:  authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
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

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Mount MCP endpoint with optional authentication
	if s.mcpHandler != nil {
		var mcpHandler http.Handler = s.mcpHandler
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

		r.Post("/schedule/preview", s.handleSchedulePreview)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Patch("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/pause", s.handlePauseTask)
				r.Post("/resume", s.handleResumeTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/ledger", s.handleListLedger)
			})
		})

		r.Get("/ledger/{entryID}", s.handleGetLedgerEntry)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Get("/unread-count", s.handleUnreadCount)
			r.Post("/read-all", s.handleMarkAllRead)
			r.Post("/archive-read", s.handleArchiveRead)
			r.Post("/{notificationID}/read", s.handleMarkRead)
		})
	})
}
