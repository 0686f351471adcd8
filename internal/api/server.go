// Package api implements the HTTP surface: chat, transcript, task and
// instruction management, the event webhook, and operational
// endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/steward/internal/agent"
	"github.com/nugget/steward/internal/buildinfo"
	"github.com/nugget/steward/internal/config"
	"github.com/nugget/steward/internal/connwatch"
	"github.com/nugget/steward/internal/dispatch"
	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/instructions"
	"github.com/nugget/steward/internal/memory"
	"github.com/nugget/steward/internal/tasks"
)

// UserHeader carries the authenticated user's ID. Authentication
// itself happens in front of this server.
const UserHeader = "X-User-ID"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chat runs chat turns.
type Chat interface {
	Turn(ctx context.Context, req agent.TurnRequest) (*agent.TurnResult, error)
}

// Dispatcher handles inbound events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

// Syncer starts background imports.
type Syncer interface {
	Start(userID string) bool
}

// Health reports upstream service reachability.
type Health interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// Deps are the server's collaborators. Sync, Usage, Bus, Health and
// Gatherer may be nil, which disables their endpoints or reports.
type Deps struct {
	Chat         Chat
	Dispatcher   Dispatcher
	Sync         Syncer
	Memory       *memory.Store
	Tasks        *tasks.Store
	Instructions *instructions.Store
	Usage        Usage
	Bus          *events.Bus
	Health       Health
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	deps     Deps
	logger   *slog.Logger
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg config.ListenConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: cfg.Address,
		port:    cfg.Port,
		deps:    deps,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // turns make several model calls
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.withUser(s.handleChat))
	mux.HandleFunc("GET /v1/sessions", s.withUser(s.handleSessionList))
	mux.HandleFunc("GET /v1/sessions/{id}/messages", s.withUser(s.handleSessionMessages))

	mux.HandleFunc("GET /v1/tasks", s.withUser(s.handleTaskList))
	mux.HandleFunc("GET /v1/tasks/{id}", s.withUser(s.handleTaskGet))
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.withUser(s.handleTaskDelete))

	mux.HandleFunc("GET /v1/instructions", s.withUser(s.handleInstructionList))
	mux.HandleFunc("POST /v1/instructions/{id}/deactivate", s.withUser(s.handleInstructionDeactivate))
	mux.HandleFunc("DELETE /v1/instructions/{id}", s.withUser(s.handleInstructionDelete))

	if s.deps.Usage != nil {
		mux.HandleFunc("GET /v1/usage", s.withUser(s.handleUsage))
	}

	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("POST /v1/sync", s.withUser(s.handleSync))
	mux.HandleFunc("GET /v1/events/ws", s.handleEventStream)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. It is safe to call before or
// concurrently with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"user_id", r.Header.Get(UserHeader),
			"duration", time.Since(start),
		)
	})
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID string)

// withUser rejects requests without a user identity.
func (s *Server) withUser(h userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			s.errorResponse(w, http.StatusUnauthorized, "missing "+UserHeader+" header")
			return
		}
		h(w, r, userID)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// handleHealth answers 200 while the process is up. Unreachable
// upstreams mark it degraded without failing the check.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.deps.Health == nil {
		writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
		return
	}
	status := "healthy"
	if !s.deps.Health.Healthy() {
		status = "degraded"
	}
	writeJSON(w, map[string]any{
		"status":   status,
		"services": s.deps.Health.Status(),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps domain errors to HTTP status codes. Anything not
// recognized is fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage), errors.Is(err, dispatch.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, memory.ErrSessionNotFound), errors.Is(err, tasks.ErrNotFound), errors.Is(err, instructions.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrTurnFailed):
		return http.StatusBadGateway
	}
	return fallback
}

// fail writes err with a safe message. Client errors echo the error
// text; server and upstream errors are logged and reported generically.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, fallback int) {
	code := statusFor(err, fallback)
	switch {
	case code < 500:
		s.errorResponse(w, code, err.Error())
	case code == http.StatusBadGateway:
		s.logger.Error("upstream failure", "path", r.URL.Path, "error", err)
		s.errorResponse(w, code, "an upstream service failed; please try again")
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		s.errorResponse(w, code, "internal error")
	}
}
