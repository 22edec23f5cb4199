// Package api provides the HTTP surface for managing rules.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/darshan-rambhia/sweep/internal/metrics"
	"github.com/darshan-rambhia/sweep/internal/model"
	"github.com/darshan-rambhia/sweep/internal/rules"
	"github.com/darshan-rambhia/sweep/internal/scheduler"
	"github.com/darshan-rambhia/sweep/internal/store"

	_ "github.com/darshan-rambhia/sweep/docs/swagger"
)

// Runner runs rules on demand and reports their scheduling state.
type Runner interface {
	RunNow(ctx context.Context, tenantHash string, ruleID int64) (*model.ExecutionLog, error)
	Status(ruleID int64) (scheduler.State, time.Time)
}

// Authenticator resolves a bearer credential to a tenant hash.
type Authenticator interface {
	Register(raw string) (string, error)
}

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping() error
}

// Deps are the services the API is built on. Metrics may be nil.
type Deps struct {
	Rules   *rules.Service
	Runner  Runner
	Auth    Authenticator
	Health  Pinger
	Metrics *metrics.Metrics
}

// Server is the HTTP server for sweep.
type Server struct {
	deps   Deps
	router chi.Router
	server *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(addr string, deps Deps) *Server {
	srv := &Server{deps: deps}
	srv.router = srv.routes()
	srv.server = &http.Server{
		Addr:         addr,
		Handler:      srv.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // manual runs block until the run is logged
		IdleTimeout:  60 * time.Second,
	}
	return srv
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler { return s.router }

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	slog.Info("HTTP server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(SecurityHeadersMiddleware)
	r.Use(LoggingMiddleware(s.deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/rules", func(r chi.Router) {
		r.Use(AuthMiddleware(s.deps.Auth))
		r.Get("/", s.handleListRules)
		r.Post("/", s.handleCreateRule)
		r.Get("/limit", s.handleRuleLimit)
		r.Post("/bulk-delete", s.handleBulkDelete)
		r.Put("/{id}", s.handleUpdateRule)
		r.Delete("/{id}", s.handleDeleteRule)
		r.Get("/{id}/logs", s.handleRuleLogs)
		r.Post("/{id}/run", s.handleRunRule)
	})
	return r
}

// errorResponse is the body of every non-2xx JSON response.
type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeJSON marshals v to JSON into a buffer first, then writes it to the
// response. This ensures marshalling errors can be returned as a proper 500.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding JSON response", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug("writing JSON response", "path", r.URL.Path, "error", err)
	}
}

// writeError maps service errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "rule not found"})
	case errors.Is(err, store.ErrRuleLimitExceeded):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: store.ErrRuleLimitExceeded.Error()})
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeJSON(w, r, http.StatusConflict, errorResponse{Error: scheduler.ErrAlreadyRunning.Error()})
	case errors.Is(err, scheduler.ErrShuttingDown):
		writeJSON(w, r, http.StatusServiceUnavailable, errorResponse{Error: scheduler.ErrShuttingDown.Error()})
	default:
		slog.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, r, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: msg})
}
