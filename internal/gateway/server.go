// Package gateway exposes the engine over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dohr-michael/mal/internal/downloads"
	"github.com/dohr-michael/mal/internal/environments"
	"github.com/dohr-michael/mal/internal/events"
	"github.com/dohr-michael/mal/internal/gateway/ws"
	"github.com/dohr-michael/mal/internal/supervisor"
	"github.com/dohr-michael/mal/internal/tasks"
)

const stopTimeout = 30 * time.Second

// Engine is the set of operations the gateway serves.
type Engine interface {
	ws.Backend
	Get(id string) (tasks.Task, error)
	StartDownload(req downloads.Request) (string, error)
	StartInstall(name, path string) (string, error)
	StartRun(name, path string) (string, error)
	DeleteEnvironment(name, path string) error
	Environments() []environments.Environment
	Stats() events.Stats
}

// Options configures the server.
type Options struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// Server is the MAL gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	engine     Engine
}

// NewServer creates a new gateway server.
func NewServer(engine Engine, opts Options) *Server {
	hub := ws.NewHub(engine, opts.CORSOrigins)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(corsHandler(opts.CORSOrigins))

	s := &Server{
		hub:    hub,
		engine: engine,
	}

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)

	r.Route("/api/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Post("/{id}/cancel", s.handleCancelTask)
		r.Delete("/{id}", s.handleDismissTask)
	})

	r.Post("/api/downloads", s.handleStartDownload)

	r.Route("/api/environments", func(r chi.Router) {
		r.Get("/", s.handleListEnvironments)
		r.Get("/status", s.handleEnvironmentStatus)
		r.Post("/install", s.handleInstall)
		r.Post("/stop", s.handleStop)
		r.Post("/{name}/run", s.handleRun)
		r.Delete("/{name}", s.handleDeleteEnvironment)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("MAL gateway listening", "addr", ln.Addr().String())
	err = s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"observers": st.Subscribers,
		"published": st.Published,
		"dropped":   st.Dropped,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.ListActive())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.engine.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleDismissTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Dismiss(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req downloads.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.engine.StartDownload(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"download_id": id})
}

func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Environments())
}

func (s *Server) handleEnvironmentStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Statuses())
}

// InstallRequest is the body of POST /api/environments/install.
type InstallRequest struct {
	Name                    string `json:"name"`
	Path                    string `json:"path,omitempty"`
	SetAsActiveOnCompletion bool   `json:"set_as_active_on_completion,omitempty"`
}

// InstallResponse is returned once the install task is allocated.
type InstallResponse struct {
	TaskID                  string `json:"task_id"`
	SetAsActiveOnCompletion bool   `json:"set_as_active_on_completion"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "name is required"})
		return
	}
	id, err := s.engine.StartInstall(req.Name, req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, InstallResponse{TaskID: id, SetAsActiveOnCompletion: req.SetAsActiveOnCompletion})
}

// RunRequest is the optional body of POST /api/environments/{name}/run.
type RunRequest struct {
	Path string `json:"path,omitempty"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	id, err := s.engine.StartRun(chi.URLParam(r, "name"), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// StopRequest is the body of POST /api/environments/stop.
type StopRequest struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "task_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()
	if err := s.engine.Stop(ctx, req.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID})
}

func (s *Server) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteEnvironment(chi.URLParam(r, "name"), r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, environments.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidState),
		errors.Is(err, supervisor.ErrAlreadyInstalled),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotInstalled),
		errors.Is(err, supervisor.ErrIsRunning):
		return http.StatusConflict
	case errors.Is(err, downloads.ErrInvalidRequest), errors.Is(err, supervisor.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

// corsMaxAge is how long browsers may cache a preflight response, in seconds.
const corsMaxAge = 300

// corsHandler allows the configured browser origins. "*" allows any origin;
// credentials are only allowed for an explicit origin list.
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           corsMaxAge,
	})
}
