// Package api serves the backend controls over HTTP on a Unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/tessera-app/supervisor/internal/backend"
	"github.com/tessera-app/supervisor/internal/notify"
	"github.com/tessera-app/supervisor/internal/supervisor"
)

const defaultLogLines = 100

// MessageResponse is returned by the start and stop endpoints.
type MessageResponse struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is returned by GET /v1/backend/health.
type HealthResponse struct {
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Report  supervisor.Report `json:"report"`
}

// LogsResponse is returned by GET /v1/processes/{name}/logs.
type LogsResponse struct {
	Process string   `json:"process"`
	Lines   []string `json:"lines"`
}

// Server serves the backend API.
type Server struct {
	backend *backend.Backend
	events  *notify.Broadcaster
	server  *http.Server
	logger  *slog.Logger
	closing chan struct{}
}

// NewServer creates an API server. events may be nil, in which case
// /v1/events is not served.
func NewServer(b *backend.Backend, events *notify.Broadcaster) *Server {
	s := &Server{
		backend: b,
		events:  events,
		logger:  slog.With("component", "api"),
		closing: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("POST /v1/backend/start", s.start)
	mux.HandleFunc("POST /v1/backend/stop", s.stop)
	mux.HandleFunc("GET /v1/backend/health", s.backendHealth)
	mux.HandleFunc("GET /v1/processes", s.processes)
	mux.HandleFunc("GET /v1/processes/{name}/logs", s.logs)
	if events != nil {
		mux.HandleFunc("GET /v1/events", s.eventStream)
	}

	s.server = &http.Server{Handler: mux}
	// event streams never go idle on their own
	s.server.RegisterOnShutdown(func() { close(s.closing) })
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// ListenUnix serves on a Unix socket, replacing a stale socket file.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	if err := os.Chmod(path, 0600); err != nil {
		ln.Close()
		return err
	}
	s.logger.Info("API listening", "socket", path)
	return s.serve(ln)
}

// ListenTCP serves on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("API listening", "addr", addr)
	return s.serve(ln)
}

func (s *Server) serve(ln net.Listener) error {
	if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	msg, err := s.backend.StartBackend()
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning), errors.Is(err, supervisor.ErrStopping):
		writeJSON(w, http.StatusConflict, MessageResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, MessageResponse{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, MessageResponse{Message: msg})
	}
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: s.backend.StopBackend()})
}

func (s *Server) backendHealth(w http.ResponseWriter, r *http.Request) {
	msg, err := s.backend.CheckHealth()
	resp := HealthResponse{Message: msg, Report: s.backend.Supervisor().Health()}
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) processes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Supervisor().Processes())
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n := defaultLogLines
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, MessageResponse{Error: "n must be a non-negative integer"})
			return
		}
		n = parsed
	}

	lines, err := s.backend.Supervisor().Logs(name, n)
	if err != nil {
		writeJSON(w, http.StatusNotFound, MessageResponse{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, LogsResponse{Process: name, Lines: lines})
}

// eventStream relays lifecycle events as server-sent events.
func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, MessageResponse{Error: "streaming unsupported"})
		return
	}

	ch, cancel := s.events.Subscribe(16)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encoding event", "event", ev.Name, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
