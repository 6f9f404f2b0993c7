// Package api serves a read-only status API for operators. It binds to
// localhost only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"meteor-loader/internal/pidmgr"
	"meteor-loader/internal/supervisor"
)

// StatusProvider reports the supervisor's current status.
type StatusProvider interface {
	Status() supervisor.Status
}

// Server provides REST endpoints describing the supervised application.
type Server struct {
	status   StatusProvider
	registry *pidmgr.PIDRegistry
	addr     string

	srv *http.Server
	ln  net.Listener
}

// ListResponse is returned by GET /pids.
type ListResponse struct {
	Processes []ProcessInfo `json:"processes"`
	Total     int           `json:"total"`
}

// ProcessInfo contains information about a tracked process.
type ProcessInfo struct {
	PID          int    `json:"pid"`
	Port         int    `json:"port"`
	ThreadCount  int    `json:"thread_count"`
	RegisteredAt string `json:"registered_at"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

func New(status StatusProvider, registry *pidmgr.PIDRegistry, port int) *Server {
	return &Server{
		status:   status,
		registry: registry,
		addr:     fmt.Sprintf("127.0.0.1:%d", port),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/pids", s.handlePids)
	mux.HandleFunc("/pids/", s.handlePidByID)
	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler()}

	go func() {
		slog.Info("Status API server starting", "addr", ln.Addr().String())
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status API server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handlePids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	procs := s.registry.List()

	response := ListResponse{
		Processes: make([]ProcessInfo, len(procs)),
		Total:     len(procs),
	}
	for i, p := range procs {
		response.Processes[i] = toProcessInfo(p)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePidByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/pids/")
	if path == "" {
		s.writeError(w, http.StatusBadRequest, "PID required in URL path")
		return
	}
	pid, err := strconv.Atoi(path)
	if err != nil || pid <= 0 {
		s.writeError(w, http.StatusBadRequest, "Invalid PID format")
		return
	}

	p, ok := s.registry.Get(pid)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("PID %d is not tracked", pid))
		return
	}
	s.writeJSON(w, http.StatusOK, toProcessInfo(p))
}

func toProcessInfo(p pidmgr.TrackedProcess) ProcessInfo {
	return ProcessInfo{
		PID:          p.PID,
		Port:         p.Port,
		ThreadCount:  len(p.ThreadIDs),
		RegisteredAt: p.RegisteredAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
