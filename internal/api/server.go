package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/benaskins/verifyd/internal/engine"
	"github.com/benaskins/verifyd/internal/errs"
	"github.com/benaskins/verifyd/internal/journal"
	"github.com/benaskins/verifyd/internal/metrics"
	"github.com/benaskins/verifyd/internal/orchestrator"
)

const defaultLogLines = 100

// Engine is the supervisor state the API reports on.
type Engine interface {
	Status() engine.Status
	Logs(n int) []string
}

// BackendInfo is the body of GET /v1/backend.
type BackendInfo struct {
	Current  string   `json:"current,omitempty"`
	Backends []string `json:"backends"`
}

// Server serves the verifyd admin API over a Unix socket.
type Server struct {
	orch     *orchestrator.Orchestrator
	engine   Engine
	metrics  *metrics.Metrics
	journal  string
	listener net.Listener
	server   *http.Server
	logger   *slog.Logger
	ctx      context.Context
}

// Option configures the server.
type Option func(*Server)

// WithMetrics exposes m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithJournal serves the verification history at path from /v1/history.
func WithJournal(path string) Option {
	return func(s *Server) { s.journal = path }
}

// NewServer creates an API server for the given orchestrator and engine.
func NewServer(orch *orchestrator.Orchestrator, eng Engine, ctx context.Context, opts ...Option) *Server {
	s := &Server{
		orch:   orch,
		engine: eng,
		logger: slog.With("component", "api"),
		ctx:    ctx,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", s.health)
	mux.HandleFunc("GET /v1/engine", s.engineStatus)
	mux.HandleFunc("GET /v1/engine/logs", s.engineLogs)
	mux.HandleFunc("POST /v1/engine/kill", s.killEngine)
	mux.HandleFunc("GET /v1/backend", s.backend)
	mux.HandleFunc("POST /v1/backend/{name}", s.selectBackend)
	mux.HandleFunc("GET /v1/tasks", s.listTasks)
	mux.HandleFunc("GET /v1/stages", s.stages)
	mux.HandleFunc("GET /v1/history", s.history)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the HTTP handler, for serving on a listener of the caller's choosing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info("API listening", "addr", addr)
	return s.server.Serve(ln)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) engineStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) engineLogs(w http.ResponseWriter, r *http.Request) {
	n, ok := intParam(w, r, "n", defaultLogLines)
	if !ok {
		return
	}
	lines := s.engine.Logs(n)
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"lines": lines})
}

func (s *Server) killEngine(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Dispose(s.ctx); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) backend(w http.ResponseWriter, r *http.Request) {
	info := BackendInfo{Backends: s.orch.BackendNames()}
	if info.Backends == nil {
		info.Backends = []string{}
	}
	if cur := s.orch.Current(); cur != nil {
		info.Current = cur.Name
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) selectBackend(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.orch.SelectBackendByName(s.ctx, name); err != nil {
		status := http.StatusInternalServerError
		if errs.Is(err, errs.ConfigInvalid) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "selected", "backend": name})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Tasks())
}

func (s *Server) stages(w http.ResponseWriter, r *http.Request) {
	stages := s.orch.Stages()
	if stages == nil {
		stages = []orchestrator.StageRecord{}
	}
	writeJSON(w, http.StatusOK, stages)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	n, ok := intParam(w, r, "n", 50)
	if !ok {
		return
	}
	if s.journal == "" {
		writeJSON(w, http.StatusOK, []journal.Entry{})
		return
	}
	entries, err := journal.Tail(s.journal, n)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid " + name})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
