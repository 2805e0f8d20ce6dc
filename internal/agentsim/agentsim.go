// Package agentsim serves the monitoring agent's HTTP API from memory. It keeps
// an append-only history fenced by a version that bumps on clear and load,
// which is all the dashboard client relies on.
package agentsim

import (
	"io"
	"net/http"
	"strconv"
	"sync"

	"kprofiler/snapshot"
	"kprofiler/telemetry"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Options configures a Server.
type Options struct {
	InitialVersion int64
	// MaxPage caps records per history response; 0 means unlimited.
	MaxPage int
	Config  telemetry.ServerConfig
}

// Server is an in-memory agent.
type Server struct {
	mu        sync.Mutex
	records   []telemetry.Sample
	version   int64
	processes []telemetry.Process
	hasProcs  bool
	config    telemetry.ServerConfig
	maxPage   int
	requests  map[string]int
	failing   bool
}

// New builds an empty agent.
func New(opts Options) *Server {
	return &Server{
		version:  opts.InitialVersion,
		config:   opts.Config,
		maxPage:  opts.MaxPage,
		requests: make(map[string]int),
	}
}

// Append adds samples to the history.
func (s *Server) Append(samples ...telemetry.Sample) {
	s.mu.Lock()
	s.records = append(s.records, samples...)
	s.mu.Unlock()
}

// SetProcesses publishes the tracked process list.
func (s *Server) SetProcesses(processes []telemetry.Process) {
	s.mu.Lock()
	s.processes = append([]telemetry.Process(nil), processes...)
	s.hasProcs = true
	s.mu.Unlock()
}

// Reset drops the history and bumps the version, as /api/clear does.
func (s *Server) Reset() {
	s.mu.Lock()
	s.records = nil
	s.version++
	s.mu.Unlock()
}

// SetFailing makes every endpoint answer 503 until cleared.
func (s *Server) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Version returns the current history version.
func (s *Server) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Len returns the number of samples held.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Records returns a copy of the history.
func (s *Server) Records() []telemetry.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Sample(nil), s.records...)
}

// Requests returns how many times the named endpoint was hit ("history", ...).
func (s *Server) Requests(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

// Handler returns the agent's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.guard("config", s.handleConfig))
	mux.HandleFunc("GET /api/processes", s.guard("processes", s.handleProcesses))
	mux.HandleFunc("GET /api/history", s.guard("history", s.handleHistory))
	mux.HandleFunc("POST /api/download", s.guard("download", s.handleDownload))
	mux.HandleFunc("POST /api/load", s.guard("load", s.handleLoad))
	mux.HandleFunc("POST /api/clear", s.guard("clear", s.handleClear))
	return mux
}

func (s *Server) guard(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[name]++
		failing := s.failing
		s.mu.Unlock()
		if failing {
			http.Error(w, "agent unavailable", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()
	writeJSON(w, cfg)
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProcs {
		writeJSON(w, map[string]any{})
		return
	}
	list := s.processes
	if list == nil {
		list = []telemetry.Process{}
	}
	writeJSON(w, map[string]any{"processes": list})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		http.Error(w, "bad offset", http.StatusBadRequest)
		return
	}
	clientVersion, err := strconv.ParseInt(q.Get("version"), 10, 64)
	if err != nil {
		http.Error(w, "bad version", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	var page []telemetry.Sample
	if offset < len(s.records) {
		end := len(s.records)
		if s.maxPage > 0 && end-offset > s.maxPage {
			end = offset + s.maxPage
		}
		page = append(page, s.records[offset:end]...)
	}
	if page == nil {
		page = []telemetry.Sample{}
	}
	resp := map[string]any{"history": map[string]any{"records": page}}
	if clientVersion != s.version {
		resp["version"] = s.version
	}
	s.mu.Unlock()
	writeJSON(w, resp)
}

func (s *Server) handleDownload(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	text := snapshot.Encode(s.records)
	s.mu.Unlock()
	writeJSON(w, map[string]string{"fullHistory": text})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var req struct {
		FullHistory string `json:"full_history"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	samples, err := snapshot.Parse(req.FullHistory)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.records = samples
	s.version++
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleClear(w http.ResponseWriter, _ *http.Request) {
	s.Reset()
	writeJSON(w, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
