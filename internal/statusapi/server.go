// Package statusapi serves the metrics and the latest simulation state of
// loadsim over HTTP.
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Swind/go-load-scheduler/core"
	"github.com/Swind/go-load-scheduler/internal/sim"
	"github.com/Swind/go-load-scheduler/internal/tracestore"
	"github.com/Swind/go-load-scheduler/loader"
	"github.com/Swind/go-load-scheduler/throttling"
)

// Server exposes the latest run. It also provides the loader and throttler
// snapshots of that run to a snapshot poller.
type Server struct {
	gatherer prom.Gatherer
	logger   core.Logger

	mu     sync.RWMutex
	result *sim.Result
	store  *tracestore.Store
}

func New(gatherer prom.Gatherer, logger core.Logger) *Server {
	if gatherer == nil {
		gatherer = prom.DefaultGatherer
	}
	return &Server{gatherer: gatherer, logger: core.LoggerOrNop(logger)}
}

// SetResult publishes a finished run.
func (s *Server) SetResult(r *sim.Result) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

// SetStore enables the /runs endpoints.
func (s *Server) SetStore(store *tracestore.Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

func (s *Server) LoaderSnapshot() loader.SchedulerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return loader.SchedulerSnapshot{}
	}
	return s.result.Loader
}

func (s *Server) ThrottlerSnapshot() throttling.ThrottlerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.result == nil {
		return throttling.ThrottlerSnapshot{}
	}
	return s.result.Throttler
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/status", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
	})
	return r
}

type statusResponse struct {
	Scenario  string                       `json:"scenario"`
	StartedAt time.Time                    `json:"started_at"`
	Duration  string                       `json:"duration"`
	Events    int                          `json:"events"`
	Loader    loader.SchedulerSnapshot     `json:"loader"`
	Throttler throttling.ThrottlerSnapshot `json:"throttler"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	res := s.result
	s.mu.RUnlock()
	if res == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Scenario:  res.Scenario,
		StartedAt: res.StartedAt,
		Duration:  res.Duration.String(),
		Events:    len(res.Events),
		Loader:    res.Loader,
		Throttler: res.Throttler,
	})
}

// handleEvents returns the timeline of the latest run, optionally filtered
// by ?kind=.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	res := s.result
	s.mu.RUnlock()
	if res == nil {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	events := res.Events
	if kind := r.URL.Query().Get("kind"); kind != "" {
		events = res.Filter(kind)
	}
	if events == nil {
		events = []sim.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) currentStore(w http.ResponseWriter) *tracestore.Store {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		writeError(w, http.StatusNotFound, "no trace store configured")
	}
	return store
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	store := s.currentStore(w)
	if store == nil {
		return
	}
	runs, err := store.ListRuns(r.Context())
	if err != nil {
		s.logger.Error("list runs failed", core.F("error", err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []tracestore.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

type runResponse struct {
	Run    tracestore.Run     `json:"run"`
	Events []tracestore.Event `json:"events"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	store := s.currentStore(w)
	if store == nil {
		return
	}
	id := chi.URLParam(r, "id")
	run, err := store.GetRun(r.Context(), id)
	if errors.Is(err, tracestore.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", core.F("run", id), core.F("error", err))
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	events, err := store.Events(r.Context(), id)
	if err != nil {
		s.logger.Error("get run events failed", core.F("run", id), core.F("error", err))
		writeError(w, http.StatusInternalServerError, "get run failed")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Events: events})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
