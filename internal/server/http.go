package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/internal/events"
	"github.com/ChuLiYu/export-queue/internal/jobmanager"
	"github.com/ChuLiYu/export-queue/internal/metrics"
	"github.com/ChuLiYu/export-queue/internal/stats"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/gorilla/mux"
)

// Backend is the read side of the controller exposed over HTTP.
type Backend interface {
	GetJob(id types.JobID) (*types.Job, error)
	GetUserJobs(ownerID string) []*types.Job
	GetBatch(id string) (*controller.BatchStatus, error)
	QueuePosition(id types.JobID) int
	GetQueueStatus() controller.QueueStatus
	GetStatistics() stats.Snapshot
	GetStatus() map[string]interface{}
	Ready() bool
	Events() *events.Bus
}

// jobView adds the queue position of pending jobs.
type jobView struct {
	*types.Job
	QueuePosition *int `json:"queue_position,omitempty"`
}

// NewRouter builds the admin router. All routes are read-only.
func (s *Server) NewRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(s.versionHeaderMiddleware, s.logMiddleware)

	r.Handle("/metrics", metrics.Handler(s.opts.Gatherer)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/queue", s.queue).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.stats).Methods(http.MethodGet)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.job).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}/events", s.jobEvents).Methods(http.MethodGet)
	r.HandleFunc("/users/{owner}/jobs", s.userJobs).Methods(http.MethodGet)
	r.HandleFunc("/batches/{id}", s.batch).Methods(http.MethodGet)
	return r
}

func (s *Server) versionHeaderMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Version != "" {
			w.Header().Set("X-App-Version", s.opts.Version)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug("admin request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if !s.backend.Ready() {
		http.Error(w, "not serving", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok\n"))
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetStatus())
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetQueueStatus())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.GetStatistics())
}

func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		since = n
	}
	writeJSON(w, http.StatusOK, s.backend.Events().Since(since))
}

func (s *Server) job(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(mux.Vars(r)["id"])
	job, err := s.backend.GetJob(id)
	if err != nil {
		writeError(w, err)
		return
	}
	view := jobView{Job: job}
	if job.Status == types.StatusPending {
		if pos := s.backend.QueuePosition(id); pos >= 0 {
			view.QueuePosition = &pos
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) jobEvents(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(mux.Vars(r)["id"])
	if _, err := s.backend.GetJob(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Events().ForJob(id))
}

func (s *Server) userJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.backend.GetUserJobs(mux.Vars(r)["owner"])
	if jobs == nil {
		jobs = []*types.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) batch(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.GetBatch(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, controller.ErrBatchNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Error("admin request failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
	}
}
