package monitoring

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// idParamPattern bounds path-parameter identifiers per spec.md §4.8.
var idParamPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Server is the REST + WebSocket monitoring API.
type Server struct {
	adapter Adapter
	hub     *Hub
	router  chi.Router
}

// NewServer builds the chi router with per-route rate limits exactly per
// spec.md §4.8's table, mounting both the REST endpoints and the WebSocket
// hub's three feeds.
func NewServer(adapter Adapter, hub *Hub, mw ...func(http.Handler) http.Handler) *Server {
	s := &Server{adapter: adapter, hub: hub}

	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}

	r.Route("/api/v1/metrics", func(mr chi.Router) {
		mr.With(httprate.LimitByIP(100, time.Minute)).Get("/fleet", s.handleFleet)
		mr.With(httprate.LimitByIP(100, time.Minute)).Get("/robots", s.handleRobotList)
		mr.With(httprate.LimitByIP(200, time.Minute)).Get("/robots/{id}", s.handleRobotDetails)
		mr.With(httprate.LimitByIP(50, time.Minute)).Get("/jobs", s.handleJobHistory)
		mr.With(httprate.LimitByIP(200, time.Minute)).Get("/jobs/{id}", s.handleJobDetails)
		mr.With(httprate.LimitByIP(20, time.Minute)).Get("/analytics", s.handleAnalytics)
	})
	r.Get("/health", s.handleHealth)

	if hub != nil {
		r.Get("/ws/live-jobs", hub.ServeLiveJobs)
		r.Get("/ws/robot-status", hub.ServeRobotStatus)
		r.Get("/ws/queue-metrics", hub.ServeQueueMetrics)
	}

	s.router = r
	return s
}

// Handler exposes the underlying http.Handler for embedding/testing.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	summary, err := s.adapter.FleetSummary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRobotList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	robots, err := s.adapter.RobotList(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"robots": robots})
}

func (s *Server) handleRobotDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !idParamPattern.MatchString(id) {
		writeJSONErr(w, http.StatusBadRequest, "invalid robot id")
		return
	}
	robot, ok, err := s.adapter.RobotDetails(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSONErr(w, http.StatusNotFound, "robot not found")
		return
	}
	writeJSON(w, http.StatusOK, robot)
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := clampInt(q.Get("limit"), 50, 1, 500)
	filter := domain.JobFilter{
		Status:     domain.JobStatus(q.Get("status")),
		WorkflowID: q.Get("workflow_id"),
		RobotID:    q.Get("robot_id"),
		Limit:      limit,
	}
	jobs, err := s.adapter.JobHistory(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleJobDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !idParamPattern.MatchString(id) {
		writeJSONErr(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, ok, err := s.adapter.JobDetails(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeJSONErr(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	days := clampInt(r.URL.Query().Get("days"), 7, 1, 90)
	analytics, err := s.adapter.Analytics(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, analytics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func clampInt(raw string, def, min, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSONErr(w, status, err.Error())
}
