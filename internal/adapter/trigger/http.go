package trigger

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	ratelimiter "github.com/casarerpa/orchestrator/internal/adapter/ratelimit"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// Server is the standalone HTTP ingress for webhook/form triggers,
// bound to a host resolved from CASARE_WEBHOOK_URL per spec.
type Server struct {
	manager *Manager
	router  chi.Router
	http    *http.Server

	limiter *ratelimiter.RedisLuaLimiter
	bucket  ratelimiter.BucketConfig
}

// WithLimiter attaches a token-bucket rate limit applied per trigger ID to
// incoming webhook/form requests, independent of each trigger's own
// cooldown — this throttles high-volume abuse of a single endpoint rather
// than spacing out legitimate low-frequency firings the way cooldown does.
// limiter may be nil (RedisLuaLimiter's methods are nil-safe and fail open),
// which is how this is left disabled when no Redis backend is configured.
func (s *Server) WithLimiter(limiter *ratelimiter.RedisLuaLimiter, bucket ratelimiter.BucketConfig) *Server {
	s.limiter = limiter
	s.bucket = bucket
	return s
}

// allowed enforces the per-trigger rate limit, registering triggerID's
// bucket on first sight.
func (s *Server) allowed(ctx domain.Context, triggerID string) (bool, time.Duration) {
	if s.limiter == nil {
		return true, 0
	}
	s.limiter.SetBucketConfig(triggerID, s.bucket)
	ok, retryAfter, err := s.limiter.Allow(ctx, triggerID, 1)
	if err != nil {
		return true, 0
	}
	return ok, retryAfter
}

// NewServer builds the chi router mounting the webhook/form/health routes
// and applies the middleware in mw, in the order given; it adds none of its
// own.
func NewServer(manager *Manager, mw ...func(http.Handler) http.Handler) *Server {
	r := chi.NewRouter()
	for _, m := range mw {
		r.Use(m)
	}

	s := &Server{manager: manager, router: r}
	r.Post("/hooks/{trigger_id}", s.handleByID)
	r.Post("/webhooks/*", s.handleByPath)
	r.Post("/forms/{trigger_id}", s.handleForm)
	r.Get("/health", s.handleHealth)
	return s
}

// Handler exposes the underlying http.Handler for embedding/testing.
func (s *Server) Handler() http.Handler { return s.router }

// ResolveWebhookHost returns "0.0.0.0" when CASARE_WEBHOOK_URL names a public
// tunnel, otherwise the loopback address, per spec.md §4.6.
func ResolveWebhookHost() string {
	webhookURL := os.Getenv("CASARE_WEBHOOK_URL")
	if strings.Contains(webhookURL, "casare.net") || strings.HasPrefix(webhookURL, "https://") {
		return "0.0.0.0"
	}
	return "127.0.0.1"
}

// ListenAndServe starts the HTTP ingress on addr (host:port); it blocks
// until the server errors or is shut down.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP ingress.
func (s *Server) Shutdown(ctx domain.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleByID(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "trigger_id")
	t, ok := s.manager.GetTrigger(triggerID)
	if !ok {
		writeJSONErr(w, http.StatusNotFound, "trigger not found")
		return
	}
	s.processWebhook(w, r, t)
}

func (s *Server) handleByPath(w http.ResponseWriter, r *http.Request) {
	path := "/" + chi.URLParam(r, "*")
	t, ok := s.manager.GetTriggerByEndpoint(path)
	if !ok {
		writeJSONErr(w, http.StatusNotFound, "unknown webhook path")
		return
	}
	s.processWebhook(w, r, t)
}

func (s *Server) processWebhook(w http.ResponseWriter, r *http.Request, t domain.Trigger) {
	if !t.Enabled {
		writeJSONErr(w, http.StatusForbidden, "trigger is disabled")
		return
	}

	if ok, retryAfter := s.allowed(r.Context(), t.ID); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		writeJSONErr(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeJSONErr(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if ok, reason := verifyAuth(t, r.Header, body); !ok {
		writeJSONErr(w, http.StatusUnauthorized, reason)
		return
	}

	payload := map[string]any{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &payload) // best-effort; empty object on parse error
	}

	result, err := s.manager.emit(r.Context(), t, payload, "webhook", r.Method, r.URL.Path, flattenHeaders(r.Header), remoteAddr(r))
	if err != nil {
		writeJSONErr(w, http.StatusForbidden, err.Error())
		return
	}
	if !result.Accepted {
		writeJSONErr(w, http.StatusTooManyRequests, result.Reason)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"trigger_id": t.ID,
		"job_id":     result.JobID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	triggerID := chi.URLParam(r, "trigger_id")
	t, ok := s.manager.GetTrigger(triggerID)
	if !ok {
		writeJSONErr(w, http.StatusNotFound, "trigger not found")
		return
	}
	if !t.Enabled {
		writeJSONErr(w, http.StatusForbidden, "trigger is disabled")
		return
	}

	if ok, retryAfter := s.allowed(r.Context(), t.ID); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
		writeJSONErr(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	payload := map[string]any{}
	if ct := r.Header.Get("Content-Type"); strings.Contains(ct, "application/x-www-form-urlencoded") || strings.Contains(ct, "multipart/form-data") {
		if err := r.ParseForm(); err == nil {
			for k := range r.Form {
				payload[k] = r.Form.Get(k)
			}
		}
	} else {
		body, _ := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		_ = json.Unmarshal(body, &payload)
	}

	result, err := s.manager.emit(r.Context(), t, payload, "form", r.Method, r.URL.Path, nil, remoteAddr(r))
	if err != nil {
		writeJSONErr(w, http.StatusForbidden, err.Error())
		return
	}
	if !result.Accepted {
		writeJSONErr(w, http.StatusInternalServerError, result.Reason)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	active, total := s.manager.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"triggers_active":  active,
		"triggers_total":   total,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if parts := strings.Split(fwd, ","); len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
