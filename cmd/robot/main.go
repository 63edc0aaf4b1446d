// Command robot runs a single execution worker: it claims jobs directly
// against the Postgres queue store, extends its leases while running, and
// reports completion/failure back. The in-process dispatcher registry the
// orchestrator keeps is only a liveness view — this process is the thing
// that actually owns and executes work (spec.md §4.5, "robots claim,
// dispatcher observes").
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/adapter/dlq"
	"github.com/casarerpa/orchestrator/internal/adapter/observability"
	"github.com/casarerpa/orchestrator/internal/adapter/queue/postgres"
	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/domain"
	"github.com/casarerpa/orchestrator/internal/workflow"
)

// heartbeatPayload mirrors dispatcher.HeartbeatHandler's wire format. It is
// redeclared here rather than imported because the robot is a separate
// process that talks to the orchestrator over HTTP, not through a shared Go
// type.
type heartbeatPayload struct {
	RobotID     string   `json:"robot_id"`
	Environment string   `json:"environment"`
	Tags        []string `json:"tags"`
	Status      string   `json:"status"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	robotID := cfg.RobotID
	if robotID == "" {
		robotID = uuid.New().String()
	}
	tags := splitTags(cfg.RobotTags)

	slog.Info("starting robot",
		slog.String("robot_id", robotID),
		slog.String("environment", cfg.RobotEnvironment))

	ctx := context.Background()
	pool, err := postgres.ConnectWithRetry(ctx, cfg.DBURL, cfg.PGBouncer, int32(cfg.PoolMinSize), int32(cfg.PoolMaxSize),
		cfg.MaxReconnectAttempts, cfg.ReconnectBaseDelay, cfg.ReconnectMaxDelay)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	consumer := postgres.NewConsumer(pool)
	dlqRepo := postgres.NewDLQRepo(pool)
	dlqManager := dlq.NewManager(dlqRepo, cfg.GetRetryConfig())

	// Reclaim any jobs left owned by a previous instance of this robot
	// identity that crashed without releasing its leases.
	if n, err := consumer.RequeueTimedOut(ctx, robotID); err != nil {
		slog.Error("startup requeue failed", slog.Any("error", err))
	} else if n > 0 {
		slog.Info("reclaimed orphaned leases", slog.Int64("count", n))
	}

	heartbeatLoop := postgres.NewHeartbeatLoop(consumer, robotID, cfg.VisibilityTimeout, cfg.HeartbeatInterval)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		heartbeatLoop.Run(runCtx)
	}()

	r := &runner{
		robotID:      robotID,
		environment:  cfg.RobotEnvironment,
		tags:         tags,
		consumer:     consumer,
		dlqManager:   dlqManager,
		heartbeats:   heartbeatLoop,
		orchURL:      strings.TrimRight(cfg.OrchestratorURL, "/"),
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		claimBreaker: observability.NewCircuitBreaker("queue_claim", 5, 30*time.Second),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reportLoop(runCtx, cfg.HeartbeatInterval)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.claimLoop(runCtx, cfg)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	cancel()
	heartbeatLoop.Stop()
	wg.Wait()
	slog.Info("robot stopped")
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// runner owns the claim/execute/report loop and the robot's own idea of its
// current status, which it relays to the orchestrator over heartbeat POSTs.
type runner struct {
	robotID      string
	environment  string
	tags         []string
	consumer     domain.QueueConsumer
	dlqManager   *dlq.Manager
	heartbeats   *postgres.HeartbeatLoop
	orchURL      string
	httpClient   *http.Client
	claimBreaker *observability.CircuitBreaker

	mu      sync.Mutex
	running int
}

func (r *runner) setRunning(delta int) {
	r.mu.Lock()
	r.running += delta
	r.mu.Unlock()
}

func (r *runner) status() domain.RobotStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running > 0 {
		return domain.RobotBusy
	}
	return domain.RobotIdle
}

// reportLoop posts a heartbeat to the orchestrator's dispatcher registry
// every interval so cross-process robot liveness stays current.
func (r *runner) reportLoop(ctx context.Context, interval time.Duration) {
	r.postHeartbeat(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.postHeartbeat(ctx)
		}
	}
}

func (r *runner) postHeartbeat(ctx context.Context) {
	payload := heartbeatPayload{
		RobotID:     r.robotID,
		Environment: r.environment,
		Tags:        r.tags,
		Status:      string(r.status()),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("heartbeat encode failed", slog.Any("error", err))
		return
	}

	url := r.orchURL + "/internal/robots/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Error("heartbeat request build failed", slog.Any("error", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		slog.Warn("heartbeat post failed", slog.Any("error", err))
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("heartbeat rejected", slog.Int("status", resp.StatusCode))
	}
}

// claimLoop polls the queue store for claimable jobs and runs each one to
// completion. Claim calls are routed through a circuit breaker so a
// struggling database gets a cooldown instead of being hammered by every
// robot's poll tick at once.
func (r *runner) claimLoop(ctx context.Context, cfg config.Config) {
	ticker := time.NewTicker(cfg.ClaimPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var jobs []domain.ClaimedJob
			err := r.claimBreaker.Call(func() error {
				var claimErr error
				jobs, claimErr = r.consumer.Claim(ctx, r.robotID, r.environment, cfg.ConsumerBatchSize, cfg.VisibilityTimeout)
				return claimErr
			})
			if err != nil {
				slog.Error("claim failed", slog.Any("error", err))
				continue
			}
			for _, job := range jobs {
				r.execute(ctx, job)
			}
		}
	}
}

// execute runs one claimed job. There is no automation driver in this
// repo — node implementations and canvas execution are external
// collaborators (spec.md Non-goals) — so "running" a workflow means
// validating its schema and marking it complete; the claim/lease/retry/DLQ
// machinery around it is what this repo actually owns.
func (r *runner) execute(ctx context.Context, job domain.ClaimedJob) {
	r.setRunning(1)
	r.heartbeats.Track(job.JobID)
	defer func() {
		r.heartbeats.Untrack(job.JobID)
		r.setRunning(-1)
	}()

	logger := slog.With(slog.String("job_id", job.JobID), slog.String("workflow_id", job.WorkflowID))

	schema, err := workflow.Load([]byte(job.WorkflowJSON))
	if err != nil {
		r.fail(ctx, job, fmt.Sprintf("workflow load: %v", err))
		return
	}

	result, err := r.runSchema(schema, job.Variables)
	if err != nil {
		r.fail(ctx, job, err.Error())
		return
	}

	if ok, err := r.consumer.Complete(ctx, job.JobID, r.robotID, result); err != nil {
		logger.Error("complete failed", slog.Any("error", err))
	} else if !ok {
		logger.Warn("complete rejected, lease no longer held")
	}
}

// runSchema is a placeholder execution step: it runs no nodes and reports
// success with the workflow id, the schema's node count and a completion
// time. Replacing this with real node dispatch is
// explicitly out of scope (spec.md Non-goals: automation drivers).
func (r *runner) runSchema(schema domain.WorkflowSchema, variables map[string]any) ([]byte, error) {
	result := map[string]any{
		"workflow_id":  schema.ID,
		"nodes_run":    len(schema.Nodes),
		"completed_at": time.Now().UTC(),
	}
	return json.Marshal(result)
}

func (r *runner) fail(ctx context.Context, job domain.ClaimedJob, errMsg string) {
	logger := slog.With(slog.String("job_id", job.JobID))

	ok, willRetry, err := r.consumer.Fail(ctx, job.JobID, r.robotID, errMsg)
	if err != nil {
		logger.Error("fail report failed", slog.Any("error", err))
		return
	}
	if !ok {
		logger.Warn("fail rejected, lease no longer held")
		return
	}
	if willRetry {
		logger.Info("job scheduled for in-queue retry", slog.String("error", errMsg))
		return
	}

	// In-queue retries exhausted; escalate to the DLQ's backoff/inspection
	// flow so the job isn't silently dropped.
	res, err := r.dlqManager.HandleFailure(ctx, job, errMsg, nil)
	if err != nil {
		logger.Error("dlq handling failed", slog.Any("error", err))
		return
	}
	logger.Info("job handled by dlq manager", slog.String("action", string(res.Action)))
}
