// Package dlq implements the dead-letter-queue retry/escalation strategy:
// failed jobs are requeued with exponential backoff until retries are
// exhausted, at which point they are moved to job_queue_dlq for inspection
// and manual reprocessing.
package dlq

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// RetryAction is the outcome of handling a job failure.
type RetryAction string

// Retry actions.
const (
	ActionRetry         RetryAction = "retry"
	ActionMovedToDLQ    RetryAction = "dlq"
	ActionAlreadyInDLQ  RetryAction = "already_in_dlq"
)

// FailureResult reports how a failed job was handled.
type FailureResult struct {
	Action       RetryAction
	JobID        string
	RetryCount   int
	NextRetryAt  time.Time
	DelaySeconds int
	DLQEntryID   string
}

// Manager applies the configured backoff schedule to job failures and owns
// the DLQ inspection/reprocessing API.
type Manager struct {
	repo   domain.DLQRepository
	config domain.RetryConfig
}

// NewManager constructs a Manager backed by repo, applying config's retry
// schedule and jitter.
func NewManager(repo domain.DLQRepository, config domain.RetryConfig) *Manager {
	return &Manager{repo: repo, config: config}
}

// MaxRetries is the number of in-queue retries attempted before a job is
// moved to the DLQ.
func (m *Manager) MaxRetries() int { return len(m.config.Schedule) }

// calculateBackoffDelay returns the base schedule delay for retryCount and
// the same delay randomized by +/-JitterFraction, floored at one second.
func (m *Manager) calculateBackoffDelay(retryCount int) (base int, withJitter int) {
	schedule := m.config.Schedule
	if len(schedule) == 0 {
		schedule = domain.RetrySchedule
	}
	idx := retryCount
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	if idx < 0 {
		idx = 0
	}
	base = schedule[idx]

	jitterRange := float64(base) * m.config.JitterFraction
	jitter := (rand.Float64()*2 - 1) * jitterRange //nolint:gosec // backoff jitter does not need cryptographic randomness
	withJitter = int(float64(base) + jitter)
	if withJitter < 1 {
		withJitter = 1
	}
	return base, withJitter
}

// HandleFailure decides whether a failed job should be retried or moved to
// the DLQ, and performs the corresponding store mutation.
func (m *Manager) HandleFailure(ctx domain.Context, job domain.ClaimedJob, errMsg string, errDetails map[string]any) (FailureResult, error) {
	if job.RetryCount >= m.MaxRetries() {
		entry := domain.DLQEntry{
			OriginalJobID: job.JobID,
			WorkflowID:    job.WorkflowID,
			WorkflowName:  job.WorkflowName,
			WorkflowJSON:  job.WorkflowJSON,
			Variables:     job.Variables,
			ErrorMessage:  errMsg,
			ErrorDetails:  errDetails,
			RetryCount:    job.RetryCount,
			FirstFailedAt: job.CreatedAt,
			LastFailedAt:  time.Now().UTC(),
		}
		id, err := m.repo.MoveToDLQ(ctx, entry)
		if err != nil {
			return FailureResult{}, err
		}
		slog.Info("dlq: job moved to dead-letter queue",
			slog.String("job_id", job.JobID),
			slog.String("workflow_id", job.WorkflowID),
			slog.Int("retry_count", job.RetryCount))
		return FailureResult{Action: ActionMovedToDLQ, JobID: job.JobID, RetryCount: job.RetryCount, DLQEntryID: id}, nil
	}

	base, withJitter := m.calculateBackoffDelay(job.RetryCount)
	delay := time.Duration(withJitter) * time.Second
	nextRetryCount := job.RetryCount + 1

	ok, err := m.repo.RequeueForRetry(ctx, job.JobID, nextRetryCount, delay, errMsg)
	if err != nil {
		return FailureResult{}, err
	}
	if !ok {
		return FailureResult{}, domain.ErrNotFound
	}

	slog.Info("dlq: job scheduled for retry",
		slog.String("job_id", job.JobID),
		slog.Int("retry_count", nextRetryCount),
		slog.Int("base_delay_seconds", base),
		slog.Int("delay_seconds", withJitter))

	return FailureResult{
		Action:       ActionRetry,
		JobID:        job.JobID,
		RetryCount:   nextRetryCount,
		NextRetryAt:  time.Now().UTC().Add(delay),
		DelaySeconds: withJitter,
	}, nil
}

// List returns DLQ entries matching filter.
func (m *Manager) List(ctx context.Context, filter domain.DLQListFilter) ([]domain.DLQEntry, error) {
	return m.repo.List(ctx, filter)
}

// Get loads a single DLQ entry by id.
func (m *Manager) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	return m.repo.Get(ctx, id)
}

// Reprocess reinserts a DLQ entry's workflow as a fresh pending job.
func (m *Manager) Reprocess(ctx context.Context, id, reprocessedBy string) (string, error) {
	return m.repo.Reprocess(ctx, id, reprocessedBy)
}

// Stats summarizes the DLQ, optionally scoped to a single workflow.
func (m *Manager) Stats(ctx context.Context, workflowID string) (domain.DLQStats, error) {
	return m.repo.Stats(ctx, workflowID)
}

// Purge deletes reprocessed entries older than olderThan.
func (m *Manager) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return m.repo.Purge(ctx, olderThan)
}
