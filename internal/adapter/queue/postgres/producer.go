package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the queue adapters for easy
// testing against fakes.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx domain.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Producer implements domain.JobRepository against job_queue.
type Producer struct{ Pool PgxPool }

// NewProducer constructs a Producer with the given pool.
func NewProducer(p PgxPool) *Producer { return &Producer{Pool: p} }

// Enqueue inserts a new pending job and returns its assigned identifiers.
func (p *Producer) Enqueue(ctx domain.Context, s domain.JobSubmission) (domain.EnqueuedJob, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "job_queue"),
	)

	if err := s.Validate(); err != nil {
		return domain.EnqueuedJob{}, err
	}

	if s.Environment == "" {
		s.Environment = domain.DefaultEnvironment
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = len(domain.RetrySchedule)
	}
	variables := s.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return domain.EnqueuedJob{}, fmt.Errorf("op=queue.enqueue.marshal_vars: %w", domain.ErrInvalidArgument)
	}

	id := uuid.New().String()
	visibleAfter := time.Now().UTC()
	if s.DelaySeconds > 0 {
		visibleAfter = visibleAfter.Add(time.Duration(s.DelaySeconds) * time.Second)
	}

	const q = `
		INSERT INTO job_queue
			(id, workflow_id, workflow_name, workflow_json, priority, environment, visible_after, max_retries, variables)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)
		RETURNING id, workflow_id, priority, environment, visible_after, created_at`

	row := p.Pool.QueryRow(ctx, q, id, s.WorkflowID, s.WorkflowName, s.WorkflowJSON, s.Priority, s.Environment, visibleAfter, s.MaxRetries, varsJSON)

	var out domain.EnqueuedJob
	if err := row.Scan(&out.ID, &out.WorkflowID, &out.Priority, &out.Environment, &out.VisibleAfter, &out.CreatedAt); err != nil {
		return domain.EnqueuedJob{}, fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return out, nil
}

// EnqueueBatch inserts several jobs within a single transaction.
func (p *Producer) EnqueueBatch(ctx domain.Context, subs []domain.JobSubmission) ([]domain.EnqueuedJob, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.EnqueueBatch")
	defer span.End()

	if len(subs) == 0 {
		return nil, nil
	}

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("op=queue.enqueue_batch.begin_tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	out := make([]domain.EnqueuedJob, 0, len(subs))
	for _, s := range subs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Environment == "" {
			s.Environment = domain.DefaultEnvironment
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = len(domain.RetrySchedule)
		}
		variables := s.Variables
		if variables == nil {
			variables = map[string]any{}
		}
		varsJSON, err := json.Marshal(variables)
		if err != nil {
			return nil, fmt.Errorf("op=queue.enqueue_batch.marshal_vars: %w", domain.ErrInvalidArgument)
		}

		id := uuid.New().String()
		visibleAfter := time.Now().UTC()
		if s.DelaySeconds > 0 {
			visibleAfter = visibleAfter.Add(time.Duration(s.DelaySeconds) * time.Second)
		}

		const q = `
			INSERT INTO job_queue
				(id, workflow_id, workflow_name, workflow_json, priority, environment, visible_after, max_retries, variables)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)
			RETURNING id, workflow_id, priority, environment, visible_after, created_at`

		row := tx.QueryRow(ctx, q, id, s.WorkflowID, s.WorkflowName, s.WorkflowJSON, s.Priority, s.Environment, visibleAfter, s.MaxRetries, varsJSON)

		var enq domain.EnqueuedJob
		if err := row.Scan(&enq.ID, &enq.WorkflowID, &enq.Priority, &enq.Environment, &enq.VisibleAfter, &enq.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=queue.enqueue_batch.scan: %w", err)
		}
		out = append(out, enq)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=queue.enqueue_batch.commit: %w", err)
	}
	committed = true
	return out, nil
}

// Cancel marks a pending job cancelled. Returns false if the job was already
// claimed or terminal.
func (p *Producer) Cancel(ctx domain.Context, jobID, reason string) (bool, error) {
	const q = `
		UPDATE job_queue
		SET status = 'cancelled', error_message = $2, completed_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id`
	row := p.Pool.QueryRow(ctx, q, jobID, reason)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=queue.cancel: %w", err)
	}
	return true, nil
}

// GetJobStatus loads a job by id.
func (p *Producer) GetJobStatus(ctx domain.Context, jobID string) (*domain.Job, error) {
	const q = `
		SELECT id, workflow_id, workflow_name, workflow_json, priority, status, robot_id,
		       environment, visible_after, created_at, started_at, completed_at,
		       error_message, result, retry_count, max_retries, variables
		FROM job_queue WHERE id = $1`
	row := p.Pool.QueryRow(ctx, q, jobID)

	var j domain.Job
	var varsJSON []byte
	if err := row.Scan(&j.ID, &j.WorkflowID, &j.WorkflowName, &j.WorkflowJSON, &j.Priority, &j.Status,
		&j.RobotID, &j.Environment, &j.VisibleAfter, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
		&j.ErrorMessage, &j.Result, &j.RetryCount, &j.MaxRetries, &varsJSON); err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=queue.get_status: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=queue.get_status: %w", err)
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &j.Variables); err != nil {
			return nil, fmt.Errorf("op=queue.get_status.unmarshal_vars: %w", err)
		}
	}
	return &j, nil
}

// GetQueueStats summarizes status counts and average wait/exec times over the
// trailing window.
func (p *Producer) GetQueueStats(ctx domain.Context, window time.Duration) (domain.QueueStats, error) {
	cutoff := time.Now().UTC().Add(-window)

	const qCounts = `
		SELECT status, COUNT(*) FROM job_queue
		WHERE created_at >= $1
		GROUP BY status`
	rows, err := p.Pool.Query(ctx, qCounts, cutoff)
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats.counts: %w", err)
	}
	defer rows.Close()

	stats := domain.QueueStats{CountsByStatus: map[domain.JobStatus]int64{}}
	for rows.Next() {
		var status domain.JobStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return domain.QueueStats{}, fmt.Errorf("op=queue.stats.counts_scan: %w", err)
		}
		stats.CountsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats.counts_rows: %w", err)
	}

	const qAvgWait = `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (started_at - created_at))), 0)
		FROM job_queue WHERE started_at IS NOT NULL AND created_at >= $1`
	if err := p.Pool.QueryRow(ctx, qAvgWait, cutoff).Scan(&stats.AvgQueueWaitSec); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats.avg_wait: %w", err)
	}

	const qAvgExec = `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - started_at))), 0)
		FROM job_queue WHERE completed_at IS NOT NULL AND started_at IS NOT NULL AND created_at >= $1`
	if err := p.Pool.QueryRow(ctx, qAvgExec, cutoff).Scan(&stats.AvgExecSecond); err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats.avg_exec: %w", err)
	}

	return stats, nil
}

// GetQueueDepthByPriority returns the count of pending jobs grouped by
// priority.
func (p *Producer) GetQueueDepthByPriority(ctx domain.Context) (map[int]int64, error) {
	const q = `
		SELECT priority, COUNT(*) FROM job_queue
		WHERE status = 'pending'
		GROUP BY priority`
	rows, err := p.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=queue.depth_by_priority: %w", err)
	}
	defer rows.Close()

	out := map[int]int64{}
	for rows.Next() {
		var priority int
		var count int64
		if err := rows.Scan(&priority, &count); err != nil {
			return nil, fmt.Errorf("op=queue.depth_by_priority_scan: %w", err)
		}
		out[priority] = count
	}
	return out, rows.Err()
}

// PurgeOldJobs deletes terminal jobs older than daysOld and returns the
// number removed.
func (p *Producer) PurgeOldJobs(ctx domain.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld)
	const q = `
		DELETE FROM job_queue
		WHERE created_at < $1
		  AND status IN ('completed', 'failed', 'cancelled')`
	tag, err := p.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=queue.purge_old: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns recent jobs matching filter, most recently created first,
// feeding the monitoring API's job-history view.
func (p *Producer) ListJobs(ctx domain.Context, filter domain.JobFilter) ([]domain.Job, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	q := `
		SELECT id, workflow_id, workflow_name, workflow_json, priority, status, robot_id,
		       environment, visible_after, created_at, started_at, completed_at,
		       error_message, result, retry_count, max_retries, variables
		FROM job_queue
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR workflow_id = $2)
		  AND ($3 = '' OR robot_id = $3)
		ORDER BY created_at DESC
		LIMIT $4`
	rows, err := p.Pool.Query(ctx, q, string(filter.Status), filter.WorkflowID, filter.RobotID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=queue.list_jobs: %w", err)
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		var varsJSON []byte
		if err := rows.Scan(&j.ID, &j.WorkflowID, &j.WorkflowName, &j.WorkflowJSON, &j.Priority, &j.Status,
			&j.RobotID, &j.Environment, &j.VisibleAfter, &j.CreatedAt, &j.StartedAt, &j.CompletedAt,
			&j.ErrorMessage, &j.Result, &j.RetryCount, &j.MaxRetries, &varsJSON); err != nil {
			return nil, fmt.Errorf("op=queue.list_jobs_scan: %w", err)
		}
		if len(varsJSON) > 0 {
			if err := json.Unmarshal(varsJSON, &j.Variables); err != nil {
				return nil, fmt.Errorf("op=queue.list_jobs.unmarshal_vars: %w", err)
			}
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
