package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// DLQRepo implements domain.DLQRepository against job_queue_dlq, moving
// exhausted jobs out of job_queue and reinserting reprocessed ones.
type DLQRepo struct{ Pool PgxPool }

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool) *DLQRepo { return &DLQRepo{Pool: p} }

// MoveToDLQ inserts entry (or updates it, keyed by original_job_id, if a
// previous attempt already dead-lettered this job) and removes the job from
// job_queue.
func (r *DLQRepo) MoveToDLQ(ctx domain.Context, entry domain.DLQEntry) (string, error) {
	variables := entry.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return "", fmt.Errorf("op=dlq.move.marshal_vars: %w", domain.ErrInvalidArgument)
	}
	details := entry.ErrorDetails
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("op=dlq.move.marshal_details: %w", domain.ErrInvalidArgument)
	}

	const qInsert = `
		INSERT INTO job_queue_dlq (
			id, original_job_id, workflow_id, workflow_name, workflow_json,
			variables, error_message, error_details, retry_count,
			first_failed_at, last_failed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9, $10, $11)
		ON CONFLICT (original_job_id) DO UPDATE SET
			error_message = EXCLUDED.error_message,
			error_details = EXCLUDED.error_details,
			retry_count = EXCLUDED.retry_count,
			last_failed_at = EXCLUDED.last_failed_at
		RETURNING id`

	id := uuid.New().String()
	row := r.Pool.QueryRow(ctx, qInsert, id, entry.OriginalJobID, entry.WorkflowID, entry.WorkflowName,
		entry.WorkflowJSON, varsJSON, entry.ErrorMessage, detailsJSON, entry.RetryCount,
		entry.FirstFailedAt, entry.LastFailedAt)

	var dlqID string
	if err := row.Scan(&dlqID); err != nil {
		return "", fmt.Errorf("op=dlq.move.insert: %w", err)
	}

	const qDelete = `DELETE FROM job_queue WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, qDelete, entry.OriginalJobID); err != nil {
		return "", fmt.Errorf("op=dlq.move.delete_job: %w", err)
	}

	return dlqID, nil
}

// RequeueForRetry resets a job to pending with the given backoff delay.
func (r *DLQRepo) RequeueForRetry(ctx domain.Context, jobID string, retryCount int, delay time.Duration, errMsg string) (bool, error) {
	const q = `
		UPDATE job_queue
		SET status = 'pending',
		    retry_count = $1,
		    visible_after = NOW() + $2 * INTERVAL '1 second',
		    robot_id = NULL,
		    error_message = $3
		WHERE id = $4
		RETURNING id`
	row := r.Pool.QueryRow(ctx, q, retryCount, delay.Seconds(), errMsg, jobID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=dlq.requeue: %w", err)
	}
	return true, nil
}

// List returns DLQ entries matching filter, newest first.
func (r *DLQRepo) List(ctx domain.Context, filter domain.DLQListFilter) ([]domain.DLQEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var workflowID *string
	if filter.WorkflowID != "" {
		workflowID = &filter.WorkflowID
	}

	const q = `
		SELECT id, original_job_id, workflow_id, workflow_name, workflow_json,
		       variables, error_message, error_details, retry_count,
		       first_failed_at, last_failed_at, created_at,
		       reprocessed_at, reprocessed_by
		FROM job_queue_dlq
		WHERE ($1::TEXT IS NULL OR workflow_id = $1)
		  AND ($2::BOOLEAN IS FALSE OR reprocessed_at IS NULL)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.Pool.Query(ctx, q, workflowID, filter.PendingOnly, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	defer rows.Close()

	var out []domain.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=dlq.list.scan: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Get loads a single DLQ entry.
func (r *DLQRepo) Get(ctx domain.Context, id string) (*domain.DLQEntry, error) {
	const q = `
		SELECT id, original_job_id, workflow_id, workflow_name, workflow_json,
		       variables, error_message, error_details, retry_count,
		       first_failed_at, last_failed_at, created_at,
		       reprocessed_at, reprocessed_by
		FROM job_queue_dlq WHERE id = $1`
	entry, err := scanDLQEntry(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("op=dlq.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=dlq.get: %w", err)
	}
	return &entry, nil
}

// Reprocess marks a DLQ entry reprocessed and reinserts its workflow as a
// fresh pending job, returning the new job id.
func (r *DLQRepo) Reprocess(ctx domain.Context, id, reprocessedBy string) (string, error) {
	const q = `
		WITH dlq_job AS (
			UPDATE job_queue_dlq
			SET reprocessed_at = NOW(), reprocessed_by = $2
			WHERE id = $1 AND reprocessed_at IS NULL
			RETURNING original_job_id, workflow_id, workflow_name, workflow_json, variables
		)
		INSERT INTO job_queue (
			id, workflow_id, workflow_name, workflow_json, variables,
			status, retry_count, priority, visible_after
		)
		SELECT gen_random_uuid(), workflow_id, workflow_name, workflow_json, variables,
		       'pending', 0, 1, NOW()
		FROM dlq_job
		RETURNING id`
	row := r.Pool.QueryRow(ctx, q, id, reprocessedBy)
	var newJobID string
	if err := row.Scan(&newJobID); err != nil {
		if err == pgx.ErrNoRows {
			return "", fmt.Errorf("op=dlq.reprocess: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=dlq.reprocess: %w", err)
	}
	return newJobID, nil
}

// Stats summarizes the DLQ, optionally scoped to workflowID.
func (r *DLQRepo) Stats(ctx domain.Context, workflowID string) (domain.DLQStats, error) {
	var wf *string
	if workflowID != "" {
		wf = &workflowID
	}

	const qCount = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE reprocessed_at IS NULL)
		FROM job_queue_dlq
		WHERE ($1::TEXT IS NULL OR workflow_id = $1)`
	var total, pending int64
	if err := r.Pool.QueryRow(ctx, qCount, wf).Scan(&total, &pending); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats.count: %w", err)
	}

	stats := domain.DLQStats{
		TotalEntries:       total,
		ReprocessedEntries: total - pending,
		PendingEntries:     pending,
		ByWorkflow:         map[string]int64{},
	}

	const qOldest = `
		SELECT COALESCE(MIN(created_at), NOW())
		FROM job_queue_dlq WHERE reprocessed_at IS NULL
		  AND ($1::TEXT IS NULL OR workflow_id = $1)`
	var oldest time.Time
	if err := r.Pool.QueryRow(ctx, qOldest, wf).Scan(&oldest); err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats.oldest: %w", err)
	}
	if !oldest.IsZero() && pending > 0 {
		stats.OldestPendingAge = time.Since(oldest)
	}

	const qByWorkflow = `
		SELECT workflow_id, COUNT(*) FROM job_queue_dlq
		WHERE reprocessed_at IS NULL
		GROUP BY workflow_id`
	rows, err := r.Pool.Query(ctx, qByWorkflow)
	if err != nil {
		return domain.DLQStats{}, fmt.Errorf("op=dlq.stats.by_workflow: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var wfID string
		var count int64
		if err := rows.Scan(&wfID, &count); err != nil {
			return domain.DLQStats{}, fmt.Errorf("op=dlq.stats.by_workflow_scan: %w", err)
		}
		stats.ByWorkflow[wfID] = count
	}

	return stats, rows.Err()
}

// Purge deletes reprocessed entries older than olderThan.
func (r *DLQRepo) Purge(ctx domain.Context, olderThan time.Duration) (int64, error) {
	const q = `
		DELETE FROM job_queue_dlq
		WHERE reprocessed_at IS NOT NULL
		  AND reprocessed_at < NOW() - $1 * INTERVAL '1 second'`
	tag, err := r.Pool.Exec(ctx, q, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("op=dlq.purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDLQEntry(row rowScanner) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var varsJSON, detailsJSON []byte
	if err := row.Scan(&e.ID, &e.OriginalJobID, &e.WorkflowID, &e.WorkflowName, &e.WorkflowJSON,
		&varsJSON, &e.ErrorMessage, &detailsJSON, &e.RetryCount,
		&e.FirstFailedAt, &e.LastFailedAt, &e.CreatedAt, &e.ReprocessedAt, &e.ReprocessedBy); err != nil {
		return domain.DLQEntry{}, err
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &e.Variables); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &e.ErrorDetails); err != nil {
			return domain.DLQEntry{}, err
		}
	}
	return e, nil
}
