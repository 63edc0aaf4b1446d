package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// SQL queries as package constants, translated from the claim/lease/complete
// semantics of the reference SKIP LOCKED job queue. The FOR UPDATE SKIP
// LOCKED lives inside the UPDATE's WHERE-clause subquery so there is no gap
// between selecting candidate rows and claiming them.
const (
	sqlClaim = `
		UPDATE job_queue
		SET status = 'running',
		    robot_id = $3,
		    started_at = NOW(),
		    visible_after = NOW() + INTERVAL '1 second' * $4
		WHERE id IN (
			SELECT id
			FROM job_queue
			WHERE status = 'pending'
			  AND visible_after <= NOW()
			  AND (environment = $1 OR environment = 'default' OR $1 = 'default')
			ORDER BY priority DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, workflow_id, workflow_name, workflow_json, priority, environment,
		          variables, created_at, retry_count, max_retries`

	sqlExtendLease = `
		UPDATE job_queue
		SET visible_after = NOW() + INTERVAL '1 second' * $2
		WHERE id = $1 AND status = 'running' AND robot_id = $3
		RETURNING id`

	sqlComplete = `
		UPDATE job_queue
		SET status = 'completed', completed_at = NOW(), result = $2::jsonb
		WHERE id = $1 AND status = 'running' AND robot_id = $3
		RETURNING id`

	sqlFail = `
		UPDATE job_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    error_message = $2,
		    retry_count = retry_count + 1,
		    robot_id = CASE WHEN retry_count < max_retries THEN NULL ELSE robot_id END,
		    visible_after = CASE WHEN retry_count < max_retries
		                         THEN NOW() + INTERVAL '1 second' * (retry_count + 1) * 5
		                         ELSE visible_after END,
		    completed_at = CASE WHEN retry_count >= max_retries THEN NOW() ELSE NULL END
		WHERE id = $1 AND status = 'running' AND robot_id = $3
		RETURNING id, status, retry_count`

	sqlRelease = `
		UPDATE job_queue
		SET status = 'pending', robot_id = NULL, started_at = NULL, visible_after = NOW()
		WHERE id = $1 AND status = 'running' AND robot_id = $2
		RETURNING id`

	sqlRequeueTimedOut = `
		UPDATE job_queue
		SET status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		    robot_id = NULL,
		    error_message = COALESCE(error_message, '') || ' [visibility timeout exceeded]',
		    retry_count = retry_count + 1,
		    visible_after = NOW()
		WHERE status = 'running' AND visible_after < NOW() AND robot_id = $1
		RETURNING id`
)

// Consumer implements domain.QueueConsumer against job_queue.
type Consumer struct{ Pool PgxPool }

// NewConsumer constructs a Consumer with the given pool.
func NewConsumer(p PgxPool) *Consumer { return &Consumer{Pool: p} }

// Claim atomically claims up to batchSize pending jobs visible to the given
// robot/environment, setting their visibility to now+visibilityTimeout.
func (c *Consumer) Claim(ctx domain.Context, robotID, environment string, batchSize int, visibilityTimeout time.Duration) ([]domain.ClaimedJob, error) {
	tracer := otel.Tracer("queue.postgres")
	ctx, span := tracer.Start(ctx, "queue.Claim")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "job_queue"),
		attribute.String("robot.id", robotID),
	)

	if environment == "" {
		environment = domain.DefaultEnvironment
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	rows, err := c.Pool.Query(ctx, sqlClaim, environment, batchSize, robotID, int64(visibilityTimeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	var claimed []domain.ClaimedJob
	for rows.Next() {
		var j domain.ClaimedJob
		var varsJSON []byte
		if err := rows.Scan(&j.JobID, &j.WorkflowID, &j.WorkflowName, &j.WorkflowJSON, &j.Priority,
			&j.Environment, &varsJSON, &j.CreatedAt, &j.RetryCount, &j.MaxRetries); err != nil {
			return nil, fmt.Errorf("op=queue.claim.scan: %w", err)
		}
		j.ClaimedAt = now
		if len(varsJSON) > 0 {
			if err := json.Unmarshal(varsJSON, &j.Variables); err != nil {
				return nil, fmt.Errorf("op=queue.claim.unmarshal_vars: %w", err)
			}
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=queue.claim.rows: %w", err)
	}
	return claimed, nil
}

// ExtendLease pushes a claimed job's visibility window further into the
// future. Returns false if the job is no longer running or owned by robotID.
func (c *Consumer) ExtendLease(ctx domain.Context, jobID, robotID string, visibilityTimeout time.Duration) (bool, error) {
	row := c.Pool.QueryRow(ctx, sqlExtendLease, jobID, int64(visibilityTimeout.Seconds()), robotID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=queue.extend_lease: %w", err)
	}
	return true, nil
}

// Complete marks a claimed job completed with the given result payload.
func (c *Consumer) Complete(ctx domain.Context, jobID, robotID string, result []byte) (bool, error) {
	if len(result) == 0 {
		result = []byte("null")
	}
	row := c.Pool.QueryRow(ctx, sqlComplete, jobID, result, robotID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=queue.complete: %w", err)
	}
	return true, nil
}

// Fail reports a job execution failure. The job is requeued to pending if
// retries remain, otherwise marked failed (destined for the DLQ).
func (c *Consumer) Fail(ctx domain.Context, jobID, robotID, errMsg string) (ok bool, willRetry bool, err error) {
	row := c.Pool.QueryRow(ctx, sqlFail, jobID, errMsg, robotID)
	var id string
	var status domain.JobStatus
	var retryCount int
	if scanErr := row.Scan(&id, &status, &retryCount); scanErr != nil {
		if scanErr == pgx.ErrNoRows {
			return false, false, nil
		}
		return false, false, fmt.Errorf("op=queue.fail: %w", scanErr)
	}
	return true, status == domain.JobPending, nil
}

// Release returns a claimed job to pending immediately, without counting it
// as a failure. Used when a robot shuts down cleanly mid-job.
func (c *Consumer) Release(ctx domain.Context, jobID, robotID string) (bool, error) {
	row := c.Pool.QueryRow(ctx, sqlRelease, jobID, robotID)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("op=queue.release: %w", err)
	}
	return true, nil
}

// RequeueTimedOut returns jobs whose lease expired while still attributed to
// robotID back to pending (or failed, if retries are exhausted). Intended to
// run on robot startup to reclaim jobs orphaned by a previous crash, and from
// a periodic sweep for robots that vanished without a clean shutdown.
func (c *Consumer) RequeueTimedOut(ctx domain.Context, robotID string) (int64, error) {
	rows, err := c.Pool.Query(ctx, sqlRequeueTimedOut, robotID)
	if err != nil {
		return 0, fmt.Errorf("op=queue.requeue_timed_out: %w", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return n, fmt.Errorf("op=queue.requeue_timed_out.scan: %w", err)
		}
		n++
	}
	return n, rows.Err()
}
