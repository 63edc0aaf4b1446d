package postgres

import "context"

// schemaDDL creates the job_queue table and its claiming index if absent.
//
// Mirrors the schema documented alongside the reference PgQueuer-style
// consumer: status/visible_after/priority drive claim ordering, and
// environment supports the "default matches everything" routing rule.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS job_queue (
	id UUID PRIMARY KEY,
	workflow_id VARCHAR(255) NOT NULL,
	workflow_name VARCHAR(255) NOT NULL,
	workflow_json TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	status VARCHAR(50) NOT NULL DEFAULT 'pending',
	robot_id VARCHAR(255),
	environment VARCHAR(100) NOT NULL DEFAULT 'default',
	visible_after TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error_message TEXT,
	result JSONB,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	variables JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_job_queue_claiming ON job_queue (status, visible_after, priority DESC)
	WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS idx_job_queue_robot ON job_queue (robot_id)
	WHERE status = 'running';

CREATE TABLE IF NOT EXISTS job_queue_dlq (
	id UUID PRIMARY KEY,
	original_job_id UUID NOT NULL,
	workflow_id VARCHAR(255) NOT NULL,
	workflow_name VARCHAR(255) NOT NULL,
	workflow_json TEXT NOT NULL,
	variables JSONB NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL,
	error_details JSONB NOT NULL DEFAULT '{}',
	retry_count INTEGER NOT NULL DEFAULT 0,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reprocessed_at TIMESTAMPTZ,
	reprocessed_by VARCHAR(255),
	CONSTRAINT unique_original_job UNIQUE (original_job_id)
);

CREATE INDEX IF NOT EXISTS idx_job_queue_dlq_pending ON job_queue_dlq (created_at)
	WHERE reprocessed_at IS NULL;
`

// Migrate applies the queue and DLQ schema. Safe to call repeatedly.
func Migrate(ctx context.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}
