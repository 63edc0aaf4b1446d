package trigger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by this adapter for easy
// testing against fakes, matching the convention set by
// internal/adapter/queue/postgres.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS triggers (
	id VARCHAR(64) PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	workflow_id VARCHAR(255) NOT NULL,
	type VARCHAR(50) NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	endpoint VARCHAR(255) NOT NULL DEFAULT '',
	call_alias VARCHAR(255) NOT NULL DEFAULT '',
	cron_expr VARCHAR(255) NOT NULL DEFAULT '',
	auth_type VARCHAR(50) NOT NULL DEFAULT 'none',
	signature_provider VARCHAR(50) NOT NULL DEFAULT '',
	secret TEXT NOT NULL DEFAULT '',
	replay_tolerance_sec INTEGER NOT NULL DEFAULT 0,
	cooldown_seconds INTEGER NOT NULL DEFAULT 0,
	variables JSONB NOT NULL DEFAULT '{}',
	environment VARCHAR(100) NOT NULL DEFAULT 'default',
	fire_count BIGINT NOT NULL DEFAULT 0,
	success_count BIGINT NOT NULL DEFAULT 0,
	error_count BIGINT NOT NULL DEFAULT 0,
	last_fired_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_endpoint ON triggers (endpoint) WHERE endpoint <> '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_alias ON triggers (call_alias) WHERE call_alias <> '';
CREATE INDEX IF NOT EXISTS idx_triggers_workflow ON triggers (workflow_id);
`

// Migrate applies the trigger schema. Safe to call repeatedly.
func Migrate(ctx domain.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}

// Repository implements domain.TriggerRepository against the triggers table.
type Repository struct{ Pool PgxPool }

// NewRepository constructs a Repository with the given pool.
func NewRepository(p PgxPool) *Repository { return &Repository{Pool: p} }

func (r *Repository) Create(ctx domain.Context, t domain.Trigger) (domain.Trigger, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	vars, err := json.Marshal(nonNilMap(t.Variables))
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("op=trigger.create.marshal_vars: %w", domain.ErrInvalidArgument)
	}

	const q = `
		INSERT INTO triggers (
			id, name, workflow_id, type, enabled, endpoint, call_alias, cron_expr,
			auth_type, signature_provider, secret, replay_tolerance_sec, cooldown_seconds,
			variables, environment
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb,$15)
		RETURNING created_at, updated_at`
	row := r.Pool.QueryRow(ctx, q, t.ID, t.Name, t.WorkflowID, string(t.Type), t.Enabled, t.Endpoint,
		t.CallAlias, t.CronExpr, string(t.AuthType), string(t.SignatureProvider), t.Secret,
		t.ReplayToleranceSec, t.CooldownSeconds, vars, t.Environment)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Trigger{}, fmt.Errorf("op=trigger.create: %w", err)
	}
	return t, nil
}

func (r *Repository) Get(ctx domain.Context, id string) (domain.Trigger, error) {
	return r.getBy(ctx, "id", id)
}

func (r *Repository) GetByEndpoint(ctx domain.Context, endpoint string) (domain.Trigger, error) {
	return r.getBy(ctx, "endpoint", endpoint)
}

func (r *Repository) GetByCallAlias(ctx domain.Context, alias string) (domain.Trigger, error) {
	return r.getBy(ctx, "call_alias", alias)
}

func (r *Repository) getBy(ctx domain.Context, column, value string) (domain.Trigger, error) {
	q := fmt.Sprintf(`SELECT %s FROM triggers WHERE %s = $1`, selectColumns, column)
	t, err := scanTrigger(r.Pool.QueryRow(ctx, q, value))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Trigger{}, fmt.Errorf("op=trigger.get: %w", domain.ErrNotFound)
		}
		return domain.Trigger{}, fmt.Errorf("op=trigger.get: %w", err)
	}
	return t, nil
}

func (r *Repository) List(ctx domain.Context, workflowID string) ([]domain.Trigger, error) {
	q := fmt.Sprintf(`SELECT %s FROM triggers WHERE ($1 = '' OR workflow_id = $1) ORDER BY created_at ASC`, selectColumns)
	rows, err := r.Pool.Query(ctx, q, workflowID)
	if err != nil {
		return nil, fmt.Errorf("op=trigger.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("op=trigger.list.scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Repository) Update(ctx domain.Context, t domain.Trigger) (domain.Trigger, error) {
	vars, err := json.Marshal(nonNilMap(t.Variables))
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("op=trigger.update.marshal_vars: %w", domain.ErrInvalidArgument)
	}

	const q = `
		UPDATE triggers SET
			name = $2, workflow_id = $3, type = $4, enabled = $5, endpoint = $6, call_alias = $7,
			cron_expr = $8, auth_type = $9, signature_provider = $10, secret = $11,
			replay_tolerance_sec = $12, cooldown_seconds = $13, variables = $14::jsonb,
			environment = $15, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`
	row := r.Pool.QueryRow(ctx, q, t.ID, t.Name, t.WorkflowID, string(t.Type), t.Enabled, t.Endpoint,
		t.CallAlias, t.CronExpr, string(t.AuthType), string(t.SignatureProvider), t.Secret,
		t.ReplayToleranceSec, t.CooldownSeconds, vars, t.Environment)
	if err := row.Scan(&t.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Trigger{}, fmt.Errorf("op=trigger.update: %w", domain.ErrNotFound)
		}
		return domain.Trigger{}, fmt.Errorf("op=trigger.update: %w", err)
	}
	return t, nil
}

func (r *Repository) Delete(ctx domain.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("op=trigger.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) RecordFire(ctx domain.Context, id string, success bool, at time.Time) error {
	const q = `
		UPDATE triggers SET
			fire_count = fire_count + 1,
			success_count = success_count + CASE WHEN $2 THEN 1 ELSE 0 END,
			error_count = error_count + CASE WHEN $2 THEN 0 ELSE 1 END,
			last_fired_at = $3
		WHERE id = $1`
	_, err := r.Pool.Exec(ctx, q, id, success, at)
	if err != nil {
		return fmt.Errorf("op=trigger.record_fire: %w", err)
	}
	return nil
}

const selectColumns = `id, name, workflow_id, type, enabled, endpoint, call_alias, cron_expr,
	auth_type, signature_provider, secret, replay_tolerance_sec, cooldown_seconds,
	variables, environment, fire_count, success_count, error_count, last_fired_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var t domain.Trigger
	var varsJSON []byte
	var typ, authType, sigProvider string
	if err := row.Scan(&t.ID, &t.Name, &t.WorkflowID, &typ, &t.Enabled, &t.Endpoint, &t.CallAlias,
		&t.CronExpr, &authType, &sigProvider, &t.Secret, &t.ReplayToleranceSec, &t.CooldownSeconds,
		&varsJSON, &t.Environment, &t.FireCount, &t.SuccessCount, &t.ErrorCount, &t.LastFiredAt,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Trigger{}, err
	}
	t.Type = domain.TriggerType(typ)
	t.AuthType = domain.AuthType(authType)
	t.SignatureProvider = domain.SignatureProvider(sigProvider)
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &t.Variables); err != nil {
			return domain.Trigger{}, err
		}
	}
	return t, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
