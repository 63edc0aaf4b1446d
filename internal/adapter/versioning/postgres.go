package versioning

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by this adapter, matching the
// queue adapters' pattern for easy testing against fakes.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
}

// schemaDDL creates the workflow_versions table if absent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflow_versions (
	workflow_id VARCHAR(255) NOT NULL,
	major INTEGER NOT NULL,
	minor INTEGER NOT NULL,
	patch INTEGER NOT NULL,
	prerelease VARCHAR(255) NOT NULL DEFAULT '',
	build VARCHAR(255) NOT NULL DEFAULT '',
	status VARCHAR(50) NOT NULL DEFAULT 'draft',
	definition JSONB NOT NULL,
	change_summary TEXT NOT NULL DEFAULT '',
	created_by VARCHAR(255) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	activated_at TIMESTAMPTZ,
	archived_at TIMESTAMPTZ,
	parent_major INTEGER,
	parent_minor INTEGER,
	parent_patch INTEGER,
	node_count INTEGER NOT NULL DEFAULT 0,
	connection_count INTEGER NOT NULL DEFAULT 0,
	checksum VARCHAR(16) NOT NULL DEFAULT '',
	PRIMARY KEY (workflow_id, major, minor, patch, prerelease)
);

CREATE INDEX IF NOT EXISTS idx_workflow_versions_active ON workflow_versions (workflow_id)
	WHERE status = 'active';
`

// Migrate applies the workflow_versions schema. Safe to call repeatedly.
func Migrate(ctx domain.Context, pool PgxPool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}

// Repository implements domain.WorkflowVersionRepository against
// workflow_versions.
type Repository struct{ Pool PgxPool }

// NewRepository constructs a Repository with the given pool.
func NewRepository(p PgxPool) *Repository { return &Repository{Pool: p} }

// Create persists a new workflow version row.
func (r *Repository) Create(ctx domain.Context, v domain.WorkflowVersion) (domain.WorkflowVersion, error) {
	defJSON, err := normalizeDefinition(v.DefinitionJSON)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}

	var parentMajor, parentMinor, parentPatch *int
	if v.ParentVersion != nil {
		parentMajor, parentMinor, parentPatch = &v.ParentVersion.Major, &v.ParentVersion.Minor, &v.ParentVersion.Patch
	}

	_, err = r.Pool.Exec(ctx, `
		INSERT INTO workflow_versions
			(workflow_id, major, minor, patch, prerelease, build, status, definition,
			 change_summary, created_by, created_at, parent_major, parent_minor, parent_patch,
			 node_count, connection_count, checksum)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		v.WorkflowID, v.Version.Major, v.Version.Minor, v.Version.Patch, v.Version.PreRelease, v.Version.Build,
		string(v.Status), defJSON, v.ChangeSummary, v.CreatedBy, v.CreatedAt,
		parentMajor, parentMinor, parentPatch, v.NodeCount, v.ConnectionCount, v.Checksum)
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("op=versioning.create: %w", err)
	}
	return v, nil
}

// Get fetches one specific version.
func (r *Repository) Get(ctx domain.Context, workflowID string, version domain.SemVer) (domain.WorkflowVersion, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT workflow_id, major, minor, patch, prerelease, build, status, definition,
		       change_summary, created_by, created_at, activated_at, archived_at,
		       parent_major, parent_minor, parent_patch, node_count, connection_count, checksum
		FROM workflow_versions
		WHERE workflow_id=$1 AND major=$2 AND minor=$3 AND patch=$4 AND prerelease=$5`,
		workflowID, version.Major, version.Minor, version.Patch, version.PreRelease)
	wv, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkflowVersion{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("op=versioning.get: %w", err)
	}
	return wv, nil
}

// GetActive fetches the active version for a workflow.
func (r *Repository) GetActive(ctx domain.Context, workflowID string) (domain.WorkflowVersion, error) {
	row := r.Pool.QueryRow(ctx, `
		SELECT workflow_id, major, minor, patch, prerelease, build, status, definition,
		       change_summary, created_by, created_at, activated_at, archived_at,
		       parent_major, parent_minor, parent_patch, node_count, connection_count, checksum
		FROM workflow_versions
		WHERE workflow_id=$1 AND status='active'`, workflowID)
	wv, err := scanVersion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WorkflowVersion{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.WorkflowVersion{}, fmt.Errorf("op=versioning.get_active: %w", err)
	}
	return wv, nil
}

// History returns every version for a workflow, oldest first.
func (r *Repository) History(ctx domain.Context, workflowID string) ([]domain.WorkflowVersion, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT workflow_id, major, minor, patch, prerelease, build, status, definition,
		       change_summary, created_by, created_at, activated_at, archived_at,
		       parent_major, parent_minor, parent_patch, node_count, connection_count, checksum
		FROM workflow_versions
		WHERE workflow_id=$1
		ORDER BY major, minor, patch, prerelease`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("op=versioning.history: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowVersion
	for rows.Next() {
		wv, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("op=versioning.history.scan: %w", err)
		}
		out = append(out, wv)
	}
	return out, rows.Err()
}

// SetStatus transitions a version's status and timestamps it accordingly.
func (r *Repository) SetStatus(ctx domain.Context, workflowID string, version domain.SemVer, status domain.VersionStatus) error {
	var sql string
	switch status {
	case domain.VersionActive:
		sql = `UPDATE workflow_versions SET status=$1, activated_at=NOW() WHERE workflow_id=$2 AND major=$3 AND minor=$4 AND patch=$5 AND prerelease=$6`
	case domain.VersionArchived:
		sql = `UPDATE workflow_versions SET status=$1, archived_at=NOW() WHERE workflow_id=$2 AND major=$3 AND minor=$4 AND patch=$5 AND prerelease=$6`
	default:
		sql = `UPDATE workflow_versions SET status=$1 WHERE workflow_id=$2 AND major=$3 AND minor=$4 AND patch=$5 AND prerelease=$6`
	}
	tag, err := r.Pool.Exec(ctx, sql, string(status), workflowID, version.Major, version.Minor, version.Patch, version.PreRelease)
	if err != nil {
		return fmt.Errorf("op=versioning.set_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// row is the subset of pgx.Row/pgx.Rows this adapter needs to scan.
type row interface {
	Scan(dest ...any) error
}

func scanVersion(r row) (domain.WorkflowVersion, error) {
	var wv domain.WorkflowVersion
	var status string
	var defJSON []byte
	var parentMajor, parentMinor, parentPatch *int

	err := r.Scan(&wv.WorkflowID, &wv.Version.Major, &wv.Version.Minor, &wv.Version.Patch, &wv.Version.PreRelease, &wv.Version.Build,
		&status, &defJSON, &wv.ChangeSummary, &wv.CreatedBy, &wv.CreatedAt, &wv.ActivatedAt, &wv.ArchivedAt,
		&parentMajor, &parentMinor, &parentPatch, &wv.NodeCount, &wv.ConnectionCount, &wv.Checksum)
	if err != nil {
		return domain.WorkflowVersion{}, err
	}
	wv.Status = domain.VersionStatus(status)
	wv.DefinitionJSON = string(defJSON)
	if parentMajor != nil && parentMinor != nil && parentPatch != nil {
		wv.ParentVersion = &domain.SemVer{Major: *parentMajor, Minor: *parentMinor, Patch: *parentPatch}
	}
	return wv, nil
}

func normalizeDefinition(definitionJSON string) ([]byte, error) {
	var v any
	if err := json.Unmarshal([]byte(definitionJSON), &v); err != nil {
		return nil, fmt.Errorf("op=versioning.normalize_definition: %w", err)
	}
	return json.Marshal(v)
}
