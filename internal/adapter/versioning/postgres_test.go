package versioning_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/versioning"
	"github.com/casarerpa/orchestrator/internal/domain"
)

type rowStub struct{ scan func(dest ...any) error }

func (r rowStub) Scan(dest ...any) error { return r.scan(dest...) }

type poolStub struct {
	execErr error
	execTag pgconn.CommandTag
	row     rowStub
}

func (p *poolStub) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return p.execTag, p.execErr
}

func (p *poolStub) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	if p.row.scan == nil {
		return rowStub{scan: func(_ ...any) error { return errors.New("no row configured") }}
	}
	return p.row
}

func (p *poolStub) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("Query not stubbed")
}

func scanRowInto(dest []any, wv domain.WorkflowVersion, defJSON []byte) {
	*dest[0].(*string) = wv.WorkflowID
	*dest[1].(*int) = wv.Version.Major
	*dest[2].(*int) = wv.Version.Minor
	*dest[3].(*int) = wv.Version.Patch
	*dest[4].(*string) = wv.Version.PreRelease
	*dest[5].(*string) = wv.Version.Build
	*dest[6].(*string) = string(wv.Status)
	*dest[7].(*[]byte) = defJSON
	*dest[8].(*string) = wv.ChangeSummary
	*dest[9].(*string) = wv.CreatedBy
	*dest[10].(*time.Time) = wv.CreatedAt
	*dest[11].(**time.Time) = wv.ActivatedAt
	*dest[12].(**time.Time) = wv.ArchivedAt
	*dest[13].(**int) = nil
	*dest[14].(**int) = nil
	*dest[15].(**int) = nil
	*dest[16].(*int) = wv.NodeCount
	*dest[17].(*int) = wv.ConnectionCount
	*dest[18].(*string) = wv.Checksum
}

func TestRepository_Create(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := versioning.NewRepository(pool)

	wv := domain.WorkflowVersion{
		WorkflowID:     "wf-1",
		Version:        domain.SemVer{Major: 1},
		Status:         domain.VersionDraft,
		DefinitionJSON: `{"nodes":[]}`,
		CreatedAt:      time.Now().UTC(),
	}
	out, err := repo.Create(context.Background(), wv)
	require.NoError(t, err)
	assert.Equal(t, "wf-1", out.WorkflowID)
}

func TestRepository_Get_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := versioning.NewRepository(pool)

	_, err := repo.Get(context.Background(), "wf-1", domain.SemVer{Major: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_GetActive_ScansRow(t *testing.T) {
	t.Parallel()
	now := time.Now().UTC()
	wv := domain.WorkflowVersion{
		WorkflowID: "wf-1",
		Version:    domain.SemVer{Major: 2, Minor: 1},
		Status:     domain.VersionActive,
		CreatedAt:  now,
	}
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		scanRowInto(dest, wv, []byte(`{"nodes":[]}`))
		return nil
	}}}
	repo := versioning.NewRepository(pool)

	out, err := repo.GetActive(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", out.Version.String())
	assert.Equal(t, domain.VersionActive, out.Status)
	assert.Equal(t, `{"nodes":[]}`, out.DefinitionJSON)
}

func TestRepository_SetStatus_NotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := versioning.NewRepository(pool)

	err := repo.SetStatus(context.Background(), "wf-1", domain.SemVer{Major: 1}, domain.VersionArchived)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepository_SetStatus_Success(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := versioning.NewRepository(pool)

	err := repo.SetStatus(context.Background(), "wf-1", domain.SemVer{Major: 1}, domain.VersionActive)
	assert.NoError(t, err)
}
