package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/dlq"
	"github.com/casarerpa/orchestrator/internal/domain"
)

type fakeDLQRepo struct {
	moveCalled    bool
	requeueCalled bool
	requeueRetry  int
	requeueDelay  time.Duration
	entries       map[string]domain.DLQEntry
}

func newFakeDLQRepo() *fakeDLQRepo {
	return &fakeDLQRepo{entries: map[string]domain.DLQEntry{}}
}

func (f *fakeDLQRepo) MoveToDLQ(_ context.Context, entry domain.DLQEntry) (string, error) {
	f.moveCalled = true
	entry.ID = "dlq-1"
	f.entries[entry.ID] = entry
	return entry.ID, nil
}

func (f *fakeDLQRepo) RequeueForRetry(_ context.Context, _ string, retryCount int, delay time.Duration, _ string) (bool, error) {
	f.requeueCalled = true
	f.requeueRetry = retryCount
	f.requeueDelay = delay
	return true, nil
}

func (f *fakeDLQRepo) List(context.Context, domain.DLQListFilter) ([]domain.DLQEntry, error) {
	var out []domain.DLQEntry
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeDLQRepo) Get(_ context.Context, id string) (*domain.DLQEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &e, nil
}

func (f *fakeDLQRepo) Reprocess(context.Context, string, string) (string, error) {
	return "new-job-1", nil
}

func (f *fakeDLQRepo) Stats(context.Context, string) (domain.DLQStats, error) {
	return domain.DLQStats{TotalEntries: int64(len(f.entries))}, nil
}

func (f *fakeDLQRepo) Purge(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func testConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxRetries:     5,
		Schedule:       []int{10, 60, 300, 900, 3600},
		JitterFraction: 0.2,
	}
}

func TestManager_HandleFailure_RetriesWhenUnderLimit(t *testing.T) {
	t.Parallel()
	repo := newFakeDLQRepo()
	m := dlq.NewManager(repo, testConfig())

	job := domain.ClaimedJob{JobID: "job-1", WorkflowID: "wf-1", RetryCount: 1, CreatedAt: time.Now()}
	result, err := m.HandleFailure(context.Background(), job, "boom", nil)
	require.NoError(t, err)

	assert.Equal(t, dlq.ActionRetry, result.Action)
	assert.Equal(t, 2, result.RetryCount)
	assert.True(t, repo.requeueCalled)
	assert.False(t, repo.moveCalled)
	// base delay for retry_count=1 is 60s, jittered +/-20% => [48,72]
	assert.GreaterOrEqual(t, result.DelaySeconds, 48)
	assert.LessOrEqual(t, result.DelaySeconds, 72)
}

func TestManager_HandleFailure_MovesToDLQWhenExhausted(t *testing.T) {
	t.Parallel()
	repo := newFakeDLQRepo()
	m := dlq.NewManager(repo, testConfig())

	job := domain.ClaimedJob{JobID: "job-1", WorkflowID: "wf-1", RetryCount: 5, CreatedAt: time.Now()}
	result, err := m.HandleFailure(context.Background(), job, "boom", map[string]any{"code": 500})
	require.NoError(t, err)

	assert.Equal(t, dlq.ActionMovedToDLQ, result.Action)
	assert.True(t, repo.moveCalled)
	assert.Equal(t, "dlq-1", result.DLQEntryID)
}

func TestManager_MaxRetries(t *testing.T) {
	t.Parallel()
	m := dlq.NewManager(newFakeDLQRepo(), testConfig())
	assert.Equal(t, 5, m.MaxRetries())
}

func TestManager_ListGetReprocessStatsPurge(t *testing.T) {
	t.Parallel()
	repo := newFakeDLQRepo()
	repo.entries["dlq-1"] = domain.DLQEntry{ID: "dlq-1", WorkflowID: "wf-1"}
	m := dlq.NewManager(repo, testConfig())
	ctx := context.Background()

	entries, err := m.List(ctx, domain.DLQListFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entry, err := m.Get(ctx, "dlq-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", entry.WorkflowID)

	newJobID, err := m.Reprocess(ctx, "dlq-1", "operator")
	require.NoError(t, err)
	assert.Equal(t, "new-job-1", newJobID)

	stats, err := m.Stats(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)

	n, err := m.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
