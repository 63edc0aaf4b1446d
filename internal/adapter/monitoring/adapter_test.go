package monitoring_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
	"github.com/casarerpa/orchestrator/internal/adapter/monitoring"
	"github.com/casarerpa/orchestrator/internal/domain"
)

type fakeJobRepo struct {
	jobs         []domain.Job
	depths       map[int]int64
	stats        domain.QueueStats
	getStatusErr error
	getStatusJob *domain.Job
	listJobsFn   func(domain.JobFilter) ([]domain.Job, error)
}

func (f *fakeJobRepo) Enqueue(context.Context, domain.JobSubmission) (domain.EnqueuedJob, error) {
	return domain.EnqueuedJob{}, nil
}
func (f *fakeJobRepo) EnqueueBatch(context.Context, []domain.JobSubmission) ([]domain.EnqueuedJob, error) {
	return nil, nil
}
func (f *fakeJobRepo) Cancel(context.Context, string, string) (bool, error) { return false, nil }
func (f *fakeJobRepo) GetJobStatus(context.Context, string) (*domain.Job, error) {
	if f.getStatusErr != nil {
		return nil, f.getStatusErr
	}
	return f.getStatusJob, nil
}
func (f *fakeJobRepo) GetQueueStats(context.Context, time.Duration) (domain.QueueStats, error) {
	return f.stats, nil
}
func (f *fakeJobRepo) GetQueueDepthByPriority(context.Context) (map[int]int64, error) {
	return f.depths, nil
}
func (f *fakeJobRepo) PurgeOldJobs(context.Context, int) (int64, error) { return 0, nil }
func (f *fakeJobRepo) ListJobs(_ context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	if f.listJobsFn != nil {
		return f.listJobsFn(filter)
	}
	return f.jobs, nil
}

func TestQueueDispatcherAdapter_FleetSummary(t *testing.T) {
	t.Parallel()
	robots := dispatcher.NewRegistry()
	robots.RegisterRobot(domain.Robot{ID: "r1", Status: domain.RobotIdle})
	robots.RegisterRobot(domain.Robot{ID: "r2", Status: domain.RobotBusy})
	robots.RegisterRobot(domain.Robot{ID: "r3", Status: domain.RobotOffline})

	jobs := &fakeJobRepo{depths: map[int]int64{1: 3, 5: 2}}
	a := monitoring.NewAdapter(jobs, robots)

	summary, err := a.FleetSummary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalRobots)
	assert.Equal(t, 1, summary.ActiveRobots)
	assert.Equal(t, 1, summary.IdleRobots)
	assert.Equal(t, 1, summary.OfflineRobots)
	assert.Equal(t, int64(5), summary.QueueDepth)
}

func TestQueueDispatcherAdapter_RobotList_FiltersByStatus(t *testing.T) {
	t.Parallel()
	robots := dispatcher.NewRegistry()
	robots.RegisterRobot(domain.Robot{ID: "r1", Status: domain.RobotIdle})
	robots.RegisterRobot(domain.Robot{ID: "r2", Status: domain.RobotBusy})

	a := monitoring.NewAdapter(&fakeJobRepo{}, robots)

	out, err := a.RobotList(context.Background(), string(domain.RobotBusy))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r2", out[0].RobotID)
}

func TestQueueDispatcherAdapter_RobotDetails_NotFound(t *testing.T) {
	t.Parallel()
	a := monitoring.NewAdapter(&fakeJobRepo{}, dispatcher.NewRegistry())

	_, ok, err := a.RobotDetails(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueDispatcherAdapter_JobHistory(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobRepo{jobs: []domain.Job{{ID: "job-1", Status: domain.JobCompleted}}}
	a := monitoring.NewAdapter(jobs, dispatcher.NewRegistry())

	out, err := a.JobHistory(context.Background(), domain.JobFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "job-1", out[0].JobID)
}

func TestQueueDispatcherAdapter_JobDetails_NotFound(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobRepo{getStatusErr: domain.ErrNotFound}
	a := monitoring.NewAdapter(jobs, dispatcher.NewRegistry())

	_, ok, err := a.JobDetails(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueDispatcherAdapter_Analytics(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobRepo{stats: domain.QueueStats{
		CountsByStatus: map[domain.JobStatus]int64{
			domain.JobCompleted: 8,
			domain.JobFailed:    2,
		},
		AvgExecSecond: 1.5,
	}}
	a := monitoring.NewAdapter(jobs, dispatcher.NewRegistry())

	summary, err := a.Analytics(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(10), summary.TotalJobs)
	assert.InDelta(t, 80.0, summary.SuccessRate, 0.001)
	assert.InDelta(t, 20.0, summary.FailureRate, 0.001)
	assert.InDelta(t, 1500.0, summary.AverageDurationMs, 0.001)
}

func TestQueueDispatcherAdapter_Analytics_DefaultsDays(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobRepo{}
	a := monitoring.NewAdapter(jobs, dispatcher.NewRegistry())

	summary, err := a.Analytics(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), summary.TotalJobs)
}
