package app_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/domain"
)

type fakeVersionLookup struct {
	version domain.WorkflowVersion
	err     error
}

func (f fakeVersionLookup) GetActive(domain.Context, string) (domain.WorkflowVersion, error) {
	return f.version, f.err
}

type recordingJobRepo struct {
	noopJobRepo
	submission domain.JobSubmission
}

func (r *recordingJobRepo) Enqueue(_ domain.Context, s domain.JobSubmission) (domain.EnqueuedJob, error) {
	r.submission = s
	return domain.EnqueuedJob{ID: "job-1", WorkflowID: s.WorkflowID}, nil
}

func TestJobCreator_CreateJob_UsesActiveDefinition(t *testing.T) {
	t.Parallel()
	versions := fakeVersionLookup{version: domain.WorkflowVersion{
		WorkflowID:     "wf-1",
		DefinitionJSON: `{"nodes":[]}`,
	}}
	jobs := &recordingJobRepo{}
	creator := app.NewJobCreator(versions, jobs, 3)

	jobID, err := creator.CreateJob(t.Context(), domain.TriggerEvent{
		WorkflowID:  "wf-1",
		Environment: "prod",
		Payload:     map[string]any{"key": "value"},
		FiredAt:     time.Now(),
	})

	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
	assert.Equal(t, `{"nodes":[]}`, jobs.submission.WorkflowJSON)
	assert.Equal(t, "prod", jobs.submission.Environment)
	assert.Equal(t, 3, jobs.submission.MaxRetries)
	assert.Equal(t, map[string]any{"key": "value"}, jobs.submission.Variables)
}

func TestJobCreator_CreateJob_PropagatesLookupError(t *testing.T) {
	t.Parallel()
	versions := fakeVersionLookup{err: domain.ErrNotFound}
	jobs := &recordingJobRepo{}
	creator := app.NewJobCreator(versions, jobs, 1)

	_, err := creator.CreateJob(t.Context(), domain.TriggerEvent{WorkflowID: "missing"})

	require.Error(t, err)
}
