package trigger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/trigger"
	"github.com/casarerpa/orchestrator/internal/domain"
)

type fakeTriggerRepo struct {
	byID     map[string]domain.Trigger
	nextID   int
	fireErr  error
	recorded []string
}

func newFakeTriggerRepo() *fakeTriggerRepo {
	return &fakeTriggerRepo{byID: map[string]domain.Trigger{}}
}

func (f *fakeTriggerRepo) Create(_ context.Context, t domain.Trigger) (domain.Trigger, error) {
	if t.ID == "" {
		f.nextID++
		t.ID = "trig-gen"
	}
	f.byID[t.ID] = t
	return t, nil
}
func (f *fakeTriggerRepo) Get(_ context.Context, id string) (domain.Trigger, error) {
	t, ok := f.byID[id]
	if !ok {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return t, nil
}
func (f *fakeTriggerRepo) GetByEndpoint(_ context.Context, endpoint string) (domain.Trigger, error) {
	for _, t := range f.byID {
		if t.Endpoint == endpoint {
			return t, nil
		}
	}
	return domain.Trigger{}, domain.ErrNotFound
}
func (f *fakeTriggerRepo) GetByCallAlias(_ context.Context, alias string) (domain.Trigger, error) {
	for _, t := range f.byID {
		if t.CallAlias == alias {
			return t, nil
		}
	}
	return domain.Trigger{}, domain.ErrNotFound
}
func (f *fakeTriggerRepo) List(_ context.Context, workflowID string) ([]domain.Trigger, error) {
	var out []domain.Trigger
	for _, t := range f.byID {
		if workflowID == "" || t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out, nil
}
func (f *fakeTriggerRepo) Update(_ context.Context, t domain.Trigger) (domain.Trigger, error) {
	f.byID[t.ID] = t
	return t, nil
}
func (f *fakeTriggerRepo) Delete(_ context.Context, id string) error {
	delete(f.byID, id)
	return nil
}
func (f *fakeTriggerRepo) RecordFire(_ context.Context, id string, success bool, _ time.Time) error {
	f.recorded = append(f.recorded, id)
	return f.fireErr
}

type fakeJobCreator struct {
	jobID   string
	err     error
	calls   int
	lastEvt domain.TriggerEvent
}

func (f *fakeJobCreator) CreateJob(_ context.Context, event domain.TriggerEvent) (string, error) {
	f.calls++
	f.lastEvt = event
	return f.jobID, f.err
}

func TestManager_RegisterTrigger_ReservesEndpoint(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{jobID: "job-1"}, nil)

	t1 := domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Endpoint: "/hook-a", Enabled: true}
	_, err := m.RegisterTrigger(context.Background(), t1)
	require.NoError(t, err)

	t2 := domain.Trigger{ID: "t2", Type: domain.TriggerWebhook, Endpoint: "/hook-a", Enabled: true}
	_, err = m.RegisterTrigger(context.Background(), t2)
	assert.ErrorIs(t, err, domain.ErrEndpointReserved)
}

func TestManager_RegisterTrigger_ReservesAlias(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)

	_, err := m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerCallable, CallAlias: "alias-a"})
	require.NoError(t, err)

	_, err = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t2", Type: domain.TriggerCallable, CallAlias: "alias-a"})
	assert.ErrorIs(t, err, domain.ErrAliasReserved)
}

func TestManager_FireTrigger_Success(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{jobID: "job-42"}
	m := trigger.NewManager(repo, jc, nil)

	_, err := m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerManual, Enabled: true})
	require.NoError(t, err)

	result, err := m.FireTrigger(context.Background(), "t1", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "job-42", result.JobID)
	assert.Equal(t, 1, jc.calls)
}

func TestManager_FireTrigger_Disabled(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerManual, Enabled: false})

	_, err := m.FireTrigger(context.Background(), "t1", nil)
	assert.ErrorIs(t, err, domain.ErrTriggerDisabled)
}

func TestManager_FireTrigger_Cooldown(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{jobID: "job-1"}
	m := trigger.NewManager(repo, jc, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerManual, Enabled: true, CooldownSeconds: 3600})

	r1, err := m.FireTrigger(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.True(t, r1.Accepted)

	r2, err := m.FireTrigger(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.False(t, r2.Accepted)
	assert.Contains(t, r2.Reason, "cooldown")
	assert.Equal(t, 1, jc.calls)
}

func TestManager_FireTrigger_JobCreatorError(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{err: errors.New("queue full")}
	m := trigger.NewManager(repo, jc, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerManual, Enabled: true})

	result, err := m.FireTrigger(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Contains(t, result.Reason, "queue full")
}

func TestManager_CallWorkflow_ResolvesAlias(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{jobID: "job-7"}
	m := trigger.NewManager(repo, jc, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerCallable, CallAlias: "my-flow", Enabled: true})

	result, err := m.CallWorkflow(context.Background(), "my-flow", map[string]any{"a": 1})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.Equal(t, "job-7", result.JobID)
}

func TestManager_UnregisterTrigger_ReleasesReservation(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Endpoint: "/x"})

	require.NoError(t, m.UnregisterTrigger(context.Background(), "t1"))

	_, err := m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t2", Type: domain.TriggerWebhook, Endpoint: "/x"})
	assert.NoError(t, err)
}

func TestManager_Stats(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Enabled: true})
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t2", Enabled: false})

	active, total := m.Stats()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, total)
}
