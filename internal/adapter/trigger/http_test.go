package trigger_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/trigger"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func TestServer_HandleByID_AcceptsAndCreatesJob(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{jobID: "job-99"}
	m := trigger.NewManager(repo, jc, nil)
	_, err := m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Enabled: true, AuthType: domain.AuthNone})
	require.NoError(t, err)

	srv := trigger.NewServer(m)
	req := httptest.NewRequest(http.MethodPost, "/hooks/t1", bytes.NewBufferString(`{"a":1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, jc.calls)
}

func TestServer_HandleByID_UnknownTrigger404(t *testing.T) {
	t.Parallel()
	m := trigger.NewManager(newFakeTriggerRepo(), &fakeJobCreator{}, nil)
	srv := trigger.NewServer(m)

	req := httptest.NewRequest(http.MethodPost, "/hooks/missing", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_HandleByID_Disabled403(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Enabled: false})

	srv := trigger.NewServer(m)
	req := httptest.NewRequest(http.MethodPost, "/hooks/t1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_HandleByID_BadAuth401(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Enabled: true, AuthType: domain.AuthAPIKey, Secret: "shh"})

	srv := trigger.NewServer(m)
	req := httptest.NewRequest(http.MethodPost, "/hooks/t1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_HandleByPath(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	jc := &fakeJobCreator{jobID: "job-1"}
	m := trigger.NewManager(repo, jc, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Type: domain.TriggerWebhook, Endpoint: "/my-hook", Enabled: true})

	srv := trigger.NewServer(m)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/my-hook", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestServer_HandleHealth(t *testing.T) {
	t.Parallel()
	repo := newFakeTriggerRepo()
	m := trigger.NewManager(repo, &fakeJobCreator{}, nil)
	_, _ = m.RegisterTrigger(context.Background(), domain.Trigger{ID: "t1", Enabled: true})

	srv := trigger.NewServer(m)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"triggers_active":1`)
}

func TestResolveWebhookHost(t *testing.T) {
	t.Setenv("CASARE_WEBHOOK_URL", "https://hooks.casare.net")
	assert.Equal(t, "0.0.0.0", trigger.ResolveWebhookHost())

	t.Setenv("CASARE_WEBHOOK_URL", "")
	assert.Equal(t, "127.0.0.1", trigger.ResolveWebhookHost())
}
