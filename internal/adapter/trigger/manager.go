// Package trigger owns the lifecycle of all triggers (webhook, schedule,
// callable, manual), hosts the single HTTP ingress for webhooks/forms, and
// converts fired events into calls against a registered domain.JobCreator.
package trigger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// EmitResult reports the outcome of firing a trigger.
type EmitResult struct {
	Accepted bool
	JobID    string
	Reason   string // populated when Accepted is false
}

// Manager is the central coordinator for trigger lifecycle and firing.
type Manager struct {
	repo       domain.TriggerRepository
	jobCreator domain.JobCreator
	bus        domain.EventBus

	registry *reservationRegistry

	mu        sync.RWMutex
	triggers  map[string]domain.Trigger
	lastFired map[string]time.Time // in-process cooldown tracking

	defaultCooldown time.Duration
}

// NewManager constructs a Manager. bus may be nil if event publication is
// not wired.
func NewManager(repo domain.TriggerRepository, jobCreator domain.JobCreator, bus domain.EventBus) *Manager {
	return &Manager{
		repo:       repo,
		jobCreator: jobCreator,
		bus:        bus,
		registry:   newReservationRegistry(),
		triggers:   map[string]domain.Trigger{},
		lastFired:  map[string]time.Time{},
	}
}

// WithDefaultCooldown sets the cooldown applied to newly registered triggers
// that don't specify their own CooldownSeconds.
func (m *Manager) WithDefaultCooldown(d time.Duration) *Manager {
	m.defaultCooldown = d
	return m
}

// LoadAll hydrates the in-memory cache and reservation registry from repo;
// called once at startup.
func (m *Manager) LoadAll(ctx domain.Context) error {
	triggers, err := m.repo.List(ctx, "")
	if err != nil {
		return fmt.Errorf("op=trigger.load_all: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range triggers {
		m.triggers[t.ID] = t
		if t.Type == domain.TriggerWebhook {
			m.registry.reserveEndpoint(t.Endpoint, t.ID)
		}
		if t.Type == domain.TriggerCallable {
			m.registry.reserveAlias(t.CallAlias, t.ID)
		}
	}
	return nil
}

// RegisterTrigger persists and caches a new trigger, reserving its
// endpoint/alias. Returns domain.ErrEndpointReserved/ErrAliasReserved if the
// path/alias is already bound to a different trigger.
func (m *Manager) RegisterTrigger(ctx domain.Context, t domain.Trigger) (domain.Trigger, error) {
	if t.CooldownSeconds <= 0 && m.defaultCooldown > 0 {
		t.CooldownSeconds = int(m.defaultCooldown.Seconds())
	}
	if t.Type == domain.TriggerWebhook && t.Endpoint != "" {
		if !m.registry.reserveEndpoint(t.Endpoint, t.ID) {
			return domain.Trigger{}, domain.ErrEndpointReserved
		}
	}
	if t.Type == domain.TriggerCallable && t.CallAlias != "" {
		if !m.registry.reserveAlias(t.CallAlias, t.ID) {
			m.registry.releaseEndpoint(t.Endpoint)
			return domain.Trigger{}, domain.ErrAliasReserved
		}
	}

	created, err := m.repo.Create(ctx, t)
	if err != nil {
		m.registry.releaseEndpoint(t.Endpoint)
		m.registry.releaseAlias(t.CallAlias)
		return domain.Trigger{}, fmt.Errorf("op=trigger.register: %w", err)
	}

	m.mu.Lock()
	m.triggers[created.ID] = created
	m.mu.Unlock()

	slog.Info("trigger registered", slog.String("trigger_id", created.ID), slog.String("type", string(created.Type)))
	return created, nil
}

// UnregisterTrigger deletes a trigger and releases its reservations.
func (m *Manager) UnregisterTrigger(ctx domain.Context, id string) error {
	m.mu.Lock()
	t, ok := m.triggers[id]
	delete(m.triggers, id)
	delete(m.lastFired, id)
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	if err := m.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=trigger.unregister: %w", err)
	}
	m.registry.releaseEndpoint(t.Endpoint)
	m.registry.releaseAlias(t.CallAlias)
	return nil
}

// UpdateTrigger replaces a trigger's definition, re-validating reservations.
func (m *Manager) UpdateTrigger(ctx domain.Context, t domain.Trigger) (domain.Trigger, error) {
	m.mu.RLock()
	existing, ok := m.triggers[t.ID]
	m.mu.RUnlock()
	if !ok {
		return domain.Trigger{}, domain.ErrNotFound
	}

	if t.Endpoint != existing.Endpoint {
		m.registry.releaseEndpoint(existing.Endpoint)
		if !m.registry.reserveEndpoint(t.Endpoint, t.ID) {
			return domain.Trigger{}, domain.ErrEndpointReserved
		}
	}
	if t.CallAlias != existing.CallAlias {
		m.registry.releaseAlias(existing.CallAlias)
		if !m.registry.reserveAlias(t.CallAlias, t.ID) {
			return domain.Trigger{}, domain.ErrAliasReserved
		}
	}

	updated, err := m.repo.Update(ctx, t)
	if err != nil {
		return domain.Trigger{}, fmt.Errorf("op=trigger.update: %w", err)
	}

	m.mu.Lock()
	m.triggers[updated.ID] = updated
	m.mu.Unlock()
	return updated, nil
}

// SetEnabled flips a trigger's enabled flag.
func (m *Manager) SetEnabled(ctx domain.Context, id string, enabled bool) error {
	m.mu.RLock()
	t, ok := m.triggers[id]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	t.Enabled = enabled
	_, err := m.UpdateTrigger(ctx, t)
	return err
}

// GetTrigger returns a trigger by id.
func (m *Manager) GetTrigger(id string) (domain.Trigger, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	return t, ok
}

// GetTriggerByEndpoint resolves a webhook path to its trigger.
func (m *Manager) GetTriggerByEndpoint(endpoint string) (domain.Trigger, bool) {
	id, ok := m.registry.lookupEndpoint(endpoint)
	if !ok {
		return domain.Trigger{}, false
	}
	return m.GetTrigger(id)
}

// GetTriggerByAlias resolves a workflow-call alias to its trigger.
func (m *Manager) GetTriggerByAlias(alias string) (domain.Trigger, bool) {
	id, ok := m.registry.lookupAlias(alias)
	if !ok {
		return domain.Trigger{}, false
	}
	return m.GetTrigger(id)
}

// ListTriggers returns all cached triggers, optionally scoped to workflowID.
func (m *Manager) ListTriggers(workflowID string) []domain.Trigger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		if workflowID == "" || t.WorkflowID == workflowID {
			out = append(out, t)
		}
	}
	return out
}

// Stats reports active/total trigger counts, used by the /health endpoint.
func (m *Manager) Stats() (active, total int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.triggers {
		total++
		if t.Enabled {
			active++
		}
	}
	return active, total
}

// FireTrigger fires a trigger programmatically, bypassing HTTP.
func (m *Manager) FireTrigger(ctx domain.Context, id string, payload map[string]any) (EmitResult, error) {
	t, ok := m.GetTrigger(id)
	if !ok {
		return EmitResult{}, domain.ErrNotFound
	}
	return m.emit(ctx, t, payload, "manual", "", "", nil, "")
}

// CallWorkflow resolves alias to its trigger and fires it.
func (m *Manager) CallWorkflow(ctx domain.Context, alias string, payload map[string]any) (EmitResult, error) {
	t, ok := m.GetTriggerByAlias(alias)
	if !ok {
		return EmitResult{}, domain.ErrNotFound
	}
	return m.emit(ctx, t, payload, "workflow_call", "", "", nil, "")
}

// emit is the shared firing path used by HTTP ingress and programmatic fire.
// It enforces the enabled/cooldown gate, invokes the job creator, updates
// counters, and publishes a trigger.fired event.
func (m *Manager) emit(ctx domain.Context, t domain.Trigger, payload map[string]any, source, method, path string, headers map[string]string, remote string) (EmitResult, error) {
	if !t.Enabled {
		return EmitResult{Accepted: false, Reason: "trigger is disabled"}, domain.ErrTriggerDisabled
	}

	now := time.Now().UTC()
	if t.CooldownSeconds > 0 {
		m.mu.RLock()
		last, seen := m.lastFired[t.ID]
		m.mu.RUnlock()
		if seen && now.Sub(last) < time.Duration(t.CooldownSeconds)*time.Second {
			return EmitResult{Accepted: false, Reason: "trigger in cooldown"}, nil
		}
	}

	m.mu.Lock()
	m.lastFired[t.ID] = now
	m.mu.Unlock()

	event := domain.TriggerEvent{
		TriggerID:   t.ID,
		TriggerType: t.Type,
		WorkflowID:  t.WorkflowID,
		Environment: t.Environment,
		Payload:     payload,
		Source:      source,
		Method:      method,
		Path:        path,
		Headers:     headers,
		Remote:      remote,
		FiredAt:     now,
	}

	jobID, createErr := safeCreateJob(ctx, m.jobCreator, event)

	success := createErr == nil
	if err := m.repo.RecordFire(ctx, t.ID, success, now); err != nil {
		slog.Error("trigger: failed to record fire", slog.String("trigger_id", t.ID), slog.Any("error", err))
	}
	m.refreshCounters(t.ID, success, now)

	if m.bus != nil {
		m.bus.Publish(ctx, domain.Event{
			Type:      domain.EventTriggerFired,
			Timestamp: now,
			Payload: map[string]any{
				"trigger_id": t.ID, "workflow_id": t.WorkflowID, "success": success, "job_id": jobID,
			},
		})
	}

	if createErr != nil {
		slog.Error("trigger: job creation failed", slog.String("trigger_id", t.ID), slog.Any("error", createErr))
		return EmitResult{Accepted: false, Reason: createErr.Error()}, nil
	}
	return EmitResult{Accepted: true, JobID: jobID}, nil
}

func (m *Manager) refreshCounters(id string, success bool, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return
	}
	t.FireCount++
	if success {
		t.SuccessCount++
	} else {
		t.ErrorCount++
	}
	t.LastFiredAt = &at
	m.triggers[id] = t
}

// safeCreateJob invokes the job creator, converting a panic into an error so
// a misbehaving callback cannot take down the trigger HTTP server.
func safeCreateJob(ctx domain.Context, jc domain.JobCreator, event domain.TriggerEvent) (jobID string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("trigger: job creator panicked", slog.Any("recovered", rec))
			err = fmt.Errorf("op=trigger.create_job: job creator panicked: %v", rec)
		}
	}()
	return jc.CreateJob(ctx, event)
}
