// Package app wires application components and startup helpers.
package app

import (
	"fmt"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// VersionLookup is the subset of versioning.Repository a JobCreator needs: the
// active workflow definition to enqueue against.
type VersionLookup interface {
	GetActive(ctx domain.Context, workflowID string) (domain.WorkflowVersion, error)
}

// JobCreator turns a fired trigger event into a queued job, implementing
// domain.JobCreator. It resolves the workflow's currently-active version so a
// trigger always fires the latest activated definition rather than a
// snapshot baked in at registration time.
type JobCreator struct {
	versions   VersionLookup
	jobs       domain.JobRepository
	maxRetries int
}

// NewJobCreator builds a JobCreator. maxRetries seeds JobSubmission.MaxRetries
// for trigger-originated jobs.
func NewJobCreator(versions VersionLookup, jobs domain.JobRepository, maxRetries int) *JobCreator {
	return &JobCreator{versions: versions, jobs: jobs, maxRetries: maxRetries}
}

// CreateJob implements domain.JobCreator.
func (c *JobCreator) CreateJob(ctx domain.Context, event domain.TriggerEvent) (string, error) {
	active, err := c.versions.GetActive(ctx, event.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("op=app.JobCreator.CreateJob: %w", err)
	}

	enqueued, err := c.jobs.Enqueue(ctx, domain.JobSubmission{
		WorkflowID:   event.WorkflowID,
		WorkflowName: event.WorkflowID,
		WorkflowJSON: active.DefinitionJSON,
		Environment:  event.Environment,
		Variables:    event.Payload,
		MaxRetries:   c.maxRetries,
	})
	if err != nil {
		return "", fmt.Errorf("op=app.JobCreator.CreateJob: %w", err)
	}
	return enqueued.ID, nil
}
