// Package domain defines core entities, ports, and domain-specific errors for
// the orchestration core.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")

	// ErrNotOwner is returned when a robot acts on a job it no longer holds
	// the lease for.
	ErrNotOwner = errors.New("robot does not own job")
	// ErrJobNotClaimable is returned when a job is not in a claimable state.
	ErrJobNotClaimable = errors.New("job not claimable")
	// ErrEndpointReserved is returned when a webhook path is already bound to
	// another trigger.
	ErrEndpointReserved = errors.New("webhook endpoint already reserved")
	// ErrAliasReserved is returned when a workflow-call alias is already
	// bound to another trigger.
	ErrAliasReserved = errors.New("call alias already reserved")
	// ErrTriggerDisabled is returned when a disabled trigger fires.
	ErrTriggerDisabled = errors.New("trigger disabled")
	// ErrVersionArchived is returned when an operation targets an archived
	// workflow version.
	ErrVersionArchived = errors.New("version archived")
)

// JobStatus captures the lifecycle state of a queued job.
type JobStatus string

// Job status values.
const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// DefaultEnvironment is the environment tag that matches any robot
// environment and is matched by any robot request, per the claim invariant.
const DefaultEnvironment = "default"

// Job is the persisted unit of work claimed and executed by robots.
type Job struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	WorkflowJSON string
	Priority     int
	Status       JobStatus
	RobotID      *string
	Environment  string
	VisibleAfter time.Time
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage *string
	Result       []byte
	RetryCount   int
	MaxRetries   int
	Variables    map[string]any
}

// Claimable reports whether the job can currently be claimed by a robot
// requesting the given environment.
func (j Job) Claimable(now time.Time, requestedEnv string) bool {
	if j.Status != JobPending || now.Before(j.VisibleAfter) {
		return false
	}
	return j.Environment == requestedEnv ||
		j.Environment == DefaultEnvironment ||
		requestedEnv == DefaultEnvironment
}

// EnqueuedJob is returned from JobRepository.Enqueue/EnqueueBatch.
type EnqueuedJob struct {
	ID           string
	WorkflowID   string
	Priority     int
	Environment  string
	VisibleAfter time.Time
	CreatedAt    time.Time
}

// ClaimedJob is returned from QueueConsumer.Claim; it carries everything a
// robot needs to execute the workflow and later report back.
type ClaimedJob struct {
	JobID        string
	WorkflowID   string
	WorkflowName string
	WorkflowJSON string
	Priority     int
	Environment  string
	Variables    map[string]any
	CreatedAt    time.Time
	ClaimedAt    time.Time
	RetryCount   int
	MaxRetries   int
}

// JobSubmission is the input to JobRepository.Enqueue/EnqueueBatch.
type JobSubmission struct {
	WorkflowID   string
	WorkflowName string
	WorkflowJSON string
	Priority     int
	Environment  string
	Variables    map[string]any
	MaxRetries   int
	DelaySeconds int
}

// MinPriority and MaxPriority bound JobSubmission.Priority.
const (
	MinPriority = 0
	MaxPriority = 100
)

// MinMaxRetries and MaxMaxRetries bound JobSubmission.MaxRetries. Zero means
// "use the caller's default", so it is always allowed regardless of this
// range.
const (
	MinMaxRetries = 0
	MaxMaxRetries = 10
)

// Validate rejects a submission with a missing workflow id/json or an
// out-of-range priority, max-retries, or delay, matching the orchestrator's
// original validation in casare_rpa.infrastructure.queue's JobSubmission.
func (s JobSubmission) Validate() error {
	if s.WorkflowID == "" {
		return fmt.Errorf("op=job_submission.validate: workflow_id is required: %w", ErrInvalidArgument)
	}
	if s.WorkflowJSON == "" {
		return fmt.Errorf("op=job_submission.validate: workflow_json is required: %w", ErrInvalidArgument)
	}
	if s.Priority < MinPriority || s.Priority > MaxPriority {
		return fmt.Errorf("op=job_submission.validate: priority must be between %d and %d: %w", MinPriority, MaxPriority, ErrInvalidArgument)
	}
	if s.MaxRetries != 0 && (s.MaxRetries < MinMaxRetries || s.MaxRetries > MaxMaxRetries) {
		return fmt.Errorf("op=job_submission.validate: max_retries must be between %d and %d: %w", MinMaxRetries, MaxMaxRetries, ErrInvalidArgument)
	}
	if s.DelaySeconds < 0 {
		return fmt.Errorf("op=job_submission.validate: delay_seconds cannot be negative: %w", ErrInvalidArgument)
	}
	return nil
}

// QueueStats summarizes job counts and timings over a trailing window.
type QueueStats struct {
	CountsByStatus  map[JobStatus]int64
	AvgQueueWaitSec float64
	AvgExecSecond   float64
}

// Context is a type alias to stdlib context.Context for convenience across
// layers, matching the ports-take-domain.Context convention used throughout
// this module.
type Context = context.Context

// JobFilter narrows a job-history listing. Zero values mean "no filter".
type JobFilter struct {
	Status     JobStatus
	WorkflowID string
	RobotID    string
	Limit      int
}

// JobRepository is the persistence port for the queue store's producer side.
type JobRepository interface {
	Enqueue(ctx Context, s JobSubmission) (EnqueuedJob, error)
	EnqueueBatch(ctx Context, subs []JobSubmission) ([]EnqueuedJob, error)
	Cancel(ctx Context, jobID, reason string) (bool, error)
	GetJobStatus(ctx Context, jobID string) (*Job, error)
	GetQueueStats(ctx Context, window time.Duration) (QueueStats, error)
	GetQueueDepthByPriority(ctx Context) (map[int]int64, error)
	PurgeOldJobs(ctx Context, daysOld int) (int64, error)
	ListJobs(ctx Context, filter JobFilter) ([]Job, error)
}

// QueueConsumer is the persistence port for the queue store's consumer side,
// implemented by robots claiming and reporting on work.
type QueueConsumer interface {
	Claim(ctx Context, robotID, environment string, batchSize int, visibilityTimeout time.Duration) ([]ClaimedJob, error)
	ExtendLease(ctx Context, jobID, robotID string, visibilityTimeout time.Duration) (bool, error)
	Complete(ctx Context, jobID, robotID string, result []byte) (bool, error)
	Fail(ctx Context, jobID, robotID, errMsg string) (ok bool, willRetry bool, err error)
	Release(ctx Context, jobID, robotID string) (bool, error)
	RequeueTimedOut(ctx Context, robotID string) (int64, error)
}

// RobotStatus captures the liveness state of a registered robot.
type RobotStatus string

// Robot status values.
const (
	RobotIdle    RobotStatus = "idle"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotFailed  RobotStatus = "failed"
)

// DefaultMaxConcurrentJobs is the capacity assumed for a robot that never
// reported its own MaxConcurrentJobs (heartbeats don't carry it yet): one
// in-flight job, matching the single-job-at-a-time behavior this dispatcher
// originally had before per-robot concurrency was tracked.
const DefaultMaxConcurrentJobs = 1

// Robot is a registered execution worker tracked by the dispatcher.
type Robot struct {
	ID                string
	Environment       string
	Tags              []string
	Capabilities      []string
	Status            RobotStatus
	CurrentJobID      *string
	CurrentJobs       int
	MaxConcurrentJobs int
	JobsCompleted     int64
	JobsFailed        int64
	LastHeartbeat     time.Time
	RegisteredAt      time.Time
}

// Healthy reports whether the robot has sent a heartbeat within the given
// timeout, relative to now.
func (r Robot) Healthy(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastHeartbeat) <= timeout
}

// Capacity returns the robot's configured concurrency cap, defaulting to
// DefaultMaxConcurrentJobs when unset.
func (r Robot) Capacity() int {
	if r.MaxConcurrentJobs <= 0 {
		return DefaultMaxConcurrentJobs
	}
	return r.MaxConcurrentJobs
}

// Available reports spec's availability invariant: a robot not offline or
// failed, with spare concurrency capacity. Both idle and busy robots can be
// available — busy only means at least one job is in flight, not that the
// robot is full.
func (r Robot) Available() bool {
	if r.Status == RobotOffline || r.Status == RobotFailed {
		return false
	}
	return r.CurrentJobs < r.Capacity()
}

// Load returns the robot's current load as a fraction of its capacity, used
// by the LEAST_LOADED dispatch strategy.
func (r Robot) Load() float64 {
	return float64(r.CurrentJobs) / float64(r.Capacity())
}
