// Package monitoring implements the REST/WebSocket monitoring API and the
// data adapter it reads through, per spec.md §4.8.
package monitoring

import (
	"time"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// FleetSummary is fleet-wide robot/queue counters.
type FleetSummary struct {
	TotalRobots   int   `json:"total_robots"`
	ActiveRobots  int   `json:"active_robots"`
	IdleRobots    int   `json:"idle_robots"`
	OfflineRobots int   `json:"offline_robots"`
	FailedRobots  int   `json:"failed_robots"`
	ActiveJobs    int   `json:"active_jobs"`
	QueueDepth    int64 `json:"queue_depth"`
}

// RobotSummary is one robot's monitoring-facing status.
type RobotSummary struct {
	RobotID           string    `json:"robot_id"`
	Status            string    `json:"status"`
	CurrentJobID      *string   `json:"current_job_id"`
	CurrentJobs       int       `json:"current_jobs"`
	MaxConcurrentJobs int       `json:"max_concurrent_jobs"`
	Capabilities      []string  `json:"capabilities"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	JobsCompleted     int64     `json:"jobs_completed"`
	JobsFailed        int64     `json:"jobs_failed"`
}

// JobSummary is one job's monitoring-facing status.
type JobSummary struct {
	JobID        string     `json:"job_id"`
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	RobotID      *string    `json:"robot_id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
}

// AnalyticsSummary is aggregated success/duration statistics.
type AnalyticsSummary struct {
	TotalJobs         int64   `json:"total_jobs"`
	SuccessRate       float64 `json:"success_rate"`
	FailureRate       float64 `json:"failure_rate"`
	AverageDurationMs float64 `json:"average_duration_ms"`
}

// Adapter bridges the queue store and dispatcher registry to the monitoring
// API's response shapes, grounded on
// original_source/.../orchestrator/api/adapters.py's MonitoringDataAdapter.
type Adapter interface {
	FleetSummary(ctx domain.Context) (FleetSummary, error)
	RobotList(ctx domain.Context, status string) ([]RobotSummary, error)
	RobotDetails(ctx domain.Context, robotID string) (RobotSummary, bool, error)
	JobHistory(ctx domain.Context, filter domain.JobFilter) ([]JobSummary, error)
	JobDetails(ctx domain.Context, jobID string) (JobSummary, bool, error)
	Analytics(ctx domain.Context, days int) (AnalyticsSummary, error)
}

// QueueDispatcherAdapter implements Adapter over the live dispatcher
// registry and the Postgres-backed job queue store.
type QueueDispatcherAdapter struct {
	Jobs   domain.JobRepository
	Robots *dispatcher.Registry
}

// NewAdapter builds a QueueDispatcherAdapter.
func NewAdapter(jobs domain.JobRepository, robots *dispatcher.Registry) *QueueDispatcherAdapter {
	return &QueueDispatcherAdapter{Jobs: jobs, Robots: robots}
}

// FleetSummary aggregates robot counts by status plus queue depth.
func (a *QueueDispatcherAdapter) FleetSummary(ctx domain.Context) (FleetSummary, error) {
	robots := a.Robots.Robots()
	summary := FleetSummary{TotalRobots: len(robots)}
	for _, r := range robots {
		switch r.Status {
		case domain.RobotBusy:
			summary.ActiveRobots++
		case domain.RobotIdle:
			summary.IdleRobots++
		case domain.RobotOffline:
			summary.OfflineRobots++
		case domain.RobotFailed:
			summary.FailedRobots++
		}
		summary.ActiveJobs += r.CurrentJobs
	}

	depths, err := a.Jobs.GetQueueDepthByPriority(ctx)
	if err != nil {
		return FleetSummary{}, err
	}
	for _, n := range depths {
		summary.QueueDepth += n
	}
	return summary, nil
}

// RobotList returns every registered robot, optionally filtered by status.
func (a *QueueDispatcherAdapter) RobotList(_ domain.Context, status string) ([]RobotSummary, error) {
	var out []RobotSummary
	for _, r := range a.Robots.Robots() {
		if status != "" && string(r.Status) != status {
			continue
		}
		out = append(out, toRobotSummary(r))
	}
	return out, nil
}

// RobotDetails returns one robot's status, if registered.
func (a *QueueDispatcherAdapter) RobotDetails(_ domain.Context, robotID string) (RobotSummary, bool, error) {
	r, ok := a.Robots.Robot(robotID)
	if !ok {
		return RobotSummary{}, false, nil
	}
	return toRobotSummary(r), true, nil
}

// JobHistory lists recent jobs matching filter.
func (a *QueueDispatcherAdapter) JobHistory(ctx domain.Context, filter domain.JobFilter) ([]JobSummary, error) {
	jobs, err := a.Jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobSummary(j))
	}
	return out, nil
}

// JobDetails returns one job's full status, if it exists.
func (a *QueueDispatcherAdapter) JobDetails(ctx domain.Context, jobID string) (JobSummary, bool, error) {
	j, err := a.Jobs.GetJobStatus(ctx, jobID)
	if err != nil {
		if err == domain.ErrNotFound {
			return JobSummary{}, false, nil
		}
		return JobSummary{}, false, err
	}
	return toJobSummary(*j), true, nil
}

// Analytics computes fleet-wide success/failure statistics over the trailing
// window of days.
func (a *QueueDispatcherAdapter) Analytics(ctx domain.Context, days int) (AnalyticsSummary, error) {
	if days <= 0 {
		days = 7
	}
	stats, err := a.Jobs.GetQueueStats(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return AnalyticsSummary{}, err
	}

	completed := stats.CountsByStatus[domain.JobCompleted]
	failed := stats.CountsByStatus[domain.JobFailed]
	total := completed + failed
	summary := AnalyticsSummary{TotalJobs: total, AverageDurationMs: stats.AvgExecSecond * 1000}
	if total > 0 {
		summary.SuccessRate = float64(completed) / float64(total) * 100
		summary.FailureRate = float64(failed) / float64(total) * 100
	}
	return summary, nil
}

func toRobotSummary(r domain.Robot) RobotSummary {
	return RobotSummary{
		RobotID:           r.ID,
		Status:            string(r.Status),
		CurrentJobID:      r.CurrentJobID,
		CurrentJobs:       r.CurrentJobs,
		MaxConcurrentJobs: r.Capacity(),
		Capabilities:      r.Capabilities,
		LastHeartbeat:     r.LastHeartbeat,
		JobsCompleted:     r.JobsCompleted,
		JobsFailed:        r.JobsFailed,
	}
}

func toJobSummary(j domain.Job) JobSummary {
	return JobSummary{
		JobID:        j.ID,
		WorkflowID:   j.WorkflowID,
		WorkflowName: j.WorkflowName,
		RobotID:      j.RobotID,
		Status:       string(j.Status),
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ErrorMessage: j.ErrorMessage,
		RetryCount:   j.RetryCount,
	}
}
