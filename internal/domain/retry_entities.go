// Package domain defines retry and dead-letter-queue entities shared by the
// queue store and the DLQ manager.
package domain

import (
	"time"
)

// RetryStatus represents the retry state of a job.
type RetryStatus string

const (
	// RetryStatusNone indicates no retries have been attempted.
	RetryStatusNone RetryStatus = "none"
	// RetryStatusRetrying indicates the job is being retried.
	RetryStatusRetrying RetryStatus = "retrying"
	// RetryStatusExhausted indicates all retries have been exhausted.
	RetryStatusExhausted RetryStatus = "exhausted"
	// RetryStatusDLQ indicates the job has been moved to the DLQ.
	RetryStatusDLQ RetryStatus = "dlq"
)

// RetrySchedule is the fixed backoff schedule, in seconds, applied as a job
// moves through DLQ retry attempts: 10s, 1m, 5m, 15m, 1h.
var RetrySchedule = []int{10, 60, 300, 900, 3600}

// RetryConfig defines retry behavior for job processing.
type RetryConfig struct {
	// MaxRetries is the maximum number of in-queue retry attempts before a
	// job is moved to the DLQ.
	MaxRetries int
	// Schedule is the DLQ backoff schedule in seconds; RetrySchedule by
	// default.
	Schedule []int
	// JitterFraction bounds the +/- randomization applied to each backoff
	// step (0.2 means +/-20%).
	JitterFraction float64
	// RetryableErrors defines which errors should trigger retries.
	RetryableErrors []string
	// NonRetryableErrors defines which errors should not trigger retries and
	// route straight to the DLQ.
	NonRetryableErrors []string
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     len(RetrySchedule),
		Schedule:       RetrySchedule,
		JitterFraction: 0.2,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"upstream rate limit",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"authentication failed",
			"authorization failed",
		},
	}
}

// RetryInfo tracks retry attempts for a job moving through the DLQ.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if a job should be retried based on the error and
// retry config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := err.Error()
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if contains(errorStr, nonRetryableErr) {
			return false
		}
	}
	for _, retryableErr := range config.RetryableErrors {
		if contains(errorStr, retryableErr) {
			return true
		}
	}
	return true
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()

	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as moved to the DLQ.
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// DLQEntry represents a job that has been moved to the dead-letter queue.
type DLQEntry struct {
	ID              string
	OriginalJobID   string
	WorkflowID      string
	WorkflowName    string
	WorkflowJSON    string
	Variables       map[string]any
	ErrorMessage    string
	ErrorDetails    map[string]any
	RetryCount      int
	FirstFailedAt   time.Time
	LastFailedAt    time.Time
	CreatedAt       time.Time
	ReprocessedAt   *time.Time
	ReprocessedBy   *string
}

// DLQStats summarizes the contents of the dead-letter queue.
type DLQStats struct {
	TotalEntries        int64
	ReprocessedEntries  int64
	PendingEntries      int64
	OldestPendingAge    time.Duration
	ByWorkflow          map[string]int64
}

// DLQListFilter narrows DLQ listings by workflow and reprocessed state.
type DLQListFilter struct {
	WorkflowID     string
	PendingOnly    bool
	Limit          int
	Offset         int
}

// DLQRepository is the persistence port for inspecting and reprocessing
// dead-lettered jobs.
type DLQRepository interface {
	MoveToDLQ(ctx Context, entry DLQEntry) (string, error)
	RequeueForRetry(ctx Context, jobID string, retryCount int, delay time.Duration, errMsg string) (bool, error)
	List(ctx Context, filter DLQListFilter) ([]DLQEntry, error)
	Get(ctx Context, id string) (*DLQEntry, error)
	Reprocess(ctx Context, id, reprocessedBy string) (newJobID string, err error)
	Stats(ctx Context, workflowID string) (DLQStats, error)
	Purge(ctx Context, olderThan time.Duration) (int64, error)
}

// Helper functions

func contains(s, substr string) bool {
	if len(substr) == 0 {
		return true
	}
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
