package postgres

import (
	"log/slog"
	"sync"
	"time"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// HeartbeatLoop periodically extends the lease of every job a robot
// currently has claimed, so long-running jobs survive their visibility
// timeout without being reclaimed by another robot.
type HeartbeatLoop struct {
	consumer          domain.QueueConsumer
	robotID           string
	visibilityTimeout time.Duration
	interval          time.Duration

	mu     sync.Mutex
	active map[string]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewHeartbeatLoop constructs a HeartbeatLoop for robotID.
func NewHeartbeatLoop(consumer domain.QueueConsumer, robotID string, visibilityTimeout, interval time.Duration) *HeartbeatLoop {
	return &HeartbeatLoop{
		consumer:          consumer,
		robotID:           robotID,
		visibilityTimeout: visibilityTimeout,
		interval:          interval,
		active:            map[string]struct{}{},
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Track registers jobID for lease extension until Untrack is called.
func (h *HeartbeatLoop) Track(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[jobID] = struct{}{}
}

// Untrack stops extending jobID's lease, typically once it completes/fails.
func (h *HeartbeatLoop) Untrack(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, jobID)
}

// Run extends all tracked jobs' leases every interval until Stop is called.
func (h *HeartbeatLoop) Run(ctx domain.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case <-ticker.C:
			h.extendAll(ctx)
		}
	}
}

func (h *HeartbeatLoop) extendAll(ctx domain.Context) {
	h.mu.Lock()
	jobIDs := make([]string, 0, len(h.active))
	for id := range h.active {
		jobIDs = append(jobIDs, id)
	}
	h.mu.Unlock()

	for _, jobID := range jobIDs {
		ok, err := h.consumer.ExtendLease(ctx, jobID, h.robotID, h.visibilityTimeout)
		if err != nil {
			slog.Warn("heartbeat: extend lease failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if !ok {
			slog.Warn("heartbeat: lease not extended, job no longer owned", slog.String("job_id", jobID))
			h.Untrack(jobID)
		}
	}
}

// Stop halts the loop and waits for Run to return.
func (h *HeartbeatLoop) Stop() {
	close(h.stop)
	<-h.done
}
