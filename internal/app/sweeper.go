// Package app wires application components and startup helpers.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
	"github.com/casarerpa/orchestrator/internal/domain"
)

// RequeueSweeper periodically reclaims jobs whose visibility lease expired
// without a clean Complete/Fail/Release, for every robot the dispatcher
// registry currently knows about — including robots CheckHealth has since
// marked offline, which is exactly the crash case this sweep exists to
// recover from. This replaces the teacher's ListWithFilters-driven "stuck
// job" sweep, which has no equivalent in domain.JobRepository: queue
// ownership is lease-based here (visible_after + robot_id), not a bare
// status column, so recovery goes through QueueConsumer.RequeueTimedOut
// instead of a status scan.
type RequeueSweeper struct {
	consumer domain.QueueConsumer
	registry *dispatcher.Registry
	interval time.Duration
}

// NewRequeueSweeper constructs a RequeueSweeper. interval defaults to 15s if
// non-positive.
func NewRequeueSweeper(consumer domain.QueueConsumer, registry *dispatcher.Registry, interval time.Duration) *RequeueSweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RequeueSweeper{consumer: consumer, registry: registry, interval: interval}
}

// Run sweeps once immediately, then on every tick, until ctx is canceled.
func (s *RequeueSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("requeue sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RequeueSweeper) sweepOnce(ctx context.Context) {
	for _, robot := range s.registry.Robots() {
		n, err := s.consumer.RequeueTimedOut(ctx, robot.ID)
		if err != nil {
			slog.Error("requeue sweep failed", slog.String("robot_id", robot.ID), slog.Any("error", err))
			continue
		}
		if n > 0 {
			slog.Info("requeue sweep reclaimed timed-out jobs", slog.String("robot_id", robot.ID), slog.Int64("count", n))
		}
	}
}
