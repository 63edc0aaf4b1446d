// Package app wires application components and startup helpers.
package app

import (
	"context"
	"time"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
)

// HealthSweeper periodically runs the dispatcher registry's stale-robot
// check, transitioning any robot whose heartbeat has gone quiet to offline.
type HealthSweeper struct {
	registry     *dispatcher.Registry
	staleTimeout time.Duration
	interval     time.Duration
}

// NewHealthSweeper constructs a HealthSweeper. interval defaults to 10s if
// non-positive.
func NewHealthSweeper(registry *dispatcher.Registry, staleTimeout, interval time.Duration) *HealthSweeper {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthSweeper{registry: registry, staleTimeout: staleTimeout, interval: interval}
}

// Run calls CheckHealth every interval until ctx is canceled.
func (s *HealthSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.CheckHealth(time.Now().UTC(), s.staleTimeout)
		}
	}
}
