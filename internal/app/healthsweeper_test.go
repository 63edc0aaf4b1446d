package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/dispatcher"
	"github.com/casarerpa/orchestrator/internal/app"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func TestHealthSweeper_MarksStaleRobotOffline(t *testing.T) {
	t.Parallel()
	registry := dispatcher.NewRegistry()
	registry.RegisterRobot(domain.Robot{
		ID:            "r1",
		Status:        domain.RobotIdle,
		LastHeartbeat: time.Now().Add(-time.Hour),
	})

	sweeper := app.NewHealthSweeper(registry, 1*time.Millisecond, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	<-done

	robot, ok := registry.Robot("r1")
	require.True(t, ok)
	assert.Equal(t, domain.RobotOffline, robot.Status)
}
