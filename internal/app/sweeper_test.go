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

type fakeQueueConsumer struct {
	requeuedFor []string
	n           int64
}

func (f *fakeQueueConsumer) Claim(domain.Context, string, string, int, time.Duration) ([]domain.ClaimedJob, error) {
	return nil, nil
}
func (f *fakeQueueConsumer) ExtendLease(domain.Context, string, string, time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeQueueConsumer) Complete(domain.Context, string, string, []byte) (bool, error) {
	return true, nil
}
func (f *fakeQueueConsumer) Fail(domain.Context, string, string, string) (bool, bool, error) {
	return true, false, nil
}
func (f *fakeQueueConsumer) Release(domain.Context, string, string) (bool, error) { return true, nil }
func (f *fakeQueueConsumer) RequeueTimedOut(_ domain.Context, robotID string) (int64, error) {
	f.requeuedFor = append(f.requeuedFor, robotID)
	return f.n, nil
}

func TestRequeueSweeper_SweepsEveryKnownRobot(t *testing.T) {
	t.Parallel()
	registry := dispatcher.NewRegistry()
	registry.RegisterRobot(domain.Robot{ID: "r1"})
	registry.RegisterRobot(domain.Robot{ID: "r2"})

	consumer := &fakeQueueConsumer{n: 2}
	sweeper := app.NewRequeueSweeper(consumer, registry, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	require.Len(t, consumer.requeuedFor, 2)
	assert.ElementsMatch(t, []string{"r1", "r2"}, consumer.requeuedFor)
}
