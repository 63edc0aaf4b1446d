package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casarerpa/orchestrator/internal/adapter/eventbus"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func TestBus_PublishFansOutToSubscribers(t *testing.T) {
	t.Parallel()
	b := eventbus.New()

	var gotA, gotB domain.Event
	b.Subscribe(domain.EventJobCompleted, func(e domain.Event) { gotA = e })
	b.Subscribe(domain.EventJobCompleted, func(e domain.Event) { gotB = e })

	evt := domain.Event{Type: domain.EventJobCompleted, Timestamp: time.Now(), Payload: map[string]any{"job_id": "1"}}
	b.Publish(context.Background(), evt)

	assert.Equal(t, "1", gotA.Payload["job_id"])
	assert.Equal(t, "1", gotB.Payload["job_id"])
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := eventbus.New()

	calls := 0
	unsub := b.Subscribe(domain.EventRobotOnline, func(domain.Event) { calls++ })
	unsub()

	b.Publish(context.Background(), domain.Event{Type: domain.EventRobotOnline})
	assert.Equal(t, 0, calls)
}

func TestBus_HandlerPanicDoesNotBreakOtherSubscribers(t *testing.T) {
	t.Parallel()
	b := eventbus.New()

	b.Subscribe(domain.EventTriggerFired, func(domain.Event) { panic("boom") })
	called := false
	b.Subscribe(domain.EventTriggerFired, func(domain.Event) { called = true })

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), domain.Event{Type: domain.EventTriggerFired})
	})
	assert.True(t, called)
}

func TestBus_NoSubscribersIsNoop(t *testing.T) {
	t.Parallel()
	b := eventbus.New()
	assert.NotPanics(t, func() {
		b.Publish(context.Background(), domain.Event{Type: domain.EventQueueMetrics})
	})
}
