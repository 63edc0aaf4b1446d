package monitoring_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/adapter/eventbus"
	"github.com/casarerpa/orchestrator/internal/adapter/monitoring"
	"github.com/casarerpa/orchestrator/internal/domain"
)

func TestHub_BroadcastsJobEventsToLiveJobsFeed(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	hub := monitoring.NewHub(&stubAdapter{}, bus)
	defer hub.Close()

	srv := monitoring.NewServer(&stubAdapter{}, hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/live-jobs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond) // let the server register the client

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventJobCompleted,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"job_id": "job-1"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), "job-1")
}

func TestHub_QueueMetricsFeed_SendsInitialSnapshot(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	a := &stubAdapter{fleet: monitoring.FleetSummary{TotalRobots: 2}}
	hub := monitoring.NewHub(a, bus)
	defer hub.Close()

	srv := monitoring.NewServer(a, hub)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/queue-metrics"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(msg), `"total_robots":2`)
}
