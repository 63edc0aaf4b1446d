package monitoring

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// writeTimeout bounds how long a broadcast waits on one client before it is
// considered slow and disconnected, so one stalled subscriber never backs up
// the others.
const writeTimeout = 1 * time.Second

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// feed is one broadcast topic (live-jobs, robot-status, queue-metrics) with
// its own set of connected clients.
type feed struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newFeed() *feed { return &feed{clients: map[*client]struct{}{}} }

func (f *feed) add(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *feed) remove(c *client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, c)
}

// broadcast sends v to every connected client, dropping any client whose send
// doesn't clear within writeTimeout.
func (f *feed) broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("monitoring: marshal broadcast payload failed", slog.Any("err", err))
		return
	}

	f.mu.Lock()
	targets := make([]*client, 0, len(f.clients))
	for c := range f.clients {
		targets = append(targets, c)
	}
	f.mu.Unlock()

	for _, c := range targets {
		if !c.send(payload) {
			f.remove(c)
			c.close()
		}
	}
}

// client wraps one WebSocket connection with a serialized writer so
// concurrent broadcasts never interleave frames.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload) == nil
}

func (c *client) close() { _ = c.conn.Close() }

// Hub fans out live updates to the three monitoring WebSocket feeds,
// subscribing to the event bus to drive all three (queue-metrics from
// queue.metrics events) and reading the adapter for the snapshot a
// robot-status or queue-metrics client receives on connect.
type Hub struct {
	adapter Adapter

	liveJobs    *feed
	robotStatus *feed
	queueMetric *feed

	unsubscribe []func()
}

// NewHub builds a Hub and subscribes it to bus for the events it rebroadcasts.
func NewHub(adapter Adapter, bus domain.EventBus) *Hub {
	h := &Hub{
		adapter:     adapter,
		liveJobs:    newFeed(),
		robotStatus: newFeed(),
		queueMetric: newFeed(),
	}

	h.unsubscribe = append(h.unsubscribe,
		bus.Subscribe(domain.EventJobEnqueued, h.onJobEvent),
		bus.Subscribe(domain.EventJobClaimed, h.onJobEvent),
		bus.Subscribe(domain.EventJobCompleted, h.onJobEvent),
		bus.Subscribe(domain.EventJobFailed, h.onJobEvent),
		bus.Subscribe(domain.EventJobDLQ, h.onJobEvent),
		bus.Subscribe(domain.EventRobotOnline, h.onRobotEvent),
		bus.Subscribe(domain.EventRobotOffline, h.onRobotEvent),
		bus.Subscribe(domain.EventQueueMetrics, h.onQueueMetrics),
	)
	return h
}

// Close unsubscribes the hub from the event bus.
func (h *Hub) Close() {
	for _, unsub := range h.unsubscribe {
		unsub()
	}
}

func (h *Hub) onJobEvent(evt domain.Event) {
	h.liveJobs.broadcast(map[string]any{
		"type":      evt.Type,
		"timestamp": evt.Timestamp,
		"payload":   evt.Payload,
	})
}

func (h *Hub) onRobotEvent(evt domain.Event) {
	h.robotStatus.broadcast(map[string]any{
		"type":      evt.Type,
		"timestamp": evt.Timestamp,
		"payload":   evt.Payload,
	})
}

func (h *Hub) onQueueMetrics(evt domain.Event) {
	h.queueMetric.broadcast(map[string]any{
		"type":      evt.Type,
		"timestamp": evt.Timestamp,
		"payload":   evt.Payload,
	})
}

// ServeLiveJobs upgrades the request and registers the connection on the
// live-jobs feed.
func (h *Hub) ServeLiveJobs(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.liveJobs, nil)
}

// ServeRobotStatus upgrades the request and registers the connection on the
// robot-status feed, sending the current fleet snapshot on connect.
func (h *Hub) ServeRobotStatus(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.robotStatus, func() (any, error) {
		return h.adapter.RobotList(r.Context(), "")
	})
}

// ServeQueueMetrics upgrades the request and registers the connection on the
// queue-metrics feed, sending the real current fleet summary on connect
// rather than a placeholder zero reading.
func (h *Hub) ServeQueueMetrics(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, h.queueMetric, func() (any, error) {
		return h.adapter.FleetSummary(r.Context())
	})
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, f *feed, initial func() (any, error)) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("monitoring: websocket upgrade failed", slog.Any("err", err))
		return
	}
	c := &client{conn: conn}
	f.add(c)

	if initial != nil {
		if snapshot, err := initial(); err == nil {
			if payload, err := json.Marshal(snapshot); err == nil {
				c.send(payload)
			}
		} else {
			slog.Error("monitoring: initial snapshot failed", slog.Any("err", err))
		}
	}

	go h.pump(c, f)
}

// pump keeps the connection's read loop alive for control frames (ping/pong,
// close) and removes the client from its feed once the connection drops.
func (h *Hub) pump(c *client, f *feed) {
	defer func() {
		f.remove(c)
		c.close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
