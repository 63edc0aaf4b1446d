// Package eventbus implements domain.EventBus as an in-process, synchronous
// publish/subscribe fan-out used to drive the monitoring API's live feed.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/casarerpa/orchestrator/internal/domain"
)

// Bus is an in-memory, goroutine-safe implementation of domain.EventBus.
// Handlers are invoked synchronously, in registration order, on the
// publishing goroutine; a panicking handler is recovered and logged so one
// bad subscriber cannot take down the publisher.
type Bus struct {
	mu       sync.RWMutex
	handlers map[domain.EventType][]domain.EventHandler
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{handlers: map[domain.EventType][]domain.EventHandler{}}
}

// Subscribe registers handler for eventType and returns an unsubscribe func.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	idx := len(b.handlers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[eventType]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
}

// Publish fans an event out to every handler subscribed to its type.
func (b *Bus) Publish(_ domain.Context, event domain.Event) {
	b.mu.RLock()
	handlers := append([]domain.EventHandler(nil), b.handlers[event.Type]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if h == nil {
			continue
		}
		safeInvoke(h, event)
	}
}

func safeInvoke(h domain.EventHandler, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.Any("recovered", r))
		}
	}()
	h(event)
}
