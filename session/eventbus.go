package session

import (
	"log/slog"
	"sync"

	"github.com/Kazuryu0907/new-rl-replay/protocol"
)

// Handler receives one event. Handlers run synchronously on the session's
// demux goroutine; long work must be deferred by the handler itself so the
// receive stream is not stalled.
type Handler func(ev protocol.Event)

// EventBus routes decoded events to handlers by event type. Delivery within
// one type follows registration order; delivery across types follows wire
// receipt order because dispatch happens on the single demux goroutine.
// The bus outlives any one session, so subscriptions survive reconnects.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default().With("component", "eventbus")
	}
	return &EventBus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event type. Registration order is
// delivery order.
func (b *EventBus) Subscribe(eventType string, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Dispatch delivers ev to every handler subscribed to its type. Events with
// no subscriber are dropped without error.
func (b *EventBus) Dispatch(ev protocol.Event) {
	b.mu.RLock()
	handlers := b.handlers[ev.EventType]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("event dropped, no subscriber", "eventType", ev.EventType)
		return
	}
	for _, h := range handlers {
		h(ev)
	}
}
