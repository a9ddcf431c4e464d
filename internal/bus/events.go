package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultEventHistory = 1000

// Event is an operational notification: a message handled, a breaker
// changing state, schemas reloaded.
type Event struct {
	Type      string         `json:"type"` // e.g. "message.received", "breaker.state_changed"
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type EventHandler func(Event)

// EventBus delivers events to subscribers synchronously and keeps the most
// recent ones for replay.
//
// Subscription patterns are an exact type, "*" for everything, or a prefix
// ending in ".*" such as "breaker.*".
type EventBus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]namedHandler // by pattern

	// ring buffer of past events
	history []Event
	next    int
	full    bool
}

type namedHandler struct {
	id      string
	handler EventHandler
}

// NewEventBus creates a bus remembering the last 1000 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	return NewEventBusSize(defaultEventHistory, logger)
}

// NewEventBusSize creates a bus remembering the last size events.
func NewEventBusSize(size int, logger *slog.Logger) *EventBus {
	if size <= 0 {
		size = defaultEventHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger:   logger.With("component", "events"),
		handlers: make(map[string][]namedHandler),
		history:  make([]Event, size),
	}
}

// On subscribes handler to pattern and returns an id for Off.
func (eb *EventBus) On(pattern string, handler EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := pattern + "-" + uuid.NewString()
	eb.handlers[pattern] = append(eb.handlers[pattern], namedHandler{id: id, handler: handler})
	return id
}

func (eb *EventBus) Off(pattern, handlerID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	handlers := eb.handlers[pattern]
	for i, h := range handlers {
		if h.id != handlerID {
			continue
		}
		if len(handlers) == 1 {
			delete(eb.handlers, pattern)
		} else {
			eb.handlers[pattern] = append(handlers[:i:i], handlers[i+1:]...)
		}
		return
	}
}

// Emit records the event and calls every matching handler in the caller's
// goroutine. A panicking handler is logged and does not stop the others.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.history[eb.next] = event
	eb.next = (eb.next + 1) % len(eb.history)
	if eb.next == 0 {
		eb.full = true
	}
	var targets []namedHandler
	for pattern, hs := range eb.handlers {
		if MatchType(pattern, event.Type) {
			targets = append(targets, hs...)
		}
	}
	eb.mu.Unlock()

	for _, h := range targets {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h namedHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", h.id, "panic", r)
		}
	}()
	h.handler(event)
}

// Replay returns remembered events matching pattern at or after since,
// oldest first.
func (eb *EventBus) Replay(pattern string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var result []Event
	eb.each(func(e Event) {
		if !e.Timestamp.Before(since) && MatchType(pattern, e.Type) {
			result = append(result, e)
		}
	})
	return result
}

// HistoryLen returns the number of remembered events.
func (eb *EventBus) HistoryLen() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.full {
		return len(eb.history)
	}
	return eb.next
}

// each visits the history oldest first. Callers hold the lock.
func (eb *EventBus) each(fn func(Event)) {
	if eb.full {
		for _, e := range eb.history[eb.next:] {
			fn(e)
		}
	}
	for _, e := range eb.history[:eb.next] {
		fn(e)
	}
}

// MatchType reports whether eventType matches a subscription pattern.
func MatchType(pattern, eventType string) bool {
	switch {
	case pattern == "*" || pattern == eventType:
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	default:
		return false
	}
}

// Well-known event types.
const (
	EventMessageReceived    = "message.received"
	EventMessageSent        = "message.sent"
	EventBreakerStateChange = "breaker.state_changed"
	EventSchemasReloaded    = "schemas.reloaded"
	EventFallbackDegraded   = "fallback.degraded"
)
