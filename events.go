package policy

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/policy/logger"
)

// EventType identifies a lifecycle or evaluation event.
type EventType string

const (
	EventPolicyCreated   EventType = "policy:created"
	EventPolicyUpdated   EventType = "policy:updated"
	EventPolicyDeleted   EventType = "policy:deleted"
	EventPolicyEvaluated EventType = "policy:evaluated"
	EventPolicyDenied    EventType = "policy:denied"
)

// Event is a fire-and-forget notification. Payload keys depend on Type:
// mutations carry policyId (updates add changedFields), evaluations carry
// the fingerprint and decision.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Emitter publishes events. Emit must never block the caller.
type Emitter interface {
	Emit(evt Event)
}

// NullEmitter discards every event.
type NullEmitter struct{}

func (NullEmitter) Emit(Event) {}

// Handler receives events on a dedicated goroutine per delivery.
type Handler func(evt Event)

// Bus is an in-process emitter that fans events out to subscribers.
// Delivery is asynchronous; a slow handler never blocks Emit or other
// handlers.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Handler
	all  []Handler
	log  logger.Logger
}

func NewBus(log logger.Logger) *Bus {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Bus{subs: make(map[EventType][]Handler), log: log}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], h)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.all = append(b.all, h)
	b.mu.Unlock()
}

func (b *Bus) Emit(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[evt.Type])+len(b.all))
	handlers = append(handlers, b.subs[evt.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()
	for _, h := range handlers {
		go b.dispatch(h, evt)
	}
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "event", string(evt.Type), "panic", r)
		}
	}()
	h(evt)
}
