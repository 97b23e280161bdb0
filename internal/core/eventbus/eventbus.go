// Package eventbus is a per-instance typed publish/subscribe bus over
// the pipeline's fixed event set, dispatched synchronously in
// registration order. Two pipeline instances in one process never
// observe each other's events unless one forwards to a shared bus.
package eventbus

import "sync"

// EventType names one of the fixed pipeline events.
type EventType string

const (
	EventRequestBlocked   EventType = "request:blocked"
	EventRequestAllowed   EventType = "request:allowed"
	EventCacheHit         EventType = "cache:hit"
	EventCacheMiss        EventType = "cache:miss"
	EventCacheStore       EventType = "cache:store"
	EventContextTrimmed   EventType = "context:trimmed"
	EventRouterDowngraded EventType = "router:downgraded"
	EventRouterHoldback   EventType = "router:holdback"
	EventLedgerEntry      EventType = "ledger:entry"
	EventBreakerWarning   EventType = "breaker:warning"
	EventBreakerTripped   EventType = "breaker:tripped"
	EventUserBudgetWarning  EventType = "userBudget:warning"
	EventUserBudgetExceeded EventType = "userBudget:exceeded"
	EventUserBudgetSpend    EventType = "userBudget:spend"
	EventStreamChunk        EventType = "stream:chunk"
	EventStreamAbort        EventType = "stream:abort"
	EventStreamComplete     EventType = "stream:complete"
	EventAnomalyDetected    EventType = "anomaly:detected"
	EventCompressorApplied  EventType = "compressor:applied"
	EventDeltaApplied       EventType = "delta:applied"
	EventStorageError       EventType = "storage:error"
	EventCostFallback       EventType = "cost:fallback"
)

// Event is one published occurrence; Payload's concrete type depends
// on Type and is documented per-event by the publisher.
type Event struct {
	Type    EventType
	Payload any
}

// Handler receives events synchronously, in the order they were
// registered for that event type.
type Handler func(Event)

// Unsubscribe removes a previously registered handler.
type Unsubscribe func()

// Bus is a single process-local pub/sub instance.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Handler
	global      *Bus // optional forward target
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[EventType][]Handler)}
}

// ForwardTo relays every published event to target in addition to
// this bus's own subscribers, for legacy consumers that only know
// about a single process-global bus.
func (b *Bus) ForwardTo(target *Bus) Unsubscribe {
	b.mu.Lock()
	b.global = target
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.global = nil
		b.mu.Unlock()
	}
}

// Subscribe registers handler for eventType and returns a function
// that removes it.
func (b *Bus) Subscribe(eventType EventType, handler Handler) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	idx := len(b.subscribers[eventType]) - 1

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		handlers := b.subscribers[eventType]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Publish dispatches event to every subscriber of its type in
// registration order, then forwards to the global bus if configured.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	global := b.global
	b.mu.RUnlock()

	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
	if global != nil {
		global.Publish(event)
	}
}

// Dispose clears every subscriber and detaches the forwarder.
func (b *Bus) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = make(map[EventType][]Handler)
	b.global = nil
}
