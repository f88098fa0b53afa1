// -- pkg/events/bus.go --
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Handler consumes one event. Handlers run synchronously on the emitter's
// goroutine; they must not block on external I/O.
type Handler func(Event)

// SubscriptionID identifies a registered handler so it can be removed.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	filter  Type // empty means all types
	handler Handler
}

// Bus is the per-session event fabric. Delivery is synchronous and FIFO in
// publish order: events emitted from inside a handler are queued and
// dispatched after the current event finishes, preserving global order. A
// panicking handler is recovered and logged; later handlers still receive
// the event.
type Bus struct {
	logger *zap.Logger

	mu          sync.Mutex
	subs        []subscription
	nextID      SubscriptionID
	queue       []Event
	dispatching bool
	closed      bool
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger.Named("event_bus")}
}

// On registers a handler for one event type and returns its subscription id.
func (b *Bus) On(t Type, h Handler) SubscriptionID {
	return b.subscribe(t, h)
}

// OnAny registers a handler receiving every event type.
func (b *Bus) OnAny(h Handler) SubscriptionID {
	return b.subscribe("", h)
}

func (b *Bus) subscribe(t Type, h Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, filter: t, handler: h})
	return id
}

// Off removes a previously registered handler. Removing an unknown id is a
// no-op.
func (b *Bus) Off(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to all current subscribers in registration order.
// After RemoveAllListeners, Emit is a no-op.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	if b.dispatching {
		// A handler higher on the stack is already draining; it will pick
		// this event up in order.
		b.mu.Unlock()
		return
	}
	b.dispatching = true

	for len(b.queue) > 0 {
		next := b.queue[0]
		b.queue = b.queue[1:]
		// Snapshot so handlers can subscribe/unsubscribe mid-dispatch
		// without affecting delivery of the current event.
		targets := make([]subscription, 0, len(b.subs))
		for _, s := range b.subs {
			if s.filter == "" || s.filter == next.EventType() {
				targets = append(targets, s)
			}
		}
		b.mu.Unlock()

		for _, s := range targets {
			b.invoke(s, next)
		}

		b.mu.Lock()
		if b.closed {
			b.queue = nil
			break
		}
	}
	b.dispatching = false
	b.mu.Unlock()
}

// invoke runs one handler, containing panics so a failing listener cannot
// prevent delivery to subsequent listeners.
func (b *Bus) invoke(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				zap.String("event_type", string(ev.EventType())),
				zap.Uint64("subscription", uint64(s.id)),
				zap.Any("panic", r))
		}
	}()
	s.handler(ev)
}

// ListenerCount reports the number of active subscriptions.
func (b *Bus) ListenerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// RemoveAllListeners is the sole cleanup primitive used at session teardown.
// The bus accepts no further subscriptions or emits afterwards.
func (b *Bus) RemoveAllListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
	b.queue = nil
	b.closed = true
}
