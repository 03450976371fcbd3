package replication

import (
	"sync"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// Bus fans replication lifecycle events out to subscribers. Delivery is
// synchronous on the emitter's goroutine; handlers must not block.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(types.Event)
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(types.Event))}
}

// Subscribe registers a handler and returns an unsubscribe function.
func (b *Bus) Subscribe(handler func(types.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Emit delivers an event to all subscribers, stamping the time when unset.
func (b *Bus) Emit(event types.Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.Lock()
	handlers := make([]func(types.Event), 0, len(b.subs))
	for _, fn := range b.subs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		fn(event)
	}
}
