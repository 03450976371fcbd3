// Package broadcast carries change announcements between replication
// contexts on the same device, so an edit made in one process or window
// invalidates the others without a server round trip.
package broadcast

import (
	"context"
	"sync"

	"github.com/hyperengineering/relay/internal/types"
)

// Broadcaster publishes change events to every other context on this device
// and delivers theirs. A context never receives its own announcements.
type Broadcaster interface {
	// Publish announces a local change to other contexts.
	Publish(ctx context.Context, event types.ChangeEvent) error

	// Subscribe registers a handler for announcements from other contexts.
	// Returns an unsubscribe function.
	Subscribe(handler func(types.ChangeEvent)) func()

	// Close releases the channel.
	Close() error
}

// Memory is the in-process implementation: windows sharing one process
// exchange events directly. Publish never blocks on handlers; delivery runs
// on the publisher's goroutine in registration order.
type Memory struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(types.ChangeEvent)
	closed bool
}

// NewMemory creates an in-process broadcaster.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int]func(types.ChangeEvent))}
}

func (m *Memory) Publish(ctx context.Context, event types.ChangeEvent) error {
	m.mu.Lock()
	handlers := make([]func(types.ChangeEvent), 0, len(m.subs))
	for _, fn := range m.subs {
		handlers = append(handlers, fn)
	}
	closed := m.closed
	m.mu.Unlock()

	if closed {
		return nil
	}
	for _, fn := range handlers {
		fn(event)
	}
	return nil
}

func (m *Memory) Subscribe(handler func(types.ChangeEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = handler
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subs = make(map[int]func(types.ChangeEvent))
	return nil
}
