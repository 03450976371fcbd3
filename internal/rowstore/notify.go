package rowstore

import (
	"sync"
	"time"
)

// notifier coalesces change notifications per table: a burst of writes
// within the debounce window produces exactly one callback on the trailing
// edge.
type notifier struct {
	window time.Duration

	mu      sync.Mutex
	subs    map[string][]func(table string)
	pending map[string]*time.Timer
	stopped bool
}

func newNotifier(window time.Duration) *notifier {
	return &notifier{
		window:  window,
		subs:    make(map[string][]func(table string)),
		pending: make(map[string]*time.Timer),
	}
}

func (n *notifier) subscribe(table string, fn func(table string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs[table] = append(n.subs[table], fn)
}

func (n *notifier) notify(table string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return
	}
	if _, scheduled := n.pending[table]; scheduled {
		return
	}
	n.pending[table] = time.AfterFunc(n.window, func() {
		n.fire(table)
	})
}

func (n *notifier) fire(table string) {
	n.mu.Lock()
	delete(n.pending, table)
	subs := make([]func(string), len(n.subs[table]))
	copy(subs, n.subs[table])
	n.mu.Unlock()

	for _, fn := range subs {
		fn(table)
	}
}

func (n *notifier) stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	for table, timer := range n.pending {
		timer.Stop()
		delete(n.pending, table)
	}
}
