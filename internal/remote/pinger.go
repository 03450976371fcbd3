package remote

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Pinger tracks connectivity to the remote store by probing its health
// endpoint, and reports transitions to a callback. Offline is the starting
// assumption; the first successful probe flips the state.
type Pinger struct {
	store    Store
	interval time.Duration
	onChange func(online bool)

	online atomic.Bool
}

// NewPinger creates a connectivity monitor. onChange fires on every
// transition and may be nil.
func NewPinger(store Store, interval time.Duration, onChange func(online bool)) *Pinger {
	if onChange == nil {
		onChange = func(bool) {}
	}
	return &Pinger{store: store, interval: interval, onChange: onChange}
}

// Online returns the last observed connectivity state.
func (p *Pinger) Online() bool {
	return p.online.Load()
}

// Check probes once and records the result, firing onChange on a transition.
func (p *Pinger) Check(ctx context.Context) bool {
	now := p.store.Ping(ctx) == nil
	if p.online.Swap(now) != now {
		if now {
			slog.Info("remote store reachable", "component", "pinger")
		} else {
			slog.Warn("remote store unreachable", "component", "pinger")
		}
		p.onChange(now)
	}
	return now
}

// Run probes on the configured interval until ctx is cancelled. An immediate
// probe runs first so startup does not wait a full interval.
func (p *Pinger) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
