// Package worker hosts the background coordinators: the periodic sync loop
// and the failed-mutation retention purge.
package worker

import (
	"context"
	"log/slog"
	"time"
)

// Synchronizer defines the sync operation the coordinator drives.
// Implemented by replication.Manager.
type Synchronizer interface {
	SyncAll(ctx context.Context, full bool) error
	Online() bool
}

// SyncCoordinator periodically synchronizes all registered tables. The
// forced-full-sync cadence is enforced inside the manager per table; this
// loop only supplies the heartbeat.
type SyncCoordinator struct {
	manager  Synchronizer
	interval time.Duration
}

// NewSyncCoordinator creates a coordinator running a sync pass per interval.
func NewSyncCoordinator(manager Synchronizer, interval time.Duration) *SyncCoordinator {
	return &SyncCoordinator{manager: manager, interval: interval}
}

// Run starts the sync loop. It blocks until ctx is cancelled.
//
// The first pass waits for the ticker rather than firing at startup; the
// connectivity probe already triggers a sync on the initial transition to
// online, and doubling it would race the bootstrap.
func (c *SyncCoordinator) Run(ctx context.Context) {
	slog.Info("sync coordinator started",
		"component", "worker",
		"worker", "sync-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopped",
				"component", "worker",
				"worker", "sync-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.syncOnce(ctx)
		}
	}
}

// syncOnce runs one pass, skipping entirely while offline.
func (c *SyncCoordinator) syncOnce(ctx context.Context) {
	if !c.manager.Online() {
		slog.Debug("skipping sync cycle while offline",
			"component", "worker",
			"worker", "sync-coordinator",
		)
		return
	}

	start := time.Now()
	if err := c.manager.SyncAll(ctx, false); err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("sync cycle failed",
			"component", "worker",
			"worker", "sync-coordinator",
			"error", err,
		)
		return
	}

	slog.Debug("sync cycle completed",
		"component", "worker",
		"worker", "sync-coordinator",
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
