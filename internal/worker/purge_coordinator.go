package worker

import (
	"context"
	"log/slog"
	"time"
)

// Purger defines the retention operation the coordinator drives.
// Implemented by queue.Queue.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// PurgeCoordinator removes failed mutations that outlived their retention
// window, so the mutation log and its backup mirror stay bounded.
type PurgeCoordinator struct {
	queue    Purger
	interval time.Duration
}

// NewPurgeCoordinator creates a coordinator purging once per interval.
func NewPurgeCoordinator(queue Purger, interval time.Duration) *PurgeCoordinator {
	return &PurgeCoordinator{queue: queue, interval: interval}
}

// Run starts the purge loop. It blocks until ctx is cancelled.
func (c *PurgeCoordinator) Run(ctx context.Context) {
	slog.Info("purge coordinator started",
		"component", "worker",
		"worker", "purge-coordinator",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("purge coordinator stopped",
				"component", "worker",
				"worker", "purge-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.purgeOnce(ctx)
		}
	}
}

func (c *PurgeCoordinator) purgeOnce(ctx context.Context) {
	purged, err := c.queue.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return // Graceful shutdown
		}
		slog.Error("retention purge failed",
			"component", "worker",
			"worker", "purge-coordinator",
			"error", err,
		)
		return
	}
	if purged > 0 {
		slog.Info("retention purge completed",
			"component", "worker",
			"worker", "purge-coordinator",
			"purged", purged,
		)
	}
}
