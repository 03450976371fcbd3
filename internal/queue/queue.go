// Package queue implements the durable offline mutation queue: causal
// ordering via topological drain, retry bookkeeping with exponential
// backoff, capacity watermarks, and a secondary backup mirror that survives
// the primary store being cleared.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("mutation queue full")

// Config tunes queue behavior.
type Config struct {
	// Capacity is the hard ceiling on queued mutations. A soft warning is
	// emitted at half this value so the caller can prompt the user to sync.
	Capacity int64

	// MaxRetries bounds upload attempts before a mutation moves to failed.
	MaxRetries int

	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration

	// Retention is how long failed mutations are kept for manual retry
	// before being purged.
	Retention time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		Capacity:    1000,
		MaxRetries:  3,
		BackoffBase: time.Second,
		Retention:   7 * 24 * time.Hour,
	}
}

// Queue is the durable log of pending local writes.
type Queue struct {
	db     *store.SQLiteStore
	backup Backup
	cfg    Config
	notify func(types.Event)

	mu         sync.Mutex
	seq        int64
	softWarned bool
}

// Open creates a queue over the durable store, re-seeding the sequence
// counter from the persisted log so ordering survives restart. notify may
// be nil; it receives queue-overflow events.
func Open(ctx context.Context, db *store.SQLiteStore, backup Backup, cfg Config, notify func(types.Event)) (*Queue, error) {
	seq, err := db.MaxMutationSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed sequence counter: %w", err)
	}
	if backup == nil {
		backup = &NoopBackup{}
	}
	if notify == nil {
		notify = func(types.Event) {}
	}
	return &Queue{db: db, backup: backup, cfg: cfg, notify: notify, seq: seq}, nil
}

// Enqueue appends a local write to the queue. The mutation is assigned a
// ULID (when absent), the next global sequence number, and pending status.
// Returns ErrQueueFull at capacity; emits a soft warning at 50%.
func (q *Queue) Enqueue(ctx context.Context, m *types.Mutation) error {
	if err := m.Validate(); err != nil {
		return err
	}

	depth, err := q.db.CountMutations(ctx)
	if err != nil {
		return fmt.Errorf("check queue depth: %w", err)
	}
	if depth >= q.cfg.Capacity {
		q.notify(types.Event{
			Kind:   types.EventQueueOverflow,
			Table:  m.Table,
			Detail: fmt.Sprintf("queue at capacity (%d)", q.cfg.Capacity),
			At:     time.Now().UTC(),
		})
		return fmt.Errorf("depth %d, capacity %d: %w", depth, q.cfg.Capacity, ErrQueueFull)
	}
	q.checkSoftWatermark(depth + 1)

	q.mu.Lock()
	q.seq++
	m.Seq = q.seq
	q.mu.Unlock()

	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	m.Status = types.MutationPending
	if m.MaxRetries == 0 {
		m.MaxRetries = q.cfg.MaxRetries
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	if err := q.db.InsertMutation(ctx, m); err != nil {
		return err
	}
	q.mirror(ctx)
	return nil
}

// checkSoftWatermark warns once when the queue crosses half capacity and
// re-arms once it drops back below.
func (q *Queue) checkSoftWatermark(depth int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	soft := q.cfg.Capacity / 2
	switch {
	case depth >= soft && !q.softWarned:
		q.softWarned = true
		slog.Warn("mutation queue above soft watermark",
			"component", "queue",
			"depth", depth,
			"capacity", q.cfg.Capacity,
		)
	case depth < soft && q.softWarned:
		q.softWarned = false
	}
}

// Drain returns the uploadable mutations in dependency order: a topological
// sort (Kahn's algorithm) over DependsOn, ties broken by sequence number.
// A dependency cycle falls back to timestamp order and is logged as a
// consistency warning; nothing is silently dropped.
func (q *Queue) Drain(ctx context.Context) ([]types.Mutation, error) {
	pending, err := q.db.ListMutations(ctx, types.MutationPending, types.MutationRetrying)
	if err != nil {
		return nil, err
	}
	return orderCausally(pending), nil
}

// orderCausally runs Kahn's algorithm over the dependency graph. Only
// dependencies still present in the set count; confirmed dependencies have
// already been removed from the log and are therefore satisfied.
func orderCausally(mutations []types.Mutation) []types.Mutation {
	if len(mutations) <= 1 {
		return mutations
	}

	index := make(map[string]int, len(mutations))
	for i, m := range mutations {
		index[m.ID] = i
	}

	inDegree := make([]int, len(mutations))
	dependents := make(map[string][]int, len(mutations))
	for i, m := range mutations {
		for _, dep := range m.DependsOn {
			if _, present := index[dep]; present {
				inDegree[i]++
				dependents[dep] = append(dependents[dep], i)
			}
		}
	}

	// Ready set ordered by sequence number.
	var ready []int
	for i, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]types.Mutation, 0, len(mutations))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool {
			return mutations[ready[a]].Seq < mutations[ready[b]].Seq
		})
		next := ready[0]
		ready = ready[1:]

		m := mutations[next]
		ordered = append(ordered, m)
		for _, dependent := range dependents[m.ID] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(ordered) < len(mutations) {
		// Cycle detected. Fall back to timestamp order for the remainder
		// so no write is lost.
		var remainder []types.Mutation
		placed := make(map[string]struct{}, len(ordered))
		for _, m := range ordered {
			placed[m.ID] = struct{}{}
		}
		for _, m := range mutations {
			if _, ok := placed[m.ID]; !ok {
				remainder = append(remainder, m)
			}
		}
		sort.Slice(remainder, func(a, b int) bool {
			if !remainder[a].CreatedAt.Equal(remainder[b].CreatedAt) {
				return remainder[a].CreatedAt.Before(remainder[b].CreatedAt)
			}
			return remainder[a].Seq < remainder[b].Seq
		})
		slog.Warn("dependency cycle in mutation queue, falling back to timestamp order",
			"component", "queue",
			"cycle_size", len(remainder),
		)
		ordered = append(ordered, remainder...)
	}

	return ordered
}

// MarkSyncing transitions a mutation into the in-flight state.
func (q *Queue) MarkSyncing(ctx context.Context, id string) error {
	m, err := q.db.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	m.Status = types.MutationSyncing
	m.LastAttemptAt = &now
	return q.db.UpdateMutation(ctx, m)
}

// MarkSynced removes a confirmed mutation from the queue.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	if err := q.db.DeleteMutation(ctx, id); err != nil {
		return err
	}
	q.mirror(ctx)
	return nil
}

// MarkFailed records an upload failure. Below the retry cap the mutation
// returns to retrying; past it the mutation moves to failed and is
// surfaced for manual retry.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	m, err := q.db.GetMutation(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	m.RetryCount++
	m.LastError = cause.Error()
	m.LastAttemptAt = &now

	if m.RetryCount >= m.MaxRetries {
		m.Status = types.MutationFailed
		m.FailedAt = &now
		slog.Warn("mutation failed permanently",
			"component", "queue",
			"mutation_id", m.ID,
			"table", m.Table,
			"retries", m.RetryCount,
			"error", m.LastError,
		)
	} else {
		m.Status = types.MutationRetrying
	}

	if err := q.db.UpdateMutation(ctx, m); err != nil {
		return err
	}
	q.mirror(ctx)
	return nil
}

// Retry resets a failed mutation for another upload attempt. Manual
// user-initiated path.
func (q *Queue) Retry(ctx context.Context, id string) error {
	m, err := q.db.GetMutation(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != types.MutationFailed {
		return fmt.Errorf("mutation %s is %s, only failed mutations can be retried", id, m.Status)
	}
	m.Status = types.MutationPending
	m.RetryCount = 0
	m.LastError = ""
	m.FailedAt = nil
	if err := q.db.UpdateMutation(ctx, m); err != nil {
		return err
	}
	q.mirror(ctx)
	return nil
}

// Backoff returns the delay before the given retry attempt (1-based):
// base, 2*base, 4*base, ...
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.cfg.BackoffBase << (attempt - 1)
}

// Failed lists mutations awaiting manual retry.
func (q *Queue) Failed(ctx context.Context) ([]types.Mutation, error) {
	return q.db.ListMutations(ctx, types.MutationFailed)
}

// Depth returns the current number of queued mutations.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.db.CountMutations(ctx)
}

// PurgeExpired removes failed mutations older than the retention window.
func (q *Queue) PurgeExpired(ctx context.Context) (int64, error) {
	purged, err := q.db.PurgeFailedBefore(ctx, time.Now().UTC().Add(-q.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		q.mirror(ctx)
	}
	return purged, nil
}

// mirror pushes the full queue state to the backup channel. Best-effort:
// a backup failure never blocks the write path.
func (q *Queue) mirror(ctx context.Context) {
	all, err := q.db.ListMutations(ctx)
	if err != nil {
		slog.Warn("failed to read queue for backup", "component", "queue", "error", err)
		return
	}
	if err := q.backup.Save(ctx, all); err != nil {
		slog.Warn("failed to back up mutation queue", "component", "queue", "error", err)
	}
}

// Restore merges the backup mirror back into the primary queue,
// deduplicating by mutation id. Run on reconnect so clearing the primary
// store does not lose unsynced work. Returns the number of recovered
// mutations.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	backed, err := q.backup.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoBackup) {
			return 0, nil
		}
		return 0, fmt.Errorf("load backup: %w", err)
	}

	var recovered int
	for i := range backed {
		m := backed[i]
		if _, err := q.db.GetMutation(ctx, m.ID); err == nil {
			continue // already present
		} else if !errors.Is(err, store.ErrNotFound) {
			return recovered, err
		}

		q.mu.Lock()
		if m.Seq > q.seq {
			q.seq = m.Seq
		}
		q.mu.Unlock()

		if err := q.db.InsertMutation(ctx, &m); err != nil {
			return recovered, fmt.Errorf("restore mutation %s: %w", m.ID, err)
		}
		recovered++
	}

	if recovered > 0 {
		slog.Info("restored mutations from backup",
			"component", "queue",
			"recovered", recovered,
		)
	}
	return recovered, nil
}
