// Package syncer implements the per-table synchronization passes: batched
// mutation upload with ack handling, full sync with streamed pagination, and
// watermark-bounded incremental sync with a full-sync fallback for large
// diffs.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/resolver"
	"github.com/hyperengineering/relay/internal/rowstore"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

// Config tunes the sync passes.
type Config struct {
	// PageSize is the fetch page size during full sync.
	PageSize int

	// StreamingThreshold is the row count above which full sync pages
	// instead of fetching in one request.
	StreamingThreshold int64

	// IncrementalCutoff is the changed-row count above which incremental
	// sync falls back to full sync.
	IncrementalCutoff int64

	// QuotaBytes caps local storage. Zero disables the quota check.
	QuotaBytes int64

	// QuotaMargin is the safety fraction added to the transfer estimate
	// when checking the quota.
	QuotaMargin float64

	// EstimatedRowBytes sizes the transfer estimate per remote row.
	EstimatedRowBytes int64

	// MemoryCeilingBytes pauses between pages while heap use is above it.
	// Zero disables the check.
	MemoryCeilingBytes uint64

	// PagePause is the backoff inserted under memory pressure.
	PagePause time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		PageSize:           500,
		StreamingThreshold: 1000,
		IncrementalCutoff:  5000,
		QuotaMargin:        0.10,
		EstimatedRowBytes:  1024,
		MemoryCeilingBytes: 256 << 20,
		PagePause:          50 * time.Millisecond,
	}
}

// Result summarizes one sync pass over a table.
type Result struct {
	Table      string
	Full       bool
	Uploaded   int
	Downloaded int
	Deleted    int64
	Duration   time.Duration
}

// Engine runs sync passes. It owns no scheduling or locking; the replication
// manager serializes passes per table.
type Engine struct {
	rows   *rowstore.Store
	db     *store.SQLiteStore
	queue  *queue.Queue
	remote remote.Store
	cfg    Config
}

// New creates a sync engine.
func New(rows *rowstore.Store, db *store.SQLiteStore, q *queue.Queue, r remote.Store, cfg Config) *Engine {
	return &Engine{rows: rows, db: db, queue: q, remote: r, cfg: cfg}
}

// FullSync replaces the local view of a table with the remote state. Rows
// stream in pages above the streaming threshold, each page merged and
// persisted before the next is fetched. Rows absent remotely are removed
// locally unless they carry unsynced edits.
func (e *Engine) FullSync(ctx context.Context, table string) (*Result, error) {
	start := time.Now()

	total, err := e.remote.Count(ctx, table, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", table, err)
	}
	if err := e.checkQuota(ctx, total); err != nil {
		return nil, err
	}

	pageSize := e.cfg.PageSize
	if total <= e.cfg.StreamingThreshold {
		pageSize = int(total)
		if pageSize == 0 {
			pageSize = 1
		}
	}

	seen := make(map[string]struct{}, total)
	downloaded := 0
	var maxRemote time.Time
	for offset := 0; int64(offset) < total; offset += pageSize {
		page, err := e.remote.Fetch(ctx, table, time.Time{}, offset, pageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch %s page at %d: %w", table, offset, err)
		}
		if len(page.Rows) == 0 {
			break
		}

		n, err := e.mergePage(ctx, table, page.Rows)
		if err != nil {
			return nil, err
		}
		downloaded += n
		for _, rr := range page.Rows {
			seen[rr.Key] = struct{}{}
			if rr.UpdatedAt.After(maxRemote) {
				maxRemote = rr.UpdatedAt
			}
		}

		e.pauseUnderMemoryPressure(ctx)
	}

	// Reconcile server-side deletions. Dirty rows stay; their upload will
	// recreate them remotely.
	deleted, err := e.db.DeleteRowsNotIn(ctx, table, seen)
	if err != nil {
		return nil, fmt.Errorf("reconcile deletions for %s: %w", table, err)
	}

	// The watermark comes from the server's own timestamps so clock skew
	// between device and server cannot hide later remote updates. The full
	// sync cadence is a local concern and keeps local time.
	now := time.Now().UTC()
	if maxRemote.IsZero() {
		maxRemote = now
	}
	state := &types.TableSyncState{
		Table:          table,
		LastSyncedAt:   maxRemote,
		LastFullSyncAt: now,
	}
	if err := e.db.SetTableSyncState(ctx, state); err != nil {
		return nil, fmt.Errorf("record watermark for %s: %w", table, err)
	}

	result := &Result{
		Table:      table,
		Full:       true,
		Downloaded: downloaded,
		Deleted:    deleted,
		Duration:   time.Since(start),
	}
	slog.Info("full sync complete",
		"component", "syncer",
		"table", table,
		"rows", downloaded,
		"deleted", deleted,
		"duration", result.Duration,
	)
	return result, nil
}

// IncrementalSync pulls rows changed since the table's watermark. A diff
// larger than the cutoff falls back to FullSync; paging through it would
// cost more than re-fetching the table.
func (e *Engine) IncrementalSync(ctx context.Context, table string) (*Result, error) {
	start := time.Now()

	state, err := e.db.GetTableSyncState(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load watermark for %s: %w", table, err)
	}
	if state.LastSyncedAt.IsZero() {
		return e.FullSync(ctx, table)
	}

	changed, err := e.remote.Count(ctx, table, state.LastSyncedAt)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", table, err)
	}
	if changed > e.cfg.IncrementalCutoff {
		slog.Info("incremental diff too large, falling back to full sync",
			"component", "syncer",
			"table", table,
			"changed", changed,
			"cutoff", e.cfg.IncrementalCutoff,
		)
		return e.FullSync(ctx, table)
	}
	if changed == 0 {
		// Nothing observed, so there is nothing to advance the watermark
		// to. Stamping local time here could step past remote updates from
		// a server whose clock runs behind.
		return &Result{Table: table, Duration: time.Since(start)}, nil
	}
	if err := e.checkQuota(ctx, changed); err != nil {
		return nil, err
	}

	downloaded := 0
	maxRemote := state.LastSyncedAt
	for offset := 0; int64(offset) < changed; offset += e.cfg.PageSize {
		page, err := e.remote.Fetch(ctx, table, state.LastSyncedAt, offset, e.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("fetch %s changes at %d: %w", table, offset, err)
		}
		if len(page.Rows) == 0 {
			break
		}
		n, err := e.mergePage(ctx, table, page.Rows)
		if err != nil {
			return nil, err
		}
		downloaded += n
		for _, rr := range page.Rows {
			if rr.UpdatedAt.After(maxRemote) {
				maxRemote = rr.UpdatedAt
			}
		}
		e.pauseUnderMemoryPressure(ctx)
	}

	// Advance the watermark to the newest server timestamp observed, never
	// to local time; the device and server clocks are independent.
	state.LastSyncedAt = maxRemote
	if err := e.db.SetTableSyncState(ctx, state); err != nil {
		return nil, fmt.Errorf("record watermark for %s: %w", table, err)
	}

	result := &Result{Table: table, Downloaded: downloaded, Duration: time.Since(start)}
	slog.Debug("incremental sync complete",
		"component", "syncer",
		"table", table,
		"rows", downloaded,
		"duration", result.Duration,
	)
	return result, nil
}

// mergePage resolves each remote row against local state and applies the
// winners in one batch. Tombstones delete the local row unless local pending
// edits win the comparison.
func (e *Engine) mergePage(ctx context.Context, table string, page []types.RemoteRow) (int, error) {
	edits, deletes, err := e.pendingEdits(ctx, table)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	merged := make([]types.Row, 0, len(page))
	for _, rr := range page {
		// A pending local delete wins over whatever the remote still
		// serves; the tombstone propagates on the next upload.
		if _, doomed := deletes[rr.Key]; doomed {
			continue
		}

		local, err := e.db.GetRow(ctx, table, rr.Key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("load local row %s/%s: %w", table, rr.Key, err)
		}

		if rr.Deleted {
			if local == nil || !local.Dirty {
				if local != nil {
					if err := e.rows.Delete(ctx, table, rr.Key); err != nil {
						return 0, fmt.Errorf("apply tombstone %s/%s: %w", table, rr.Key, err)
					}
				}
			}
			continue
		}

		incoming := &types.Row{
			Table:          table,
			Key:            rr.Key,
			Payload:        rr.Payload,
			Version:        rr.Version,
			LastModifiedAt: rr.UpdatedAt,
			LastAccessedAt: now,
			FetchedAt:      now,
		}
		winner, err := resolver.ResolveLWW(local, incoming, edits[rr.Key])
		if err != nil {
			return 0, fmt.Errorf("resolve %s/%s: %w", table, rr.Key, err)
		}
		winner.FetchedAt = now
		merged = append(merged, *winner)
	}

	if len(merged) == 0 {
		return 0, nil
	}
	if err := e.rows.BatchApply(ctx, table, merged); err != nil {
		return 0, fmt.Errorf("apply merged page for %s: %w", table, err)
	}
	return len(merged), nil
}

// pendingEdits maps row key to the latest queued payload for the table, so
// the resolver can carry local edits across a remote win. Keys whose latest
// queued mutation is a delete are returned separately; downloads must not
// resurrect them.
func (e *Engine) pendingEdits(ctx context.Context, table string) (map[string][]byte, map[string]struct{}, error) {
	pending, err := e.db.ListMutations(ctx,
		types.MutationPending, types.MutationSyncing, types.MutationRetrying)
	if err != nil {
		return nil, nil, fmt.Errorf("list pending edits: %w", err)
	}

	edits := make(map[string][]byte)
	deletes := make(map[string]struct{})
	for _, m := range pending {
		if m.Table != table {
			continue
		}
		// Ordered by seq, so the last queued operation per key stands.
		if m.Op == types.OpDelete {
			deletes[m.Key] = struct{}{}
			delete(edits, m.Key)
			continue
		}
		if len(m.Payload) == 0 {
			continue
		}
		edits[m.Key] = m.Payload
		delete(deletes, m.Key)
	}
	return edits, deletes, nil
}

// Upload drains the mutation queue in causal order and sends it as one
// idempotent batch. Acked mutations are confirmed and their local rows
// stamped with the server-assigned version; rejected mutations go through
// retry bookkeeping.
func (e *Engine) Upload(ctx context.Context) (int, error) {
	batch, err := e.queue.Drain(ctx)
	if err != nil {
		return 0, fmt.Errorf("drain queue: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, m := range batch {
		if err := e.queue.MarkSyncing(ctx, m.ID); err != nil {
			return 0, fmt.Errorf("mark %s syncing: %w", m.ID, err)
		}
	}

	batchID := ulid.Make().String()
	acks, err := e.remote.Upload(ctx, batchID, batch)
	if err != nil {
		// The whole batch failed to transfer. Every mutation takes a
		// retry strike.
		for _, m := range batch {
			if ferr := e.queue.MarkFailed(ctx, m.ID, err); ferr != nil {
				slog.Error("failed to record upload failure",
					"component", "syncer", "mutation_id", m.ID, "error", ferr)
			}
		}
		return 0, fmt.Errorf("upload batch: %w", err)
	}

	confirmed := 0
	for i, ack := range acks {
		m := batch[i]
		if ack.Error != "" {
			if err := e.queue.MarkFailed(ctx, m.ID, fmt.Errorf("rejected: %s", ack.Error)); err != nil {
				return confirmed, fmt.Errorf("record rejection of %s: %w", m.ID, err)
			}
			continue
		}

		if err := e.queue.MarkSynced(ctx, m.ID); err != nil {
			return confirmed, fmt.Errorf("confirm %s: %w", m.ID, err)
		}
		if err := e.applyAck(ctx, m, ack); err != nil {
			return confirmed, err
		}
		confirmed++
	}
	return confirmed, nil
}

// applyAck stamps the server-assigned version onto the local row. The row
// stays dirty if another queued mutation still touches it.
func (e *Engine) applyAck(ctx context.Context, m types.Mutation, ack types.UploadAck) error {
	if m.Op == types.OpDelete {
		return nil
	}
	row, err := e.db.GetRow(ctx, m.Table, m.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load row for ack %s: %w", m.ID, err)
	}

	// The server-assigned version is authoritative for an acked mutation;
	// it replaces the provisional client stamp.
	row.Version = ack.Version

	edits, _, err := e.pendingEdits(ctx, m.Table)
	if err != nil {
		return err
	}
	_, stillEdited := edits[m.Key]
	row.Dirty = stillEdited

	if err := e.rows.ApplyMerged(ctx, row); err != nil {
		return fmt.Errorf("apply ack %s: %w", m.ID, err)
	}
	return nil
}

// checkQuota estimates the transfer and verifies it fits under the storage
// quota with the safety margin. A shortfall triggers eviction and one
// re-check before failing fast with ErrQuotaExceeded.
func (e *Engine) checkQuota(ctx context.Context, rows int64) error {
	if e.cfg.QuotaBytes <= 0 || rows == 0 {
		return nil
	}

	estimated := int64(float64(rows*e.cfg.EstimatedRowBytes) * (1 + e.cfg.QuotaMargin))
	usage, err := e.rows.UsageBytes(ctx)
	if err != nil {
		return fmt.Errorf("measure storage usage: %w", err)
	}
	if usage+estimated <= e.cfg.QuotaBytes {
		return nil
	}

	target := e.cfg.QuotaBytes - estimated
	if target < 0 {
		target = 0
	}
	evicted, freed, err := e.rows.EvictUnder(ctx, target)
	if err != nil {
		return fmt.Errorf("evict for quota: %w", err)
	}
	slog.Info("evicted rows ahead of sync",
		"component", "syncer",
		"evicted", evicted,
		"freed_bytes", freed,
	)

	usage, err = e.rows.UsageBytes(ctx)
	if err != nil {
		return fmt.Errorf("measure storage usage: %w", err)
	}
	if usage+estimated > e.cfg.QuotaBytes {
		return fmt.Errorf("need %d bytes, %d available after eviction: %w",
			estimated, e.cfg.QuotaBytes-usage, store.ErrQuotaExceeded)
	}
	return nil
}

// pauseUnderMemoryPressure inserts a short pause between pages while heap
// use sits above the configured ceiling.
func (e *Engine) pauseUnderMemoryPressure(ctx context.Context) {
	if e.cfg.MemoryCeilingBytes == 0 || e.cfg.PagePause <= 0 {
		return
	}
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	if stats.HeapAlloc <= e.cfg.MemoryCeilingBytes {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(e.cfg.PagePause):
	}
}
