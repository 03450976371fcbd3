// Package rowstore implements the per-table local row cache: instant reads
// through an in-memory hot map, durable writes through the SQLite store,
// TTL expiry with offline suppression, hybrid-score eviction, and debounced
// change notifications.
package rowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

// Config tunes cache behavior. The defaults mirror the reference workload
// but every threshold is configuration, not law.
type Config struct {
	// TTL is the lifetime of a fetched row while the device is online.
	// Expiry is suppressed while offline so cached data stays servable.
	TTL time.Duration

	// ProtectionWindow shields recently modified rows from eviction.
	ProtectionWindow time.Duration

	// DebounceWindow batches change notifications so N writes produce one
	// callback.
	DebounceWindow time.Duration

	// FrequencyWeight and RecencyWeight blend access count and recency
	// into the eviction score.
	FrequencyWeight float64
	RecencyWeight   float64

	// QueryTimeout bounds field queries.
	QueryTimeout time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		TTL:              15 * time.Minute,
		ProtectionWindow: 5 * time.Minute,
		DebounceWindow:   100 * time.Millisecond,
		FrequencyWeight:  0.7,
		RecencyWeight:    0.3,
		QueryTimeout:     500 * time.Millisecond,
	}
}

// Store is the local row cache. Reads consult the hot map first and never
// block on sync; writes go through the same atomic store primitives used by
// the sync path, so readers never observe a half-merged row.
type Store struct {
	db       *store.SQLiteStore
	cfg      Config
	sourceID string

	online atomic.Bool
	hot    *xsync.MapOf[string, *types.Row]

	notifier *notifier
}

// New creates a row store over the given SQLite store. sourceID stamps the
// origin component of versions assigned to local writes.
func New(db *store.SQLiteStore, sourceID string, cfg Config) *Store {
	s := &Store{
		db:       db,
		cfg:      cfg,
		sourceID: sourceID,
		hot:      xsync.NewMapOf[string, *types.Row](),
		notifier: newNotifier(cfg.DebounceWindow),
	}
	s.online.Store(true)
	return s
}

// SetOnline records the connectivity state. TTL expiry only applies while
// online.
func (s *Store) SetOnline(online bool) {
	s.online.Store(online)
}

// Online reports the last known connectivity state.
func (s *Store) Online() bool {
	return s.online.Load()
}

// Subscribe registers a debounced change callback for a table. The callback
// runs on the notifier goroutine and must not block.
func (s *Store) Subscribe(table string, fn func(table string)) {
	s.notifier.subscribe(table, fn)
}

// Close stops pending notification timers.
func (s *Store) Close() {
	s.notifier.stop()
}

func hotKey(table, key string) string {
	return table + "\x00" + key
}

// Get returns the row for (table, key). Expired rows are treated as a miss
// while online; while offline they are served unchanged until a sync
// refreshes them.
func (s *Store) Get(ctx context.Context, table, key string) (*types.Row, error) {
	row, ok := s.hot.Load(hotKey(table, key))
	if !ok {
		var err error
		row, err = s.db.GetRow(ctx, table, key)
		if err != nil {
			return nil, err
		}
		s.hot.Store(hotKey(table, key), row)
	}

	if s.expired(row) {
		return nil, fmt.Errorf("row %s/%s expired: %w", table, key, store.ErrNotFound)
	}

	return s.touch(row), nil
}

// expired reports whether a row's TTL has lapsed. Never true while offline.
func (s *Store) expired(row *types.Row) bool {
	if !s.online.Load() || s.cfg.TTL <= 0 {
		return false
	}
	// Dirty rows carry unsynced local writes and are always servable.
	if row.Dirty {
		return false
	}
	return time.Since(row.FetchedAt) > s.cfg.TTL
}

// touch records a read for eviction scoring and returns the caller's copy.
// Rows held in the hot map are never mutated in place; the updated copy
// replaces the shared one, so concurrent readers only ever see a row that is
// fully before or fully after the touch. The durable counter update is
// best-effort; the in-memory copy is authoritative until the next flush.
func (s *Store) touch(row *types.Row) *types.Row {
	now := time.Now().UTC()
	touched := *row
	touched.AccessCount++
	touched.LastAccessedAt = now
	s.hot.Store(hotKey(row.Table, row.Key), &touched)
	go func() {
		if err := s.db.TouchAccess(context.Background(), row.Table, row.Key, now); err != nil {
			slog.Warn("failed to persist access stats",
				"component", "rowstore",
				"table", row.Table,
				"error", err,
			)
		}
	}()
	copied := touched
	return &copied
}

// Set applies a local write: the row becomes dirty, gets a provisional
// version stamped with this device's source ID, and subscribers are
// notified after the debounce window. When expected is non-nil the write is
// optimistic-locked and fails with store.ErrVersionConflict on mismatch.
func (s *Store) Set(ctx context.Context, table, key string, payload json.RawMessage, expected *types.Version) (*types.Row, error) {
	now := time.Now().UTC()
	row := &types.Row{
		Table:          table,
		Key:            key,
		Payload:        payload,
		Version:        types.Version{Millis: now.UnixMilli(), Origin: s.sourceID},
		Dirty:          true,
		LastAccessedAt: now,
		LastModifiedAt: now,
		FetchedAt:      now,
	}
	if prev, ok := s.hot.Load(hotKey(table, key)); ok {
		row.AccessCount = prev.AccessCount
		// Keep per-key monotonicity when the clock stalls or steps back.
		if row.Version.Millis <= prev.Version.Millis {
			row.Version.Millis = prev.Version.Millis
			row.Version.Seq = prev.Version.Seq + 1
		}
	}

	var err error
	if expected != nil {
		err = s.db.PutRowVersioned(ctx, row, *expected)
	} else {
		err = s.db.PutRow(ctx, row)
	}
	if err != nil {
		return nil, err
	}

	s.hot.Store(hotKey(table, key), row)
	s.notifier.notify(table)

	copied := *row
	return &copied, nil
}

// ApplyMerged writes a resolver output back to the cache. Used by the sync
// download path; the row keeps whatever dirty state the resolver decided.
func (s *Store) ApplyMerged(ctx context.Context, row *types.Row) error {
	row.FetchedAt = time.Now().UTC()
	if err := s.db.PutRow(ctx, row); err != nil {
		return err
	}
	s.hot.Store(hotKey(row.Table, row.Key), row)
	s.notifier.notify(row.Table)
	return nil
}

// BatchApply writes a page of merged rows atomically and emits a single
// debounced notification for the table.
func (s *Store) BatchApply(ctx context.Context, table string, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range rows {
		rows[i].FetchedAt = now
	}
	if err := s.db.BatchPutRows(ctx, rows); err != nil {
		return err
	}
	for i := range rows {
		row := rows[i]
		s.hot.Store(hotKey(table, row.Key), &row)
	}
	s.notifier.notify(table)
	return nil
}

// Delete removes a row locally. Confirmed remote deletes and local delete
// mutations both land here.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := s.db.DeleteRow(ctx, table, key); err != nil {
		return err
	}
	s.hot.Delete(hotKey(table, key))
	s.notifier.notify(table)
	return nil
}

// Forget drops keys from the hot map without touching the durable store.
// Used after reconciliation removes rows directly in SQLite.
func (s *Store) Forget(table string, keys []string) {
	for _, key := range keys {
		s.hot.Delete(hotKey(table, key))
	}
	if len(keys) > 0 {
		s.notifier.notify(table)
	}
}

// QueryByField returns rows whose payload field equals value, bounded by
// the configured query timeout.
func (s *Store) QueryByField(ctx context.Context, table, field string, value any) ([]types.Row, error) {
	return s.db.QueryByField(ctx, table, field, value, s.cfg.QueryTimeout)
}

// UsageBytes reports the estimated payload bytes held locally.
func (s *Store) UsageBytes(ctx context.Context) (int64, error) {
	return s.db.UsageBytes(ctx)
}

// RowCount reports cached rows for a table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	return s.db.RowCount(ctx, table)
}
