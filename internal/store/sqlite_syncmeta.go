package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/relay/internal/types"
)

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// EnsureSourceID returns the persisted per-device source ID, generating and
// storing one on first use. The source ID is the stable tiebreak identity
// for conflict resolution, so it must never change for a given install.
func (s *SQLiteStore) EnsureSourceID(ctx context.Context) (string, error) {
	id, err := s.GetSyncMeta(ctx, "source_id")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	id = uuid.New().String()
	if err := s.SetSyncMeta(ctx, "source_id", id); err != nil {
		return "", err
	}
	slog.Info("generated source id", "component", "store", "source_id", id)
	return id, nil
}

// GetTableSyncState returns the watermark record for a table. A table that
// has never synced returns a zero-valued state, not an error.
func (s *SQLiteStore) GetTableSyncState(ctx context.Context, table string) (*types.TableSyncState, error) {
	var state types.TableSyncState
	var lastSynced, lastFull string

	err := s.db.QueryRowContext(ctx, `
		SELECT table_name, last_synced_at, last_full_sync_at, cursor
		FROM table_sync_state
		WHERE table_name = ?
	`, table).Scan(&state.Table, &lastSynced, &lastFull, &state.Cursor)

	if errors.Is(err, sql.ErrNoRows) {
		return &types.TableSyncState{Table: table}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get table sync state: %w", err)
	}

	state.LastSyncedAt = parseWatermark(lastSynced, "last_synced_at")
	state.LastFullSyncAt = parseWatermark(lastFull, "last_full_sync_at")
	return &state, nil
}

// SetTableSyncState upserts the watermark record for a table.
func (s *SQLiteStore) SetTableSyncState(ctx context.Context, state *types.TableSyncState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO table_sync_state (table_name, last_synced_at, last_full_sync_at, cursor)
		VALUES (?, ?, ?, ?)
	`, state.Table,
		formatWatermark(state.LastSyncedAt),
		formatWatermark(state.LastFullSyncAt),
		state.Cursor)
	if err != nil {
		return fmt.Errorf("set table sync state: %w", err)
	}
	return nil
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseWatermark(v, column string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		slog.Warn("table_sync_state: failed to parse timestamp", "column", column, "value", v, "error", err)
		return time.Time{}
	}
	return t
}
