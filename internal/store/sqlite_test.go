package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// newTestStore creates a migrated store in a temp directory.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRow(table, key string, version int64) *types.Row {
	now := time.Now().UTC()
	return &types.Row{
		Table:          table,
		Key:            key,
		Payload:        json.RawMessage(`{"name":"` + key + `"}`),
		Version:        types.Version{Millis: version, Origin: "dev-a"},
		LastAccessedAt: now,
		LastModifiedAt: now,
		FetchedAt:      now,
	}
}

func TestPutRow_RoundTrip(t *testing.T) {
	// Given: A fresh store
	s := newTestStore(t)
	ctx := context.Background()

	// When: We put and get a row
	row := testRow("notes", "n1", 100)
	row.Dirty = true
	row.AccessCount = 3
	if err := s.PutRow(ctx, row); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	got, err := s.GetRow(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("GetRow failed: %v", err)
	}

	// Then: All fields survive
	if got.Key != "n1" || got.Table != "notes" {
		t.Errorf("unexpected identity: %s/%s", got.Table, got.Key)
	}
	if got.Version.Millis != 100 || got.Version.Origin != "dev-a" {
		t.Errorf("unexpected version: %+v", got.Version)
	}
	if !got.Dirty {
		t.Error("expected dirty flag to survive")
	}
	if got.AccessCount != 3 {
		t.Errorf("expected access count 3, got %d", got.AccessCount)
	}
	if string(got.Payload) != `{"name":"n1"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
}

func TestGetRow_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRow(context.Background(), "notes", "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRowVersioned_MatchSucceeds(t *testing.T) {
	// Given: An existing row at version 100
	s := newTestStore(t)
	ctx := context.Background()
	row := testRow("notes", "n1", 100)
	if err := s.PutRow(ctx, row); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	// When: We update expecting version 100
	updated := testRow("notes", "n1", 200)
	err := s.PutRowVersioned(ctx, updated, types.Version{Millis: 100, Origin: "dev-a"})

	// Then: The write succeeds and the version advances
	if err != nil {
		t.Fatalf("PutRowVersioned failed: %v", err)
	}
	got, err := s.GetRow(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("GetRow failed: %v", err)
	}
	if got.Version.Millis != 200 {
		t.Errorf("expected version 200, got %d", got.Version.Millis)
	}
}

func TestPutRowVersioned_MismatchFails(t *testing.T) {
	// Given: An existing row at version 100
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutRow(ctx, testRow("notes", "n1", 100)); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	// When: We update expecting a stale version
	err := s.PutRowVersioned(ctx, testRow("notes", "n1", 200), types.Version{Millis: 50, Origin: "dev-a"})

	// Then: The write fails with ErrVersionConflict and the row is unchanged
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	got, _ := s.GetRow(ctx, "notes", "n1")
	if got.Version.Millis != 100 {
		t.Errorf("row should be unchanged, got version %d", got.Version.Millis)
	}
}

func TestPutRowVersioned_ZeroExpectedRequiresAbsence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Creating a fresh row with zero expected version succeeds
	if err := s.PutRowVersioned(ctx, testRow("notes", "n1", 100), types.Version{}); err != nil {
		t.Fatalf("create with zero expected version failed: %v", err)
	}

	// A second create against the now-existing row conflicts
	err := s.PutRowVersioned(ctx, testRow("notes", "n1", 200), types.Version{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestBatchPutRows_Atomic(t *testing.T) {
	// Given: A batch of rows across two tables
	s := newTestStore(t)
	ctx := context.Background()
	rows := []types.Row{
		*testRow("notes", "n1", 1),
		*testRow("notes", "n2", 2),
		*testRow("tags", "t1", 3),
	}

	// When: We batch write them
	if err := s.BatchPutRows(ctx, rows); err != nil {
		t.Fatalf("BatchPutRows failed: %v", err)
	}

	// Then: Per-table counts reflect the batch
	notes, err := s.RowCount(ctx, "notes")
	if err != nil {
		t.Fatalf("RowCount failed: %v", err)
	}
	if notes != 2 {
		t.Errorf("expected 2 notes rows, got %d", notes)
	}
	tags, _ := s.RowCount(ctx, "tags")
	if tags != 1 {
		t.Errorf("expected 1 tags row, got %d", tags)
	}
}

func TestQueryByField_Matches(t *testing.T) {
	// Given: Rows with distinct field values
	s := newTestStore(t)
	ctx := context.Background()
	r1 := testRow("notes", "n1", 1)
	r1.Payload = json.RawMessage(`{"name":"alpha","folder":"work"}`)
	r2 := testRow("notes", "n2", 2)
	r2.Payload = json.RawMessage(`{"name":"beta","folder":"work"}`)
	r3 := testRow("notes", "n3", 3)
	r3.Payload = json.RawMessage(`{"name":"gamma","folder":"home"}`)
	if err := s.BatchPutRows(ctx, []types.Row{*r1, *r2, *r3}); err != nil {
		t.Fatalf("BatchPutRows failed: %v", err)
	}

	// When: We query by folder
	got, err := s.QueryByField(ctx, "notes", "folder", "work", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("QueryByField failed: %v", err)
	}

	// Then: Only the two matching rows return
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
}

func TestQueryByField_NoMatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutRow(ctx, testRow("notes", "n1", 1)); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	got, err := s.QueryByField(ctx, "notes", "folder", "nope", 500*time.Millisecond)
	if err != nil {
		t.Fatalf("QueryByField failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no rows, got %d", len(got))
	}
}

func TestDeleteRowsNotIn_PreservesDirty(t *testing.T) {
	// Given: Three rows, one dirty
	s := newTestStore(t)
	ctx := context.Background()
	dirty := testRow("notes", "n-dirty", 1)
	dirty.Dirty = true
	if err := s.BatchPutRows(ctx, []types.Row{
		*testRow("notes", "n1", 1), *testRow("notes", "n2", 2), *dirty,
	}); err != nil {
		t.Fatalf("BatchPutRows failed: %v", err)
	}

	// When: Full sync reconciles against a remote set containing only n1
	removed, err := s.DeleteRowsNotIn(ctx, "notes", map[string]struct{}{"n1": {}})
	if err != nil {
		t.Fatalf("DeleteRowsNotIn failed: %v", err)
	}

	// Then: n2 is removed, n1 and the dirty row survive
	if removed != 1 {
		t.Errorf("expected 1 removal, got %d", removed)
	}
	if _, err := s.GetRow(ctx, "notes", "n-dirty"); err != nil {
		t.Errorf("dirty row must survive reconciliation: %v", err)
	}
	if _, err := s.GetRow(ctx, "notes", "n2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected n2 removed, got %v", err)
	}
}

func TestEvictionCandidates_ExcludesDirtyAndRecent(t *testing.T) {
	// Given: A dirty row, a recently modified row, and an old clean row
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	dirty := testRow("notes", "n-dirty", 1)
	dirty.Dirty = true
	dirty.LastModifiedAt = old

	recent := testRow("notes", "n-recent", 2)

	clean := testRow("notes", "n-clean", 3)
	clean.LastModifiedAt = old

	if err := s.BatchPutRows(ctx, []types.Row{*dirty, *recent, *clean}); err != nil {
		t.Fatalf("BatchPutRows failed: %v", err)
	}

	// When: We ask for candidates older than the 5-minute protection window
	got, err := s.EvictionCandidates(ctx, time.Now().UTC().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("EvictionCandidates failed: %v", err)
	}

	// Then: Only the old clean row qualifies
	if len(got) != 1 || got[0].Key != "n-clean" {
		t.Fatalf("expected only n-clean, got %+v", got)
	}
}

func TestTouchAccess_IncrementsCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.PutRow(ctx, testRow("notes", "n1", 1)); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	at := time.Now().UTC()
	if err := s.TouchAccess(ctx, "notes", "n1", at); err != nil {
		t.Fatalf("TouchAccess failed: %v", err)
	}
	if err := s.TouchAccess(ctx, "notes", "n1", at); err != nil {
		t.Fatalf("TouchAccess failed: %v", err)
	}

	got, _ := s.GetRow(ctx, "notes", "n1")
	if got.AccessCount != 2 {
		t.Errorf("expected access count 2, got %d", got.AccessCount)
	}
}

func TestUsageBytes_SumsPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.UsageBytes(ctx)
	if err != nil {
		t.Fatalf("UsageBytes failed: %v", err)
	}
	if empty != 0 {
		t.Errorf("expected 0 bytes on empty store, got %d", empty)
	}

	if err := s.PutRow(ctx, testRow("notes", "n1", 1)); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}
	used, _ := s.UsageBytes(ctx)
	if used <= 0 {
		t.Errorf("expected positive usage, got %d", used)
	}
}

func TestSchemaVersion_FreshStoreMatches(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetSyncMeta(context.Background(), "schema_version")
	if err != nil {
		t.Fatalf("GetSyncMeta failed: %v", err)
	}
	if v != SchemaVersion {
		t.Errorf("expected schema version %q, got %q", SchemaVersion, v)
	}
}
