package rowstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/types"
)

func newTestRowStore(t *testing.T, cfg Config) (*Store, *store.SQLiteStore) {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := New(db, "dev-test", cfg)
	t.Cleanup(s.Close)
	return s, db
}

func TestSet_ImmediatelyVisibleToGet(t *testing.T) {
	// Given: A fresh cache
	s, _ := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()

	// When: We set a row locally
	if _, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"name":"x"}`), nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Then: A subsequent get sees it before any network round trip
	got, err := s.Get(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.Payload) != `{"name":"x"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
	if !got.Dirty {
		t.Error("local write must mark the row dirty")
	}
	if got.Version.Origin != "dev-test" {
		t.Errorf("expected provisional version stamped with source id, got %+v", got.Version)
	}
}

func TestSet_VersionMonotonicPerKey(t *testing.T) {
	// Two local writes in the same millisecond must still order
	s, _ := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()

	first, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":1}`), nil)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	second, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":2}`), nil)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if second.Version.Compare(first.Version) <= 0 {
		t.Errorf("version must be monotonic per key: %+v then %+v", first.Version, second.Version)
	}
}

func TestSet_OptimisticLockConflict(t *testing.T) {
	s, _ := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()

	created, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":1}`), nil)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A write expecting the current version succeeds
	if _, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":2}`), &created.Version); err != nil {
		t.Fatalf("expected-version Set failed: %v", err)
	}

	// A write expecting the stale version fails
	_, err = s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":3}`), &created.Version)
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestGet_TTLExpiryOnline(t *testing.T) {
	// Given: A clean fetched row with a short TTL
	cfg := DefaultConfig()
	cfg.TTL = 30 * time.Millisecond
	s, _ := newTestRowStore(t, cfg)
	ctx := context.Background()

	row := &types.Row{
		Table:          "notes",
		Key:            "n1",
		Payload:        json.RawMessage(`{"v":1}`),
		Version:        types.Version{Millis: 100, Origin: "server"},
		LastAccessedAt: time.Now().UTC(),
		LastModifiedAt: time.Now().UTC(),
	}
	if err := s.ApplyMerged(ctx, row); err != nil {
		t.Fatalf("ApplyMerged failed: %v", err)
	}

	// When: The TTL lapses while online
	time.Sleep(50 * time.Millisecond)

	// Then: The row reads as a miss
	_, err := s.Get(ctx, "notes", "n1")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expired row to miss, got %v", err)
	}
}

func TestGet_TTLSuppressedOffline(t *testing.T) {
	// Given: A cached row whose TTL has long expired while offline
	cfg := DefaultConfig()
	cfg.TTL = 30 * time.Millisecond
	s, _ := newTestRowStore(t, cfg)
	ctx := context.Background()

	row := &types.Row{
		Table:          "notes",
		Key:            "n1",
		Payload:        json.RawMessage(`{"v":1}`),
		Version:        types.Version{Millis: 100, Origin: "server"},
		LastAccessedAt: time.Now().UTC(),
		LastModifiedAt: time.Now().UTC(),
	}
	if err := s.ApplyMerged(ctx, row); err != nil {
		t.Fatalf("ApplyMerged failed: %v", err)
	}

	s.SetOnline(false)
	time.Sleep(50 * time.Millisecond)

	// Then: The row is still served unchanged
	got, err := s.Get(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("offline Get failed: %v", err)
	}
	if string(got.Payload) != `{"v":1}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}

	// And: Back online, expiry applies again
	s.SetOnline(true)
	if _, err := s.Get(ctx, "notes", "n1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected expiry to resume online, got %v", err)
	}
}

func TestGet_ConcurrentReadsOfOneKey(t *testing.T) {
	// Readers share the hot map entry; a read also bumps the access stats,
	// and neither side may observe the other mid-update.
	s, _ := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()

	if _, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"name":"x"}`), nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				got, err := s.Get(ctx, "notes", "n1")
				if err != nil {
					t.Errorf("Get failed: %v", err)
					return
				}
				if string(got.Payload) != `{"name":"x"}` {
					t.Errorf("unexpected payload: %s", got.Payload)
					return
				}
			}
		}()
	}
	wg.Wait()

	// Access stats still advanced through the reads.
	got, err := s.Get(ctx, "notes", "n1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AccessCount < 2 {
		t.Errorf("expected access count to advance, got %d", got.AccessCount)
	}
}

func TestNotifications_Debounced(t *testing.T) {
	// Given: A subscriber and a burst of writes
	cfg := DefaultConfig()
	cfg.DebounceWindow = 50 * time.Millisecond
	s, _ := newTestRowStore(t, cfg)
	ctx := context.Background()

	var fired atomic.Int64
	s.Subscribe("notes", func(table string) {
		fired.Add(1)
	})

	// When: Five writes land within the debounce window
	for i := 0; i < 5; i++ {
		if _, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{"v":1}`), nil); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	// Then: Exactly one notification fires
	time.Sleep(150 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("expected 1 debounced notification, got %d", got)
	}
}

func TestNotifications_PerTable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 20 * time.Millisecond
	s, _ := newTestRowStore(t, cfg)
	ctx := context.Background()

	var notes, tags atomic.Int64
	s.Subscribe("notes", func(string) { notes.Add(1) })
	s.Subscribe("tags", func(string) { tags.Add(1) })

	if _, err := s.Set(ctx, "notes", "n1", json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if notes.Load() != 1 {
		t.Errorf("expected notes notification, got %d", notes.Load())
	}
	if tags.Load() != 0 {
		t.Errorf("expected no tags notification, got %d", tags.Load())
	}
}

func TestEvictUnder_SkipsProtectedRows(t *testing.T) {
	// Given: 10 rows; 3 dirty, 2 modified a minute ago, 5 clean and old
	s, db := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-time.Hour)
	payload := json.RawMessage(`{"data":"0123456789"}`) // 21 bytes each

	put := func(key string, dirty bool, modified time.Time) {
		row := &types.Row{
			Table:          "notes",
			Key:            key,
			Payload:        payload,
			Dirty:          dirty,
			LastAccessedAt: modified,
			LastModifiedAt: modified,
			FetchedAt:      modified,
		}
		if err := db.PutRow(ctx, row); err != nil {
			t.Fatalf("PutRow failed: %v", err)
		}
	}

	put("dirty-1", true, old)
	put("dirty-2", true, old)
	put("dirty-3", true, old)
	put("recent-1", false, now.Add(-time.Minute))
	put("recent-2", false, now.Add(-time.Minute))
	for _, key := range []string{"clean-1", "clean-2", "clean-3", "clean-4", "clean-5"} {
		put(key, false, old)
	}

	// When: We request enough eviction that all 5 eligible rows must go
	usage, err := db.UsageBytes(ctx)
	if err != nil {
		t.Fatalf("UsageBytes failed: %v", err)
	}
	target := usage - 5*int64(len(payload))
	evicted, freed, err := s.EvictUnder(ctx, target)
	if err != nil {
		t.Fatalf("EvictUnder failed: %v", err)
	}

	// Then: Exactly the 5 eligible rows were evicted
	if evicted != 5 {
		t.Errorf("expected 5 evictions, got %d", evicted)
	}
	if freed != 5*int64(len(payload)) {
		t.Errorf("expected %d bytes freed, got %d", 5*len(payload), freed)
	}
	for _, key := range []string{"dirty-1", "dirty-2", "dirty-3", "recent-1", "recent-2"} {
		if _, err := db.GetRow(ctx, "notes", key); err != nil {
			t.Errorf("protected row %s was evicted: %v", key, err)
		}
	}
	for _, key := range []string{"clean-1", "clean-2", "clean-3", "clean-4", "clean-5"} {
		if _, err := db.GetRow(ctx, "notes", key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("eligible row %s should be evicted, got %v", key, err)
		}
	}
}

func TestEvictUnder_LowestScoreFirst(t *testing.T) {
	// Given: Two old clean rows, one accessed far more than the other
	s, db := newTestRowStore(t, DefaultConfig())
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	payload := json.RawMessage(`{"data":"0123456789"}`)

	hotRow := &types.Row{
		Table: "notes", Key: "hot", Payload: payload,
		AccessCount: 100, LastAccessedAt: old, LastModifiedAt: old, FetchedAt: old,
	}
	coldRow := &types.Row{
		Table: "notes", Key: "cold", Payload: payload,
		AccessCount: 1, LastAccessedAt: old, LastModifiedAt: old, FetchedAt: old,
	}
	if err := db.PutRow(ctx, hotRow); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}
	if err := db.PutRow(ctx, coldRow); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	// When: We evict just one row's worth
	usage, _ := db.UsageBytes(ctx)
	evicted, _, err := s.EvictUnder(ctx, usage-int64(len(payload)))
	if err != nil {
		t.Fatalf("EvictUnder failed: %v", err)
	}

	// Then: The rarely accessed row goes first
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, err := db.GetRow(ctx, "notes", "hot"); err != nil {
		t.Errorf("frequently accessed row should survive: %v", err)
	}
	if _, err := db.GetRow(ctx, "notes", "cold"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cold row should be evicted, got %v", err)
	}
}

func TestEvictUnder_NoopWhenUnderTarget(t *testing.T) {
	s, _ := newTestRowStore(t, DefaultConfig())

	evicted, freed, err := s.EvictUnder(context.Background(), 1<<30)
	if err != nil {
		t.Fatalf("EvictUnder failed: %v", err)
	}
	if evicted != 0 || freed != 0 {
		t.Errorf("expected noop, got evicted=%d freed=%d", evicted, freed)
	}
}
