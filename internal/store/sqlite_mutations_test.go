package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

func testMutation(id string, seq int64) *types.Mutation {
	return &types.Mutation{
		ID:         id,
		Table:      "notes",
		Op:         types.OpCreate,
		Key:        "k-" + id,
		Payload:    json.RawMessage(`{"name":"x"}`),
		Seq:        seq,
		Status:     types.MutationPending,
		MaxRetries: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestInsertMutation_RoundTrip(t *testing.T) {
	// Given: A mutation with dependencies
	s := newTestStore(t)
	ctx := context.Background()
	m := testMutation("m2", 2)
	m.DependsOn = []string{"m1"}

	// When: We insert and read it back
	if err := s.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	got, err := s.GetMutation(ctx, "m2")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}

	// Then: Identity, ordering, and dependency data survive
	if got.Table != "notes" || got.Op != types.OpCreate || got.Key != "k-m2" {
		t.Errorf("unexpected mutation: %+v", got)
	}
	if got.Seq != 2 {
		t.Errorf("expected seq 2, got %d", got.Seq)
	}
	if len(got.DependsOn) != 1 || got.DependsOn[0] != "m1" {
		t.Errorf("expected depends_on [m1], got %v", got.DependsOn)
	}
	if got.Status != types.MutationPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
}

func TestInsertMutation_DeleteHasNullPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m := testMutation("m1", 1)
	m.Op = types.OpDelete
	m.Payload = nil

	if err := s.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	got, err := s.GetMutation(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMutation failed: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("expected empty payload for delete, got %s", got.Payload)
	}
}

func TestListMutations_FiltersAndOrders(t *testing.T) {
	// Given: Mutations in mixed states, inserted out of order
	s := newTestStore(t)
	ctx := context.Background()

	m3 := testMutation("m3", 3)
	m1 := testMutation("m1", 1)
	m2 := testMutation("m2", 2)
	m2.Status = types.MutationFailed

	for _, m := range []*types.Mutation{m3, m1, m2} {
		if err := s.InsertMutation(ctx, m); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	// When: We list pending mutations
	pending, err := s.ListMutations(ctx, types.MutationPending)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}

	// Then: Only pending entries return, in sequence order
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	if pending[0].ID != "m1" || pending[1].ID != "m3" {
		t.Errorf("expected [m1 m3], got [%s %s]", pending[0].ID, pending[1].ID)
	}

	// And: An unfiltered list returns everything
	all, err := s.ListMutations(ctx)
	if err != nil {
		t.Fatalf("ListMutations failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 mutations, got %d", len(all))
	}
}

func TestUpdateMutation_PersistsRetryState(t *testing.T) {
	// Given: A pending mutation
	s := newTestStore(t)
	ctx := context.Background()
	m := testMutation("m1", 1)
	if err := s.InsertMutation(ctx, m); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	// When: It fails and we persist the transition
	now := time.Now().UTC()
	m.Status = types.MutationFailed
	m.RetryCount = 3
	m.LastError = "network unreachable"
	m.LastAttemptAt = &now
	m.FailedAt = &now
	if err := s.UpdateMutation(ctx, m); err != nil {
		t.Fatalf("UpdateMutation failed: %v", err)
	}

	// Then: The stored record reflects the failure
	got, _ := s.GetMutation(ctx, "m1")
	if got.Status != types.MutationFailed {
		t.Errorf("expected failed status, got %s", got.Status)
	}
	if got.RetryCount != 3 || got.LastError != "network unreachable" {
		t.Errorf("retry state not persisted: %+v", got)
	}
	if got.FailedAt == nil {
		t.Error("expected failed_at to be set")
	}
}

func TestUpdateMutation_MissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	m := testMutation("ghost", 1)

	err := s.UpdateMutation(context.Background(), m)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteMutation_RemovesConfirmed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.InsertMutation(ctx, testMutation("m1", 1)); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}

	if err := s.DeleteMutation(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMutation failed: %v", err)
	}
	if _, err := s.GetMutation(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMaxMutationSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Empty log reports 0
	seq, err := s.MaxMutationSeq(ctx)
	if err != nil {
		t.Fatalf("MaxMutationSeq failed: %v", err)
	}
	if seq != 0 {
		t.Errorf("expected 0 on empty log, got %d", seq)
	}

	if err := s.InsertMutation(ctx, testMutation("m1", 7)); err != nil {
		t.Fatalf("InsertMutation failed: %v", err)
	}
	seq, _ = s.MaxMutationSeq(ctx)
	if seq != 7 {
		t.Errorf("expected 7, got %d", seq)
	}
}

func TestPurgeFailedBefore_RemovesOnlyStaleFailures(t *testing.T) {
	// Given: One stale failure, one recent failure, one pending mutation
	s := newTestStore(t)
	ctx := context.Background()

	stale := testMutation("m-stale", 1)
	stale.Status = types.MutationFailed
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	stale.FailedAt = &old

	recent := testMutation("m-recent", 2)
	recent.Status = types.MutationFailed
	now := time.Now().UTC()
	recent.FailedAt = &now

	pending := testMutation("m-pending", 3)

	for _, m := range []*types.Mutation{stale, recent, pending} {
		if err := s.InsertMutation(ctx, m); err != nil {
			t.Fatalf("InsertMutation failed: %v", err)
		}
	}

	// When: We purge failures older than the 7-day retention window
	purged, err := s.PurgeFailedBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeFailedBefore failed: %v", err)
	}

	// Then: Only the stale failure is purged
	if purged != 1 {
		t.Errorf("expected 1 purged, got %d", purged)
	}
	if _, err := s.GetMutation(ctx, "m-stale"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stale failure should be purged, got %v", err)
	}
	if _, err := s.GetMutation(ctx, "m-recent"); err != nil {
		t.Errorf("recent failure should survive: %v", err)
	}
	if _, err := s.GetMutation(ctx, "m-pending"); err != nil {
		t.Errorf("pending mutation should survive: %v", err)
	}
}
