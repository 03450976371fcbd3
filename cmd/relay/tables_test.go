package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

func TestCollectTables_CountsAndWatermarks(t *testing.T) {
	// Given: One table with two cached rows and a watermark, one untouched
	db := newStatusDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	syncedAt := now.Add(-time.Minute).Truncate(time.Second)

	for _, key := range []string{"n1", "n2"} {
		row := &types.Row{
			Table: "notes", Key: key, Payload: json.RawMessage(`{}`),
			LastAccessedAt: now, LastModifiedAt: now, FetchedAt: now,
		}
		if err := db.PutRow(ctx, row); err != nil {
			t.Fatalf("seed row: %v", err)
		}
	}
	if err := db.SetTableSyncState(ctx, &types.TableSyncState{
		Table:        "notes",
		LastSyncedAt: syncedAt,
	}); err != nil {
		t.Fatalf("seed sync state: %v", err)
	}

	// When: We collect the table listing
	reports, err := collectTables(ctx, db, []string{"notes", "tags"})
	if err != nil {
		t.Fatalf("collect tables failed: %v", err)
	}

	// Then: Counts and watermarks line up per table
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].Table != "notes" || reports[0].Rows != 2 {
		t.Errorf("unexpected notes report: %+v", reports[0])
	}
	if !reports[0].LastSyncedAt.Equal(syncedAt) {
		t.Errorf("expected watermark %v, got %v", syncedAt, reports[0].LastSyncedAt)
	}
	if reports[1].Table != "tags" || reports[1].Rows != 0 || !reports[1].LastSyncedAt.IsZero() {
		t.Errorf("unexpected tags report: %+v", reports[1])
	}
}

func TestPrintTablesTable_Renders(t *testing.T) {
	reports := []tableReport{
		{Table: "notes", Rows: 42},
		{Table: "tags"},
	}

	var buf bytes.Buffer
	if err := printTablesTable(&buf, reports); err != nil {
		t.Fatalf("print failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"TABLE", "notes", "42", "tags", "never"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
