package resolver

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hyperengineering/relay/internal/types"
)

func row(key string, version types.Version, payload string) *types.Row {
	return &types.Row{
		Table:   "notes",
		Key:     key,
		Payload: json.RawMessage(payload),
		Version: version,
	}
}

func TestResolveLWW_HigherVersionWins(t *testing.T) {
	// Given: A local row older than the remote row
	local := row("n1", types.Version{Millis: 100, Origin: "dev-a"}, `{"name":"old"}`)
	remote := row("n1", types.Version{Millis: 200, Origin: "dev-b"}, `{"name":"new"}`)

	// When: We resolve
	merged, err := ResolveLWW(local, remote, nil)
	if err != nil {
		t.Fatalf("ResolveLWW failed: %v", err)
	}

	// Then: The remote payload and version win
	if string(merged.Payload) != `{"name":"new"}` {
		t.Errorf("expected remote payload, got %s", merged.Payload)
	}
	if merged.Version.Compare(remote.Version) != 0 {
		t.Errorf("expected remote version, got %+v", merged.Version)
	}
}

func TestResolveLWW_LocalWinKeepsLocalState(t *testing.T) {
	local := row("n1", types.Version{Millis: 200, Origin: "dev-a"}, `{"name":"local"}`)
	local.Dirty = true
	remote := row("n1", types.Version{Millis: 100, Origin: "dev-b"}, `{"name":"remote"}`)

	merged, err := ResolveLWW(local, remote, nil)
	if err != nil {
		t.Fatalf("ResolveLWW failed: %v", err)
	}

	if string(merged.Payload) != `{"name":"local"}` {
		t.Errorf("expected local payload, got %s", merged.Payload)
	}
	if !merged.Dirty {
		t.Error("local win must preserve the dirty flag")
	}
}

func TestResolveLWW_VersionNonDecreasing(t *testing.T) {
	// Convergence invariant: merged.version = max(local, remote)
	local := row("n1", types.Version{Millis: 150, Origin: "dev-a"}, `{}`)
	remote := row("n1", types.Version{Millis: 100, Origin: "dev-b"}, `{}`)

	merged, err := ResolveLWW(local, remote, nil)
	if err != nil {
		t.Fatalf("ResolveLWW failed: %v", err)
	}

	if merged.Version.Compare(local.Version) < 0 || merged.Version.Compare(remote.Version) < 0 {
		t.Errorf("merged version %+v must be >= both inputs", merged.Version)
	}
}

func TestResolveLWW_ExactTieConvergesOnBothDevices(t *testing.T) {
	// Given: Two devices wrote the same key at t=100 with ids dev-a and dev-b
	a := row("n1", types.Version{Millis: 100, Origin: "dev-a"}, `{"v":"a"}`)
	b := row("n1", types.Version{Millis: 100, Origin: "dev-b"}, `{"v":"b"}`)

	// When: Each device resolves with the other side as remote
	onA, err := ResolveLWW(a, b, nil)
	if err != nil {
		t.Fatalf("ResolveLWW on device a failed: %v", err)
	}
	onB, err := ResolveLWW(b, a, nil)
	if err != nil {
		t.Fatalf("ResolveLWW on device b failed: %v", err)
	}

	// Then: Both pick the same winner (lexicographically smaller origin)
	if !bytes.Equal(onA.Payload, onB.Payload) {
		t.Errorf("devices diverged: %s vs %s", onA.Payload, onB.Payload)
	}
	if string(onA.Payload) != `{"v":"a"}` {
		t.Errorf("expected dev-a to win the tie, got %s", onA.Payload)
	}
}

func TestResolveLWW_FieldPassthroughOnRemoteWin(t *testing.T) {
	// Given: A local pending edit to "title" and a remote edit to "body"
	// where the remote version wins overall
	local := row("n1", types.Version{Millis: 100, Origin: "dev-a"},
		`{"title":"local title","body":"old body"}`)
	local.Dirty = true
	remote := row("n1", types.Version{Millis: 200, Origin: "dev-b"},
		`{"title":"old title","body":"remote body"}`)
	localEdits := json.RawMessage(`{"title":"local title"}`)

	// When: We resolve
	merged, err := ResolveLWW(local, remote, localEdits)
	if err != nil {
		t.Fatalf("ResolveLWW failed: %v", err)
	}

	// Then: The remote body wins but the local title edit survives
	var payload map[string]string
	if err := json.Unmarshal(merged.Payload, &payload); err != nil {
		t.Fatalf("failed to parse merged payload: %v", err)
	}
	if payload["title"] != "local title" {
		t.Errorf("local edit clobbered: title = %q", payload["title"])
	}
	if payload["body"] != "remote body" {
		t.Errorf("remote edit lost: body = %q", payload["body"])
	}
	if !merged.Dirty {
		t.Error("row with surviving local edits must stay dirty")
	}
	if merged.Version.Compare(remote.Version) != 0 {
		t.Errorf("expected remote version, got %+v", merged.Version)
	}
}

func TestResolveLWW_NilSides(t *testing.T) {
	r := row("n1", types.Version{Millis: 100, Origin: "dev-a"}, `{"v":1}`)

	merged, err := ResolveLWW(nil, r, nil)
	if err != nil {
		t.Fatalf("ResolveLWW with nil local failed: %v", err)
	}
	if string(merged.Payload) != `{"v":1}` {
		t.Errorf("expected remote copy, got %s", merged.Payload)
	}

	merged, err = ResolveLWW(r, nil, nil)
	if err != nil {
		t.Fatalf("ResolveLWW with nil remote failed: %v", err)
	}
	if string(merged.Payload) != `{"v":1}` {
		t.Errorf("expected local copy, got %s", merged.Payload)
	}

	if _, err := ResolveLWW(nil, nil, nil); err == nil {
		t.Error("expected error when both sides are nil")
	}
}

func TestResolveLWW_NilLocalKeepsPendingEdits(t *testing.T) {
	// Given: No local row (deleted or evicted) but a queued local edit
	remote := row("n1", types.Version{Millis: 200, Origin: "dev-b"},
		`{"title":"remote title","body":"remote body"}`)
	localEdits := json.RawMessage(`{"title":"queued title"}`)

	// When: We resolve
	merged, err := ResolveLWW(nil, remote, localEdits)
	if err != nil {
		t.Fatalf("ResolveLWW failed: %v", err)
	}

	// Then: The queued edit overlays the remote payload and the row stays
	// dirty for the next upload
	var payload map[string]string
	if err := json.Unmarshal(merged.Payload, &payload); err != nil {
		t.Fatalf("failed to parse merged payload: %v", err)
	}
	if payload["title"] != "queued title" {
		t.Errorf("queued edit clobbered: title = %q", payload["title"])
	}
	if payload["body"] != "remote body" {
		t.Errorf("remote field lost: body = %q", payload["body"])
	}
	if !merged.Dirty {
		t.Error("row with surviving local edits must stay dirty")
	}
}

func TestResolveLWW_IdempotentUnderReplay(t *testing.T) {
	// Applying the same remote state twice yields the same final row
	local := row("n1", types.Version{Millis: 100, Origin: "dev-a"}, `{"v":"a"}`)
	remote := row("n1", types.Version{Millis: 200, Origin: "dev-b"}, `{"v":"b"}`)

	once, err := ResolveLWW(local, remote, nil)
	if err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	twice, err := ResolveLWW(once, remote, nil)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}

	if !bytes.Equal(once.Payload, twice.Payload) || once.Version.Compare(twice.Version) != 0 {
		t.Errorf("replay diverged: %s/%+v vs %s/%+v", once.Payload, once.Version, twice.Payload, twice.Version)
	}
}
