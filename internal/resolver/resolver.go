// Package resolver implements deterministic last-writer-wins merging of
// local and remote row versions. Both sides of any device pair converge on
// the same winner without communication: the comparison is millisecond
// timestamp, then sub-millisecond sequence, then stable origin identifier.
//
// Resolution is last-writer-wins at row/field granularity. Concurrent edits
// to sub-fields of a structured field are not merged; the winning side's
// value for that field is kept wholesale.
package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/relay/internal/types"
)

// ResolveLWW merges a local row against a remote row and returns the merged
// row. localEdits carries the payload of the local side's pending mutation
// for this key, if any; fields present in it survive a remote win so a local
// edit to one field is not clobbered by a remote edit to another.
//
// The merged version is always max(local.Version, remote.Version).
func ResolveLWW(local *types.Row, remote *types.Row, localEdits json.RawMessage) (*types.Row, error) {
	if local == nil && remote == nil {
		return nil, fmt.Errorf("resolve: both sides nil")
	}
	if local == nil {
		merged := *remote
		// No local row does not mean no local intent: a queued edit for
		// the key still overlays the remote payload.
		if len(localEdits) > 0 {
			payload, err := overlayFields(remote.Payload, localEdits)
			if err != nil {
				return nil, fmt.Errorf("overlay local edits: %w", err)
			}
			merged.Payload = payload
			merged.Dirty = true
		}
		return &merged, nil
	}
	if remote == nil {
		merged := *local
		return &merged, nil
	}

	merged := *local
	cmp := local.Version.Compare(remote.Version)

	if cmp >= 0 {
		// Local wins (or the versions are identical). Local state stands;
		// version stays at the max of the two, which is local's.
		return &merged, nil
	}

	// Remote wins. Take the remote payload, then restore the fields the
	// local pending mutation touched; they will be uploaded on the next
	// pass and must not be lost to an unrelated remote edit.
	merged.Version = remote.Version
	merged.Payload = remote.Payload
	merged.Dirty = false

	if len(localEdits) > 0 {
		payload, err := overlayFields(remote.Payload, localEdits)
		if err != nil {
			return nil, fmt.Errorf("overlay local edits: %w", err)
		}
		merged.Payload = payload
		merged.Dirty = true
	}

	return &merged, nil
}

// overlayFields returns base with every top-level field of overlay applied
// on top. Marshaling a map sorts keys, so the result is byte-deterministic
// for identical inputs on any device.
func overlayFields(base, overlay json.RawMessage) (json.RawMessage, error) {
	var baseFields map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseFields); err != nil {
		return nil, fmt.Errorf("parse base payload: %w", err)
	}
	var overlayFields map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &overlayFields); err != nil {
		return nil, fmt.Errorf("parse overlay payload: %w", err)
	}

	if baseFields == nil {
		baseFields = make(map[string]json.RawMessage, len(overlayFields))
	}
	for k, v := range overlayFields {
		baseFields[k] = v
	}

	out, err := json.Marshal(baseFields)
	if err != nil {
		return nil, fmt.Errorf("marshal merged payload: %w", err)
	}
	return out, nil
}
