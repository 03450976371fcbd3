package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version identifies a row revision. Higher Millis wins; Seq breaks
// same-millisecond ties; Origin breaks exact ties.
type Version struct {
	Millis int64  `json:"millis"`
	Seq    int64  `json:"seq"`
	Origin string `json:"origin"`
}

// Row is a replicated record as served by the engine.
type Row struct {
	Table   string          `json:"table"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Version Version         `json:"version"`
	Dirty   bool            `json:"dirty"`
}

// Health is the engine health snapshot.
type Health struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Online     bool   `json:"online"`
	QueueDepth int64  `json:"queue_depth"`
	Syncing    bool   `json:"syncing"`
}

// TableStatus is one table's sync state.
type TableStatus struct {
	Table     string `json:"table"`
	Phase     string `json:"phase"`
	LastError string `json:"last_error,omitempty"`
}

// SyncStatus is the engine-wide sync snapshot.
type SyncStatus struct {
	Online     bool          `json:"online"`
	InProgress bool          `json:"in_progress"`
	QueueDepth int64         `json:"queue_depth"`
	Tables     []TableStatus `json:"tables"`
}

// FailedMutation is a queued write that exhausted its retries.
type FailedMutation struct {
	ID        string     `json:"id"`
	Table     string     `json:"table"`
	Op        string     `json:"op"`
	Key       string     `json:"key"`
	LastError string     `json:"last_error,omitempty"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// Event is a replication lifecycle notification from the event stream.
type Event struct {
	Kind   string    `json:"kind"`
	Table  string    `json:"table,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Event kinds surfaced on the stream.
const (
	EventSyncQueued    = "sync-queued"
	EventQueueOverflow = "queue-overflow"
	EventSyncComplete  = "sync-complete"
	EventSyncError     = "sync-error"
)

// APIError is a non-2xx response from the engine, decoded from the
// RFC 7807 problem body when one is present.
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("relay: %s (status %d)", e.Detail, e.Status)
	}
	return fmt.Sprintf("relay: %s (status %d)", e.Title, e.Status)
}

// IsNotFound reports whether err is a 404 from the engine.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == 404
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == 409
}
