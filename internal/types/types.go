package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation identifies the kind of local write captured by a mutation.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// MutationStatus tracks a mutation through its upload lifecycle.
type MutationStatus string

const (
	MutationPending  MutationStatus = "pending"
	MutationSyncing  MutationStatus = "syncing"
	MutationRetrying MutationStatus = "retrying"
	MutationFailed   MutationStatus = "failed"
)

// Version orders concurrent writes to the same row. Millis is the server
// timestamp at millisecond resolution; Seq disambiguates writes within the
// same millisecond; Origin is the stable device identifier used as the final
// tiebreak so two devices resolve the same winner without communication.
type Version struct {
	Millis int64  `json:"millis"`
	Seq    int64  `json:"seq"`
	Origin string `json:"origin"`
}

// Compare returns -1, 0, or 1 ordering v against other.
// Origin comparison is inverted so the lexicographically smaller origin wins
// an exact timestamp tie.
func (v Version) Compare(other Version) int {
	if v.Millis != other.Millis {
		if v.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if v.Seq != other.Seq {
		if v.Seq < other.Seq {
			return -1
		}
		return 1
	}
	if v.Origin != other.Origin {
		if v.Origin > other.Origin {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether the version is unset.
func (v Version) IsZero() bool {
	return v.Millis == 0 && v.Seq == 0 && v.Origin == ""
}

// Row is a replicated row held in a table's local store.
type Row struct {
	Table          string          `json:"table"`
	Key            string          `json:"key"`
	Payload        json.RawMessage `json:"payload"`
	Version        Version         `json:"version"`
	Dirty          bool            `json:"dirty"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
	LastModifiedAt time.Time       `json:"last_modified_at"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Mutation is a pending local write awaiting upload.
type Mutation struct {
	ID            string          `json:"id"`
	Table         string          `json:"table"`
	Op            Operation       `json:"op"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DependsOn     []string        `json:"depends_on,omitempty"`
	Seq           int64           `json:"seq"`
	Status        MutationStatus  `json:"status"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	FailedAt      *time.Time      `json:"failed_at,omitempty"`
}

// Validate checks the (operation, payload) pairing. Create and update carry a
// row payload; delete carries none.
func (m *Mutation) Validate() error {
	if m.Table == "" {
		return fmt.Errorf("mutation %s: missing table", m.ID)
	}
	if m.Key == "" {
		return fmt.Errorf("mutation %s: missing row key", m.ID)
	}
	switch m.Op {
	case OpCreate, OpUpdate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("mutation %s: %s requires a payload", m.ID, m.Op)
		}
	case OpDelete:
		if len(m.Payload) != 0 {
			return fmt.Errorf("mutation %s: delete must not carry a payload", m.ID)
		}
	default:
		return fmt.Errorf("mutation %s: unknown operation %q", m.ID, m.Op)
	}
	return nil
}

// TableSyncState is the per-table watermark record.
type TableSyncState struct {
	Table          string    `json:"table"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	LastFullSyncAt time.Time `json:"last_full_sync_at"`
	Cursor         string    `json:"cursor"`
}

// RemoteRow is a row as returned by the remote store's read API.
type RemoteRow struct {
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	Version   Version         `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// ChangeEvent is a single entry from the remote change feed or the
// cross-context broadcast channel.
type ChangeEvent struct {
	Table   string          `json:"table"`
	Key     string          `json:"key"`
	Op      Operation       `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version Version         `json:"version"`
}

// SyncPhase is the per-table sync state machine position.
type SyncPhase string

const (
	PhaseIdle        SyncPhase = "idle"
	PhaseUploading   SyncPhase = "uploading"
	PhaseDownloading SyncPhase = "downloading"
	PhaseFailed      SyncPhase = "failed"
)

// EventKind names the events emitted by the replication manager.
type EventKind string

const (
	EventSyncQueued    EventKind = "sync-queued"
	EventQueueOverflow EventKind = "queue-overflow"
	EventSyncComplete  EventKind = "sync-complete"
	EventSyncError     EventKind = "sync-error"
)

// Event is a replication lifecycle notification delivered to subscribers.
type Event struct {
	Kind   EventKind `json:"kind"`
	Table  string    `json:"table,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// UploadAck is the per-mutation result of a batch upload.
type UploadAck struct {
	MutationID string  `json:"mutation_id"`
	Version    Version `json:"version"`
	Error      string  `json:"error,omitempty"`
	Retryable  bool    `json:"retryable,omitempty"`
}
