// Package remote talks to the authoritative server-side store: paginated row
// reads, batched mutation uploads, a change-feed subscription, and a
// connectivity probe.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

// ErrUnavailable indicates the remote store could not be reached or returned
// a transient failure after retries were exhausted.
var ErrUnavailable = errors.New("remote store unavailable")

// ErrUnauthorized indicates the API key was rejected.
var ErrUnauthorized = errors.New("remote store rejected credentials")

// Page is one slice of a paginated table read.
type Page struct {
	Rows []types.RemoteRow `json:"rows"`

	// Total is the full result count for the query, independent of paging.
	Total int64 `json:"total"`
}

// Store is the remote side of replication. Implementations must be safe for
// concurrent use; the syncer fetches tables in sequence but the change feed
// runs alongside uploads.
type Store interface {
	// Count returns how many rows in table changed after the watermark.
	// A zero watermark counts the whole table.
	Count(ctx context.Context, table string, updatedAfter time.Time) (int64, error)

	// Fetch returns one page of rows changed after the watermark, ordered by
	// update time then key so pagination is stable.
	Fetch(ctx context.Context, table string, updatedAfter time.Time, offset, limit int) (*Page, error)

	// Upload sends a batch of mutations in causal order. The batch id makes
	// re-sends idempotent: the server skips mutations it already applied and
	// acks them with their recorded version. Acks come back in batch order.
	Upload(ctx context.Context, batchID string, mutations []types.Mutation) ([]types.UploadAck, error)

	// Subscribe streams change events for the given tables until ctx is
	// cancelled or the connection drops. The handler is called sequentially.
	Subscribe(ctx context.Context, tables []string, handler func(types.ChangeEvent)) error

	// Ping probes connectivity.
	Ping(ctx context.Context) error
}
