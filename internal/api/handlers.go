// Package api exposes the engine to host application processes over a local
// HTTP surface: row reads and writes, field queries, sync control, queue
// inspection with manual retry, and an SSE stream of lifecycle events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/replication"
	"github.com/hyperengineering/relay/internal/rowstore"
	"github.com/hyperengineering/relay/internal/types"
)

// Handler implements the API handlers
type Handler struct {
	manager *replication.Manager
	rows    *rowstore.Store
	queue   *queue.Queue
	apiKey  string
	version string
}

// NewHandler creates a Handler over the assembled engine.
func NewHandler(m *replication.Manager, rows *rowstore.Store, q *queue.Queue, apiKey, version string) *Handler {
	h := &Handler{
		manager: m,
		rows:    rows,
		queue:   q,
		apiKey:  apiKey,
		version: version,
	}
	h.registerMetrics()
	return h
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Online     bool   `json:"online"`
	QueueDepth int64  `json:"queue_depth"`
	Syncing    bool   `json:"syncing"`
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		Online:     h.manager.Online(),
		QueueDepth: depth,
		Syncing:    h.manager.IsSyncInProgress(),
	})
}

// GetRow handles GET /api/v1/tables/{table}/rows/{key}
func (h *Handler) GetRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	row, err := h.rows.Get(r.Context(), table, key)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// writeRequest is the body of a row write.
type writeRequest struct {
	Payload json.RawMessage `json:"payload"`

	// ExpectedVersion enables optimistic locking; omitted means last write
	// wins locally.
	ExpectedVersion *types.Version `json:"expected_version,omitempty"`
}

// PutRow handles PUT /api/v1/tables/{table}/rows/{key}
func (h *Handler) PutRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if len(req.Payload) == 0 {
		WriteProblem(w, r, http.StatusBadRequest, "payload is required")
		return
	}

	row, err := h.manager.Write(r.Context(), table, key, req.Payload, req.ExpectedVersion)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// DeleteRow handles DELETE /api/v1/tables/{table}/rows/{key}
func (h *Handler) DeleteRow(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	key := chi.URLParam(r, "key")

	if err := h.manager.Delete(r.Context(), table, key); err != nil {
		MapStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryRows handles GET /api/v1/tables/{table}/query?field=...&value=...
func (h *Handler) QueryRows(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	field := r.URL.Query().Get("field")
	value := r.URL.Query().Get("value")
	if field == "" {
		WriteProblem(w, r, http.StatusBadRequest, "field parameter is required")
		return
	}

	rows, err := h.rows.QueryByField(r.Context(), table, field, value)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows, "count": len(rows)})
}

// syncRequest is the body of a sync trigger. An empty table means all.
type syncRequest struct {
	Table string `json:"table,omitempty"`
	Full  bool   `json:"full,omitempty"`
}

// TriggerSync handles POST /api/v1/sync. The pass runs in the background;
// completion and failure surface on the event stream.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
			return
		}
	}

	if req.Table != "" {
		found := false
		for _, table := range h.manager.Tables() {
			if table == req.Table {
				found = true
				break
			}
		}
		if !found {
			WriteProblem(w, r, http.StatusNotFound, "Table not registered")
			return
		}
		go h.manager.SyncTable(context.Background(), req.Table, req.Full) //nolint:errcheck
	} else {
		go h.manager.SyncAll(context.Background(), req.Full) //nolint:errcheck
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// SyncStatus handles GET /api/v1/sync/status
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"online":      h.manager.Online(),
		"in_progress": h.manager.IsSyncInProgress(),
		"queue_depth": depth,
		"tables":      h.manager.Status(),
	})
}

// ListFailed handles GET /api/v1/queue, listing mutations awaiting manual
// retry.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := h.queue.Failed(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": failed, "count": len(failed)})
}

// RetryMutation handles POST /api/v1/queue/{id}/retry
func (h *Handler) RetryMutation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.queue.Retry(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

// Events handles GET /api/v1/events, an SSE stream of replication
// lifecycle events until the client disconnects.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteProblem(w, r, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan types.Event, 16)
	unsubscribe := h.manager.Events().Subscribe(func(e types.Event) {
		select {
		case events <- e:
		default: // Slow consumer; drop rather than block the bus.
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body) //nolint:errcheck
}
