package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/relay/internal/broadcast"
	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/replication"
	"github.com/hyperengineering/relay/internal/rowstore"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/syncer"
	"github.com/hyperengineering/relay/internal/types"
)

// centralServer is an in-memory stand-in for the remote store's HTTP API.
// It resolves uploaded mutations last-write-wins and assigns server
// versions, which is all the engine observes of the real service.
type centralServer struct {
	mu     sync.Mutex
	tables map[string]map[string]types.RemoteRow
	clock  int64

	// batches caches acks per batch ID so a re-sent batch is answered
	// without applying the mutations twice.
	batches map[string][]types.UploadAck

	srv *httptest.Server
}

func newCentralServer(t *testing.T) *centralServer {
	t.Helper()
	c := &centralServer{
		tables:  make(map[string]map[string]types.RemoteRow),
		batches: make(map[string][]types.UploadAck),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /api/v1/tables/{table}/count", c.handleCount)
	mux.HandleFunc("GET /api/v1/tables/{table}/rows", c.handleRows)
	mux.HandleFunc("POST /api/v1/mutations", c.handleMutations)
	mux.HandleFunc("GET /api/v1/changes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		<-r.Context().Done()
	})

	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	return c
}

// seed installs a server-side row directly, as if another client synced it.
func (c *centralServer) seed(table, key string, payload json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	if c.tables[table] == nil {
		c.tables[table] = make(map[string]types.RemoteRow)
	}
	c.tables[table][key] = types.RemoteRow{
		Key:       key,
		Payload:   payload,
		Version:   types.Version{Millis: c.clock, Origin: "server"},
		UpdatedAt: time.Now(),
	}
}

func (c *centralServer) row(table, key string) (types.RemoteRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.tables[table][key]
	return row, ok
}

func (c *centralServer) changedSince(table string, after time.Time) []types.RemoteRow {
	var rows []types.RemoteRow
	for _, row := range c.tables[table] {
		if after.IsZero() || row.UpdatedAt.After(after) {
			rows = append(rows, row)
		}
	}
	return rows
}

func (c *centralServer) handleCount(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	after := parseUpdatedAfter(r)
	rows := c.changedSince(r.PathValue("table"), after)
	json.NewEncoder(w).Encode(map[string]int64{"count": int64(len(rows))})
}

func (c *centralServer) handleRows(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	after := parseUpdatedAfter(r)
	rows := c.changedSince(r.PathValue("table"), after)

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	total := int64(len(rows))
	if offset > len(rows) {
		offset = len(rows)
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	json.NewEncoder(w).Encode(map[string]any{
		"rows":  rows[offset:end],
		"total": total,
	})
}

func (c *centralServer) handleMutations(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BatchID   string           `json:"batch_id"`
		Mutations []types.Mutation `json:"mutations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.batches[req.BatchID]; ok {
		json.NewEncoder(w).Encode(map[string]any{"acks": cached})
		return
	}

	acks := make([]types.UploadAck, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		c.clock++
		version := types.Version{Millis: c.clock, Origin: "server"}
		if c.tables[m.Table] == nil {
			c.tables[m.Table] = make(map[string]types.RemoteRow)
		}
		c.tables[m.Table][m.Key] = types.RemoteRow{
			Key:       m.Key,
			Payload:   m.Payload,
			Version:   version,
			UpdatedAt: time.Now(),
			Deleted:   m.Op == types.OpDelete,
		}
		acks = append(acks, types.UploadAck{MutationID: m.ID, Version: version})
	}
	c.batches[req.BatchID] = acks

	json.NewEncoder(w).Encode(map[string]any{"acks": acks})
}

func parseUpdatedAfter(r *http.Request) time.Time {
	v := r.URL.Query().Get("updated_after")
	if v == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// device is one in-process engine instance, the moral equivalent of one
// application install.
type device struct {
	name    string
	db      *store.SQLiteStore
	rows    *rowstore.Store
	queue   *queue.Queue
	bus     *replication.Bus
	manager *replication.Manager
}

func newDevice(t *testing.T, name string, central *centralServer, tables ...string) *device {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("create store for %s: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := rowstore.DefaultConfig()
	rows := rowstore.New(db, name, cfg)
	t.Cleanup(rows.Close)
	rows.SetOnline(true)

	bus := replication.NewBus()
	q, err := queue.Open(context.Background(), db, nil, queue.DefaultConfig(), bus.Emit)
	if err != nil {
		t.Fatalf("open queue for %s: %v", name, err)
	}

	rstore := remote.NewHTTPStore(central.srv.URL, "e2e-key")
	engine := syncer.New(rows, db, q, rstore, syncer.DefaultConfig())

	mcfg := replication.DefaultConfig()
	mcfg.Tables = tables
	manager := replication.New(rows, db, q, engine, rstore, broadcast.NewMemory(), bus, mcfg)

	return &device{name: name, db: db, rows: rows, queue: q, bus: bus, manager: manager}
}

func (d *device) mustWrite(t *testing.T, table, key string, payload string) *types.Row {
	t.Helper()
	row, err := d.manager.Write(context.Background(), table, key, json.RawMessage(payload), nil)
	if err != nil {
		t.Fatalf("%s: write %s/%s: %v", d.name, table, key, err)
	}
	return row
}

func (d *device) mustSyncAll(t *testing.T) {
	t.Helper()
	if err := d.manager.SyncAll(context.Background(), false); err != nil {
		t.Fatalf("%s: sync: %v", d.name, err)
	}
}

func (d *device) mustGet(t *testing.T, table, key string) *types.Row {
	t.Helper()
	row, err := d.rows.Get(context.Background(), table, key)
	if err != nil {
		t.Fatalf("%s: get %s/%s: %v", d.name, table, key, err)
	}
	return row
}

func payloadField(t *testing.T, row *types.Row, field string) string {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(row.Payload, &m); err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	return fmt.Sprintf("%v", m[field])
}
