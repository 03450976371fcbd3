// Package replication orchestrates the engine: the table registry, the
// phased sync passes with per-table locking, real-time and cross-context
// invalidation, connectivity tracking, and the event bus the host
// application observes.
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/relay/internal/broadcast"
	"github.com/hyperengineering/relay/internal/queue"
	"github.com/hyperengineering/relay/internal/remote"
	"github.com/hyperengineering/relay/internal/rowstore"
	"github.com/hyperengineering/relay/internal/store"
	"github.com/hyperengineering/relay/internal/syncer"
	"github.com/hyperengineering/relay/internal/types"
	"github.com/hyperengineering/relay/internal/validation"
)

// ErrUnknownTable is returned for operations on an unregistered table.
var ErrUnknownTable = errors.New("table not registered")

// Config tunes the manager.
type Config struct {
	// Tables is the replicated table registry.
	Tables []string

	// MaxConcurrentSyncs bounds parallel per-table downloads.
	MaxConcurrentSyncs int

	// FullSyncInterval forces a full sync per table regardless of
	// incremental activity, to reconcile server-side deletions.
	FullSyncInterval time.Duration

	// PingInterval is the connectivity probe cadence.
	PingInterval time.Duration

	// FeedBackoff is the reconnect delay after the change feed drops.
	FeedBackoff time.Duration
}

// DefaultConfig returns the reference tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSyncs: 2,
		FullSyncInterval:   24 * time.Hour,
		PingInterval:       30 * time.Second,
		FeedBackoff:        5 * time.Second,
	}
}

// tableState is the per-table sync state machine. The mutex enforces at most
// one in-flight pass per table; queued coalesces requests arriving during a
// pass into a single follow-up.
type tableState struct {
	mu     sync.Mutex
	phase  types.SyncPhase
	queued bool
	full   bool
	err    string
}

// TableStatus is a point-in-time view of one table's sync state.
type TableStatus struct {
	Table     string          `json:"table"`
	Phase     types.SyncPhase `json:"phase"`
	LastError string          `json:"last_error,omitempty"`
}

// Manager ties the engine together and is the only entry point the host
// application and the HTTP surface use.
type Manager struct {
	rows   *rowstore.Store
	db     *store.SQLiteStore
	queue  *queue.Queue
	engine *syncer.Engine
	remote remote.Store
	caster broadcast.Broadcaster
	bus    *Bus
	pinger *remote.Pinger
	cfg    Config

	mu     sync.Mutex
	tables map[string]*tableState

	sem chan struct{}
}

// New creates a replication manager over the assembled components. caster
// may be nil when no cross-context channel is configured.
func New(rows *rowstore.Store, db *store.SQLiteStore, q *queue.Queue, engine *syncer.Engine, r remote.Store, caster broadcast.Broadcaster, bus *Bus, cfg Config) *Manager {
	if caster == nil {
		caster = broadcast.NewMemory()
	}
	if cfg.MaxConcurrentSyncs <= 0 {
		cfg.MaxConcurrentSyncs = 1
	}
	m := &Manager{
		rows:   rows,
		db:     db,
		queue:  q,
		engine: engine,
		remote: r,
		caster: caster,
		bus:    bus,
		cfg:    cfg,
		tables: make(map[string]*tableState),
		sem:    make(chan struct{}, cfg.MaxConcurrentSyncs),
	}
	for _, table := range cfg.Tables {
		m.tables[table] = &tableState{phase: types.PhaseIdle}
	}
	m.pinger = remote.NewPinger(r, cfg.PingInterval, m.onConnectivityChange)
	return m
}

// RegisterTable adds a table to the replication registry.
func (m *Manager) RegisterTable(table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		m.tables[table] = &tableState{phase: types.PhaseIdle}
	}
}

// Tables returns the registered tables, sorted.
func (m *Manager) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.tables))
	for table := range m.tables {
		names = append(names, table)
	}
	sort.Strings(names)
	return names
}

// Events returns the lifecycle event bus.
func (m *Manager) Events() *Bus {
	return m.bus
}

// Online reports the last observed connectivity state.
func (m *Manager) Online() bool {
	return m.pinger.Online()
}

// setPhase updates a table's state-machine position under the registry lock
// so status reads are consistent.
func (m *Manager) setPhase(st *tableState, phase types.SyncPhase, errText string) {
	m.mu.Lock()
	st.phase = phase
	st.err = errText
	m.mu.Unlock()
}

func (m *Manager) state(table string) (*tableState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.tables[table]
	if !ok {
		return nil, fmt.Errorf("%q: %w", table, ErrUnknownTable)
	}
	return st, nil
}

// Write applies a local write and queues it for upload. The write is
// immediately visible to local reads; the queued mutation depends on any
// earlier unconfirmed mutation for the same key so uploads replay in order.
func (m *Manager) Write(ctx context.Context, table, key string, payload json.RawMessage, expected *types.Version) (*types.Row, error) {
	if _, err := m.state(table); err != nil {
		return nil, err
	}
	var v validation.Collector
	v.Add(validation.ValidateIdentifier("key", key))
	v.Add(validation.ValidateJSONObject("payload", payload))
	if err := v.Err(); err != nil {
		return nil, err
	}

	op := types.OpUpdate
	if _, err := m.db.GetRow(ctx, table, key); errors.Is(err, store.ErrNotFound) {
		op = types.OpCreate
	} else if err != nil {
		return nil, err
	}

	dependsOn, err := m.latestPending(ctx, table, key)
	if err != nil {
		return nil, err
	}

	row, err := m.rows.Set(ctx, table, key, payload, expected)
	if err != nil {
		return nil, err
	}

	mutation := &types.Mutation{
		Table:     table,
		Op:        op,
		Key:       key,
		Payload:   payload,
		DependsOn: dependsOn,
	}
	if err := m.queue.Enqueue(ctx, mutation); err != nil {
		return nil, fmt.Errorf("queue write %s/%s: %w", table, key, err)
	}

	m.publish(ctx, types.ChangeEvent{
		Table: table, Key: key, Op: op, Payload: payload, Version: row.Version,
	})
	return row, nil
}

// Delete removes a row locally and queues the tombstone for upload.
func (m *Manager) Delete(ctx context.Context, table, key string) error {
	if _, err := m.state(table); err != nil {
		return err
	}
	if verr := validation.ValidateIdentifier("key", key); verr != nil {
		return &validation.InvalidInputError{Fields: []validation.ValidationError{*verr}}
	}

	dependsOn, err := m.latestPending(ctx, table, key)
	if err != nil {
		return err
	}
	if err := m.rows.Delete(ctx, table, key); err != nil {
		return err
	}

	mutation := &types.Mutation{Table: table, Op: types.OpDelete, Key: key, DependsOn: dependsOn}
	if err := m.queue.Enqueue(ctx, mutation); err != nil {
		return fmt.Errorf("queue delete %s/%s: %w", table, key, err)
	}

	m.publish(ctx, types.ChangeEvent{Table: table, Key: key, Op: types.OpDelete})
	return nil
}

// latestPending returns the most recent unconfirmed mutation id for a key,
// as a DependsOn slice.
func (m *Manager) latestPending(ctx context.Context, table, key string) ([]string, error) {
	pending, err := m.db.ListMutations(ctx,
		types.MutationPending, types.MutationSyncing, types.MutationRetrying)
	if err != nil {
		return nil, fmt.Errorf("list pending mutations: %w", err)
	}
	var last string
	for _, p := range pending {
		if p.Table == table && p.Key == key {
			last = p.ID
		}
	}
	if last == "" {
		return nil, nil
	}
	return []string{last}, nil
}

func (m *Manager) publish(ctx context.Context, event types.ChangeEvent) {
	if err := m.caster.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish cross-context change",
			"component", "replication",
			"table", event.Table,
			"error", err,
		)
	}
}

// SyncTable runs one sync pass for a table: upload phase, then download
// phase. A request arriving while a pass is in flight is queued and coalesced
// into a single follow-up pass; the caller is notified via a sync-queued
// event.
func (m *Manager) SyncTable(ctx context.Context, table string, full bool) error {
	st, err := m.state(table)
	if err != nil {
		return err
	}

	if !st.mu.TryLock() {
		m.mu.Lock()
		st.queued = true
		if full {
			st.full = true
		}
		m.mu.Unlock()
		m.bus.Emit(types.Event{Kind: types.EventSyncQueued, Table: table})
		return nil
	}

	err = m.runPass(ctx, table, st, full)

	// Drain queued requests before releasing the table lock. A request can
	// set the flag at any point while the lock is held, including between a
	// read-and-clear and the unlock, so the check must repeat until it comes
	// up empty.
	for {
		m.mu.Lock()
		queued, queuedFull := st.queued, st.full
		st.queued, st.full = false, false
		m.mu.Unlock()
		if !queued {
			break
		}
		if qerr := m.runPass(ctx, table, st, queuedFull); qerr != nil && err == nil {
			err = qerr
		}
	}
	st.mu.Unlock()
	return err
}

// runPass executes one upload-then-download pass with the table lock held.
func (m *Manager) runPass(ctx context.Context, table string, st *tableState, full bool) error {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	m.setPhase(st, types.PhaseUploading, "")
	uploaded, err := m.engine.Upload(ctx)
	if err != nil {
		return m.failPass(table, st, fmt.Errorf("upload: %w", err))
	}

	m.setPhase(st, types.PhaseDownloading, "")
	var result *syncer.Result
	if full || m.forcedFullDue(ctx, table) {
		result, err = m.engine.FullSync(ctx, table)
	} else {
		result, err = m.engine.IncrementalSync(ctx, table)
	}
	if err != nil {
		return m.failPass(table, st, fmt.Errorf("download: %w", err))
	}

	m.setPhase(st, types.PhaseIdle, "")
	m.bus.Emit(types.Event{
		Kind:   types.EventSyncComplete,
		Table:  table,
		Detail: fmt.Sprintf("uploaded %d, downloaded %d", uploaded, result.Downloaded),
	})
	return nil
}

func (m *Manager) failPass(table string, st *tableState, err error) error {
	m.setPhase(st, types.PhaseFailed, err.Error())
	m.bus.Emit(types.Event{Kind: types.EventSyncError, Table: table, Detail: err.Error()})
	return fmt.Errorf("sync %s: %w", table, err)
}

// forcedFullDue reports whether the periodic full sync interval has lapsed
// for a table. Incremental sync cannot observe server-side deletions, so a
// full pass runs on this cadence regardless of incremental activity.
func (m *Manager) forcedFullDue(ctx context.Context, table string) bool {
	if m.cfg.FullSyncInterval <= 0 {
		return false
	}
	state, err := m.db.GetTableSyncState(ctx, table)
	if err != nil {
		return true
	}
	return time.Since(state.LastFullSyncAt) >= m.cfg.FullSyncInterval
}

// SyncAll runs a phased pass over every registered table: the upload phase
// first drains the whole queue, then tables download concurrently within the
// configured limit.
func (m *Manager) SyncAll(ctx context.Context, full bool) error {
	uploaded, err := m.engine.Upload(ctx)
	if err != nil {
		slog.Warn("upload phase failed", "component", "replication", "error", err)
	} else if uploaded > 0 {
		slog.Info("upload phase complete", "component", "replication", "uploaded", uploaded)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(m.Tables()))
	for _, table := range m.Tables() {
		wg.Add(1)
		go func(table string) {
			defer wg.Done()
			if err := m.syncDownload(ctx, table, full); err != nil {
				errs <- err
			}
		}(table)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		return err // first failure; the rest are in the event stream
	}
	return nil
}

// syncDownload runs only the download half for a table, under its lock.
func (m *Manager) syncDownload(ctx context.Context, table string, full bool) error {
	st, err := m.state(table)
	if err != nil {
		return err
	}
	if !st.mu.TryLock() {
		m.mu.Lock()
		st.queued = true
		if full {
			st.full = true
		}
		m.mu.Unlock()
		m.bus.Emit(types.Event{Kind: types.EventSyncQueued, Table: table})
		return nil
	}

	err = m.downloadPass(ctx, table, st, full)

	// Same drain as SyncTable: requests queued while the lock was held must
	// run before it is released.
	for {
		m.mu.Lock()
		queued, queuedFull := st.queued, st.full
		st.queued, st.full = false, false
		m.mu.Unlock()
		if !queued {
			break
		}
		if qerr := m.downloadPass(ctx, table, st, queuedFull); qerr != nil && err == nil {
			err = qerr
		}
	}
	st.mu.Unlock()
	return err
}

// downloadPass executes the download half with the table lock held.
func (m *Manager) downloadPass(ctx context.Context, table string, st *tableState, full bool) error {
	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	m.setPhase(st, types.PhaseDownloading, "")
	var result *syncer.Result
	var err error
	if full || m.forcedFullDue(ctx, table) {
		result, err = m.engine.FullSync(ctx, table)
	} else {
		result, err = m.engine.IncrementalSync(ctx, table)
	}
	if err != nil {
		return m.failPass(table, st, fmt.Errorf("download: %w", err))
	}

	m.setPhase(st, types.PhaseIdle, "")
	m.bus.Emit(types.Event{
		Kind:   types.EventSyncComplete,
		Table:  table,
		Detail: fmt.Sprintf("downloaded %d", result.Downloaded),
	})
	return nil
}

// IsSyncInProgress reports whether any table has a pass in flight.
func (m *Manager) IsSyncInProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.tables {
		if st.phase == types.PhaseUploading || st.phase == types.PhaseDownloading {
			return true
		}
	}
	return false
}

// Status returns the per-table sync state, sorted by table name.
func (m *Manager) Status() []TableStatus {
	tables := m.Tables()
	statuses := make([]TableStatus, 0, len(tables))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, table := range tables {
		st := m.tables[table]
		statuses = append(statuses, TableStatus{Table: table, Phase: st.phase, LastError: st.err})
	}
	return statuses
}

// onConnectivityChange feeds the connectivity signal into TTL suppression
// and, on reconnect, restores the queue from backup and kicks off a sync.
func (m *Manager) onConnectivityChange(online bool) {
	m.rows.SetOnline(online)
	if !online {
		return
	}

	go func() {
		ctx := context.Background()
		if recovered, err := m.queue.Restore(ctx); err != nil {
			slog.Warn("queue restore on reconnect failed", "component", "replication", "error", err)
		} else if recovered > 0 {
			slog.Info("queue restored on reconnect", "component", "replication", "recovered", recovered)
		}
		if err := m.SyncAll(ctx, false); err != nil {
			slog.Warn("reconnect sync failed", "component", "replication", "error", err)
		}
	}()
}

// HandleChange reacts to an invalidation signal, remote or cross-context,
// by scheduling an incremental sync for the affected table.
func (m *Manager) HandleChange(event types.ChangeEvent) {
	go func() {
		if err := m.SyncTable(context.Background(), event.Table, false); err != nil {
			slog.Warn("invalidation sync failed",
				"component", "replication",
				"table", event.Table,
				"error", err,
			)
		}
	}()
}

// Run operates the manager until ctx is cancelled: connectivity probing,
// the remote change feed with reconnect backoff, and the cross-context
// subscription.
func (m *Manager) Run(ctx context.Context) {
	unsubscribe := m.caster.Subscribe(m.HandleChange)
	defer unsubscribe()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.pinger.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		m.runChangeFeed(ctx)
	}()
	wg.Wait()
}

// runChangeFeed keeps the remote subscription alive while online,
// reconnecting with a fixed backoff when the stream drops.
func (m *Manager) runChangeFeed(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.pinger.Online() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.FeedBackoff):
			}
			continue
		}

		err := m.remote.Subscribe(ctx, m.Tables(), m.HandleChange)
		if err != nil && ctx.Err() == nil {
			slog.Warn("change feed dropped, reconnecting",
				"component", "replication",
				"backoff", m.cfg.FeedBackoff,
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.FeedBackoff):
		}
	}
}
