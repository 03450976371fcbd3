package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/relay/internal/types"
	_ "modernc.org/sqlite"
)

// SchemaVersion is the local schema generation this build understands.
// A mismatch against the persisted sync_meta value triggers a one-time
// rebuild of the local stores.
const SchemaVersion = "2"

// slowQueryThreshold is the duration past which a field query is logged
// as a warning even when it completes within its deadline.
const slowQueryThreshold = 100 * time.Millisecond

// SQLiteStore is the durable backing for the row cache, the mutation log,
// and the sync metadata. All three logical stores share one database file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the local database at dbPath.
// It enables WAL mode, applies pragmas, runs migrations, and verifies the
// schema version, rebuilding the database once if the version is stale.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	s, err := openSQLiteStore(dbPath)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrSchemaVersion) {
		return nil, err
	}

	// Stale schema: discard the local cache and start fresh. Unsynced
	// mutations are recovered from the backup mirror by the queue.
	slog.Warn("local schema version mismatch, rebuilding store",
		"component", "store",
		"path", dbPath,
	)
	if err := removeDatabase(dbPath); err != nil {
		return nil, fmt.Errorf("rebuild store: %w", err)
	}
	return openSQLiteStore(dbPath)
}

func openSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.checkSchemaVersion(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for optimal performance and safety.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

func removeDatabase(dbPath string) error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// checkSchemaVersion compares the persisted schema version against the one
// this build supports.
func (s *SQLiteStore) checkSchemaVersion(ctx context.Context) error {
	stored, err := s.GetSyncMeta(ctx, "schema_version")
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if stored != SchemaVersion {
		return fmt.Errorf("stored %q, supported %q: %w", stored, SchemaVersion, ErrSchemaVersion)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const rowColumns = `table_name, row_key, payload, version_millis, version_seq, version_origin,
       dirty, access_count, last_accessed_at, last_modified_at, fetched_at`

// scanRow scans a single rows record. The payload column is TEXT and the
// driver surfaces it as a string, so it is scanned as one and converted.
func scanRow(scanner interface{ Scan(...any) error }) (*types.Row, error) {
	var row types.Row
	var payload string
	var dirty int
	var accessedAt, modifiedAt, fetchedAt string

	err := scanner.Scan(
		&row.Table,
		&row.Key,
		&payload,
		&row.Version.Millis,
		&row.Version.Seq,
		&row.Version.Origin,
		&dirty,
		&row.AccessCount,
		&accessedAt,
		&modifiedAt,
		&fetchedAt,
	)
	if err != nil {
		return nil, err
	}

	row.Payload = json.RawMessage(payload)
	row.Dirty = dirty != 0
	var parseErr error
	if row.LastAccessedAt, parseErr = time.Parse(time.RFC3339Nano, accessedAt); parseErr != nil {
		slog.Warn("rows: failed to parse last_accessed_at", "value", accessedAt, "error", parseErr)
	}
	if row.LastModifiedAt, parseErr = time.Parse(time.RFC3339Nano, modifiedAt); parseErr != nil {
		slog.Warn("rows: failed to parse last_modified_at", "value", modifiedAt, "error", parseErr)
	}
	if row.FetchedAt, parseErr = time.Parse(time.RFC3339Nano, fetchedAt); parseErr != nil {
		slog.Warn("rows: failed to parse fetched_at", "value", fetchedAt, "error", parseErr)
	}

	return &row, nil
}

// GetRow returns the row for (table, key), or ErrNotFound.
func (s *SQLiteStore) GetRow(ctx context.Context, table, key string) (*types.Row, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM rows
		WHERE table_name = ? AND row_key = ?
	`, table, key)

	r, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}
	return r, nil
}

const upsertRowSQL = `
	INSERT INTO rows (` + rowColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (table_name, row_key) DO UPDATE SET
		payload = excluded.payload,
		version_millis = excluded.version_millis,
		version_seq = excluded.version_seq,
		version_origin = excluded.version_origin,
		dirty = excluded.dirty,
		access_count = excluded.access_count,
		last_accessed_at = excluded.last_accessed_at,
		last_modified_at = excluded.last_modified_at,
		fetched_at = excluded.fetched_at`

func rowArgs(r *types.Row) []any {
	return []any{
		r.Table, r.Key, string(r.Payload),
		r.Version.Millis, r.Version.Seq, r.Version.Origin,
		boolToInt(r.Dirty), r.AccessCount,
		r.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		r.LastModifiedAt.UTC().Format(time.RFC3339Nano),
		r.FetchedAt.UTC().Format(time.RFC3339Nano),
	}
}

// PutRow writes a row unconditionally.
func (s *SQLiteStore) PutRow(ctx context.Context, r *types.Row) error {
	if _, err := s.db.ExecContext(ctx, upsertRowSQL, rowArgs(r)...); err != nil {
		return fmt.Errorf("put row: %w", err)
	}
	return nil
}

// PutRowVersioned writes a row only if the stored version still matches
// expected. The read-compare-write runs inside one transaction; a mismatch
// returns ErrVersionConflict. A zero expected version requires the row to
// not exist yet.
func (s *SQLiteStore) PutRowVersioned(ctx context.Context, r *types.Row, expected types.Version) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current types.Version
	err = tx.QueryRowContext(ctx, `
		SELECT version_millis, version_seq, version_origin
		FROM rows
		WHERE table_name = ? AND row_key = ?
	`, r.Table, r.Key).Scan(&current.Millis, &current.Seq, &current.Origin)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !expected.IsZero() {
			return ErrVersionConflict
		}
	case err != nil:
		return fmt.Errorf("read current version: %w", err)
	default:
		if current.Compare(expected) != 0 {
			return ErrVersionConflict
		}
	}

	if _, err := tx.ExecContext(ctx, upsertRowSQL, rowArgs(r)...); err != nil {
		return fmt.Errorf("put row: %w", err)
	}
	return tx.Commit()
}

// BatchPutRows writes rows atomically in one transaction.
func (s *SQLiteStore) BatchPutRows(ctx context.Context, rows []types.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertRowSQL)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rowArgs(&rows[i])...); err != nil {
			return fmt.Errorf("put row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// DeleteRow removes a row. Missing rows are not an error; a confirmed remote
// delete may race local eviction.
func (s *SQLiteStore) DeleteRow(ctx context.Context, table, key string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM rows WHERE table_name = ? AND row_key = ?
	`, table, key); err != nil {
		return fmt.Errorf("delete row: %w", err)
	}
	return nil
}

// DeleteRowsNotIn removes all rows of a table whose key is absent from keep.
// Used by full sync to reconcile server-side deletions. Dirty rows are
// preserved; their pending mutations have not been confirmed yet.
func (s *SQLiteStore) DeleteRowsNotIn(ctx context.Context, table string, keep map[string]struct{}) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_key FROM rows WHERE table_name = ? AND dirty = 0
	`, table)
	if err != nil {
		return 0, fmt.Errorf("query row keys: %w", err)
	}
	defer rows.Close()

	var doomed []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return 0, fmt.Errorf("scan row key: %w", err)
		}
		if _, ok := keep[key]; !ok {
			doomed = append(doomed, key)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate row keys: %w", err)
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM rows WHERE table_name = ? AND row_key = ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, key := range doomed {
		if _, err := stmt.ExecContext(ctx, table, key); err != nil {
			return 0, fmt.Errorf("delete row %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return int64(len(doomed)), nil
}

// TouchAccess records a read against a row for eviction scoring.
func (s *SQLiteStore) TouchAccess(ctx context.Context, table, key string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE rows
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE table_name = ? AND row_key = ?
	`, at.UTC().Format(time.RFC3339Nano), table, key); err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

// QueryByField returns all rows of a table whose payload field equals value.
// The query runs under the supplied timeout; exceeding it returns
// ErrQueryTimeout. There is no secondary index on payload fields, so this is
// a scan either way; completions slower than 100ms are logged as warnings.
func (s *SQLiteStore) QueryByField(ctx context.Context, table, field string, value any, timeout time.Duration) ([]types.Row, error) {
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	results, err := s.queryByExtract(qctx, table, field, value)
	if err != nil {
		if qctx.Err() != nil {
			return nil, fmt.Errorf("query %s.%s after %s: %w", table, field, time.Since(start), ErrQueryTimeout)
		}
		// json_extract rejects malformed payloads; fall back to scanning
		// and comparing decoded payloads in Go.
		slog.Warn("field query failed, falling back to linear scan",
			"component", "store",
			"table", table,
			"field", field,
			"error", err,
		)
		results, err = s.queryByScan(qctx, table, field, value)
		if err != nil {
			if qctx.Err() != nil {
				return nil, fmt.Errorf("query %s.%s after %s: %w", table, field, time.Since(start), ErrQueryTimeout)
			}
			return nil, err
		}
	}

	if elapsed := time.Since(start); elapsed > slowQueryThreshold {
		slog.Warn("slow field query",
			"component", "store",
			"table", table,
			"field", field,
			"elapsed", elapsed.String(),
			"results", len(results),
		)
	}
	return results, nil
}

func (s *SQLiteStore) queryByExtract(ctx context.Context, table, field string, value any) ([]types.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM rows
		WHERE table_name = ? AND json_extract(payload, ?) = ?
	`, table, "$."+field, value)
	if err != nil {
		return nil, fmt.Errorf("query by field: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

func (s *SQLiteStore) queryByScan(ctx context.Context, table, field string, value any) ([]types.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM rows WHERE table_name = ?
	`, table)
	if err != nil {
		return nil, fmt.Errorf("scan table: %w", err)
	}
	defer rows.Close()

	all, err := collectRows(rows)
	if err != nil {
		return nil, err
	}

	want := fmt.Sprintf("%v", value)
	var matched []types.Row
	for _, r := range all {
		var payload map[string]any
		if err := json.Unmarshal(r.Payload, &payload); err != nil {
			continue
		}
		if got, ok := payload[field]; ok && fmt.Sprintf("%v", got) == want {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func collectRows(rows *sql.Rows) ([]types.Row, error) {
	var result []types.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// EvictionCandidates returns non-dirty rows last modified before cutoff,
// across all tables. Callers score and select from these.
func (s *SQLiteStore) EvictionCandidates(ctx context.Context, cutoff time.Time) ([]types.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+`
		FROM rows
		WHERE dirty = 0 AND last_modified_at < ?
	`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("query eviction candidates: %w", err)
	}
	defer rows.Close()

	return collectRows(rows)
}

// RowCount returns the number of cached rows for a table.
func (s *SQLiteStore) RowCount(ctx context.Context, table string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rows WHERE table_name = ?`, table).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return count, nil
}

// UsageBytes estimates the storage consumed by cached row payloads.
func (s *SQLiteStore) UsageBytes(ctx context.Context) (int64, error) {
	var bytes sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(LENGTH(payload)) FROM rows`).Scan(&bytes)
	if err != nil {
		return 0, fmt.Errorf("estimate usage: %w", err)
	}
	return bytes.Int64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
