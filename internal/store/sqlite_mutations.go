package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/relay/internal/types"
)

const mutationColumns = `id, table_name, op, row_key, payload, depends_on, seq, status,
       retry_count, max_retries, last_error, created_at, last_attempt_at, failed_at`

const insertMutationSQL = `
	INSERT INTO mutation_log (` + mutationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func mutationArgs(m *types.Mutation) ([]any, error) {
	deps, err := json.Marshal(m.DependsOn)
	if err != nil {
		return nil, fmt.Errorf("marshal depends_on: %w", err)
	}
	return []any{
		m.ID, m.Table, string(m.Op), m.Key,
		nullableText(string(m.Payload)),
		string(deps), m.Seq, string(m.Status),
		m.RetryCount, m.MaxRetries, m.LastError,
		m.CreatedAt.UTC().Format(time.RFC3339Nano),
		nullableTime(m.LastAttemptAt),
		nullableTime(m.FailedAt),
	}, nil
}

// scanMutation scans a mutation_log record.
func scanMutation(scanner interface{ Scan(...any) error }) (*types.Mutation, error) {
	var m types.Mutation
	var payload, lastAttemptAt, failedAt sql.NullString
	var deps, createdAt, op, status string

	err := scanner.Scan(
		&m.ID, &m.Table, &op, &m.Key,
		&payload, &deps, &m.Seq, &status,
		&m.RetryCount, &m.MaxRetries, &m.LastError,
		&createdAt, &lastAttemptAt, &failedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Op = types.Operation(op)
	m.Status = types.MutationStatus(status)
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	if err := json.Unmarshal([]byte(deps), &m.DependsOn); err != nil {
		return nil, fmt.Errorf("parse depends_on: %w", err)
	}
	var parseErr error
	if m.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
		slog.Warn("mutation_log: failed to parse created_at", "value", createdAt, "error", parseErr)
	}
	m.LastAttemptAt = parseNullableTime(lastAttemptAt, "last_attempt_at")
	m.FailedAt = parseNullableTime(failedAt, "failed_at")

	return &m, nil
}

// InsertMutation appends a mutation to the durable log.
func (s *SQLiteStore) InsertMutation(ctx context.Context, m *types.Mutation) error {
	args, err := mutationArgs(m)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertMutationSQL, args...); err != nil {
		return fmt.Errorf("insert mutation: %w", err)
	}
	return nil
}

// GetMutation returns the mutation with the given id, or ErrNotFound.
func (s *SQLiteStore) GetMutation(ctx context.Context, id string) (*types.Mutation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mutationColumns+` FROM mutation_log WHERE id = ?
	`, id)

	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mutation: %w", err)
	}
	return m, nil
}

// ListMutations returns all mutations in sequence order, optionally filtered
// to the given statuses.
func (s *SQLiteStore) ListMutations(ctx context.Context, statuses ...types.MutationStatus) ([]types.Mutation, error) {
	query := `SELECT ` + mutationColumns + ` FROM mutation_log`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + repeatPlaceholder(len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	defer rows.Close()

	var result []types.Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mutation: %w", err)
		}
		result = append(result, *m)
	}
	return result, rows.Err()
}

// UpdateMutation persists status and retry bookkeeping for a mutation.
func (s *SQLiteStore) UpdateMutation(ctx context.Context, m *types.Mutation) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE mutation_log
		SET status = ?, retry_count = ?, last_error = ?, last_attempt_at = ?, failed_at = ?
		WHERE id = ?
	`, string(m.Status), m.RetryCount, m.LastError,
		nullableTime(m.LastAttemptAt), nullableTime(m.FailedAt), m.ID)
	if err != nil {
		return fmt.Errorf("update mutation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMutation removes a confirmed mutation from the log.
func (s *SQLiteStore) DeleteMutation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM mutation_log WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("delete mutation: %w", err)
	}
	return nil
}

// MaxMutationSeq returns the highest assigned sequence number, 0 when the
// log is empty. Used to re-seed the in-memory counter after restart.
func (s *SQLiteStore) MaxMutationSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM mutation_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get max mutation seq: %w", err)
	}
	return seq.Int64, nil
}

// CountMutations returns the number of mutations currently in the log.
func (s *SQLiteStore) CountMutations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_log`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mutations: %w", err)
	}
	return count, nil
}

// PurgeFailedBefore removes failed mutations whose failure predates cutoff.
// Returns the number of purged entries.
func (s *SQLiteStore) PurgeFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM mutation_log
		WHERE status = ? AND failed_at IS NOT NULL AND failed_at < ?
	`, string(types.MutationFailed), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge failed mutations: %w", err)
	}
	return result.RowsAffected()
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(v sql.NullString, column string) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		slog.Warn("mutation_log: failed to parse timestamp", "column", column, "value", v.String, "error", err)
		return nil
	}
	return &t
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
