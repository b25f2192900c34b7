package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tallysync "github.com/hyperengineering/tally/internal/sync"
)

const insertChangeLogSQL = `
	INSERT INTO change_log (key, operation, payload, source_id, request_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

// changeLogArgs returns the SQL arguments for inserting a ChangeLogEntry.
func changeLogArgs(e *tallysync.ChangeLogEntry) []any {
	return []any{
		e.Key, e.Operation,
		nullablePayload(e.Payload), e.SourceID, e.RequestID,
		e.CreatedAt.Format(time.RFC3339Nano),
	}
}

// GetChangeLogAfter returns entries with sequence > afterSeq, up to limit.
func (s *SQLiteStore) GetChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]tallysync.ChangeLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, key, operation, payload, source_id, request_id, created_at, received_at
		FROM change_log
		WHERE sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	entries := make([]tallysync.ChangeLogEntry, 0)
	for rows.Next() {
		var e tallysync.ChangeLogEntry
		var payload sql.NullString
		var createdAt, receivedAt string

		if err := rows.Scan(&e.Sequence, &e.Key, &e.Operation,
			&payload, &e.SourceID, &e.RequestID, &createdAt, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan change log entry: %w", err)
		}

		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		var parseErr error
		if e.CreatedAt, parseErr = time.Parse(time.RFC3339Nano, createdAt); parseErr != nil {
			slog.Warn("change_log: failed to parse created_at", "value", createdAt, "error", parseErr)
		}
		if e.ReceivedAt, parseErr = time.Parse(time.RFC3339Nano, receivedAt); parseErr != nil {
			slog.Warn("change_log: failed to parse received_at", "value", receivedAt, "error", parseErr)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetLatestSequence returns the highest sequence number in the change log.
// Returns 0 if the change log is empty.
func (s *SQLiteStore) GetLatestSequence(ctx context.Context) (int64, error) {
	return latestSequence(ctx, s.db)
}

func latestSequence(ctx context.Context, q queryer) (int64, error) {
	var seq sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(sequence) FROM change_log`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest sequence: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CheckIdempotency checks if a request ID has been processed.
// Returns the cached outcome and true if found and unexpired.
func (s *SQLiteStore) CheckIdempotency(ctx context.Context, requestID string) (*IdempotencyRecord, bool, error) {
	rec := IdempotencyRecord{RequestID: requestID}
	var response, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT command, status, response, expires_at FROM command_idempotency WHERE request_id = ?
	`, requestID).Scan(&rec.Command, &rec.Status, &response, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("check idempotency: %w", err)
	}

	expires, parseErr := time.Parse(time.RFC3339Nano, expiresAt)
	if parseErr != nil {
		slog.Warn("command_idempotency: failed to parse expires_at", "value", expiresAt, "error", parseErr)
	}
	if time.Now().After(expires) {
		return nil, false, nil
	}

	rec.Response = []byte(response)
	return &rec, true, nil
}

// RecordIdempotency caches a command outcome for ttl.
func (s *SQLiteStore) RecordIdempotency(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO command_idempotency (request_id, command, status, response, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.RequestID, rec.Command, rec.Status, string(rec.Response), expiresAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record idempotency: %w", err)
	}
	return nil
}

// CleanExpiredIdempotency removes expired idempotency entries.
// Returns the number of entries removed.
func (s *SQLiteStore) CleanExpiredIdempotency(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM command_idempotency WHERE expires_at < ?
	`, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency: %w", err)
	}
	return result.RowsAffected()
}

// GetSyncMeta retrieves a sync metadata value by key.
func (s *SQLiteStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM sync_meta WHERE key = ?
	`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sync meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get sync meta: %w", err)
	}
	return value, nil
}

// SetSyncMeta sets a sync metadata value.
func (s *SQLiteStore) SetSyncMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set sync meta: %w", err)
	}
	return nil
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
// Returns nil for empty/null payloads, string otherwise.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
