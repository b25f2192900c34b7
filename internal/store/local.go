package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/migrations"
)

// LocalStore is the client's on-disk state: the persisted cache contents,
// the outgoing request queue and sync bookkeeping.
type LocalStore struct {
	db *sql.DB
}

var _ cache.Persister = (*LocalStore)(nil)

// QueuedRequest is a request waiting in the outgoing queue.
type QueuedRequest struct {
	ID        string
	Command   string
	Params    json.RawMessage
	Data      json.RawMessage
	Keys      []string
	QueuedAt  time.Time
	Attempts  int
	LastError string
}

// NewLocalStore opens (creating if needed) the client database at dbPath.
func NewLocalStore(dbPath string) (*LocalStore, error) {
	db, err := openSQLite(dbPath, migrations.ClientDir)
	if err != nil {
		return nil, err
	}
	return &LocalStore{db: db}, nil
}

// Close closes the database connection
func (s *LocalStore) Close() error {
	return s.db.Close()
}

// LoadAll returns every persisted cache entry.
func (s *LocalStore) LoadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Apply writes a batch of cache changes atomically.
func (s *LocalStore) Apply(ctx context.Context, changes []cache.Change) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, ch := range changes {
		if ch.Deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, ch.Key); err != nil {
				return fmt.Errorf("delete cache entry %s: %w", ch.Key, err)
			}
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO cache_entries (key, value, updated_at) VALUES (?, ?, ?)
		`, ch.Key, string(ch.Value), now)
		if err != nil {
			return fmt.Errorf("write cache entry %s: %w", ch.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// EnqueueRequest appends a request to the outgoing queue.
// Returns ErrQueueConflict if a request with the same ID is already queued.
func (s *LocalStore) EnqueueRequest(ctx context.Context, r QueuedRequest) error {
	keys, err := json.Marshal(r.Keys)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	if r.QueuedAt.IsZero() {
		r.QueuedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_queue (request_id, command, params, data, keys, queued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Command, rawOrNull(r.Params), rawOrNull(r.Data), string(keys),
		r.QueuedAt.Format(time.RFC3339Nano), r.Attempts)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%s: %w", r.ID, ErrQueueConflict)
		}
		return fmt.Errorf("enqueue request: %w", err)
	}
	return nil
}

// PendingRequests returns queued requests in enqueue order.
func (s *LocalStore) PendingRequests(ctx context.Context) ([]QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, command, params, data, keys, queued_at, attempts, last_error
		FROM request_queue
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query request queue: %w", err)
	}
	defer rows.Close()

	requests := make([]QueuedRequest, 0)
	for rows.Next() {
		var r QueuedRequest
		var params, data, keys, queuedAt string
		var lastError sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &params, &data, &keys, &queuedAt, &r.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("scan queued request: %w", err)
		}
		r.Params = json.RawMessage(params)
		r.Data = json.RawMessage(data)
		if err := json.Unmarshal([]byte(keys), &r.Keys); err != nil {
			return nil, fmt.Errorf("decode keys of %s: %w", r.ID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			r.QueuedAt = t
		}
		r.LastError = lastError.String
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// RecordAttempt increments a request's attempt counter before it is sent.
func (s *LocalStore) RecordAttempt(ctx context.Context, requestID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE request_queue SET attempts = attempts + 1 WHERE request_id = ?
	`, requestID)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// UpdateRequestData replaces the optimistic data stored with a queued request.
func (s *LocalStore) UpdateRequestData(ctx context.Context, requestID string, data json.RawMessage) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE request_queue SET data = ? WHERE request_id = ?
	`, rawOrNull(data), requestID)
	if err != nil {
		return fmt.Errorf("update request data: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %s: %w", requestID, ErrNotFound)
	}
	return nil
}

// DeleteRequest removes a resolved request from the queue.
func (s *LocalStore) DeleteRequest(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM request_queue WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// GetMeta returns a local metadata value, or ErrNotFound.
func (s *LocalStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM local_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("local meta key %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get local meta: %w", err)
	}
	return value, nil
}

// SetMeta sets a local metadata value.
func (s *LocalStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO local_meta (key, value) VALUES (?, ?)
	`, key, value)
	if err != nil {
		return fmt.Errorf("set local meta: %w", err)
	}
	return nil
}

func rawOrNull(p json.RawMessage) string {
	if len(p) == 0 {
		return "null"
	}
	return string(p)
}
