package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// sqlDocumentTx implements DocumentTx over a *sql.Tx.
type sqlDocumentTx struct {
	tx      *sql.Tx
	origin  Origin
	changes int
	lastSeq int64
}

func (t *sqlDocumentTx) Get(ctx context.Context, key string) (json.RawMessage, error) {
	return getDocument(ctx, t.tx, key)
}

func (t *sqlDocumentTx) List(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	return listDocuments(ctx, t.tx, collection)
}

// Put inserts or replaces a document. Uses INSERT ... ON CONFLICT so the
// original created_at survives updates.
func (t *sqlDocumentTx) Put(ctx context.Context, key string, payload json.RawMessage) error {
	collection, id, err := splitDocumentKey(key)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%s: %w", key, ErrInvalidPayload)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO documents (key, collection, entity_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, key, collection, id, string(payload), now, now)
	if err != nil {
		return fmt.Errorf("upsert document: %w", err)
	}

	return t.record(ctx, tallysync.ChangeLogEntry{
		Key:       key,
		Operation: tallysync.OperationUpsert,
		Payload:   payload,
	})
}

// Delete hard-deletes a document. Deleting a missing document is not an error
// but is still recorded so clients converge.
func (t *sqlDocumentTx) Delete(ctx context.Context, key string) error {
	if _, _, err := splitDocumentKey(key); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM documents WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return t.record(ctx, tallysync.ChangeLogEntry{
		Key:       key,
		Operation: tallysync.OperationDelete,
	})
}

func (t *sqlDocumentTx) Changes() int {
	return t.changes
}

func (t *sqlDocumentTx) record(ctx context.Context, e tallysync.ChangeLogEntry) error {
	e.SourceID = t.origin.SourceID
	e.RequestID = t.origin.RequestID
	e.CreatedAt = time.Now().UTC()

	result, err := t.tx.ExecContext(ctx, insertChangeLogSQL, changeLogArgs(&e)...)
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("get last insert id: %w", err)
	}
	t.changes++
	t.lastSeq = seq
	return nil
}
