package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/migrations"
	_ "modernc.org/sqlite"
)

// SQLiteStore represents the SQLite-backed document database of the backend.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLiteStore instance.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openSQLite(dbPath, migrations.ServerDir)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// openSQLite opens dbPath, applies pragmas and runs the migrations in dir.
func openSQLite(dbPath, dir string) (*sql.DB, error) {
	// Ensure parent directory exists
	if d := filepath.Dir(dbPath); d != "." && d != "" {
		if err := os.MkdirAll(d, 0755); err != nil {
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

	if err := RunMigrations(db, dir); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
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

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetDocument returns the payload stored under key.
func (s *SQLiteStore) GetDocument(ctx context.Context, key string) (json.RawMessage, error) {
	return getDocument(ctx, s.db, key)
}

// ListDocuments returns every document of a collection keyed by document key.
func (s *SQLiteStore) ListDocuments(ctx context.Context, collection string) (map[string]json.RawMessage, error) {
	return listDocuments(ctx, s.db, collection)
}

func getDocument(ctx context.Context, q queryer, key string) (json.RawMessage, error) {
	var payload string
	err := q.QueryRowContext(ctx, `SELECT payload FROM documents WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return json.RawMessage(payload), nil
}

func listDocuments(ctx context.Context, q queryer, collection string) (map[string]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, payload FROM documents WHERE collection = ? ORDER BY key
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs[key] = json.RawMessage(payload)
	}
	return docs, rows.Err()
}

// ExecuteInTx runs fn inside a database transaction. All document writes and
// their change log entries commit together. Returns the highest sequence
// written, or the current latest sequence when fn wrote nothing.
func (s *SQLiteStore) ExecuteInTx(ctx context.Context, origin Origin, fn func(tx DocumentTx) error) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	dtx := &sqlDocumentTx{tx: tx, origin: origin}
	if err := fn(dtx); err != nil {
		return 0, err
	}

	seq := dtx.lastSeq
	if dtx.changes == 0 {
		if seq, err = latestSequence(ctx, tx); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return seq, nil
}

// GetStats returns aggregate store statistics
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, COUNT(*) FROM documents GROUP BY collection
	`)
	if err != nil {
		return nil, fmt.Errorf("query collection stats: %w", err)
	}
	defer rows.Close()

	stats := &Stats{CollectionStats: make(map[string]int64)}
	for rows.Next() {
		var collection string
		var count int64
		if err := rows.Scan(&collection, &count); err != nil {
			return nil, fmt.Errorf("scan collection stats: %w", err)
		}
		stats.CollectionStats[collection] = count
		stats.DocumentCount += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection stats: %w", err)
	}

	if stats.LatestSequence, err = s.GetLatestSequence(ctx); err != nil {
		return nil, err
	}
	return stats, nil
}

// splitDocumentKey validates a document key and returns its collection and ID.
func splitDocumentKey(key string) (string, string, error) {
	collection, id, ok := types.SplitKey(key)
	if !ok || id == "" || strings.ContainsAny(key, " \t\n\x00") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return collection, id, nil
}
