package store

import (
	"context"
	"encoding/json"
	"time"

	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// Store defines the backend's document storage contract.
type Store interface {
	GetDocument(ctx context.Context, key string) (json.RawMessage, error)
	ListDocuments(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	ExecuteInTx(ctx context.Context, origin Origin, fn func(tx DocumentTx) error) (int64, error)
	GetChangeLogAfter(ctx context.Context, afterSeq int64, limit int) ([]tallysync.ChangeLogEntry, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	CheckIdempotency(ctx context.Context, requestID string) (*IdempotencyRecord, bool, error)
	RecordIdempotency(ctx context.Context, rec IdempotencyRecord, ttl time.Duration) error
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// DocumentTx is the transaction-scoped view used by ledger commands. Every
// Put and Delete is recorded in the change log under the transaction's Origin.
type DocumentTx interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	List(ctx context.Context, collection string) (map[string]json.RawMessage, error)
	Put(ctx context.Context, key string, payload json.RawMessage) error
	Delete(ctx context.Context, key string) error
	// Changes returns how many change log entries the transaction has written.
	Changes() int
}

// Origin identifies who caused a set of changes.
type Origin struct {
	SourceID  string
	RequestID string
}

// IdempotencyRecord is a cached command outcome.
type IdempotencyRecord struct {
	RequestID string
	Command   string
	Status    int
	Response  []byte
}

// Stats holds aggregate store statistics.
type Stats struct {
	DocumentCount   int64            `json:"document_count"`
	CollectionStats map[string]int64 `json:"collection_stats"`
	LatestSequence  int64            `json:"latest_sequence"`
}

// MarshalJSON ensures a nil CollectionStats map marshals as {} not null.
func (s Stats) MarshalJSON() ([]byte, error) {
	if s.CollectionStats == nil {
		s.CollectionStats = map[string]int64{}
	}
	type Alias Stats
	return json.Marshal(Alias(s))
}
