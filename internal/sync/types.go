// Package sync defines the wire format shared by the backend API and its
// clients.
package sync

import (
	"encoding/json"
	"time"
)

// ChangeLogEntry represents a single entry in the change log.
type ChangeLogEntry struct {
	Sequence   int64           `json:"sequence"`
	Key        string          `json:"key"`
	Operation  string          `json:"operation"` // "upsert" or "delete"
	Payload    json.RawMessage `json:"payload,omitempty"`
	SourceID   string          `json:"source_id"`
	RequestID  string          `json:"request_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Operation constants
const (
	OperationUpsert = "upsert"
	OperationDelete = "delete"
)

// Delta pagination limits.
const (
	DefaultDeltaLimit = 500
	MaxDeltaLimit     = 5000
)

// SyncMeta keys
const (
	SyncMetaSchemaVersion = "schema_version"
	LocalMetaLastSequence = "last_sequence"
)

// IdempotencyHeader carries a request's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// SourceHeader identifies the client that issued a command.
const SourceHeader = "X-Source-ID"

// CommandResponse is returned by POST /api/v1/commands/{command} on success.
type CommandResponse struct {
	RequestID      string          `json:"request_id"`
	Command        string          `json:"command"`
	Changes        int             `json:"changes"`
	RemoteSequence int64           `json:"remote_sequence"`
	Result         json.RawMessage `json:"result,omitempty"`
}

// PushRequest seeds or replays documents into the backend.
type PushRequest struct {
	PushID        string           `json:"push_id"`
	SourceID      string           `json:"source_id"`
	SchemaVersion int              `json:"schema_version"`
	Entries       []ChangeLogEntry `json:"entries"`
}

// PushResponse is returned by a successful push.
type PushResponse struct {
	Accepted       int   `json:"accepted"`
	RemoteSequence int64 `json:"remote_sequence"`
}

// PushErrorValidation is the error code for an entry that failed validation.
const PushErrorValidation = "validation_error"

// PushError describes one rejected push entry.
type PushError struct {
	Sequence int64  `json:"sequence"`
	Key      string `json:"key"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// PushErrorResponse is returned with 422 when push entries are invalid.
type PushErrorResponse struct {
	Accepted int         `json:"accepted"`
	Errors   []PushError `json:"errors"`
}

// DeltaRequest holds the parsed query of GET /api/v1/sync/delta.
type DeltaRequest struct {
	After int64
	Limit int
}

// DeltaResponse is a page of the change log.
type DeltaResponse struct {
	Entries        []ChangeLogEntry `json:"entries"`
	LastSequence   int64            `json:"last_sequence"`
	LatestSequence int64            `json:"latest_sequence"`
	HasMore        bool             `json:"has_more"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status         string   `json:"status"`
	Version        string   `json:"version"`
	SchemaVersion  int      `json:"schema_version"`
	DocumentCount  int64    `json:"document_count"`
	LatestSequence int64    `json:"latest_sequence"`
	Commands       []string `json:"commands"`
}
