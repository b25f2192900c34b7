package cache

import (
	"context"
	"encoding/json"
)

// Change is one persisted key mutation.
type Change struct {
	Key     string
	Value   json.RawMessage
	Deleted bool
}

// Persister stores cache contents across restarts. store.LocalStore is the
// SQLite implementation.
type Persister interface {
	LoadAll(ctx context.Context) (map[string]json.RawMessage, error)
	Apply(ctx context.Context, changes []Change) error
}
