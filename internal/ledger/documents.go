package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
)

func decodeParams[T any](params json.RawMessage) (T, error) {
	var p T
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}

// load decodes the document under key. A missing document wraps store.ErrNotFound.
func load[T any](ctx context.Context, tx store.DocumentTx, key string) (T, error) {
	var v T
	raw, err := tx.Get(ctx, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// loadOptional is load for documents that may legitimately be missing.
func loadOptional[T any](ctx context.Context, tx store.DocumentTx, key string) (T, bool, error) {
	v, err := load[T](ctx, tx, key)
	if errors.Is(err, store.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	return v, true, nil
}

func put(ctx context.Context, tx store.DocumentTx, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return tx.Put(ctx, key, data)
}

// merge applies patch to the document under key with the client cache's
// merge rules, so both sides converge on the same document. A missing
// document is created from the patch.
func merge(ctx context.Context, tx store.DocumentTx, key string, patch any) error {
	var current any
	raw, err := tx.Get(ctx, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return err
	default:
		current = raw
	}
	merged, err := cache.MergeValues(current, patch)
	if err != nil {
		return fmt.Errorf("merge %s: %w", key, err)
	}
	return put(ctx, tx, key, merged)
}

// deleteIfExists removes key when it is stored.
func deleteIfExists(ctx context.Context, tx store.DocumentTx, key string) error {
	if _, err := tx.Get(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	return tx.Delete(ctx, key)
}

func transactionKey(id string) string {
	return types.Key(types.CollectionTransaction, id)
}

func reportKey(id string) string {
	return types.Key(types.CollectionReport, id)
}

func violationsKey(id string) string {
	return types.Key(types.CollectionTransactionViolation, id)
}

// loadOutstandingReport loads reportID and fails with ErrConflict when it no
// longer accepts changes.
func loadOutstandingReport(ctx context.Context, tx store.DocumentTx, reportID string) (types.Report, error) {
	r, err := load[types.Report](ctx, tx, reportKey(reportID))
	if err != nil {
		return r, err
	}
	if !r.IsOutstanding() {
		return r, fmt.Errorf("report %s is %s: %w", reportID, r.Status, ErrConflict)
	}
	return r, nil
}

func response(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}
