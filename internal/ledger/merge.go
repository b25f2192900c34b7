package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// MergeTransaction folds a source transaction into its target.
type MergeTransaction struct{}

// MergeTransactionResponse is returned by MergeTransaction.
type MergeTransactionResponse struct {
	TransactionID string `json:"transactionID"`
}

func (MergeTransaction) Name() string { return types.CommandMergeTransaction }

func (MergeTransaction) Validate(params json.RawMessage) error {
	p, err := decodeParams[types.MergeTransactionParams](params)
	if err != nil {
		return err
	}
	if errs := validation.ValidateMergeTransaction(p); len(errs) > 0 {
		return validation.Errors(errs)
	}
	return nil
}

func (MergeTransaction) Apply(ctx context.Context, tx store.DocumentTx, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[types.MergeTransactionParams](params)
	if err != nil {
		return nil, err
	}
	if p.TransactionID == p.SourceTransactionID {
		return nil, fmt.Errorf("merge %s into itself: %w", p.TransactionID, ErrConflict)
	}

	if _, err := load[types.Transaction](ctx, tx, transactionKey(p.TransactionID)); err != nil {
		return nil, err
	}
	if _, err := load[types.Transaction](ctx, tx, transactionKey(p.SourceTransactionID)); err != nil {
		return nil, err
	}

	if err := merge(ctx, tx, transactionKey(p.TransactionID), p.TargetPatch()); err != nil {
		return nil, err
	}
	if err := tx.Delete(ctx, transactionKey(p.SourceTransactionID)); err != nil {
		return nil, err
	}
	if err := deleteIfExists(ctx, tx, types.Key(types.CollectionMergeTransaction, p.MergeTransactionID)); err != nil {
		return nil, err
	}

	v, ok, err := loadOptional[[]types.Violation](ctx, tx, violationsKey(p.TransactionID))
	if err != nil {
		return nil, err
	}
	if ok && types.HasViolation(v, types.ViolationDuplicatedTransaction) {
		if err := put(ctx, tx, violationsKey(p.TransactionID), types.WithoutViolation(v, types.ViolationDuplicatedTransaction)); err != nil {
			return nil, err
		}
	}
	if err := deleteIfExists(ctx, tx, violationsKey(p.SourceTransactionID)); err != nil {
		return nil, err
	}

	return response(MergeTransactionResponse{TransactionID: p.TransactionID})
}
