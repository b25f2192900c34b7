package actions

import (
	"context"
	"fmt"

	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// MergeTransaction merges source into target using the values the user
// picked in the merge draft stored under mergeTransactionID.
//
// Optimistically the target takes the draft's values, while the source
// transaction, its violations and the draft itself disappear. The target
// loses its duplicatedTransaction violation and keeps every other one. A
// rejected merge restores all of them.
func (a *Actions) MergeTransaction(ctx context.Context, mergeTransactionID string, draft types.MergeTransaction, target, source types.Transaction) (string, error) {
	if draft.TargetTransactionID != target.TransactionID || draft.SourceTransactionID != source.TransactionID {
		return "", fmt.Errorf("%s: %w", mergeTransactionID, ErrMergeMismatch)
	}

	params := types.MergeTransactionParams{
		MergeTransactionID:  mergeTransactionID,
		TransactionID:       target.TransactionID,
		SourceTransactionID: source.TransactionID,
		Amount:              draft.Amount,
		Currency:            draft.Currency,
		Merchant:            draft.Merchant,
		Category:            draft.Category,
		Tag:                 draft.Tag,
		Comment:             draft.Description,
		Created:             draft.Created,
		Reimbursable:        draft.Reimbursable,
		Billable:            draft.Billable,
		Receipt:             draft.Receipt,
	}
	if err := invalid(validation.ValidateMergeTransaction(params)); err != nil {
		return "", err
	}

	targetKey := types.Key(types.CollectionTransaction, target.TransactionID)
	sourceKey := types.Key(types.CollectionTransaction, source.TransactionID)

	b := optimistic.NewBuilder(a.c)
	if _, ok := a.c.Get(targetKey); !ok {
		b.Set(targetKey, target)
	}
	b.Merge(targetKey, params.TargetPatch()).
		MarkPending(targetKey, types.PendingUpdate).
		Remove(sourceKey).
		Remove(types.Key(types.CollectionMergeTransaction, mergeTransactionID))

	targetViolationsKey := types.Key(types.CollectionTransactionViolation, target.TransactionID)
	if v, ok := a.violations(target.TransactionID); ok && types.HasViolation(v, types.ViolationDuplicatedTransaction) {
		b.Set(targetViolationsKey, types.WithoutViolation(v, types.ViolationDuplicatedTransaction))
	}
	if _, ok := a.violations(source.TransactionID); ok {
		b.Remove(types.Key(types.CollectionTransactionViolation, source.TransactionID))
	}

	data, err := b.Build()
	if err != nil {
		return "", err
	}
	return a.m.Write(ctx, types.CommandMergeTransaction, params, data)
}
