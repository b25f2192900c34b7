package actions

import (
	"context"
	"time"

	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// DismissDuplicateViolation keeps every listed transaction: their
// duplicatedTransaction violations are removed and the dismissal is recorded
// on each transaction's comment under actorEmail. Transactions without a
// duplicate violation are left alone.
func (a *Actions) DismissDuplicateViolation(ctx context.Context, transactionIDs []string, actorEmail string) (string, error) {
	params := types.DismissDuplicateViolationParams{
		TransactionIDs: transactionIDs,
		ActorEmail:     actorEmail,
	}
	if err := invalid(validation.ValidateDismissDuplicateViolation(params)); err != nil {
		return "", err
	}

	dismissedAt := a.now().UTC().Format(time.RFC3339)
	b := optimistic.NewBuilder(a.c)
	dismissed := 0
	for _, id := range transactionIDs {
		if _, err := a.transaction(id); err != nil {
			return "", err
		}
		v, ok := a.violations(id)
		if !ok || !types.HasViolation(v, types.ViolationDuplicatedTransaction) {
			continue
		}

		key := types.Key(types.CollectionTransaction, id)
		b.Set(types.Key(types.CollectionTransactionViolation, id),
			types.WithoutViolation(v, types.ViolationDuplicatedTransaction)).
			Merge(key, map[string]any{
				"comment": map[string]any{
					"dismissedViolations": map[string]any{
						types.ViolationDuplicatedTransaction: map[string]any{actorEmail: dismissedAt},
					},
				},
			}).
			MarkPending(key, types.PendingUpdate)
		dismissed++
	}
	if dismissed == 0 {
		return "", ErrNoChange
	}

	data, err := b.Build()
	if err != nil {
		return "", err
	}
	return a.m.Write(ctx, types.CommandDismissDuplicateViolation, params, data)
}
