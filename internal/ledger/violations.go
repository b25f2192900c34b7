package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// DismissDuplicateViolation keeps transactions flagged as duplicates.
type DismissDuplicateViolation struct {
	Now func() time.Time
}

// DismissDuplicateViolationResponse is returned by DismissDuplicateViolation.
type DismissDuplicateViolationResponse struct {
	Dismissed []string `json:"dismissed"`
}

func (DismissDuplicateViolation) Name() string { return types.CommandDismissDuplicateViolation }

func (DismissDuplicateViolation) Validate(params json.RawMessage) error {
	p, err := decodeParams[types.DismissDuplicateViolationParams](params)
	if err != nil {
		return err
	}
	if errs := validation.ValidateDismissDuplicateViolation(p); len(errs) > 0 {
		return validation.Errors(errs)
	}
	return nil
}

func (c DismissDuplicateViolation) Apply(ctx context.Context, tx store.DocumentTx, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[types.DismissDuplicateViolationParams](params)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	dismissedAt := now().UTC().Format(time.RFC3339)

	resp := DismissDuplicateViolationResponse{Dismissed: []string{}}
	for _, id := range p.TransactionIDs {
		if _, err := load[types.Transaction](ctx, tx, transactionKey(id)); err != nil {
			return nil, err
		}
		v, ok, err := loadOptional[[]types.Violation](ctx, tx, violationsKey(id))
		if err != nil {
			return nil, err
		}
		if !ok || !types.HasViolation(v, types.ViolationDuplicatedTransaction) {
			continue
		}
		if err := put(ctx, tx, violationsKey(id), types.WithoutViolation(v, types.ViolationDuplicatedTransaction)); err != nil {
			return nil, err
		}
		err = merge(ctx, tx, transactionKey(id), map[string]any{
			"comment": map[string]any{
				"dismissedViolations": map[string]any{
					types.ViolationDuplicatedTransaction: map[string]any{p.ActorEmail: dismissedAt},
				},
			},
		})
		if err != nil {
			return nil, err
		}
		resp.Dismissed = append(resp.Dismissed, id)
	}
	return response(resp)
}
