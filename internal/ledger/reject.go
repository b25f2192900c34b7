package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// RejectMoneyRequest takes an expense off its report and records why.
type RejectMoneyRequest struct {
	Now func() time.Time
}

// RejectMoneyRequestResponse is returned by RejectMoneyRequest.
type RejectMoneyRequestResponse struct {
	ReportActionID string `json:"reportActionID"`
	types.ReportTotals
}

func (RejectMoneyRequest) Name() string { return types.CommandRejectMoneyRequest }

func (RejectMoneyRequest) Validate(params json.RawMessage) error {
	p, err := decodeParams[types.RejectMoneyRequestParams](params)
	if err != nil {
		return err
	}
	p.Reason = strings.TrimSpace(p.Reason)
	if errs := validation.ValidateRejectMoneyRequest(p); len(errs) > 0 {
		return validation.Errors(errs)
	}
	return nil
}

func (c RejectMoneyRequest) Apply(ctx context.Context, tx store.DocumentTx, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[types.RejectMoneyRequestParams](params)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	actionsKey := types.Key(types.CollectionReportAction, p.ReportID)
	existing, _, err := loadOptional[map[string]types.ReportAction](ctx, tx, actionsKey)
	if err != nil {
		return nil, err
	}
	// A replay after the first attempt committed finds its own action.
	if _, done := existing[p.ReportActionID]; done {
		resp := RejectMoneyRequestResponse{ReportActionID: p.ReportActionID}
		report, ok, err := loadOptional[types.Report](ctx, tx, reportKey(p.ReportID))
		if err != nil {
			return nil, err
		}
		if ok {
			resp.Totals = map[string]decimal.Decimal{p.ReportID: report.Total}
		}
		return response(resp)
	}

	t, err := load[types.Transaction](ctx, tx, transactionKey(p.TransactionID))
	if err != nil {
		return nil, err
	}
	if t.ReportID != p.ReportID {
		return nil, fmt.Errorf("transaction %s is not on report %s: %w", p.TransactionID, p.ReportID, ErrConflict)
	}
	report, err := loadOutstandingReport(ctx, tx, p.ReportID)
	if err != nil {
		return nil, err
	}

	if err := merge(ctx, tx, transactionKey(p.TransactionID), map[string]any{"reportID": types.UnreportedReportID}); err != nil {
		return nil, err
	}
	total := report.Total
	if t.Currency == report.Currency {
		total = total.Sub(t.Amount)
		if err := merge(ctx, tx, reportKey(p.ReportID), map[string]any{"total": total}); err != nil {
			return nil, err
		}
	}

	action := types.ReportAction{
		ReportActionID: p.ReportActionID,
		ReportID:       p.ReportID,
		ActionName:     types.ReportActionRejected,
		ActorEmail:     p.ActorEmail,
		Message:        strings.TrimSpace(p.Reason),
		TransactionID:  p.TransactionID,
		Created:        now().UTC(),
	}
	if err := merge(ctx, tx, actionsKey, map[string]any{action.ReportActionID: action}); err != nil {
		return nil, err
	}
	return response(RejectMoneyRequestResponse{
		ReportActionID: p.ReportActionID,
		ReportTotals:   types.ReportTotals{Totals: map[string]decimal.Decimal{p.ReportID: total}},
	})
}
