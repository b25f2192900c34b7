package ledger

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// ChangeTransactionsReport moves transactions between reports and keeps the
// report totals in step.
type ChangeTransactionsReport struct{}

// ChangeTransactionsReportResponse is returned by ChangeTransactionsReport.
type ChangeTransactionsReportResponse struct {
	ReportID string   `json:"reportID"`
	Moved    []string `json:"moved"`
	types.ReportTotals
}

func (ChangeTransactionsReport) Name() string { return types.CommandChangeTransactionsReport }

func (ChangeTransactionsReport) Validate(params json.RawMessage) error {
	p, err := decodeParams[types.ChangeTransactionsReportParams](params)
	if err != nil {
		return err
	}
	if errs := validation.ValidateChangeTransactionsReport(p); len(errs) > 0 {
		return validation.Errors(errs)
	}
	return nil
}

func (ChangeTransactionsReport) Apply(ctx context.Context, tx store.DocumentTx, params json.RawMessage) (json.RawMessage, error) {
	p, err := decodeParams[types.ChangeTransactionsReportParams](params)
	if err != nil {
		return nil, err
	}

	if p.ReportID != types.UnreportedReportID {
		if _, err := loadOutstandingReport(ctx, tx, p.ReportID); err != nil {
			return nil, err
		}
	}

	var policy *types.Policy
	if p.PolicyID != "" {
		pol, ok, err := loadOptional[types.Policy](ctx, tx, types.Key(types.CollectionPolicy, p.PolicyID))
		if err != nil {
			return nil, err
		}
		if ok {
			policy = &pol
		}
	}

	totals := newTotals()
	resp := ChangeTransactionsReportResponse{ReportID: p.ReportID, Moved: []string{}}
	for _, id := range p.TransactionIDs {
		t, err := load[types.Transaction](ctx, tx, transactionKey(id))
		if err != nil {
			return nil, err
		}
		// Already there; replaying the command is a no-op.
		if t.ReportID == p.ReportID {
			continue
		}
		if err := totals.add(ctx, tx, t.ReportID, t.Amount.Neg(), t.Currency); err != nil {
			return nil, err
		}
		if err := totals.add(ctx, tx, p.ReportID, t.Amount, t.Currency); err != nil {
			return nil, err
		}
		if err := merge(ctx, tx, transactionKey(id), map[string]any{"reportID": p.ReportID}); err != nil {
			return nil, err
		}
		if policy != nil && policy.RequiresCategory && t.Category == "" {
			if err := addViolation(ctx, tx, id, types.ViolationMissingCategory); err != nil {
				return nil, err
			}
		}
		resp.Moved = append(resp.Moved, id)
	}

	if resp.Totals, err = totals.flush(ctx, tx); err != nil {
		return nil, err
	}
	return response(resp)
}

// totals accumulates report total adjustments within one command.
type totals struct {
	reports map[string]*types.Report
	deltas  map[string]decimal.Decimal
	order   []string
}

func newTotals() *totals {
	return &totals{
		reports: make(map[string]*types.Report),
		deltas:  make(map[string]decimal.Decimal),
	}
}

// add records amount against reportID when the report exists and is kept in
// the same currency. Unreported and unknown reports are ignored.
func (t *totals) add(ctx context.Context, tx store.DocumentTx, reportID string, amount decimal.Decimal, currency string) error {
	if reportID == "" || reportID == types.UnreportedReportID {
		return nil
	}
	r, seen := t.reports[reportID]
	if !seen {
		loaded, ok, err := loadOptional[types.Report](ctx, tx, reportKey(reportID))
		if err != nil {
			return err
		}
		if ok {
			r = &loaded
		}
		t.reports[reportID] = r
	}
	if r == nil || r.Currency != currency {
		return nil
	}
	if _, ok := t.deltas[reportID]; !ok {
		t.order = append(t.order, reportID)
	}
	t.deltas[reportID] = t.deltas[reportID].Add(amount)
	return nil
}

// flush writes the adjusted totals and returns them by report ID.
func (t *totals) flush(ctx context.Context, tx store.DocumentTx) (map[string]decimal.Decimal, error) {
	if len(t.order) == 0 {
		return nil, nil
	}
	out := make(map[string]decimal.Decimal, len(t.order))
	for _, id := range t.order {
		total := t.reports[id].Total.Add(t.deltas[id])
		if err := merge(ctx, tx, reportKey(id), map[string]any{"total": total}); err != nil {
			return nil, err
		}
		out[id] = total
	}
	return out, nil
}

func addViolation(ctx context.Context, tx store.DocumentTx, transactionID, name string) error {
	v, _, err := loadOptional[[]types.Violation](ctx, tx, violationsKey(transactionID))
	if err != nil {
		return err
	}
	if types.HasViolation(v, name) {
		return nil
	}
	v = append(v, types.Violation{
		Type:         types.ViolationTypeViolation,
		Name:         name,
		ShowInReview: true,
	})
	return put(ctx, tx, violationsKey(transactionID), v)
}
