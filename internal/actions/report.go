package actions

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// ChangeTransactionsReport moves transactions onto reportID, or off any
// report when reportID is types.UnreportedReportID. The totals of the
// reports they leave and join are adjusted for amounts in the report's
// currency. policy, when given, adds the violations its rules imply.
func (a *Actions) ChangeTransactionsReport(ctx context.Context, transactionIDs []string, reportID string, policy *types.Policy) (string, error) {
	params := types.ChangeTransactionsReportParams{
		TransactionIDs: transactionIDs,
		ReportID:       reportID,
	}
	if policy != nil {
		params.PolicyID = policy.PolicyID
	}
	if err := invalid(validation.ValidateChangeTransactionsReport(params)); err != nil {
		return "", err
	}

	reports := make(map[string]*types.Report)
	if reportID != types.UnreportedReportID {
		r, err := a.report(reportID)
		if err != nil {
			return "", err
		}
		if !r.IsOutstanding() {
			return "", fmt.Errorf("%s: %w", reportID, ErrReportNotOutstanding)
		}
		reports[reportID] = &r
	}

	b := optimistic.NewBuilder(a.c)
	deltas := make(map[string]decimal.Decimal)
	var order []string
	adjust := func(id string, amount decimal.Decimal, currency string) {
		if id == "" || id == types.UnreportedReportID {
			return
		}
		r, ok := reports[id]
		if !ok {
			loaded, err := a.report(id)
			if err != nil {
				reports[id] = nil
				return
			}
			r = &loaded
			reports[id] = r
		}
		if r == nil || r.Currency != currency {
			return
		}
		if _, seen := deltas[id]; !seen {
			order = append(order, id)
		}
		deltas[id] = deltas[id].Add(amount)
	}

	moved := 0
	for _, id := range transactionIDs {
		tx, err := a.transaction(id)
		if err != nil {
			return "", err
		}
		if tx.ReportID == reportID {
			continue
		}
		adjust(tx.ReportID, tx.Amount.Neg(), tx.Currency)
		adjust(reportID, tx.Amount, tx.Currency)

		key := types.Key(types.CollectionTransaction, id)
		b.Merge(key, map[string]any{"reportID": reportID}).
			MarkPending(key, types.PendingUpdate)

		if policy != nil && policy.RequiresCategory && tx.Category == "" {
			v, _ := a.violations(id)
			if !types.HasViolation(v, types.ViolationMissingCategory) {
				v = append(v, types.Violation{
					Type:         types.ViolationTypeViolation,
					Name:         types.ViolationMissingCategory,
					ShowInReview: true,
				})
				b.Set(types.Key(types.CollectionTransactionViolation, id), v)
			}
		}
		moved++
	}
	if moved == 0 {
		return "", ErrNoChange
	}

	// Totals move by their delta so an earlier move that rolls back does not
	// take this one's amount with it.
	for _, id := range order {
		key := types.Key(types.CollectionReport, id)
		b.Add(key, map[string]any{"total": deltas[id]}).
			MarkPending(key, types.PendingUpdate)
	}

	data, err := b.Build()
	if err != nil {
		return "", err
	}
	return a.m.Write(ctx, types.CommandChangeTransactionsReport, params, data)
}

// SetTransactionReport records reportID on the transaction's local draft.
// Nothing is sent to the backend.
func (a *Actions) SetTransactionReport(transactionID, reportID string) error {
	c := &validation.Collector{}
	c.Add(validation.ValidateID("transactionID", transactionID))
	c.Add(validation.ValidateReportID("reportID", reportID))
	if err := c.Err(); err != nil {
		return err
	}

	data, err := optimistic.NewBuilder(a.c).
		Merge(types.Key(types.CollectionTransactionDraft, transactionID), map[string]any{"reportID": reportID}).
		Build()
	if err != nil {
		return err
	}
	return a.m.Local(data)
}
