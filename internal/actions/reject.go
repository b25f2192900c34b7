package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

// RejectExpense takes a transaction off its report with a reason. The
// transaction becomes unreported, the report total drops by its amount and a
// pending REJECTED action carrying the reason is added to the report's
// history. The action's pending marker clears once the backend confirms.
func (a *Actions) RejectExpense(ctx context.Context, transactionID, reportID, reason, actorEmail string) (string, error) {
	params := types.RejectMoneyRequestParams{
		TransactionID:  transactionID,
		ReportID:       reportID,
		Reason:         strings.TrimSpace(reason),
		ActorEmail:     actorEmail,
		ReportActionID: a.newID(),
	}
	if err := invalid(validation.ValidateRejectMoneyRequest(params)); err != nil {
		return "", err
	}

	tx, err := a.transaction(transactionID)
	if err != nil {
		return "", err
	}
	if tx.ReportID != reportID {
		return "", fmt.Errorf("%s on %s: %w", transactionID, reportID, ErrTransactionNotOnReport)
	}
	report, err := a.report(reportID)
	if err != nil {
		return "", err
	}
	if !report.IsOutstanding() {
		return "", fmt.Errorf("%s: %w", reportID, ErrReportNotOutstanding)
	}

	txKey := types.Key(types.CollectionTransaction, transactionID)
	reportKey := types.Key(types.CollectionReport, reportID)
	actionsKey := types.Key(types.CollectionReportAction, reportID)

	b := optimistic.NewBuilder(a.c)
	b.Merge(txKey, map[string]any{"reportID": types.UnreportedReportID}).
		MarkPending(txKey, types.PendingUpdate)
	if tx.Currency == report.Currency {
		b.Add(reportKey, map[string]any{"total": tx.Amount.Neg()}).
			MarkPending(reportKey, types.PendingUpdate)
	}

	action := types.ReportAction{
		ReportActionID: params.ReportActionID,
		ReportID:       reportID,
		ActionName:     types.ReportActionRejected,
		ActorEmail:     actorEmail,
		Message:        params.Reason,
		TransactionID:  transactionID,
		Created:        a.now().UTC(),
		PendingAction:  types.PendingAdd,
	}
	b.Merge(actionsKey, map[string]any{action.ReportActionID: action}).
		OnSuccess(cache.MergeUpdate(actionsKey, map[string]any{
			action.ReportActionID: map[string]any{"pendingAction": nil},
		}))

	data, err := b.Build()
	if err != nil {
		return "", err
	}
	return a.m.Write(ctx, types.CommandRejectMoneyRequest, params, data)
}
