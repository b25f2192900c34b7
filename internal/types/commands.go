package types

import "github.com/shopspring/decimal"

// Command names understood by the backend.
const (
	CommandMergeTransaction          = "MergeTransaction"
	CommandChangeTransactionsReport  = "ChangeTransactionsReport"
	CommandDismissDuplicateViolation = "DismissDuplicateTransactionViolation"
	CommandRejectMoneyRequest        = "RejectMoneyRequest"
)

// MaxRejectReasonLength bounds the free-form reason given when rejecting an expense.
const MaxRejectReasonLength = 1000

// MergeTransactionParams are the parameters of CommandMergeTransaction.
// The field values are the ones the surviving target transaction keeps.
type MergeTransactionParams struct {
	MergeTransactionID  string          `json:"mergeTransactionID"`
	TransactionID       string          `json:"transactionID"`
	SourceTransactionID string          `json:"sourceTransactionID"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Merchant            string          `json:"merchant"`
	Category            string          `json:"category"`
	Tag                 string          `json:"tag"`
	Comment             string          `json:"comment"`
	Created             string          `json:"created"`
	Reimbursable        bool            `json:"reimbursable"`
	Billable            bool            `json:"billable"`
	Receipt             *Receipt        `json:"receipt,omitempty"`
}

// TargetPatch is the merge patch applied to the surviving target transaction.
func (p MergeTransactionParams) TargetPatch() map[string]any {
	patch := map[string]any{
		"amount":       p.Amount,
		"currency":     p.Currency,
		"merchant":     p.Merchant,
		"category":     p.Category,
		"tag":          p.Tag,
		"comment":      map[string]any{"comment": p.Comment},
		"created":      p.Created,
		"reimbursable": p.Reimbursable,
		"billable":     p.Billable,
	}
	if p.Receipt != nil {
		patch["receipt"] = p.Receipt
	}
	return patch
}

// ReportTotals carries the totals the backend holds, by report ID, after a
// command changed them. Clients apply them as the confirmed values.
type ReportTotals struct {
	Totals map[string]decimal.Decimal `json:"totals,omitempty"`
}

// ChangeTransactionsReportParams are the parameters of CommandChangeTransactionsReport.
type ChangeTransactionsReportParams struct {
	TransactionIDs []string `json:"transactionIDs"`
	ReportID       string   `json:"reportID"`
	PolicyID       string   `json:"policyID,omitempty"`
}

// DismissDuplicateViolationParams are the parameters of CommandDismissDuplicateViolation.
type DismissDuplicateViolationParams struct {
	TransactionIDs []string `json:"transactionIDs"`
	ActorEmail     string   `json:"actorEmail"`
}

// RejectMoneyRequestParams are the parameters of CommandRejectMoneyRequest.
// ReportActionID is chosen by the client so the backend stores the REJECTED
// action under the same ID the client shows optimistically.
type RejectMoneyRequestParams struct {
	TransactionID  string `json:"transactionID"`
	ReportID       string `json:"reportID"`
	Reason         string `json:"reason"`
	ActorEmail     string `json:"actorEmail"`
	ReportActionID string `json:"reportActionID"`
}
