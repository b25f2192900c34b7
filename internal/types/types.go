package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Collection key prefixes. Entity keys are {prefix}{id}.
const (
	CollectionTransaction          = "transactions_"
	CollectionTransactionDraft     = "transactionDrafts_"
	CollectionTransactionViolation = "transactionViolations_"
	CollectionMergeTransaction     = "mergeTransactions_"
	CollectionReport               = "reports_"
	CollectionReportAction         = "reportActions_"
	CollectionPolicy               = "policies_"
	CollectionErrors               = "errors_"
)

// Derived keys are computed locally and never sent to the backend.
const (
	DerivedReportAttributes = "derived_reportAttributes"
)

// UnreportedReportID is the report ID of expenses not attached to any report.
const UnreportedReportID = "0"

// Key joins a collection prefix and an entity ID.
func Key(collection, id string) string {
	return collection + id
}

// SplitKey returns the collection prefix and ID of a cache key.
// The prefix is everything up to and including the first underscore.
func SplitKey(key string) (collection, id string, ok bool) {
	i := strings.IndexByte(key, '_')
	if i < 0 {
		return "", "", false
	}
	return key[:i+1], key[i+1:], true
}

// IsCollectionKey reports whether key names a whole collection rather than a member.
func IsCollectionKey(key string) bool {
	return strings.HasSuffix(key, "_")
}

// PendingAction marks an entity that has an unconfirmed in-flight change.
type PendingAction string

const (
	PendingAdd    PendingAction = "add"
	PendingUpdate PendingAction = "update"
	PendingDelete PendingAction = "delete"
)

// Violation names.
const (
	ViolationDuplicatedTransaction = "duplicatedTransaction"
	ViolationMissingCategory       = "missingCategory"
	ViolationMissingTag            = "missingTag"
	ViolationOverLimit             = "overLimit"
	ViolationReceiptRequired       = "receiptRequired"
)

// ViolationType classifies how severe a violation is.
type ViolationType string

const (
	ViolationTypeViolation ViolationType = "violation"
	ViolationTypeNotice    ViolationType = "notice"
	ViolationTypeWarning   ViolationType = "warning"
)

// Violation is a policy rule a transaction currently breaks.
type Violation struct {
	Type         ViolationType  `json:"type"`
	Name         string         `json:"name"`
	ShowInReview bool           `json:"showInReview,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// WithoutViolation returns the violations minus every entry with the given name.
// The result is never nil so it encodes as an empty list.
func WithoutViolation(violations []Violation, name string) []Violation {
	out := make([]Violation, 0, len(violations))
	for _, v := range violations {
		if v.Name != name {
			out = append(out, v)
		}
	}
	return out
}

// HasViolation reports whether any violation carries the given name.
func HasViolation(violations []Violation, name string) bool {
	for _, v := range violations {
		if v.Name == name {
			return true
		}
	}
	return false
}

// Receipt references the image attached to a transaction.
type Receipt struct {
	ReceiptID string `json:"receiptID,omitempty"`
	Source    string `json:"source,omitempty"`
	Filename  string `json:"filename,omitempty"`
}

// Comment holds the free-form description and dismissal bookkeeping of a transaction.
type Comment struct {
	Comment             string                       `json:"comment,omitempty"`
	DismissedViolations map[string]map[string]string `json:"dismissedViolations,omitempty"`
}

// Transaction is a single expense.
type Transaction struct {
	TransactionID string          `json:"transactionID"`
	ReportID      string          `json:"reportID"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Merchant      string          `json:"merchant"`
	Category      string          `json:"category,omitempty"`
	Tag           string          `json:"tag,omitempty"`
	Created       string          `json:"created"`
	Comment       *Comment        `json:"comment,omitempty"`
	Receipt       *Receipt        `json:"receipt,omitempty"`
	Reimbursable  bool            `json:"reimbursable"`
	Billable      bool            `json:"billable"`
	PendingAction PendingAction   `json:"pendingAction,omitempty"`
}

// Description returns the transaction comment text.
func (t Transaction) Description() string {
	if t.Comment == nil {
		return ""
	}
	return t.Comment.Comment
}

// MergeTransaction is the draft a user builds while merging two transactions.
// It holds the final field values the surviving target transaction keeps.
type MergeTransaction struct {
	TargetTransactionID string          `json:"targetTransactionID"`
	SourceTransactionID string          `json:"sourceTransactionID"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	Merchant            string          `json:"merchant"`
	Category            string          `json:"category"`
	Tag                 string          `json:"tag"`
	Description         string          `json:"description"`
	Created             string          `json:"created"`
	Reimbursable        bool            `json:"reimbursable"`
	Billable            bool            `json:"billable"`
	Receipt             *Receipt        `json:"receipt,omitempty"`
}

// ReportStatus is the approval state of a report.
type ReportStatus string

const (
	ReportStatusOpen       ReportStatus = "open"
	ReportStatusSubmitted  ReportStatus = "submitted"
	ReportStatusApproved   ReportStatus = "approved"
	ReportStatusReimbursed ReportStatus = "reimbursed"
)

// Report groups transactions for submission and approval.
type Report struct {
	ReportID      string          `json:"reportID"`
	PolicyID      string          `json:"policyID,omitempty"`
	ReportName    string          `json:"reportName,omitempty"`
	OwnerEmail    string          `json:"ownerEmail,omitempty"`
	Currency      string          `json:"currency"`
	Total         decimal.Decimal `json:"total"`
	Status        ReportStatus    `json:"status"`
	PendingAction PendingAction   `json:"pendingAction,omitempty"`
}

// IsOutstanding reports whether transactions may still be moved onto the report.
func (r Report) IsOutstanding() bool {
	return r.Status == ReportStatusOpen || r.Status == ReportStatusSubmitted || r.Status == ""
}

// Policy is a workspace whose rules govern its reports.
type Policy struct {
	PolicyID         string `json:"policyID"`
	Name             string `json:"name"`
	OutputCurrency   string `json:"outputCurrency"`
	RequiresCategory bool   `json:"requiresCategory"`
}

// ReportActionType names the kind of entry in a report's history.
type ReportActionType string

const (
	ReportActionRejected     ReportActionType = "REJECTED"
	ReportActionMovedExpense ReportActionType = "MOVED_TRANSACTION"
	ReportActionMerged       ReportActionType = "MERGED_TRANSACTION"
)

// ReportAction is one entry of a report's history feed.
type ReportAction struct {
	ReportActionID string           `json:"reportActionID"`
	ReportID       string           `json:"reportID"`
	ActionName     ReportActionType `json:"actionName"`
	ActorEmail     string           `json:"actorEmail"`
	Message        string           `json:"message,omitempty"`
	TransactionID  string           `json:"transactionID,omitempty"`
	Created        time.Time        `json:"created"`
	PendingAction  PendingAction    `json:"pendingAction,omitempty"`
}

// ReportAttributes are the per-report values derived from reports and transactions.
type ReportAttributes struct {
	ReportName       string          `json:"reportName"`
	Total            decimal.Decimal `json:"total"`
	TransactionCount int             `json:"transactionCount"`
	HasViolations    bool            `json:"hasViolations"`
	HasPending       bool            `json:"hasPending"`
}
