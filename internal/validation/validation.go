package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/types"
)

// Field limits shared by the client actions and the backend commands.
const (
	MaxIDLength       = 128
	MaxTextLength     = 1024
	MaxTransactionIDs = 500
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Errors is a list of field failures usable as an error value.
type Errors []ValidationError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// Err returns the accumulated errors as an error, or nil.
func (c *Collector) Err() error {
	if !c.HasErrors() {
		return nil
	}
	return Errors(c.errors)
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateID returns an error unless value is a usable entity ID: present,
// bounded and free of whitespace, which would break cache keys.
func ValidateID(field, value string) *ValidationError {
	if err := ValidateRequired(field, value); err != nil {
		return err
	}
	if strings.ContainsAny(value, " \t\r\n\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain whitespace",
		}
	}
	return ValidateMaxLength(field, value, MaxIDLength)
}

// ValidateText checks free-form user text.
func ValidateText(field, value string) *ValidationError {
	if err := ValidateUTF8(field, value); err != nil {
		return err
	}
	if err := ValidateNoNullBytes(field, value); err != nil {
		return err
	}
	return ValidateMaxLength(field, value, MaxTextLength)
}

// ValidateCurrency returns an error unless value is a three-letter ISO 4217 code.
func ValidateCurrency(field, value string) *ValidationError {
	if len(value) != 3 {
		return &ValidationError{
			Field:   field,
			Message: "must be a three-letter ISO 4217 code",
		}
	}
	for _, r := range value {
		if r < 'A' || r > 'Z' {
			return &ValidationError{
				Field:   field,
				Message: "must be a three-letter ISO 4217 code",
			}
		}
	}
	return nil
}

// ValidateAmount returns an error if the amount has more than two decimal places.
func ValidateAmount(field string, value decimal.Decimal) *ValidationError {
	if !value.Equal(value.Round(2)) {
		return &ValidationError{
			Field:   field,
			Message: "must have at most two decimal places",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateIDs checks a non-empty list of distinct entity IDs.
func ValidateIDs(field string, ids []string) []ValidationError {
	c := &Collector{}
	if len(ids) == 0 {
		c.Add(&ValidationError{Field: field, Message: "must contain at least one ID"})
		return c.Errors()
	}
	if len(ids) > MaxTransactionIDs {
		c.Add(&ValidationError{Field: field, Message: fmt.Sprintf("must contain at most %d IDs", MaxTransactionIDs)})
	}
	seen := make(map[string]struct{}, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("%s[%d]", field, i)
		c.Add(ValidateID(name, id))
		if _, dup := seen[id]; dup {
			c.Add(&ValidationError{Field: name, Message: "is a duplicate"})
		}
		seen[id] = struct{}{}
	}
	return c.Errors()
}

// ValidateReportID accepts a report ID or the unreported report ID "0".
func ValidateReportID(field, value string) *ValidationError {
	if value == types.UnreportedReportID {
		return nil
	}
	return ValidateID(field, value)
}

// ValidateMergeTransaction validates MergeTransaction parameters.
func ValidateMergeTransaction(p types.MergeTransactionParams) []ValidationError {
	c := &Collector{}
	c.Add(ValidateID("transactionID", p.TransactionID))
	c.Add(ValidateID("sourceTransactionID", p.SourceTransactionID))
	if p.TransactionID != "" && p.TransactionID == p.SourceTransactionID {
		c.Add(&ValidationError{Field: "sourceTransactionID", Message: "must differ from transactionID"})
	}
	if p.MergeTransactionID != "" {
		c.Add(ValidateID("mergeTransactionID", p.MergeTransactionID))
	}
	c.Add(ValidateCurrency("currency", p.Currency))
	c.Add(ValidateAmount("amount", p.Amount))
	c.Add(ValidateText("merchant", p.Merchant))
	c.Add(ValidateText("category", p.Category))
	c.Add(ValidateText("tag", p.Tag))
	c.Add(ValidateText("comment", p.Comment))
	return c.Errors()
}

// ValidateChangeTransactionsReport validates ChangeTransactionsReport parameters.
func ValidateChangeTransactionsReport(p types.ChangeTransactionsReportParams) []ValidationError {
	c := &Collector{}
	for _, e := range ValidateIDs("transactionIDs", p.TransactionIDs) {
		c.Add(&e)
	}
	c.Add(ValidateReportID("reportID", p.ReportID))
	if p.PolicyID != "" {
		c.Add(ValidateID("policyID", p.PolicyID))
	}
	return c.Errors()
}

// ValidateDismissDuplicateViolation validates DismissDuplicateTransactionViolation parameters.
func ValidateDismissDuplicateViolation(p types.DismissDuplicateViolationParams) []ValidationError {
	c := &Collector{}
	for _, e := range ValidateIDs("transactionIDs", p.TransactionIDs) {
		c.Add(&e)
	}
	c.Add(ValidateRequired("actorEmail", p.ActorEmail))
	c.Add(ValidateText("actorEmail", p.ActorEmail))
	return c.Errors()
}

// ValidateRejectMoneyRequest validates RejectMoneyRequest parameters.
func ValidateRejectMoneyRequest(p types.RejectMoneyRequestParams) []ValidationError {
	c := &Collector{}
	c.Add(ValidateID("transactionID", p.TransactionID))
	c.Add(ValidateID("reportID", p.ReportID))
	if p.ReportID == types.UnreportedReportID {
		c.Add(&ValidationError{Field: "reportID", Message: "must name a report"})
	}
	c.Add(ValidateRequired("reason", p.Reason))
	c.Add(ValidateUTF8("reason", p.Reason))
	c.Add(ValidateNoNullBytes("reason", p.Reason))
	c.Add(ValidateMaxLength("reason", p.Reason, types.MaxRejectReasonLength))
	c.Add(ValidateRequired("actorEmail", p.ActorEmail))
	c.Add(ValidateID("reportActionID", p.ReportActionID))
	return c.Errors()
}
