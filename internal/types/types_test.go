package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestSplitKey(t *testing.T) {
	tests := []struct {
		key        string
		collection string
		id         string
		ok         bool
	}{
		{"transactions_target123", CollectionTransaction, "target123", true},
		{"transactionViolations_abc", CollectionTransactionViolation, "abc", true},
		{"reports_", CollectionReport, "", true},
		{"session", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			collection, id, ok := SplitKey(tt.key)
			if ok != tt.ok || collection != tt.collection || id != tt.id {
				t.Errorf("SplitKey(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.key, collection, id, ok, tt.collection, tt.id, tt.ok)
			}
		})
	}
}

func TestKey_RoundTripsWithSplitKey(t *testing.T) {
	key := Key(CollectionMergeTransaction, "merge789")
	if key != "mergeTransactions_merge789" {
		t.Fatalf("Key() = %q", key)
	}
	collection, id, _ := SplitKey(key)
	if collection != CollectionMergeTransaction || id != "merge789" {
		t.Errorf("SplitKey(Key()) = (%q, %q)", collection, id)
	}
}

func TestIsCollectionKey(t *testing.T) {
	if !IsCollectionKey(CollectionTransaction) {
		t.Error("collection prefix should be a collection key")
	}
	if IsCollectionKey("transactions_1") {
		t.Error("member key should not be a collection key")
	}
}

func TestWithoutViolation_KeepsOtherKinds(t *testing.T) {
	violations := []Violation{
		{Type: ViolationTypeViolation, Name: ViolationDuplicatedTransaction, ShowInReview: true},
		{Type: ViolationTypeViolation, Name: ViolationMissingCategory, ShowInReview: true},
	}

	got := WithoutViolation(violations, ViolationDuplicatedTransaction)

	if len(got) != 1 || got[0].Name != ViolationMissingCategory {
		t.Errorf("WithoutViolation() = %+v, want only missingCategory", got)
	}
	if len(violations) != 2 {
		t.Error("WithoutViolation() must not modify its input")
	}
}

func TestWithoutViolation_NilEncodesAsEmptyList(t *testing.T) {
	data, err := json.Marshal(WithoutViolation(nil, ViolationDuplicatedTransaction))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("got %s, want []", data)
	}
}

func TestHasViolation(t *testing.T) {
	violations := []Violation{{Name: ViolationMissingTag}}
	if !HasViolation(violations, ViolationMissingTag) {
		t.Error("expected missingTag to be found")
	}
	if HasViolation(violations, ViolationDuplicatedTransaction) {
		t.Error("did not expect duplicatedTransaction")
	}
}

func TestTransaction_JSONCamelCaseKeys(t *testing.T) {
	txn := Transaction{
		TransactionID: "t1",
		ReportID:      "r1",
		Amount:        decimal.RequireFromString("12.50"),
		Currency:      "USD",
		Merchant:      "Cafe",
		Comment:       &Comment{Comment: "lunch"},
		PendingAction: PendingUpdate,
	}

	data, err := json.Marshal(txn)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	s := string(data)

	for _, key := range []string{`"transactionID"`, `"reportID"`, `"pendingAction":"update"`, `"comment":{"comment":"lunch"}`} {
		if !strings.Contains(s, key) {
			t.Errorf("expected %s in JSON, got %s", key, s)
		}
	}
	if strings.Contains(s, `"receipt"`) {
		t.Errorf("nil receipt should be omitted, got %s", s)
	}
}

func TestTransaction_AmountPreservesPrecision(t *testing.T) {
	var txn Transaction
	if err := json.Unmarshal([]byte(`{"transactionID":"t1","amount":"0.10"}`), &txn); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	sum := txn.Amount.Add(decimal.RequireFromString("0.20"))
	if !sum.Equal(decimal.RequireFromString("0.30")) {
		t.Errorf("0.10 + 0.20 = %s, want 0.30", sum)
	}
}

func TestTransaction_Description(t *testing.T) {
	if (Transaction{}).Description() != "" {
		t.Error("nil comment should give empty description")
	}
	txn := Transaction{Comment: &Comment{Comment: "taxi"}}
	if txn.Description() != "taxi" {
		t.Errorf("Description() = %q", txn.Description())
	}
}

func TestReport_IsOutstanding(t *testing.T) {
	tests := []struct {
		status ReportStatus
		want   bool
	}{
		{"", true},
		{ReportStatusOpen, true},
		{ReportStatusSubmitted, true},
		{ReportStatusApproved, false},
		{ReportStatusReimbursed, false},
	}
	for _, tt := range tests {
		if got := (Report{Status: tt.status}).IsOutstanding(); got != tt.want {
			t.Errorf("IsOutstanding(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
