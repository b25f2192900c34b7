package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/store"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "tally.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDocs(t *testing.T, s store.Store, docs map[string]any) {
	t.Helper()
	_, err := s.ExecuteInTx(context.Background(), store.Origin{SourceID: "seed"}, func(tx store.DocumentTx) error {
		for key, v := range docs {
			if err := put(context.Background(), tx, key, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func getDoc[T any](t *testing.T, s store.Store, key string) (T, bool) {
	t.Helper()
	var v T
	raw, err := s.GetDocument(context.Background(), key)
	if errors.Is(err, store.ErrNotFound) {
		return v, false
	}
	if err != nil {
		t.Fatalf("GetDocument(%s) error = %v", key, err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", key, err)
	}
	return v, true
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTransaction(id, reportID, amount, merchant string) types.Transaction {
	return types.Transaction{
		TransactionID: id,
		ReportID:      reportID,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Merchant:      merchant,
		Created:       "2025-03-01",
		Comment:       &types.Comment{Comment: "receipt for " + merchant},
	}
}

func duplicateViolations() []types.Violation {
	return []types.Violation{
		{Type: types.ViolationTypeViolation, Name: types.ViolationDuplicatedTransaction, ShowInReview: true},
		{Type: types.ViolationTypeViolation, Name: types.ViolationMissingCategory, ShowInReview: true},
	}
}

func seedExpenses(t *testing.T, s store.Store) {
	t.Helper()
	seedDocs(t, s, map[string]any{
		reportKey("r1"): types.Report{ReportID: "r1", Currency: "USD", Total: decimal.RequireFromString("30"), Status: types.ReportStatusOpen},
		reportKey("r2"): types.Report{ReportID: "r2", Currency: "USD", Total: decimal.RequireFromString("5"), Status: types.ReportStatusOpen},
		reportKey("r3"): types.Report{ReportID: "r3", Currency: "USD", Status: types.ReportStatusApproved},
		transactionKey("t1"): newTransaction("t1", "r1", "10", "Cafe"),
		transactionKey("t2"): newTransaction("t2", "r1", "20", "Hotel"),
		types.Key(types.CollectionPolicy, "p1"): types.Policy{PolicyID: "p1", RequiresCategory: true},
	})
}

func assertTotal(t *testing.T, s store.Store, reportID, want string) {
	t.Helper()
	r, ok := getDoc[types.Report](t, s, reportKey(reportID))
	if !ok {
		t.Fatalf("report %s missing", reportID)
	}
	if !r.Total.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s total = %s, want %s", reportID, r.Total, want)
	}
}

func TestRegistry(t *testing.T) {
	r := Default(func() time.Time { return fixedNow })

	want := []string{
		types.CommandChangeTransactionsReport,
		types.CommandDismissDuplicateViolation,
		types.CommandMergeTransaction,
		types.CommandRejectMoneyRequest,
	}
	if diff := cmp.Diff(want, r.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.Get("Nope"); ok {
		t.Error("Get(Nope) ok = true")
	}

	defer func() {
		if rec := recover(); rec != "command already registered: MergeTransaction" {
			t.Errorf("panic = %v", rec)
		}
	}()
	r.Register(MergeTransaction{})
}

func TestExecute_UnknownCommand(t *testing.T) {
	s := newTestStore(t)
	_, err := Execute(context.Background(), s, Default(nil), "Nope", store.Origin{}, json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("error = %v, want ErrUnknownCommand", err)
	}
	var cerr *CommandError
	if !errors.As(err, &cerr) || cerr.Command != "Nope" {
		t.Errorf("error = %#v, want CommandError for Nope", err)
	}
}

func TestExecute_InvalidParams(t *testing.T) {
	s := newTestStore(t)
	reg := Default(nil)

	_, err := Execute(context.Background(), s, reg, types.CommandChangeTransactionsReport, store.Origin{}, json.RawMessage(`not json`))
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("error = %v, want ErrInvalidParams", err)
	}

	_, err = Execute(context.Background(), s, reg, types.CommandChangeTransactionsReport, store.Origin{}, json.RawMessage(`{"transactionIDs":[],"reportID":"r1"}`))
	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Errorf("error = %v, want validation.Errors", err)
	}
}

func TestExecute_MergeTransaction(t *testing.T) {
	// Given duplicate transactions with violations and a merge draft
	s := newTestStore(t)
	seedDocs(t, s, map[string]any{
		transactionKey("target123"): newTransaction("target123", "r1", "10", "Original Merchant"),
		transactionKey("source456"): newTransaction("source456", "r1", "10", "Source Merchant"),
		violationsKey("target123"):  duplicateViolations(),
		violationsKey("source456"):  duplicateViolations(),
		types.Key(types.CollectionMergeTransaction, "merge789"): types.MergeTransaction{
			TargetTransactionID: "target123",
			SourceTransactionID: "source456",
		},
	})
	params := types.MergeTransactionParams{
		MergeTransactionID:  "merge789",
		TransactionID:       "target123",
		SourceTransactionID: "source456",
		Amount:              decimal.RequireFromString("10"),
		Currency:            "USD",
		Merchant:            "Updated Merchant",
		Category:            "Meals",
		Comment:             "merged",
		Created:             "2025-03-01",
	}

	// When the merge executes
	out, err := Execute(context.Background(), s, Default(nil), types.CommandMergeTransaction,
		store.Origin{SourceID: "client-1", RequestID: "req-1"}, mustJSON(t, params))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	// Then the target holds the merged values and the rest is gone
	target, _ := getDoc[types.Transaction](t, s, transactionKey("target123"))
	if target.Merchant != "Updated Merchant" || target.Category != "Meals" || target.Description() != "merged" {
		t.Errorf("target = %+v", target)
	}
	if target.ReportID != "r1" {
		t.Errorf("target reportID = %q, want kept", target.ReportID)
	}
	for _, key := range []string{
		transactionKey("source456"),
		violationsKey("source456"),
		types.Key(types.CollectionMergeTransaction, "merge789"),
	} {
		if _, ok := getDoc[json.RawMessage](t, s, key); ok {
			t.Errorf("%s still stored", key)
		}
	}
	v, _ := getDoc[[]types.Violation](t, s, violationsKey("target123"))
	want := []types.Violation{{Type: types.ViolationTypeViolation, Name: types.ViolationMissingCategory, ShowInReview: true}}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Errorf("target violations mismatch (-want +got):\n%s", diff)
	}

	if string(out.Response) != `{"transactionID":"target123"}` {
		t.Errorf("response = %s", out.Response)
	}
	if out.Changes != 5 {
		t.Errorf("changes = %d, want 5", out.Changes)
	}

	// And the change log carries the request's origin
	entries, err := s.GetChangeLogAfter(context.Background(), out.Sequence-int64(out.Changes), 100)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.SourceID != "client-1" || e.RequestID != "req-1" {
			t.Errorf("entry %d origin = %s/%s", e.Sequence, e.SourceID, e.RequestID)
		}
	}
}

func TestExecute_MergeTransactionMissingSourceRollsBack(t *testing.T) {
	s := newTestStore(t)
	seedDocs(t, s, map[string]any{
		transactionKey("target123"): newTransaction("target123", "r1", "10", "Original Merchant"),
	})
	before, _ := s.GetLatestSequence(context.Background())

	params := types.MergeTransactionParams{
		MergeTransactionID: "merge789", TransactionID: "target123", SourceTransactionID: "source456",
		Amount: decimal.RequireFromString("10"), Currency: "USD", Merchant: "Updated Merchant", Created: "2025-03-01",
	}
	_, err := Execute(context.Background(), s, Default(nil), types.CommandMergeTransaction, store.Origin{}, mustJSON(t, params))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	after, _ := s.GetLatestSequence(context.Background())
	if after != before {
		t.Errorf("latest sequence moved from %d to %d", before, after)
	}
	target, _ := getDoc[types.Transaction](t, s, transactionKey("target123"))
	if target.Merchant != "Original Merchant" {
		t.Errorf("target merchant = %q, want unchanged", target.Merchant)
	}
}

func TestExecute_ChangeTransactionsReport(t *testing.T) {
	tests := []struct {
		name      string
		params    types.ChangeTransactionsReportParams
		wantErr   error
		wantTotal map[string]string
		wantMoved []string
	}{
		{
			name:      "move to another report",
			params:    types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1"}, ReportID: "r2"},
			wantTotal: map[string]string{"r1": "20", "r2": "15"},
			wantMoved: []string{"t1"},
		},
		{
			name:      "unreport",
			params:    types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1", "t2"}, ReportID: types.UnreportedReportID},
			wantTotal: map[string]string{"r1": "0", "r2": "5"},
			wantMoved: []string{"t1", "t2"},
		},
		{
			name:      "already on report",
			params:    types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1"}, ReportID: "r1"},
			wantTotal: map[string]string{"r1": "30"},
			wantMoved: []string{},
		},
		{
			name:      "report not outstanding",
			params:    types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1"}, ReportID: "r3"},
			wantErr:   ErrConflict,
			wantTotal: map[string]string{"r1": "30"},
		},
		{
			name:      "unknown transaction",
			params:    types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1", "t9"}, ReportID: "r2"},
			wantErr:   store.ErrNotFound,
			wantTotal: map[string]string{"r1": "30", "r2": "5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedExpenses(t, s)

			out, err := Execute(context.Background(), s, Default(nil), types.CommandChangeTransactionsReport, store.Origin{}, mustJSON(t, tt.params))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("Execute() error = %v", err)
				}
				var resp ChangeTransactionsReportResponse
				if err := json.Unmarshal(out.Response, &resp); err != nil {
					t.Fatal(err)
				}
				if diff := cmp.Diff(tt.wantMoved, resp.Moved); diff != "" {
					t.Errorf("moved mismatch (-want +got):\n%s", diff)
				}
				// The response carries every changed total as stored.
				for id, total := range resp.Totals {
					assertTotal(t, s, id, total.String())
				}
				if len(resp.Moved) > 0 && len(resp.Totals) == 0 {
					t.Error("response carries no totals for a move")
				}
			}
			for id, want := range tt.wantTotal {
				assertTotal(t, s, id, want)
			}
		})
	}
}

func TestExecute_ChangeTransactionsReportPolicyViolation(t *testing.T) {
	s := newTestStore(t)
	seedExpenses(t, s)

	params := types.ChangeTransactionsReportParams{TransactionIDs: []string{"t1"}, ReportID: "r2", PolicyID: "p1"}
	if _, err := Execute(context.Background(), s, Default(nil), types.CommandChangeTransactionsReport, store.Origin{}, mustJSON(t, params)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	v, ok := getDoc[[]types.Violation](t, s, violationsKey("t1"))
	if !ok || !types.HasViolation(v, types.ViolationMissingCategory) {
		t.Errorf("violations = %+v, want missingCategory", v)
	}
}

func TestExecute_DismissDuplicateViolation(t *testing.T) {
	s := newTestStore(t)
	seedExpenses(t, s)
	seedDocs(t, s, map[string]any{violationsKey("t1"): duplicateViolations()})

	params := types.DismissDuplicateViolationParams{TransactionIDs: []string{"t1", "t2"}, ActorEmail: "approver@example.com"}
	out, err := Execute(context.Background(), s, Default(func() time.Time { return fixedNow }),
		types.CommandDismissDuplicateViolation, store.Origin{}, mustJSON(t, params))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if string(out.Response) != `{"dismissed":["t1"]}` {
		t.Errorf("response = %s", out.Response)
	}

	tx, _ := getDoc[types.Transaction](t, s, transactionKey("t1"))
	got := tx.Comment.DismissedViolations[types.ViolationDuplicatedTransaction]["approver@example.com"]
	if got != "2025-03-14T09:30:00Z" {
		t.Errorf("dismissed at = %q", got)
	}
	if tx.Description() != "receipt for Cafe" {
		t.Errorf("comment text = %q, want kept", tx.Description())
	}
	v, _ := getDoc[[]types.Violation](t, s, violationsKey("t1"))
	if types.HasViolation(v, types.ViolationDuplicatedTransaction) {
		t.Error("duplicate violation still stored")
	}
}

func TestExecute_RejectMoneyRequest(t *testing.T) {
	s := newTestStore(t)
	seedExpenses(t, s)
	reg := Default(func() time.Time { return fixedNow })
	params := types.RejectMoneyRequestParams{
		TransactionID:  "t1",
		ReportID:       "r1",
		Reason:         "Not a business expense",
		ActorEmail:     "approver@example.com",
		ReportActionID: "action1",
	}

	out, err := Execute(context.Background(), s, reg, types.CommandRejectMoneyRequest, store.Origin{}, mustJSON(t, params))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	tx, _ := getDoc[types.Transaction](t, s, transactionKey("t1"))
	if tx.ReportID != types.UnreportedReportID {
		t.Errorf("reportID = %q, want unreported", tx.ReportID)
	}
	assertTotal(t, s, "r1", "20")
	var resp RejectMoneyRequestResponse
	if err := json.Unmarshal(out.Response, &resp); err != nil {
		t.Fatal(err)
	}
	if got := resp.Totals["r1"]; !got.Equal(decimal.RequireFromString("20")) {
		t.Errorf("response total = %s, want 20", got)
	}
	actions, _ := getDoc[map[string]types.ReportAction](t, s, types.Key(types.CollectionReportAction, "r1"))
	want := types.ReportAction{
		ReportActionID: "action1",
		ReportID:       "r1",
		ActionName:     types.ReportActionRejected,
		ActorEmail:     "approver@example.com",
		Message:        "Not a business expense",
		TransactionID:  "t1",
		Created:        fixedNow,
	}
	if diff := cmp.Diff(want, actions["action1"]); diff != "" {
		t.Errorf("action mismatch (-want +got):\n%s", diff)
	}

	// Replaying the same action is a no-op.
	again, err := Execute(context.Background(), s, reg, types.CommandRejectMoneyRequest, store.Origin{}, mustJSON(t, params))
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if again.Changes != 0 {
		t.Errorf("replay changes = %d, want 0", again.Changes)
	}
	if again.Sequence != out.Sequence {
		t.Errorf("replay sequence = %d, want %d", again.Sequence, out.Sequence)
	}
	var replayed RejectMoneyRequestResponse
	if err := json.Unmarshal(again.Response, &replayed); err != nil {
		t.Fatal(err)
	}
	if got := replayed.Totals["r1"]; !got.Equal(decimal.RequireFromString("20")) {
		t.Errorf("replayed response total = %s, want 20", got)
	}
	assertTotal(t, s, "r1", "20")
}

func TestExecute_RejectMoneyRequestConflicts(t *testing.T) {
	tests := []struct {
		name   string
		params types.RejectMoneyRequestParams
	}{
		{
			name:   "transaction on another report",
			params: types.RejectMoneyRequestParams{TransactionID: "t1", ReportID: "r2", Reason: "no", ActorEmail: "a@example.com", ReportActionID: "x1"},
		},
		{
			name:   "report approved",
			params: types.RejectMoneyRequestParams{TransactionID: "t3", ReportID: "r3", Reason: "no", ActorEmail: "a@example.com", ReportActionID: "x2"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			seedExpenses(t, s)
			seedDocs(t, s, map[string]any{transactionKey("t3"): newTransaction("t3", "r3", "1", "Taxi")})

			_, err := Execute(context.Background(), s, Default(nil), types.CommandRejectMoneyRequest, store.Origin{}, mustJSON(t, tt.params))
			if !errors.Is(err, ErrConflict) {
				t.Errorf("error = %v, want ErrConflict", err)
			}
		})
	}
}
