package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
)

func (f *fixture) reportActions(t *testing.T, reportID string) map[string]types.ReportAction {
	t.Helper()
	actions, _, err := cache.GetAs[map[string]types.ReportAction](f.c, types.Key(types.CollectionReportAction, reportID))
	if err != nil {
		t.Fatalf("decode report actions: %v", err)
	}
	return actions
}

func TestRejectExpense_Optimistic(t *testing.T) {
	// Given t1 (10 USD) on open report r1 (total 30)
	f := newFixture(t)
	seedReports(t, f)

	// When t1 is rejected
	_, err := f.a.RejectExpense(context.Background(), "t1", "r1", "  Not a business expense  ", "approver@example.com")
	if err != nil {
		t.Fatalf("RejectExpense() error = %v", err)
	}

	// Then t1 is unreported and the report total drops
	tx, _ := f.transaction(t, "t1")
	if tx.ReportID != types.UnreportedReportID {
		t.Errorf("reportID = %q, want unreported", tx.ReportID)
	}
	assertTotal(t, f, "r1", "20")

	// And a pending REJECTED action with the trimmed reason is added
	actions := f.reportActions(t, "r1")
	a, ok := actions["action1"]
	if !ok {
		t.Fatalf("report actions = %+v, want action1", actions)
	}
	if a.ActionName != types.ReportActionRejected || a.Message != "Not a business expense" {
		t.Errorf("action = %+v", a)
	}
	if a.PendingAction != types.PendingAdd {
		t.Errorf("action pendingAction = %q, want add", a.PendingAction)
	}
	if !a.Created.Equal(fixedNow) {
		t.Errorf("created = %v, want %v", a.Created, fixedNow)
	}

	want := `{"transactionID":"t1","reportID":"r1","reason":"Not a business expense","actorEmail":"approver@example.com","reportActionID":"action1"}`
	if got := string(f.d.mutations[0].Params); got != want {
		t.Errorf("params = %s, want %s", got, want)
	}
}

func TestRejectExpense_SuccessClearsPendingAction(t *testing.T) {
	f := newFixture(t)
	seedReports(t, f)
	id, err := f.a.RejectExpense(context.Background(), "t1", "r1", "Duplicate", "approver@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.rec.Resolve(id, optimistic.Succeeded{}); err != nil {
		t.Fatal(err)
	}

	a := f.reportActions(t, "r1")["action1"]
	if a.PendingAction != "" {
		t.Errorf("pendingAction = %q, want cleared", a.PendingAction)
	}
	if a.Message != "Duplicate" {
		t.Errorf("message = %q", a.Message)
	}
}

func TestRejectExpense_FailureRollsBack(t *testing.T) {
	f := newFixture(t)
	seedReports(t, f)
	id, err := f.a.RejectExpense(context.Background(), "t1", "r1", "Duplicate", "approver@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.rec.Resolve(id, optimistic.Failed{}); err != nil {
		t.Fatal(err)
	}

	tx, _ := f.transaction(t, "t1")
	if tx.ReportID != "r1" {
		t.Errorf("reportID = %q, want r1", tx.ReportID)
	}
	assertTotal(t, f, "r1", "30")
	if _, ok := f.c.Get(types.Key(types.CollectionReportAction, "r1")); ok {
		t.Error("report actions should be absent after rollback")
	}
}

func TestRejectExpense_Errors(t *testing.T) {
	tests := []struct {
		name     string
		txID     string
		reportID string
		wantErr  error
	}{
		{name: "transaction on another report", txID: "t1", reportID: "r2", wantErr: ErrTransactionNotOnReport},
		{name: "unknown transaction", txID: "t9", reportID: "r1", wantErr: ErrTransactionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seedReports(t, f)
			_, err := f.a.RejectExpense(context.Background(), tt.txID, tt.reportID, "reason", "approver@example.com")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("report not outstanding", func(t *testing.T) {
		f := newFixture(t)
		seedReports(t, f)
		f.set(t, types.Key(types.CollectionTransaction, "t5"), newTransaction("t5", "r3", "1", "Taxi"))
		_, err := f.a.RejectExpense(context.Background(), "t5", "r3", "reason", "approver@example.com")
		if !errors.Is(err, ErrReportNotOutstanding) {
			t.Errorf("error = %v, want ErrReportNotOutstanding", err)
		}
	})
}
