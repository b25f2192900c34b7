package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type recordingDispatcher struct {
	mu        sync.Mutex
	mutations []optimistic.Mutation
}

func (d *recordingDispatcher) Dispatch(_ context.Context, m optimistic.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mutations = append(d.mutations, m)
	return nil
}

type fixture struct {
	c   *cache.Cache
	rec *optimistic.Reconciler
	d   *recordingDispatcher
	a   *Actions
}

func newFixture(t *testing.T, opts ...optimistic.ReconcilerOption) *fixture {
	t.Helper()
	c := cache.New()
	rec := optimistic.NewReconciler(c, opts...)
	d := &recordingDispatcher{}
	n := 0
	m := optimistic.NewMutator(c, rec, d)
	a := New(m,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("action%d", n)
		}),
	)
	return &fixture{c: c, rec: rec, d: d, a: a}
}

func (f *fixture) set(t *testing.T, key string, value any) {
	t.Helper()
	if err := f.c.Set(key, value); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func (f *fixture) transaction(t *testing.T, id string) (types.Transaction, bool) {
	t.Helper()
	tx, ok, err := cache.GetAs[types.Transaction](f.c, types.Key(types.CollectionTransaction, id))
	if err != nil {
		t.Fatalf("decode transaction %s: %v", id, err)
	}
	return tx, ok
}

func (f *fixture) report(t *testing.T, id string) types.Report {
	t.Helper()
	r, ok, err := cache.GetAs[types.Report](f.c, types.Key(types.CollectionReport, id))
	if err != nil || !ok {
		t.Fatalf("report %s: ok=%v err=%v", id, ok, err)
	}
	return r
}

func (f *fixture) violations(t *testing.T, id string) ([]types.Violation, bool) {
	t.Helper()
	v, ok, err := cache.GetAs[[]types.Violation](f.c, types.Key(types.CollectionTransactionViolation, id))
	if err != nil {
		t.Fatalf("decode violations %s: %v", id, err)
	}
	return v, ok
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
		Reimbursable:  true,
	}
}

func mockViolations() []types.Violation {
	return []types.Violation{
		{Type: types.ViolationTypeViolation, Name: types.ViolationDuplicatedTransaction, ShowInReview: true},
		{Type: types.ViolationTypeViolation, Name: types.ViolationMissingCategory, ShowInReview: true},
	}
}

func TestValidationErrorsAreReturnedAsErrors(t *testing.T) {
	f := newFixture(t)
	_, err := f.a.RejectExpense(context.Background(), "t1", "r1", "   ", "approver@example.com")

	var verrs validation.Errors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation.Errors, got %v", err)
	}
	if len(f.d.mutations) != 0 {
		t.Error("invalid input must not dispatch")
	}
}
