package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

type testTransaction struct {
	TransactionID string `json:"transactionID"`
	Merchant      string `json:"merchant"`
	Category      string `json:"category,omitempty"`
}

func mustNormalize(t *testing.T, v any) any {
	t.Helper()
	n, err := Normalize(v)
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	return n
}

func TestSet_ThenGet(t *testing.T) {
	c := New()
	if err := c.Set("transactions_1", testTransaction{TransactionID: "1", Merchant: "Cafe"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok := c.Get("transactions_1")
	if !ok {
		t.Fatal("expected key to be present")
	}
	want := map[string]any{"transactionID": "1", "merchant": "Cafe"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestSet_NilRemovesKey(t *testing.T) {
	c := New()
	_ = c.Set("k_1", map[string]any{"a": "b"})
	if err := c.Set("k_1", nil); err != nil {
		t.Fatalf("Set(nil) error = %v", err)
	}
	if _, ok := c.Get("k_1"); ok {
		t.Error("expected key to be removed")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	c := New()
	_ = c.Set("k_1", map[string]any{"nested": map[string]any{"a": "b"}})

	v, _ := c.Get("k_1")
	v.(map[string]any)["nested"].(map[string]any)["a"] = "mutated"

	again, _ := c.Get("k_1")
	if again.(map[string]any)["nested"].(map[string]any)["a"] != "b" {
		t.Error("mutating a returned value must not change the cache")
	}
}

func TestMerge_DeepMergesAndNullDeletes(t *testing.T) {
	c := New()
	_ = c.Set("transactions_1", map[string]any{
		"merchant": "Cafe",
		"category": "Meals",
		"comment":  map[string]any{"comment": "lunch", "dismissedViolations": map[string]any{"x": "y"}},
	})

	err := c.Merge("transactions_1", map[string]any{
		"merchant": "Bistro",
		"category": nil,
		"comment":  map[string]any{"comment": "dinner"},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	got, _ := c.Get("transactions_1")
	want := map[string]any{
		"merchant": "Bistro",
		"comment":  map[string]any{"comment": "dinner", "dismissedViolations": map[string]any{"x": "y"}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Merge() mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_ArraysReplace(t *testing.T) {
	c := New()
	_ = c.Set("transactionViolations_1", []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}})
	_ = c.Merge("transactionViolations_1", []any{map[string]any{"name": "b"}})

	got, _ := c.Get("transactionViolations_1")
	want := []any{map[string]any{"name": "b"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("array merge mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_IntoAbsentKeyStripsNulls(t *testing.T) {
	c := New()
	_ = c.Merge("reports_1", map[string]any{"reportID": "1", "pendingAction": nil})

	got, _ := c.Get("reports_1")
	if diff := cmp.Diff(map[string]any{"reportID": "1"}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMerge_NilRemovesKey(t *testing.T) {
	c := New()
	_ = c.Set("reports_1", map[string]any{"reportID": "1"})
	_ = c.Merge("reports_1", nil)
	if _, ok := c.Get("reports_1"); ok {
		t.Error("merge with nil should remove the key")
	}
}

func TestUpdate_RejectsInvalidBatchAtomically(t *testing.T) {
	c := New()
	err := c.Update([]Update{
		SetUpdate("a_1", "first"),
		{Method: "push", Key: "a_2", Value: "x"},
	})
	if !errors.Is(err, ErrInvalidMethod) {
		t.Fatalf("expected ErrInvalidMethod, got %v", err)
	}
	if _, ok := c.Get("a_1"); ok {
		t.Error("no update from a rejected batch may be applied")
	}

	if err := c.Update([]Update{SetUpdate("", 1)}); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("expected ErrEmptyKey, got %v", err)
	}
}

func TestAdd_AccumulatesAmounts(t *testing.T) {
	// Given: a report whose total is stored the way decimal.Decimal encodes
	c := New()
	_ = c.Set("reports_1", map[string]any{"reportID": "1", "total": decimal.RequireFromString("100.50")})

	// When: amounts are added as decimals, numbers and strings
	err := c.Update([]Update{
		AddUpdate("reports_1", map[string]any{"total": decimal.NewFromInt(10)}),
		AddUpdate("reports_1", map[string]any{"total": -0.5}),
		AddUpdate("reports_1", map[string]any{"count": "2"}),
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Then: each field holds the decimal sum and other fields are kept
	want := map[string]any{"reportID": "1", "total": "110", "count": "2"}
	got, _ := c.Get("reports_1")
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAdd_RejectsNonNumericAmounts(t *testing.T) {
	c := New()
	_ = c.Set("reports_1", map[string]any{"total": "1"})

	tests := []struct {
		name  string
		value any
	}{
		{name: "not an object", value: "5"},
		{name: "text amount", value: map[string]any{"total": "five"}},
		{name: "nested object", value: map[string]any{"total": map[string]any{"a": 1}}},
		{name: "nil", value: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Update([]Update{AddUpdate("reports_1", tt.value)})
			if !errors.Is(err, ErrInvalidIncrement) {
				t.Fatalf("Update() = %v, want ErrInvalidIncrement", err)
			}
			got, _ := c.Get("reports_1")
			if diff := cmp.Diff(map[string]any{"total": "1"}, got); diff != "" {
				t.Errorf("rejected add changed the value (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAddValues(t *testing.T) {
	got, err := AddValues(nil, map[string]any{"total": "3.25"})
	if err != nil {
		t.Fatalf("AddValues() error = %v", err)
	}
	if diff := cmp.Diff(map[string]any{"total": "3.25"}, got); diff != "" {
		t.Errorf("AddValues(absent) mismatch (-want +got):\n%s", diff)
	}

	if _, err := AddValues(map[string]any{}, []any{1}); !errors.Is(err, ErrInvalidIncrement) {
		t.Errorf("AddValues(array) = %v, want ErrInvalidIncrement", err)
	}
}

func TestGetAs_DecodesTypedValue(t *testing.T) {
	c := New()
	_ = c.Set("transactions_9", map[string]any{"transactionID": "9", "merchant": "Taxi"})

	txn, ok, err := GetAs[testTransaction](c, "transactions_9")
	if err != nil || !ok {
		t.Fatalf("GetAs() = ok %v, err %v", ok, err)
	}
	if txn.Merchant != "Taxi" {
		t.Errorf("Merchant = %q, want Taxi", txn.Merchant)
	}

	_, ok, err = GetAs[testTransaction](c, "transactions_missing")
	if ok || err != nil {
		t.Errorf("missing key: ok %v, err %v", ok, err)
	}
}

func TestCollection_ReturnsMembers(t *testing.T) {
	c := New()
	_ = c.Set("transactions_1", map[string]any{"id": "1"})
	_ = c.Set("transactions_2", map[string]any{"id": "2"})
	_ = c.Set("reports_1", map[string]any{"id": "r"})

	got := c.Collection("transactions_")
	if len(got) != 2 {
		t.Errorf("Collection() returned %d members, want 2", len(got))
	}
}

func TestSubscribe_KeyReceivesInitialAndChanges(t *testing.T) {
	c := New()
	_ = c.Set("transactions_1", map[string]any{"merchant": "A"})

	var seen []any
	conn := c.Subscribe("transactions_1", func(key string, value any, present bool) {
		if !present {
			seen = append(seen, "<removed>")
			return
		}
		seen = append(seen, value.(map[string]any)["merchant"])
	})

	_ = c.Merge("transactions_1", map[string]any{"merchant": "B"})
	_ = c.Set("transactions_2", map[string]any{"merchant": "other"})
	_ = c.Remove("transactions_1")
	c.Disconnect(conn)
	_ = c.Set("transactions_1", map[string]any{"merchant": "C"})

	want := []any{"A", "B", "<removed>"}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Errorf("callback sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSubscribe_MissingKeyDeliversAbsent(t *testing.T) {
	c := New()
	var calls int
	var lastPresent = true
	c.Subscribe("transactions_none", func(key string, value any, present bool) {
		calls++
		lastPresent = present
	})
	if calls != 1 || lastPresent {
		t.Errorf("expected one initial absent callback, got calls=%d present=%v", calls, lastPresent)
	}
}

func TestSubscribe_CollectionReceivesMemberChanges(t *testing.T) {
	c := New()
	_ = c.Set("transactions_1", map[string]any{"a": "1"})

	var keys []string
	c.Subscribe("transactions_", func(key string, value any, present bool) {
		keys = append(keys, key)
	})
	_ = c.Set("transactions_2", map[string]any{"a": "2"})
	_ = c.Set("reports_1", map[string]any{"a": "r"})

	want := []string{"transactions_1", "transactions_2"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("collection callbacks mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdate_UnchangedValueDoesNotNotify(t *testing.T) {
	c := New()
	_ = c.Set("reports_1", map[string]any{"total": "10"})

	var calls int
	c.Subscribe("reports_1", func(string, any, bool) { calls++ })
	_ = c.Merge("reports_1", map[string]any{"total": "10"})
	_ = c.Remove("reports_missing")

	if calls != 1 {
		t.Errorf("expected only the initial callback, got %d", calls)
	}
}

func TestSubscribe_CallbackMayWriteToCache(t *testing.T) {
	c := New()
	c.Subscribe("reports_", func(key string, value any, present bool) {
		if present {
			_ = c.Set("derived_count", len(c.Collection("reports_")))
		}
	})
	_ = c.Set("reports_1", map[string]any{"a": 1})
	_ = c.Set("reports_2", map[string]any{"a": 2})

	got, _ := c.Get("derived_count")
	if got != json.Number("2") {
		t.Errorf("derived_count = %v, want 2", got)
	}
}

func TestClear_RemovesEverything(t *testing.T) {
	c := New()
	_ = c.Set("a_1", 1)
	_ = c.Set("b_1", 2)

	var removed int
	c.Subscribe("a_", func(_ string, _ any, present bool) {
		if !present {
			removed++
		}
	})
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if len(c.Keys()) != 0 {
		t.Errorf("Keys() = %v after Clear", c.Keys())
	}
	if removed != 1 {
		t.Errorf("expected 1 removal notification, got %d", removed)
	}
}

func TestMergeValues(t *testing.T) {
	got, err := MergeValues(
		map[string]any{"a": 1, "b": map[string]any{"c": 2}},
		map[string]any{"b": map[string]any{"d": 3}, "a": nil},
	)
	if err != nil {
		t.Fatalf("MergeValues() error = %v", err)
	}
	want := mustNormalize(t, map[string]any{"b": map[string]any{"c": 2, "d": 3}})
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("MergeValues() mismatch (-want +got):\n%s", diff)
	}
}

// memPersister records every change it receives.
type memPersister struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	fail    error
}

func (p *memPersister) LoadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.entries))
	for k, v := range p.entries {
		out[k] = v
	}
	return out, nil
}

func (p *memPersister) Apply(ctx context.Context, changes []Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	for _, ch := range changes {
		if ch.Deleted {
			delete(p.entries, ch.Key)
			continue
		}
		p.entries[ch.Key] = ch.Value
	}
	return nil
}

func TestPersister_WriteThroughAndLoad(t *testing.T) {
	p := &memPersister{entries: map[string]json.RawMessage{}}
	c := New(WithPersister(p))

	_ = c.Set("transactions_1", map[string]any{"merchant": "A"})
	_ = c.Set("transactions_2", map[string]any{"merchant": "B"})
	_ = c.Remove("transactions_2")

	if len(p.entries) != 1 {
		t.Fatalf("persisted %d entries, want 1", len(p.entries))
	}

	// Given a fresh cache over the same persister
	restored := New(WithPersister(p))
	if err := restored.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := restored.Get("transactions_1")
	if !ok {
		t.Fatal("expected transactions_1 after Load")
	}
	if got.(map[string]any)["merchant"] != "A" {
		t.Errorf("merchant = %v, want A", got.(map[string]any)["merchant"])
	}
}

func TestPersister_FailureKeepsMemoryAuthoritative(t *testing.T) {
	p := &memPersister{entries: map[string]json.RawMessage{}, fail: errors.New("disk full")}
	c := New(WithPersister(p))

	if err := c.Set("transactions_1", map[string]any{"merchant": "A"}); err != nil {
		t.Fatalf("Set() should not fail on persistence errors, got %v", err)
	}
	if _, ok := c.Get("transactions_1"); !ok {
		t.Error("in-memory value must survive a persistence failure")
	}
}
