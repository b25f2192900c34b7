package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hyperengineering/tally/internal/api"
	"github.com/hyperengineering/tally/internal/ledger"
	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/pkg/tally"
)

const cliAPIKey = "cli-test-key"

type cliEnv struct {
	backend *tally.Client
	store   *store.SQLiteStore
}

// newCLIEnv starts a backend seeded with two open reports and one
// transaction on r1, and points the CLI at it with a fresh client database.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	srv := httptest.NewServer(api.NewRouter(api.NewHandler(s, ledger.Default(time.Now), cliAPIKey, "test")))
	t.Cleanup(srv.Close)

	t.Setenv("TALLY_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("TALLY_DEV_MODE", "")
	t.Setenv("TALLY_API_KEY", cliAPIKey)
	t.Setenv("TALLY_SERVER_URL", srv.URL)
	t.Setenv("TALLY_CLIENT_DB_PATH", filepath.Join(t.TempDir(), "client.db"))
	t.Setenv("TALLY_SOURCE_ID", "cli-test")
	t.Setenv("TALLY_LOG_LEVEL", "error")

	backend, err := tally.New(srv.URL, cliAPIKey, tally.WithSourceID("seed"))
	if err != nil {
		t.Fatal(err)
	}
	docs := []struct {
		key string
		doc any
	}{
		{types.Key(types.CollectionReport, "r1"), types.Report{
			ReportID: "r1", Currency: "USD", Total: decimal.RequireFromString("10"), Status: types.ReportStatusOpen,
		}},
		{types.Key(types.CollectionReport, "r2"), types.Report{
			ReportID: "r2", Currency: "USD", Total: decimal.Zero, Status: types.ReportStatusOpen,
		}},
		{types.Key(types.CollectionTransaction, "t1"), types.Transaction{
			TransactionID: "t1", ReportID: "r1", Amount: decimal.RequireFromString("10"), Currency: "USD", Created: "2025-03-01",
		}},
	}
	push := tallysync.PushRequest{PushID: "seed"}
	for i, d := range docs {
		payload, err := json.Marshal(d.doc)
		if err != nil {
			t.Fatal(err)
		}
		push.Entries = append(push.Entries, tallysync.ChangeLogEntry{
			Sequence: int64(i + 1), Key: d.key, Operation: tallysync.OperationUpsert, Payload: payload,
		})
	}
	if _, err := backend.Push(context.Background(), push); err != nil {
		t.Fatalf("seed backend: %v", err)
	}
	return &cliEnv{backend: backend, store: s}
}

// executeCmd runs the CLI with captured output. Package-level flag
// variables are reset first so values from earlier runs do not leak.
func executeCmd(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()

	jsonOutput = false
	showMetrics = false
	reportNoPull = false
	noWait = false
	waitTimeout = 10 * time.Second
	moveReport = ""
	movePolicy = ""
	actorEmail = ""
	rejectReport = ""
	rejectReason = ""
	cachePrefix = ""

	outBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), err
}

func cachedDoc(t *testing.T, key string) map[string]any {
	t.Helper()
	out, err := executeCmd(t, "cache", "get", key)
	if err != nil {
		t.Fatalf("cache get %s: %v", key, err)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(out), &doc); err != nil {
		t.Fatalf("decode %s: %v\n%s", key, err, out)
	}
	return doc
}

func TestPull_FillsLocalCache(t *testing.T) {
	newCLIEnv(t)

	out, err := executeCmd(t, "pull")
	if err != nil {
		t.Fatalf("pull error = %v", err)
	}
	if !strings.Contains(out, "Applied 3 changes") {
		t.Errorf("pull output = %q", out)
	}

	if got := cachedDoc(t, "transactions_t1")["reportID"]; got != "r1" {
		t.Errorf("t1 reportID = %v, want r1", got)
	}

	// A second pull resumes from the saved cursor
	out, err = executeCmd(t, "pull", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Applied      int    `json:"applied"`
		LastSequence string `json:"last_sequence"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode pull output: %v", err)
	}
	if res.Applied != 0 || res.LastSequence != "3" {
		t.Errorf("second pull = %+v, want 0 applied at sequence 3", res)
	}
}

func TestMove_SucceedsAndConverges(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	// When
	out, err := executeCmd(t, "move", "t1", "--report", "r2")
	if err != nil {
		t.Fatalf("move error = %v (%s)", err, out)
	}
	if !strings.Contains(out, "succeeded") {
		t.Errorf("move output = %q, want succeeded", out)
	}

	// Then: the local cache shows the move without a pending marker
	tx := cachedDoc(t, "transactions_t1")
	if tx["reportID"] != "r2" {
		t.Errorf("local t1 reportID = %v, want r2", tx["reportID"])
	}
	if _, pending := tx["pendingAction"]; pending {
		t.Errorf("pending marker left on t1: %v", tx)
	}
	if got := cachedDoc(t, "reports_r2")["total"]; got != "10" {
		t.Errorf("local r2 total = %v, want 10", got)
	}

	// And the backend agrees
	raw, err := env.store.GetDocument(context.Background(), "transactions_t1")
	if err != nil {
		t.Fatal(err)
	}
	var serverTx types.Transaction
	if err := json.Unmarshal(raw, &serverTx); err != nil {
		t.Fatal(err)
	}
	if serverTx.ReportID != "r2" {
		t.Errorf("server t1 reportID = %q, want r2", serverTx.ReportID)
	}
}

func TestReject_FailureRollsBack(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	// Given: someone else already took t1 off r1 on the backend
	_, err := env.backend.Execute(context.Background(), types.CommandChangeTransactionsReport, "other1",
		json.RawMessage(`{"transactionIDs":["t1"],"reportID":"0"}`))
	if err != nil {
		t.Fatal(err)
	}

	// When: this client, still seeing t1 on r1, rejects it
	out, err := executeCmd(t, "reject", "t1", "--report", "r1", "--reason", "duplicate receipt", "--actor", "approver@example.com")

	// Then: the backend refuses, the optimistic change is undone and the
	// cache catches up with the backend's view
	if err == nil {
		t.Fatalf("reject should fail, output %q", out)
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("reject output = %q, want failed", out)
	}
	tx := cachedDoc(t, "transactions_t1")
	if tx["reportID"] != "0" {
		t.Errorf("t1 reportID = %v, want 0 from the backend", tx["reportID"])
	}
	if _, pending := tx["pendingAction"]; pending {
		t.Errorf("pending marker left on t1: %v", tx)
	}
	r1 := cachedDoc(t, "reports_r1")
	if got := r1["total"]; got != "0" {
		t.Errorf("r1 total = %v, want 0 from the backend", got)
	}
	if _, pending := r1["pendingAction"]; pending {
		t.Errorf("pending marker left on r1: %v", r1)
	}
	if errs := cachedDoc(t, "errors_transactions_t1"); len(errs) != 1 {
		t.Errorf("errors_transactions_t1 = %v, want one failure message", errs)
	}

	// When: the failure is dismissed
	out, err = executeCmd(t, "errors", "clear", "transactions_t1")
	if err != nil {
		t.Fatalf("errors clear error = %v", err)
	}
	if !strings.Contains(out, "Cleared errors for transactions_t1") {
		t.Errorf("errors clear output = %q", out)
	}

	// Then: the message is gone and clearing again reports nothing to do
	if _, err := executeCmd(t, "cache", "get", "errors_transactions_t1"); err == nil {
		t.Error("errors_transactions_t1 should be gone")
	}
	out, err = executeCmd(t, "errors", "clear", "transactions_t1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No errors recorded") {
		t.Errorf("second errors clear output = %q", out)
	}
}

func TestQueue_ListAndFlush(t *testing.T) {
	newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	out, err := executeCmd(t, "move", "t1", "--report", "r2", "--no-wait")
	if err != nil {
		t.Fatalf("move error = %v", err)
	}
	if !strings.Contains(out, "queued") {
		t.Errorf("move output = %q, want queued", out)
	}

	// The request survives the process and is listed
	out, err = executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, types.CommandChangeTransactionsReport) {
		t.Errorf("queue list = %q, want the queued command", out)
	}
	// The optimistic state was persisted with it
	if got := cachedDoc(t, "transactions_t1")["pendingAction"]; got != "update" {
		t.Errorf("t1 pendingAction = %v, want update", got)
	}

	out, err = executeCmd(t, "queue", "flush")
	if err != nil {
		t.Fatalf("flush error = %v", err)
	}
	if !strings.Contains(out, "Sent 1 requests, 0 failed") {
		t.Errorf("flush output = %q", out)
	}

	out, err = executeCmd(t, "queue", "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No queued requests.") {
		t.Errorf("queue list after flush = %q", out)
	}
	if _, pending := cachedDoc(t, "transactions_t1")["pendingAction"]; pending {
		t.Error("pending marker left after flush")
	}
}

func TestValidationErrorsDoNotQueue(t *testing.T) {
	newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	if _, err := executeCmd(t, "reject", "t1", "--report", "r1", "--reason", "   ", "--actor", "approver@example.com"); err == nil {
		t.Fatal("blank reason should be rejected")
	}
	out, err := executeCmd(t, "queue", "list", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"total": 0`) {
		t.Errorf("queue list = %q, want empty", out)
	}
}

func TestCacheKeys_FiltersByPrefix(t *testing.T) {
	newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	out, err := executeCmd(t, "cache", "keys", "--prefix", types.CollectionReport)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Fields(out); len(got) != 2 || got[0] != "reports_r1" || got[1] != "reports_r2" {
		t.Errorf("keys = %v, want [reports_r1 reports_r2]", got)
	}
}

func TestReport_ShowsAttributesAndNewTransactions(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	// Given: another client files t2 on r1 after this one pulled
	payload, err := json.Marshal(types.Transaction{
		TransactionID: "t2", ReportID: "r1", Amount: decimal.RequireFromString("5"), Currency: "USD", Created: "2025-03-02",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.backend.Push(context.Background(), tallysync.PushRequest{
		PushID: "seed-t2",
		Entries: []tallysync.ChangeLogEntry{{
			Sequence: 1, Key: types.Key(types.CollectionTransaction, "t2"), Operation: tallysync.OperationUpsert, Payload: payload,
		}},
	})
	if err != nil {
		t.Fatal(err)
	}

	// When
	out, err := executeCmd(t, "report", "r1", "--json")
	if err != nil {
		t.Fatalf("report error = %v (%s)", err, out)
	}

	// Then: the pull brought t2 in and it is listed as new
	var res struct {
		ReportID   string `json:"report_id"`
		Attributes struct {
			ReportName       string `json:"reportName"`
			Total            string `json:"total"`
			TransactionCount int    `json:"transactionCount"`
			HasPending       bool   `json:"hasPending"`
		} `json:"attributes"`
		NewTransactions []string `json:"new_transactions"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode report output: %v\n%s", err, out)
	}
	if res.Attributes.ReportName != "Expense Report #r1" || res.Attributes.Total != "10" {
		t.Errorf("attributes = %+v", res.Attributes)
	}
	if res.Attributes.TransactionCount != 2 || res.Attributes.HasPending {
		t.Errorf("attributes = %+v, want 2 settled transactions", res.Attributes)
	}
	if len(res.NewTransactions) != 1 || res.NewTransactions[0] != "t2" {
		t.Errorf("new transactions = %v, want [t2]", res.NewTransactions)
	}

	// A second look has nothing new
	out, err = executeCmd(t, "report", "r1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Transactions:  2") || strings.Contains(out, "New:") {
		t.Errorf("report output = %q", out)
	}
}

func TestReport_UnknownReport(t *testing.T) {
	newCLIEnv(t)

	if _, err := executeCmd(t, "report", "r9", "--no-pull"); err == nil {
		t.Error("report of an uncached report should fail")
	}
}

func TestDraftSetReport_WritesLocalDraftOnly(t *testing.T) {
	newCLIEnv(t)
	if _, err := executeCmd(t, "pull"); err != nil {
		t.Fatal(err)
	}

	out, err := executeCmd(t, "draft", "set-report", "t1", "r2")
	if err != nil {
		t.Fatalf("draft set-report error = %v", err)
	}
	if !strings.Contains(out, "Draft of t1 set to report r2.") {
		t.Errorf("output = %q", out)
	}

	if got := cachedDoc(t, "transactionDrafts_t1")["reportID"]; got != "r2" {
		t.Errorf("draft reportID = %v, want r2", got)
	}
	// Nothing was queued and the transaction itself is unchanged
	out, err = executeCmd(t, "queue", "list", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"total": 0`) {
		t.Errorf("queue list = %q, want empty", out)
	}
	if got := cachedDoc(t, "transactions_t1")["reportID"]; got != "r1" {
		t.Errorf("t1 reportID = %v, want r1", got)
	}
}
