package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally/internal/derived"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
)

var reportNoPull bool

var reportCmd = &cobra.Command{
	Use:   "report <report-id>",
	Short: "Show a report's attributes and the transactions new since the last look",
	Long:  "Pull backend changes and show the report's derived attributes. Transactions\nthat arrived with the pull are listed as new.",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runReport),
}

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Edit local transaction drafts",
}

var draftSetReportCmd = &cobra.Command{
	Use:   "set-report <transaction-id> <report-id>",
	Short: "Choose the report a transaction's draft will be filed on",
	Long:  "Record the report on the transaction's local draft. Nothing is sent to the backend.",
	Args:  cobra.ExactArgs(2),
	RunE:  withSession(runDraftSetReport),
}

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Manage failure messages of rolled back requests",
}

var errorsClearCmd = &cobra.Command{
	Use:   "clear <key>",
	Short: "Dismiss the failure messages recorded for a cache key",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runErrorsClear),
}

func init() {
	reportCmd.Flags().BoolVar(&reportNoPull, "no-pull", false, "Use the local cache without pulling first")

	draftCmd.AddCommand(draftSetReportCmd)
	errorsCmd.AddCommand(errorsClearCmd)
}

func runReport(cmd *cobra.Command, args []string, s *session) error {
	reportID := args[0]
	tracker := derived.NewTransactionsTracker(derived.WithSettleWindow(0))

	before, err := derived.ReportTransactions(s.cache, reportID)
	if err != nil {
		return err
	}
	tracker.Observe(before)
	tracker.MarkLoaded()

	if !reportNoPull {
		if _, err := s.puller.Pull(cmd.Context()); err != nil {
			slog.Warn("pull failed, showing cached report", "component", "client", "error", err)
		}
	}

	attrs, ok := s.reports.Get(reportID)
	if !ok {
		return fmt.Errorf("%s%s not in local cache (run tally pull)", types.CollectionReport, reportID)
	}
	after, err := derived.ReportTransactions(s.cache, reportID)
	if err != nil {
		return err
	}
	added := tracker.Observe(after)
	newIDs := make([]string, len(added))
	for i, tx := range added {
		newIDs[i] = tx.TransactionID
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"report_id":        reportID,
			"attributes":       attrs,
			"new_transactions": newIDs,
		})
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Report:\t%s (%s)\n", attrs.ReportName, reportID)
	fmt.Fprintf(w, "Total:\t%s\n", attrs.Total)
	fmt.Fprintf(w, "Transactions:\t%d\n", attrs.TransactionCount)
	fmt.Fprintf(w, "Violations:\t%s\n", yesNo(attrs.HasViolations))
	fmt.Fprintf(w, "Pending:\t%s\n", yesNo(attrs.HasPending))
	if len(newIDs) > 0 {
		fmt.Fprintf(w, "New:\t%s\n", strings.Join(newIDs, ", "))
	}
	return w.Flush()
}

func runDraftSetReport(cmd *cobra.Command, args []string, s *session) error {
	transactionID, reportID := args[0], args[1]
	if err := s.actions.SetTransactionReport(transactionID, reportID); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"transaction_id": transactionID,
			"report_id":      reportID,
		})
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Draft of %s set to report %s.\n", transactionID, reportID)
	return err
}

func runErrorsClear(cmd *cobra.Command, args []string, s *session) error {
	key := args[0]
	_, had := s.cache.Get(optimistic.ErrorsKey(key))
	if err := optimistic.ClearErrors(s.cache, key); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"key": key, "cleared": had})
	}
	if !had {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "No errors recorded for %s.\n", key)
		return err
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Cleared errors for %s.\n", key)
	return err
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
