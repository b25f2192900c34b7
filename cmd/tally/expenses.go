package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/types"
)

var (
	moveReport   string
	movePolicy   string
	actorEmail   string
	rejectReport string
	rejectReason string
)

var mergeCmd = &cobra.Command{
	Use:   "merge <merge-transaction-id>",
	Short: "Merge two transactions using a stored merge draft",
	Long:  "Merge the draft's source transaction into its target. The draft, and both\ntransactions, must already be in the local cache.",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runMerge),
}

var moveCmd = &cobra.Command{
	Use:   "move <transaction-id>...",
	Short: "Move transactions to a report",
	Long:  "Move transactions onto a report, or off any report with --report 0.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withSession(runMove),
}

var dismissDuplicateCmd = &cobra.Command{
	Use:   "dismiss-duplicate <transaction-id>...",
	Short: "Keep transactions flagged as duplicates",
	Args:  cobra.MinimumNArgs(1),
	RunE:  withSession(runDismissDuplicate),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <transaction-id>",
	Short: "Reject an expense and take it off its report",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runReject),
}

func init() {
	moveCmd.Flags().StringVar(&moveReport, "report", "", "Destination report ID (0 for unreported)")
	moveCmd.Flags().StringVar(&movePolicy, "policy", "", "Policy whose rules apply to the moved transactions")
	_ = moveCmd.MarkFlagRequired("report")

	dismissDuplicateCmd.Flags().StringVar(&actorEmail, "actor", "", "Email of the person dismissing the violation")
	_ = dismissDuplicateCmd.MarkFlagRequired("actor")

	rejectCmd.Flags().StringVar(&rejectReport, "report", "", "Report the transaction is on")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "Why the expense is rejected")
	rejectCmd.Flags().StringVar(&actorEmail, "actor", "", "Email of the approver")
	_ = rejectCmd.MarkFlagRequired("report")
	_ = rejectCmd.MarkFlagRequired("reason")
	_ = rejectCmd.MarkFlagRequired("actor")

	for _, c := range []*cobra.Command{mergeCmd, moveCmd, dismissDuplicateCmd, rejectCmd} {
		addWaitFlags(c)
	}
}

// lookup decodes the cached document under key into T.
func lookup[T any](c *cache.Cache, collection, id string) (T, error) {
	v, ok, err := cache.GetAs[T](c, types.Key(collection, id))
	if err != nil {
		return v, fmt.Errorf("decode %s%s: %w", collection, id, err)
	}
	if !ok {
		return v, fmt.Errorf("%s%s not in local cache (run tally pull)", collection, id)
	}
	return v, nil
}

func runMerge(cmd *cobra.Command, args []string, s *session) error {
	draft, err := lookup[types.MergeTransaction](s.cache, types.CollectionMergeTransaction, args[0])
	if err != nil {
		return err
	}
	target, err := lookup[types.Transaction](s.cache, types.CollectionTransaction, draft.TargetTransactionID)
	if err != nil {
		return err
	}
	source, err := lookup[types.Transaction](s.cache, types.CollectionTransaction, draft.SourceTransactionID)
	if err != nil {
		return err
	}

	id, err := s.actions.MergeTransaction(cmd.Context(), args[0], draft, target, source)
	if err != nil {
		return err
	}
	return s.finish(cmd, id)
}

func runMove(cmd *cobra.Command, args []string, s *session) error {
	var policy *types.Policy
	if movePolicy != "" {
		p, err := lookup[types.Policy](s.cache, types.CollectionPolicy, movePolicy)
		if err != nil {
			return err
		}
		policy = &p
	}

	id, err := s.actions.ChangeTransactionsReport(cmd.Context(), args, moveReport, policy)
	if err != nil {
		return err
	}
	return s.finish(cmd, id)
}

func runDismissDuplicate(cmd *cobra.Command, args []string, s *session) error {
	id, err := s.actions.DismissDuplicateViolation(cmd.Context(), args, actorEmail)
	if err != nil {
		return err
	}
	return s.finish(cmd, id)
}

func runReject(cmd *cobra.Command, args []string, s *session) error {
	id, err := s.actions.RejectExpense(cmd.Context(), args[0], rejectReport, rejectReason, actorEmail)
	if err != nil {
		return err
	}
	return s.finish(cmd, id)
}
