package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var cachePrefix string

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Apply backend changes to the local cache",
	Args:  cobra.NoArgs,
	RunE:  withSession(runPull),
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and send queued requests",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List requests waiting to be sent",
	Args:  cobra.NoArgs,
	RunE:  withSession(runQueueList),
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send every queued request and wait for the outcomes",
	Args:  cobra.NoArgs,
	RunE:  withSession(runQueueFlush),
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Read the local cache",
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the document stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runCacheGet),
}

var cacheKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List cached keys",
	Args:  cobra.NoArgs,
	RunE:  withSession(runCacheKeys),
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFlushCmd)
	addWaitFlags(queueFlushCmd)

	cacheKeysCmd.Flags().StringVar(&cachePrefix, "prefix", "", "Only list keys starting with this collection prefix")
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheKeysCmd)
}

func runPull(cmd *cobra.Command, args []string, s *session) error {
	n, err := s.puller.Pull(cmd.Context())
	if err != nil {
		return err
	}
	seq := s.lastSequence(cmd.Context())
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"applied": n, "last_sequence": seq})
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Applied %d changes (last sequence %s).\n", n, seq)
	return err
}

func runQueueList(cmd *cobra.Command, args []string, s *session) error {
	pending := s.queue.Pending()

	if jsonOutput {
		items := make([]map[string]any, len(pending))
		for i, r := range pending {
			items[i] = map[string]any{
				"id":        r.ID,
				"command":   r.Command,
				"keys":      r.Keys,
				"queued_at": r.QueuedAt,
				"attempts":  r.Attempts,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"requests": items,
			"total":    len(items),
		})
	}

	if len(pending) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No queued requests.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tCOMMAND\tATTEMPTS\tQUEUED\tKEYS")
	for _, r := range pending {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.Command,
			r.Attempts,
			r.QueuedAt.Format("2006-01-02 15:04"),
			strings.Join(r.Keys, ","),
		)
	}
	return w.Flush()
}

func runQueueFlush(cmd *cobra.Command, args []string, s *session) error {
	n := s.queue.Len()
	if err := s.drain(cmd.Context(), waitTimeout); err != nil {
		return err
	}
	failed := s.failureCount()
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"sent": n, "failed": failed})
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "Sent %d requests, %d failed.\n", n, failed)
	return err
}

func runCacheGet(cmd *cobra.Command, args []string, s *session) error {
	v, ok := s.cache.Get(args[0])
	if !ok {
		return fmt.Errorf("%s not in local cache", args[0])
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runCacheKeys(cmd *cobra.Command, args []string, s *session) error {
	var keys []string
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, cachePrefix) {
			keys = append(keys, k)
		}
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{"keys": keys, "total": len(keys)})
	}
	for _, k := range keys {
		fmt.Fprintln(cmd.OutOrStdout(), k)
	}
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}
