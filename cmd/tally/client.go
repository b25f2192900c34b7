package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/tally/internal/actions"
	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/config"
	"github.com/hyperengineering/tally/internal/derived"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/queue"
	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
	"github.com/hyperengineering/tally/internal/worker"
	"github.com/hyperengineering/tally/pkg/tally"
)

// ErrNotDrained is returned when queued requests are still unresolved after
// the wait timeout. They stay persisted and are sent on the next run.
var ErrNotDrained = errors.New("requests still queued")

var (
	noWait      bool
	waitTimeout time.Duration
)

// addWaitFlags registers the flags shared by commands that queue requests.
func addWaitFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Queue the request and exit without sending it")
	cmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Second, "How long to wait for queued requests to resolve")
}

// session is one client run: the persisted cache, the request queue and the
// connection to the backend, wired together.
type session struct {
	cfg         *config.Config
	local       *store.LocalStore
	cache       *cache.Cache
	rec         *optimistic.Reconciler
	queue       *queue.Queue
	actions     *actions.Actions
	client      *tally.Client
	puller      *worker.Puller
	coordinator *worker.PullCoordinator
	reports     *derived.ReportAttributes
	metrics     *metrics.Metrics

	mu       sync.Mutex
	failures map[string]error
}

// openSession loads configuration and the local database, hydrates the
// cache and restores requests left queued by an earlier run.
func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// Client logs go to stderr so stdout carries command output.
	slog.SetDefault(newLogger(os.Stderr, cfg.Log))

	if dir := filepath.Dir(cfg.Client.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create client data dir: %w", err)
		}
	}
	local, err := store.NewLocalStore(cfg.Client.DBPath)
	if err != nil {
		return nil, err
	}

	sourceID, err := resolveSourceID(ctx, cfg, local)
	if err != nil {
		local.Close()
		return nil, err
	}
	client, err := tally.New(cfg.Client.ServerURL, cfg.Auth.APIKey,
		tally.WithSourceID(sourceID),
		tally.WithTimeout(cfg.Client.RequestTimeout.Std()),
	)
	if err != nil {
		local.Close()
		return nil, err
	}

	s := &session{
		cfg:      cfg,
		local:    local,
		client:   client,
		metrics:  metrics.New(),
		failures: make(map[string]error),
	}
	s.cache = cache.New(cache.WithPersister(local))
	if err := s.cache.Load(ctx); err != nil {
		local.Close()
		return nil, err
	}
	s.reports = derived.NewReportAttributes(s.cache)
	s.reports.Start()

	s.rec = optimistic.NewReconciler(s.cache,
		optimistic.WithErrorHandler(s.recordFailure),
		optimistic.WithConfirmation(actions.Confirm),
		optimistic.WithRebaseHandler(s.persistRebased),
		optimistic.WithMetrics(s.metrics),
	)
	s.queue = queue.New(client, s.rec,
		queue.WithStorage(local),
		queue.WithWorkers(cfg.Client.Workers),
		queue.WithMetrics(s.metrics),
	)
	if _, err := s.queue.Load(ctx); err != nil {
		s.close()
		return nil, err
	}
	s.actions = actions.New(optimistic.NewMutator(s.cache, s.rec, s.queue))
	s.puller = worker.NewPuller(client, local, s.rec,
		worker.WithPageSize(cfg.Client.PullPageSize),
		worker.WithPullMetrics(s.metrics),
	)
	s.coordinator = worker.NewPullCoordinator(s.puller, cfg.Client.PullInterval.Std())
	return s, nil
}

// resolveSourceID returns the configured source ID, or a generated one that
// is kept in the local database so it stays stable across runs.
func resolveSourceID(ctx context.Context, cfg *config.Config, local *store.LocalStore) (string, error) {
	if cfg.Client.SourceID != "" {
		return cfg.Client.SourceID, nil
	}
	const key = "source_id"
	id, err := local.GetMeta(ctx, key)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	id = "client-" + ulid.Make().String()
	if err := local.SetMeta(ctx, key, id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *session) recordFailure(m optimistic.Mutation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[m.ID] = err
}

// persistRebased keeps a queued request's stored rollback data in step with
// the reconciler. The queue exists before anything can be rebased.
func (s *session) persistRebased(m optimistic.Mutation) {
	s.queue.Rebased(m)
}

func (s *session) failure(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[id]
}

// drain sends queued requests until none are left or timeout passes. The
// pull coordinator runs alongside so backend changes keep arriving, and one
// more pull after the last outcome brings the cache up to date.
func (s *session) drain(ctx context.Context, timeout time.Duration) error {
	if s.queue.Len() == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	var wg sync.WaitGroup
	done := make(chan error, 1)
	go func() { done <- s.queue.Run(runCtx) }()
	startWorker(runCtx, &wg, "pull-coordinator", s.coordinator.Run)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.queue.Len() > 0 {
		select {
		case <-ctx.Done():
			stop()
			<-done
			wg.Wait()
			return fmt.Errorf("%d %w after %s", s.queue.Len(), ErrNotDrained, timeout)
		case <-ticker.C:
		}
	}
	stop()
	err := <-done
	wg.Wait()

	if _, perr := s.puller.Pull(ctx); perr != nil {
		slog.Warn("pull after drain failed", "component", "client", "error", perr)
	}
	return err
}

// finish waits for requestID to resolve unless --no-wait is set, and
// reports its outcome.
func (s *session) finish(cmd *cobra.Command, requestID string) error {
	if noWait {
		return s.printResult(cmd, requestID, "queued", nil)
	}
	if err := s.drain(cmd.Context(), waitTimeout); err != nil {
		return err
	}
	if ferr := s.failure(requestID); ferr != nil {
		if err := s.printResult(cmd, requestID, "failed", ferr); err != nil {
			return err
		}
		return fmt.Errorf("request %s failed: %w", requestID, ferr)
	}
	return s.printResult(cmd, requestID, "succeeded", nil)
}

func (s *session) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failures)
}

func (s *session) printResult(cmd *cobra.Command, requestID, status string, err error) error {
	if jsonOutput {
		out := map[string]any{"request_id": requestID, "status": status}
		if err != nil {
			out["error"] = err.Error()
		}
		return printJSON(cmd.OutOrStdout(), out)
	}
	if err != nil {
		_, werr := fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %v\n", requestID, status, err)
		return werr
	}
	_, werr := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", requestID, status)
	return werr
}

func (s *session) close() {
	s.reports.Stop()
	if err := s.local.Close(); err != nil {
		slog.Error("local store close error", "error", err)
	}
}

// withSession runs fn inside an open session and closes it afterwards.
func withSession(fn func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		err = fn(cmd, args, s)
		if showMetrics {
			if merr := s.metrics.WriteText(cmd.ErrOrStderr()); merr != nil {
				slog.Warn("write metrics failed", "error", merr)
			}
		}
		return err
	}
}

// lastSequence reads the pull cursor for display.
func (s *session) lastSequence(ctx context.Context) string {
	v, err := s.local.GetMeta(ctx, tallysync.LocalMetaLastSequence)
	if err != nil {
		return "0"
	}
	return v
}
