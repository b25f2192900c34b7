package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/store"
	tallysync "github.com/hyperengineering/tally/internal/sync"
)

// DeltaSource reads pages of the backend change log. Implemented by the
// tally client.
type DeltaSource interface {
	Delta(ctx context.Context, after int64, limit int) (*tallysync.DeltaResponse, error)
}

// CursorStore persists the last applied change log sequence.
// Implemented by LocalStore.
type CursorStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// RemoteApplier writes backend state into the local cache without losing
// pending optimistic updates. Implemented by optimistic.Reconciler.
type RemoteApplier interface {
	ApplyRemote(updates []cache.Update) error
}

// Puller brings the local cache up to date with the backend change log.
type Puller struct {
	source  DeltaSource
	cursor  CursorStore
	applier RemoteApplier
	limit   int
	metrics *metrics.Metrics
}

// PullerOption configures a Puller.
type PullerOption func(*Puller)

// WithPageSize sets how many entries are requested per delta page.
func WithPageSize(n int) PullerOption {
	return func(p *Puller) {
		if n > 0 && n <= tallysync.MaxDeltaLimit {
			p.limit = n
		}
	}
}

// WithPullMetrics counts applied entries on m.
func WithPullMetrics(m *metrics.Metrics) PullerOption {
	return func(p *Puller) {
		p.metrics = m
	}
}

// NewPuller creates a Puller reading from source and writing through applier.
func NewPuller(source DeltaSource, cursor CursorStore, applier RemoteApplier, opts ...PullerOption) *Puller {
	p := &Puller{
		source:  source,
		cursor:  cursor,
		applier: applier,
		limit:   tallysync.DefaultDeltaLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Pull applies every change log entry after the stored cursor, one page at
// a time. The cursor is saved after each page so an interrupted pull
// resumes where it stopped. It returns the number of entries applied.
func (p *Puller) Pull(ctx context.Context) (int, error) {
	after, err := p.lastSequence(ctx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		page, err := p.source.Delta(ctx, after, p.limit)
		if err != nil {
			return applied, fmt.Errorf("fetch delta after %d: %w", after, err)
		}

		updates := make([]cache.Update, 0, len(page.Entries))
		for _, e := range page.Entries {
			switch e.Operation {
			case tallysync.OperationUpsert:
				updates = append(updates, cache.SetUpdate(e.Key, e.Payload))
			case tallysync.OperationDelete:
				updates = append(updates, cache.RemoveUpdate(e.Key))
			default:
				return applied, fmt.Errorf("entry %d (%s): unknown operation %q", e.Sequence, e.Key, e.Operation)
			}
		}
		if err := p.applier.ApplyRemote(updates); err != nil {
			return applied, fmt.Errorf("apply delta after %d: %w", after, err)
		}
		applied += len(updates)
		p.metrics.ChangeLogEntries("pull", len(updates))

		if page.LastSequence > after {
			after = page.LastSequence
			if err := p.cursor.SetMeta(ctx, tallysync.LocalMetaLastSequence, strconv.FormatInt(after, 10)); err != nil {
				return applied, fmt.Errorf("save cursor: %w", err)
			}
		}
		if !page.HasMore || len(page.Entries) == 0 {
			return applied, nil
		}
	}
}

func (p *Puller) lastSequence(ctx context.Context) (int64, error) {
	v, err := p.cursor.GetMeta(ctx, tallysync.LocalMetaLastSequence)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %q: %w", v, err)
	}
	return seq, nil
}

// PullCoordinator runs a Puller on an interval.
type PullCoordinator struct {
	puller   *Puller
	interval time.Duration
}

// NewPullCoordinator creates a coordinator pulling every interval.
func NewPullCoordinator(puller *Puller, interval time.Duration) *PullCoordinator {
	return &PullCoordinator{puller: puller, interval: interval}
}

// Run pulls once immediately, then on every tick until ctx is cancelled.
func (c *PullCoordinator) Run(ctx context.Context) {
	slog.Info("pull coordinator started",
		"component", "worker",
		"worker", "pull-coordinator",
		"interval", c.interval.String(),
	)

	c.pull(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("pull coordinator stopped",
				"component", "worker",
				"worker", "pull-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.pull(ctx)
		}
	}
}

func (c *PullCoordinator) pull(ctx context.Context) {
	start := time.Now()
	n, err := c.puller.Pull(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("pull failed",
			"component", "worker",
			"worker", "pull-coordinator",
			"applied", n,
			"error", err,
		)
		return
	}
	if n > 0 {
		slog.Info("pull completed",
			"component", "worker",
			"worker", "pull-coordinator",
			"applied", n,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
