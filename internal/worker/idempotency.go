package worker

import (
	"context"
	"log/slog"
	"time"
)

// IdempotencyStore removes expired idempotency records. Implemented by
// SQLiteStore.
type IdempotencyStore interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
}

// IdempotencyCleaner periodically drops cached command outcomes whose TTL
// has passed.
type IdempotencyCleaner struct {
	store    IdempotencyStore
	interval time.Duration
}

// NewIdempotencyCleaner creates a cleaner running every interval.
func NewIdempotencyCleaner(s IdempotencyStore, interval time.Duration) *IdempotencyCleaner {
	return &IdempotencyCleaner{store: s, interval: interval}
}

// Run blocks until ctx is cancelled. The first sweep happens after one
// interval.
func (c *IdempotencyCleaner) Run(ctx context.Context) {
	slog.Info("idempotency cleaner started",
		"component", "worker",
		"worker", "idempotency-cleaner",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("idempotency cleaner stopped",
				"component", "worker",
				"worker", "idempotency-cleaner",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.clean(ctx)
		}
	}
}

func (c *IdempotencyCleaner) clean(ctx context.Context) {
	removed, err := c.store.CleanExpiredIdempotency(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		slog.Error("idempotency cleanup failed",
			"component", "worker",
			"worker", "idempotency-cleaner",
			"error", err,
		)
		return
	}
	if removed > 0 {
		slog.Info("expired idempotency records removed",
			"component", "worker",
			"worker", "idempotency-cleaner",
			"removed", removed,
		)
	}
}
