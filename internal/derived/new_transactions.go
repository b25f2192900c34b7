package derived

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/types"
)

// DefaultSettleWindow is how long after a report's first load arriving
// transactions still count as part of that load.
const DefaultSettleWindow = 500 * time.Millisecond

// TransactionsTracker tells which transactions of a report were added
// after the report was first shown, so views can highlight them.
//
// Transactions seen before MarkLoaded, or within the settle window after it,
// belong to the initial load and are never new. After that, every
// observation returns the transactions missing from the previous one.
type TransactionsTracker struct {
	mu       sync.Mutex
	now      func() time.Time
	settle   time.Duration
	loadedAt time.Time
	loaded   bool
	previous map[string]struct{}
}

// TrackerOption configures a TransactionsTracker.
type TrackerOption func(*TransactionsTracker)

// WithSettleWindow overrides DefaultSettleWindow.
func WithSettleWindow(d time.Duration) TrackerOption {
	return func(t *TransactionsTracker) {
		t.settle = d
	}
}

// WithTrackerClock overrides the time source.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *TransactionsTracker) {
		t.now = now
	}
}

// NewTransactionsTracker creates a tracker for one report view.
func NewTransactionsTracker(opts ...TrackerOption) *TransactionsTracker {
	t := &TransactionsTracker{
		now:      time.Now,
		settle:   DefaultSettleWindow,
		previous: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkLoaded records that the report has loaded once. Later calls are ignored.
func (t *TransactionsTracker) MarkLoaded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return
	}
	t.loaded = true
	t.loadedAt = t.now()
}

// Observe takes the report's current transactions and returns those that
// are new since the previous observation, sorted by transaction ID.
// Removed transactions yield nothing.
func (t *TransactionsTracker) Observe(transactions []types.Transaction) []types.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := make(map[string]struct{}, len(transactions))
	for _, tx := range transactions {
		current[tx.TransactionID] = struct{}{}
	}
	previous := t.previous
	t.previous = current

	if !t.loaded || t.now().Sub(t.loadedAt) < t.settle {
		return nil
	}

	var added []types.Transaction
	for _, tx := range transactions {
		if _, ok := previous[tx.TransactionID]; !ok {
			added = append(added, tx)
		}
	}
	sort.Slice(added, func(i, j int) bool {
		return added[i].TransactionID < added[j].TransactionID
	})
	return added
}

// ReportTransactions returns the cached transactions on reportID, sorted by
// transaction ID.
func ReportTransactions(c *cache.Cache, reportID string) ([]types.Transaction, error) {
	var out []types.Transaction
	for key, value := range c.Collection(types.CollectionTransaction) {
		if reportIDOf(value) != reportID {
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", key, err)
		}
		var tx types.Transaction
		if err := json.Unmarshal(data, &tx); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].TransactionID < out[j].TransactionID
	})
	return out, nil
}
