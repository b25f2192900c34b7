// Package actions holds the user-facing expense operations. Each action
// computes its optimistic, success and failure data from the current cache
// contents and hands them to the optimistic Mutator.
package actions

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/optimistic"
	"github.com/hyperengineering/tally/internal/types"
	"github.com/hyperengineering/tally/internal/validation"
)

var (
	// ErrTransactionNotFound is returned when an action names a transaction the cache does not hold.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrReportNotFound is returned when an action names a report the cache does not hold.
	ErrReportNotFound = errors.New("report not found")
	// ErrReportNotOutstanding is returned when a report no longer accepts changes.
	ErrReportNotOutstanding = errors.New("report is not outstanding")
	// ErrTransactionNotOnReport is returned when rejecting an expense from a report it is not on.
	ErrTransactionNotOnReport = errors.New("transaction is not on report")
	// ErrMergeMismatch is returned when a merge draft does not describe the given transactions.
	ErrMergeMismatch = errors.New("merge draft does not match transactions")
	// ErrNoChange is returned when an action would not change anything.
	ErrNoChange = errors.New("nothing to change")
)

// Actions runs expense operations against one client cache.
type Actions struct {
	m     *optimistic.Mutator
	c     *cache.Cache
	now   func() time.Time
	newID func() string
}

// Option configures Actions.
type Option func(*Actions)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Actions) {
		a.now = now
	}
}

// WithIDGenerator overrides how report action IDs are generated.
func WithIDGenerator(fn func() string) Option {
	return func(a *Actions) {
		a.newID = fn
	}
}

// New creates Actions writing through m.
func New(m *optimistic.Mutator, opts ...Option) *Actions {
	a := &Actions{
		m:     m,
		c:     m.Cache(),
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Actions) transaction(id string) (types.Transaction, error) {
	tx, ok, err := cache.GetAs[types.Transaction](a.c, types.Key(types.CollectionTransaction, id))
	if err != nil {
		return tx, err
	}
	if !ok {
		return tx, fmt.Errorf("%s: %w", id, ErrTransactionNotFound)
	}
	return tx, nil
}

func (a *Actions) report(id string) (types.Report, error) {
	r, ok, err := cache.GetAs[types.Report](a.c, types.Key(types.CollectionReport, id))
	if err != nil {
		return r, err
	}
	if !ok {
		return r, fmt.Errorf("%s: %w", id, ErrReportNotFound)
	}
	return r, nil
}

func (a *Actions) violations(transactionID string) ([]types.Violation, bool) {
	v, ok, err := cache.GetAs[[]types.Violation](a.c, types.Key(types.CollectionTransactionViolation, transactionID))
	if err != nil || !ok {
		return nil, false
	}
	return v, true
}

func invalid(errs []validation.ValidationError) error {
	if len(errs) == 0 {
		return nil
	}
	return validation.Errors(errs)
}
