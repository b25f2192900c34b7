package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/tally/internal/cache"
)

// Dispatcher hands a registered mutation to the network layer. It must not
// block on the backend; the outcome arrives later through Reconciler.Resolve.
type Dispatcher interface {
	Dispatch(ctx context.Context, m Mutation) error
}

// Mutator is the entry point actions use to change client state.
type Mutator struct {
	c     *cache.Cache
	rec   *Reconciler
	d     Dispatcher
	newID func() string
}

// MutatorOption configures a Mutator.
type MutatorOption func(*Mutator)

// WithIDGenerator overrides how mutation IDs are generated.
func WithIDGenerator(fn func() string) MutatorOption {
	return func(m *Mutator) {
		m.newID = fn
	}
}

// NewMutator creates a Mutator that applies data to c, tracks it with rec and
// sends it through d.
func NewMutator(c *cache.Cache, rec *Reconciler, d Dispatcher, opts ...MutatorOption) *Mutator {
	m := &Mutator{
		c:     c,
		rec:   rec,
		d:     d,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Cache returns the cache the mutator writes to.
func (m *Mutator) Cache() *cache.Cache {
	return m.c
}

// Write applies data's optimistic updates, registers the mutation and
// dispatches command with params. It returns the mutation ID, which doubles
// as the request's idempotency key. If the dispatcher refuses the mutation
// it is rolled back before Write returns.
func (m *Mutator) Write(ctx context.Context, command string, params any, data Data) (string, error) {
	if command == "" {
		return "", ErrEmptyCommand
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal %s params: %w", command, err)
	}

	mut := Mutation{
		ID:      m.newID(),
		Command: command,
		Params:  raw,
		Data:    data,
		Keys:    data.Keys(),
	}
	if err := m.rec.Begin(mut); err != nil {
		return "", err
	}

	if err := m.d.Dispatch(ctx, mut); err != nil {
		dispatchErr := fmt.Errorf("dispatch %s: %w", command, err)
		if rerr := m.rec.Resolve(mut.ID, Failed{Err: dispatchErr}); rerr != nil {
			return "", errors.Join(dispatchErr, rerr)
		}
		return "", dispatchErr
	}
	return mut.ID, nil
}

// Local applies data's optimistic updates with no backend round trip. It is
// used for draft state that only the client knows about.
func (m *Mutator) Local(data Data) error {
	return Apply(m.c, data.Optimistic)
}
