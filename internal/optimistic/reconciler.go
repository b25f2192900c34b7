package optimistic

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/metrics"
	"github.com/hyperengineering/tally/internal/types"
)

// ErrorHandler is told about every failed mutation after its rollback is
// visible in the cache.
type ErrorHandler func(m Mutation, err error)

// ConfirmFunc turns a successful backend response into extra cache updates
// applied with the mutation's success data. A returned error is logged and
// the response ignored.
type ConfirmFunc func(m Mutation, response json.RawMessage) ([]cache.Update, error)

// RebaseHandler is told about a pending mutation whose rollback data was
// rewritten. It runs with the Reconciler's lock held and must not call back
// into the Reconciler.
type RebaseHandler func(m Mutation)

// defaultMaxResolved bounds how many resolved IDs are remembered for
// duplicate detection.
const defaultMaxResolved = 4096

// Reconciler tracks mutations between their optimistic apply and the
// backend's answer, and applies exactly one of their success or failure data.
//
// Mutations that touch the same keys are kept in registration order. When an
// earlier one is resolved, later pending ones are re-applied on top of the
// resulting state so their optimistic changes stay visible, and their own
// rollback data is rebased onto that state.
//
// Cache subscribers run while the Reconciler's lock is held; they must not
// call Begin or Resolve synchronously.
type Reconciler struct {
	mu       sync.Mutex
	c        *cache.Cache
	pending  []*Mutation
	onError  ErrorHandler
	confirm  ConfirmFunc
	onRebase RebaseHandler
	metrics  *metrics.Metrics

	// resolved remembers the most recent maxResolved IDs; ring holds them
	// in resolution order.
	resolved    map[string]struct{}
	ring        []string
	next        int
	maxResolved int
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithErrorHandler registers fn to surface failed mutations.
func WithErrorHandler(fn ErrorHandler) ReconcilerOption {
	return func(r *Reconciler) {
		r.onError = fn
	}
}

// WithConfirmation registers fn to derive cache updates from success
// responses.
func WithConfirmation(fn ConfirmFunc) ReconcilerOption {
	return func(r *Reconciler) {
		r.confirm = fn
	}
}

// WithRebaseHandler registers fn to persist rewritten rollback data.
func WithRebaseHandler(fn RebaseHandler) ReconcilerOption {
	return func(r *Reconciler) {
		r.onRebase = fn
	}
}

// WithMetrics records resolution counters on m.
func WithMetrics(m *metrics.Metrics) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// NewReconciler creates a Reconciler writing to c.
func NewReconciler(c *cache.Cache, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		c:           c,
		resolved:    make(map[string]struct{}),
		maxResolved: defaultMaxResolved,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin applies m's optimistic updates and registers m as pending.
func (r *Reconciler) Begin(m Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNew(m.ID); err != nil {
		return err
	}
	if err := r.c.Update(m.Data.Optimistic); err != nil {
		return fmt.Errorf("apply optimistic data of %s: %w", m.ID, err)
	}
	r.register(m)
	return nil
}

// Restore registers m as pending without touching the cache. It is used on
// startup for requests whose optimistic data was persisted with the cache.
func (r *Reconciler) Restore(m Mutation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkNew(m.ID); err != nil {
		return err
	}
	r.register(m)
	return nil
}

func (r *Reconciler) checkNew(id string) error {
	if _, done := r.resolved[id]; done {
		return fmt.Errorf("%s: %w", id, ErrAlreadyResolved)
	}
	if r.indexOf(id) >= 0 {
		return fmt.Errorf("%s: %w", id, ErrDuplicateMutation)
	}
	return nil
}

// register must be called with mu held.
func (r *Reconciler) register(m Mutation) {
	if len(m.Keys) == 0 {
		m.Keys = m.Data.Keys()
	}
	r.pending = append(r.pending, &m)
	r.metrics.SetPendingMutations(len(r.pending))
}

// markResolved must be called with mu held. Once more than maxResolved IDs
// are remembered the oldest is forgotten.
func (r *Reconciler) markResolved(id string) {
	if r.maxResolved <= 0 {
		return
	}
	if len(r.ring) < r.maxResolved {
		r.ring = append(r.ring, id)
	} else {
		delete(r.resolved, r.ring[r.next])
		r.ring[r.next] = id
		r.next = (r.next + 1) % r.maxResolved
	}
	r.resolved[id] = struct{}{}
}

func (r *Reconciler) indexOf(id string) int {
	for i, m := range r.pending {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// Pending returns the unresolved mutations in registration order.
func (r *Reconciler) Pending() []Mutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Mutation, len(r.pending))
	for i, m := range r.pending {
		out[i] = *m
	}
	return out
}

// Resolve applies the outcome of mutation id. Each mutation resolves exactly
// once; a second call returns ErrAlreadyResolved while the ID is still
// remembered and ErrUnknownMutation after that.
func (r *Reconciler) Resolve(id string, result Result) error {
	r.mu.Lock()

	if _, done := r.resolved[id]; done {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrAlreadyResolved)
	}
	i := r.indexOf(id)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownMutation)
	}
	m := r.pending[i]
	later := r.pending[i+1:]

	var err error
	var failure *Failed
	switch res := result.(type) {
	case Succeeded:
		err = r.succeed(m, later, res.Response)
	case Failed:
		failure = &res
		err = r.fail(m, later, res)
	default:
		err = fmt.Errorf("unsupported result %T", result)
	}
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("resolve %s: %w", id, err)
	}

	r.pending = append(r.pending[:i:i], later...)
	r.markResolved(id)
	r.metrics.SetPendingMutations(len(r.pending))
	onError := r.onError
	r.mu.Unlock()

	if failure == nil {
		r.metrics.MutationResolved(m.Command, metrics.OutcomeSuccess)
		slog.Debug("mutation confirmed",
			"component", "reconciler",
			"action", "success",
			"request_id", m.ID,
			"command", m.Command,
		)
		return nil
	}

	r.metrics.MutationResolved(m.Command, metrics.OutcomeFailure)
	slog.Warn("mutation rolled back",
		"component", "reconciler",
		"action", "failure",
		"request_id", m.ID,
		"command", m.Command,
		"error", failure.Error(),
	)
	if onError != nil {
		onError(*m, *failure)
	}
	return nil
}

// succeed must be called with mu held.
//
// Keys m captured are rebuilt from m's snapshot, its optimistic updates and
// the confirmation, so later mutations are re-applied onto a known state
// instead of on top of their own optimistic changes.
func (r *Reconciler) succeed(m *Mutation, later []*Mutation, response json.RawMessage) error {
	confirmed := concat(m.Data.Success, r.confirmation(m, response), m.Data.Finally)
	touched := keySet(updateKeys(confirmed))

	var base []cache.Update
	captured := make(map[string]struct{})
	for _, u := range snapshots(m.Data.Failure) {
		if _, ok := touched[u.Key]; ok {
			base = append(base, u)
			captured[u.Key] = struct{}{}
		}
	}
	base = append(base, restrict(m.Data.Optimistic, captured)...)
	base = append(base, confirmed...)

	updates, rebased, err := r.replay(base, later)
	if err != nil {
		return err
	}
	if err := r.c.Update(updates); err != nil {
		return err
	}
	r.commitRebased(rebased)
	return nil
}

// confirmation must be called with mu held.
func (r *Reconciler) confirmation(m *Mutation, response json.RawMessage) []cache.Update {
	if r.confirm == nil || len(response) == 0 {
		return nil
	}
	updates, err := r.confirm(*m, response)
	if err != nil {
		slog.Warn("ignoring unreadable confirmation",
			"component", "reconciler",
			"request_id", m.ID,
			"command", m.Command,
			"error", err,
		)
		return nil
	}
	return updates
}

// fail must be called with mu held.
func (r *Reconciler) fail(m *Mutation, later []*Mutation, res Failed) error {
	updates, rebased, err := r.replay(concat(m.Data.Failure, m.Data.Finally), later)
	if err != nil {
		return err
	}

	msg := res.Error()
	for _, key := range m.Keys {
		if !isEntityKey(key) {
			continue
		}
		updates = append(updates, cache.MergeUpdate(ErrorsKey(key), map[string]any{m.ID: msg}))
	}

	if err := r.c.Update(updates); err != nil {
		return err
	}
	r.commitRebased(rebased)
	return nil
}

// ApplyRemote writes backend state into the cache. Pending mutations that
// touch the same keys are re-applied on top of it, and their rollback data
// is rebased so a later failure restores the backend's value.
func (r *Reconciler) ApplyRemote(updates []cache.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, rebased, err := r.replay(updates, r.pending)
	if err != nil {
		return err
	}
	if err := r.c.Update(all); err != nil {
		return err
	}
	r.commitRebased(rebased)
	return nil
}

// commitRebased must be called with mu held, after the cache write it
// belongs to succeeded.
func (r *Reconciler) commitRebased(rebased map[*Mutation][]cache.Update) {
	for _, l := range r.pending {
		failure, ok := rebased[l]
		if !ok {
			continue
		}
		l.Data.Failure = failure
		if r.onRebase != nil {
			r.onRebase(*l)
		}
	}
}

// replay returns base followed by what every mutation in later that shares a
// key with base needs re-applied, plus the rollback data of those mutations
// rebased onto the state base leaves behind. Must be called with mu held.
//
// A key that base sets outright is reset: its state no longer depends on the
// cache, so later mutations are re-applied onto it in full. On any other key
// base only adjusts the current value, which already includes the later
// mutations; their snapshot is adjusted the same way and only their non-additive
// updates are re-asserted.
func (r *Reconciler) replay(base []cache.Update, later []*Mutation) ([]cache.Update, map[*Mutation][]cache.Update, error) {
	updates := append([]cache.Update(nil), base...)
	dirty := keySet(updateKeys(base))

	// state tracks what the reset keys will hold once updates are applied.
	state := make(map[string]docState)
	for _, u := range base {
		if u.Method != cache.MethodSet {
			continue
		}
		if _, ok := state[u.Key]; ok {
			continue
		}
		v, ok, err := project(u.Key, nil, false, base)
		if err != nil {
			return nil, nil, err
		}
		state[u.Key] = docState{value: v, present: ok}
	}

	rebased := make(map[*Mutation][]cache.Update)
	for _, l := range later {
		reset := make(map[string]struct{})
		adjusted := make(map[string]struct{})
		for _, k := range l.Keys {
			if _, ok := dirty[k]; !ok {
				continue
			}
			if _, ok := state[k]; ok {
				reset[k] = struct{}{}
			} else {
				adjusted[k] = struct{}{}
			}
		}
		if len(reset) == 0 && len(adjusted) == 0 {
			continue
		}

		failure, err := rebaseSnapshots(l.Data.Failure, keySet(append(mapKeys(reset), mapKeys(adjusted)...)),
			func(key string, v any, present bool) (any, bool, error) {
				if s, ok := state[key]; ok {
					return s.value, s.present, nil
				}
				return project(key, v, present, base)
			})
		if err != nil {
			return nil, nil, err
		}
		rebased[l] = failure

		reapply := restrict(l.Data.Optimistic, reset)
		for key := range reset {
			s := state[key]
			v, ok, err := project(key, s.value, s.present, reapply)
			if err != nil {
				return nil, nil, err
			}
			state[key] = docState{value: v, present: ok}
		}
		for _, u := range restrict(l.Data.Optimistic, adjusted) {
			if u.Method != cache.MethodAdd {
				reapply = append(reapply, u)
			}
		}
		updates = append(updates, reapply...)
		r.metrics.MutationRebased()
	}
	return updates, rebased, nil
}

type docState struct {
	value   any
	present bool
}

// snapshots returns the first Set update of every key in failure. Captured
// snapshots are always the first Set of their key.
func snapshots(failure []cache.Update) []cache.Update {
	var out []cache.Update
	seen := make(map[string]struct{})
	for _, u := range failure {
		if u.Method != cache.MethodSet {
			continue
		}
		if _, ok := seen[u.Key]; ok {
			continue
		}
		seen[u.Key] = struct{}{}
		out = append(out, u)
	}
	return out
}

// rebaseSnapshots rewrites the first Set update of every key in keys using fn.
func rebaseSnapshots(failure []cache.Update, keys map[string]struct{}, fn func(key string, v any, present bool) (any, bool, error)) ([]cache.Update, error) {
	out := make([]cache.Update, len(failure))
	copy(out, failure)
	done := make(map[string]struct{})
	for i, u := range out {
		if u.Method != cache.MethodSet {
			continue
		}
		if _, ok := keys[u.Key]; !ok {
			continue
		}
		if _, ok := done[u.Key]; ok {
			continue
		}
		done[u.Key] = struct{}{}

		v, present, err := fn(u.Key, u.Value, u.Value != nil)
		if err != nil {
			return nil, err
		}
		if !present {
			out[i] = cache.RemoveUpdate(u.Key)
			continue
		}
		out[i] = cache.SetUpdate(u.Key, v)
	}
	return out, nil
}

// ErrorsKey is the cache key holding failed-mutation messages for key.
func ErrorsKey(key string) string {
	return types.Key(types.CollectionErrors, key)
}

// ClearErrors removes the error messages recorded for key.
func ClearErrors(c *cache.Cache, key string) error {
	return c.Remove(ErrorsKey(key))
}

func isEntityKey(key string) bool {
	return !strings.HasPrefix(key, types.CollectionErrors) &&
		!strings.HasPrefix(key, "derived_")
}

func updateKeys(updates []cache.Update) []string {
	keys := make([]string, 0, len(updates))
	for _, u := range updates {
		keys = append(keys, u.Key)
	}
	return keys
}

func concat(lists ...[]cache.Update) []cache.Update {
	var out []cache.Update
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

func mapKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}
