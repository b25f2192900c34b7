// Package optimistic implements optimistic writes against the client cache:
// a change is applied locally right away, sent to the backend, and later
// confirmed or rolled back when the backend answers.
package optimistic

import (
	"encoding/json"
	"errors"
	"sort"

	"github.com/hyperengineering/tally/internal/cache"
)

var (
	// ErrUnknownMutation is returned when resolving a mutation that was never registered.
	ErrUnknownMutation = errors.New("unknown mutation")
	// ErrAlreadyResolved is returned when a mutation is resolved a second time.
	ErrAlreadyResolved = errors.New("mutation already resolved")
	// ErrDuplicateMutation is returned when registering an ID that is still pending.
	ErrDuplicateMutation = errors.New("mutation already pending")
	// ErrEmptyCommand is returned by Mutator.Write without a command name.
	ErrEmptyCommand = errors.New("empty command")
)

// Data is the set of cache writes describing one mutation.
//
// Optimistic is applied immediately. Success is applied when the backend
// confirms, Failure when it rejects; Finally is applied after either.
type Data struct {
	Optimistic []cache.Update `json:"optimistic"`
	Success    []cache.Update `json:"success,omitempty"`
	Failure    []cache.Update `json:"failure"`
	Finally    []cache.Update `json:"finally,omitempty"`
}

// Keys returns every cache key the optimistic or failure updates touch, sorted.
func (d Data) Keys() []string {
	seen := make(map[string]struct{})
	for _, list := range [][]cache.Update{d.Optimistic, d.Failure} {
		for _, u := range list {
			seen[u.Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsZero reports whether d carries no updates at all.
func (d Data) IsZero() bool {
	return len(d.Optimistic) == 0 && len(d.Success) == 0 &&
		len(d.Failure) == 0 && len(d.Finally) == 0
}

// Mutation is an optimistic change that has been applied locally and is
// waiting for the backend.
type Mutation struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
	Data    Data            `json:"data"`
	Keys    []string        `json:"keys"`
}

// Apply writes updates to c as one batch.
func Apply(c *cache.Cache, updates []cache.Update) error {
	return c.Update(updates)
}

// project applies the updates addressed to key onto value and returns the
// result. present reports whether the key exists afterwards.
func project(key string, value any, present bool, updates []cache.Update) (any, bool, error) {
	for _, u := range updates {
		if u.Key != key {
			continue
		}
		switch u.Method {
		case cache.MethodSet:
			if u.Value == nil {
				value, present = nil, false
				continue
			}
			v, err := cache.Normalize(u.Value)
			if err != nil {
				return nil, false, err
			}
			value, present = v, v != nil
		case cache.MethodMerge:
			var base any
			if present {
				base = value
			}
			v, err := cache.MergeValues(base, u.Value)
			if err != nil {
				return nil, false, err
			}
			value, present = v, v != nil
		case cache.MethodAdd:
			var base any
			if present {
				base = value
			}
			v, err := cache.AddValues(base, u.Value)
			if err != nil {
				return nil, false, err
			}
			value, present = v, true
		}
	}
	return value, present, nil
}

// restrict returns the updates whose key is in keys.
func restrict(updates []cache.Update, keys map[string]struct{}) []cache.Update {
	var out []cache.Update
	for _, u := range updates {
		if _, ok := keys[u.Key]; ok {
			out = append(out, u)
		}
	}
	return out
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

func overlaps(a []string, b map[string]struct{}) bool {
	for _, k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
