package optimistic

import (
	"fmt"

	"github.com/hyperengineering/tally/internal/cache"
	"github.com/hyperengineering/tally/internal/types"
)

const pendingField = "pendingAction"

// Builder assembles a Data against the current cache contents. The first time
// a key is touched its complete current value is captured, so the failure
// updates always restore the exact prior document.
type Builder struct {
	c         *cache.Cache
	snapshots []cache.Update
	captured  map[string]struct{}
	data      Data
	err       error
}

// NewBuilder starts a Builder reading prior values from c.
func NewBuilder(c *cache.Cache) *Builder {
	return &Builder{
		c:        c,
		captured: make(map[string]struct{}),
	}
}

func (b *Builder) capture(key string) {
	if _, ok := b.captured[key]; ok {
		return
	}
	b.captured[key] = struct{}{}
	prior, ok := b.c.Get(key)
	if !ok {
		b.snapshots = append(b.snapshots, cache.RemoveUpdate(key))
		return
	}
	b.snapshots = append(b.snapshots, cache.SetUpdate(key, prior))
}

func (b *Builder) normalized(u cache.Update) cache.Update {
	if b.err != nil {
		return u
	}
	v, err := cache.Normalize(u.Value)
	if err != nil {
		b.err = fmt.Errorf("%s: %w", u.Key, err)
		return u
	}
	u.Value = v
	return u
}

// Set replaces key optimistically. A nil value removes it.
func (b *Builder) Set(key string, value any) *Builder {
	b.capture(key)
	b.data.Optimistic = append(b.data.Optimistic, b.normalized(cache.SetUpdate(key, value)))
	return b
}

// Merge merges patch into key optimistically.
func (b *Builder) Merge(key string, patch any) *Builder {
	b.capture(key)
	b.data.Optimistic = append(b.data.Optimistic, b.normalized(cache.MergeUpdate(key, patch)))
	return b
}

// Add adds the amounts in fields to key's numeric fields optimistically.
// Unlike a merged absolute value, an added amount stays correct when the
// mutation is re-applied on top of a different base.
func (b *Builder) Add(key string, fields any) *Builder {
	b.capture(key)
	b.data.Optimistic = append(b.data.Optimistic, b.normalized(cache.AddUpdate(key, fields)))
	return b
}

// Remove deletes key optimistically. A failure brings it back.
func (b *Builder) Remove(key string) *Builder {
	b.capture(key)
	b.data.Optimistic = append(b.data.Optimistic, cache.RemoveUpdate(key))
	return b
}

// MarkPending flags key with action until the backend answers. Success clears
// the flag; failure restores the captured document, which did not carry it.
func (b *Builder) MarkPending(key string, action types.PendingAction) *Builder {
	b.capture(key)
	b.data.Optimistic = append(b.data.Optimistic,
		b.normalized(cache.MergeUpdate(key, map[string]any{pendingField: string(action)})))
	b.data.Success = append(b.data.Success,
		cache.MergeUpdate(key, map[string]any{pendingField: nil}))
	return b
}

// OnSuccess adds updates applied when the backend confirms.
func (b *Builder) OnSuccess(updates ...cache.Update) *Builder {
	for _, u := range updates {
		b.data.Success = append(b.data.Success, b.normalized(u))
	}
	return b
}

// OnFailure adds updates applied after the captured snapshots on rollback.
func (b *Builder) OnFailure(updates ...cache.Update) *Builder {
	for _, u := range updates {
		b.data.Failure = append(b.data.Failure, b.normalized(u))
	}
	return b
}

// Finally adds updates applied after either outcome.
func (b *Builder) Finally(updates ...cache.Update) *Builder {
	for _, u := range updates {
		b.data.Finally = append(b.data.Finally, b.normalized(u))
	}
	return b
}

// Peek returns the value key will have once the optimistic updates built so
// far are applied.
func (b *Builder) Peek(key string) (any, bool) {
	value, present := b.c.Get(key)
	v, ok, err := project(key, value, present, b.data.Optimistic)
	if err != nil {
		return nil, false
	}
	return v, ok
}

// Build returns the assembled Data. Captured snapshots come first in Failure
// so explicit failure updates apply on top of the restored documents.
func (b *Builder) Build() (Data, error) {
	if b.err != nil {
		return Data{}, b.err
	}
	d := Data{
		Optimistic: append([]cache.Update(nil), b.data.Optimistic...),
		Success:    append([]cache.Update(nil), b.data.Success...),
		Failure:    append(append([]cache.Update(nil), b.snapshots...), b.data.Failure...),
		Finally:    append([]cache.Update(nil), b.data.Finally...),
	}
	return d, nil
}
