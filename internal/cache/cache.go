// Package cache is the client-side reactive key-value store. Every entity the
// client knows about lives here under {collectionPrefix}{id}; actions write to
// it synchronously and views subscribe to keys or whole collections.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Method selects how an Update is applied.
type Method string

const (
	// MethodSet replaces the stored value. A nil value removes the key.
	MethodSet Method = "set"
	// MethodMerge deep-merges the value into the stored value.
	MethodMerge Method = "merge"
	// MethodAdd adds each numeric field of the value to the same field of
	// the stored document. Absent fields count as zero.
	MethodAdd Method = "add"
)

// ErrInvalidMethod is returned for an Update with an unknown method.
var ErrInvalidMethod = errors.New("invalid update method")

// ErrInvalidIncrement is returned for a MethodAdd update whose value is not
// an object of numbers.
var ErrInvalidIncrement = errors.New("invalid increment")

// ErrEmptyKey is returned when an Update has no key.
var ErrEmptyKey = errors.New("empty cache key")

// Update is one write against the cache.
type Update struct {
	Method Method `json:"method"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

// SetUpdate builds a MethodSet update.
func SetUpdate(key string, value any) Update {
	return Update{Method: MethodSet, Key: key, Value: value}
}

// MergeUpdate builds a MethodMerge update.
func MergeUpdate(key string, value any) Update {
	return Update{Method: MethodMerge, Key: key, Value: value}
}

// AddUpdate builds a MethodAdd update. Amounts may be decimal.Decimal values,
// numbers or numeric strings.
func AddUpdate(key string, value any) Update {
	return Update{Method: MethodAdd, Key: key, Value: value}
}

// RemoveUpdate builds an update that deletes key.
func RemoveUpdate(key string) Update {
	return Update{Method: MethodSet, Key: key, Value: nil}
}

// Callback receives the new value of a key after a write. present is false
// when the key was removed.
type Callback func(key string, value any, present bool)

// Connection identifies a subscription so it can be disconnected.
type Connection struct {
	id uint64
}

type subscription struct {
	key string
	cb  Callback
}

// change is a key whose stored value differs after a write.
type change struct {
	key     string
	value   any
	present bool
}

// Cache is a concurrency-safe reactive key-value store.
type Cache struct {
	mu        sync.RWMutex
	data      map[string]any
	subs      map[uint64]subscription
	nextID    uint64
	persister Persister
}

// Option configures a Cache.
type Option func(*Cache)

// WithPersister makes the cache write every change through to p.
func WithPersister(p Persister) Option {
	return func(c *Cache) {
		c.persister = p
	}
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		data: make(map[string]any),
		subs: make(map[uint64]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load hydrates the cache from its persister. Subscribers are not notified.
func (c *Cache) Load(ctx context.Context) error {
	if c.persister == nil {
		return nil
	}
	stored, err := c.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, raw := range stored {
		v, err := normalize(raw)
		if err != nil {
			slog.Warn("cache: skipping undecodable entry",
				"component", "cache",
				"key", key,
				"error", err,
			)
			continue
		}
		c.data[key] = v
	}
	return nil
}

// Get returns a copy of the value stored under key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	if !ok {
		return nil, false
	}
	return clone(v), true
}

// GetAs decodes the value stored under key into T.
func GetAs[T any](c *Cache, key string) (T, bool, error) {
	var out T
	v, ok := c.Get(key)
	if !ok {
		return out, false, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, true, fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, true, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, true, nil
}

// Collection returns copies of every member whose key starts with prefix.
func (c *Cache) Collection(prefix string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any)
	for k, v := range c.data {
		if strings.HasPrefix(k, prefix) {
			out[k] = clone(v)
		}
	}
	return out
}

// Keys returns all stored keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set replaces the value under key. A nil value removes it.
func (c *Cache) Set(key string, value any) error {
	return c.Update([]Update{SetUpdate(key, value)})
}

// Merge deep-merges value into the value under key.
func (c *Cache) Merge(key string, value any) error {
	return c.Update([]Update{MergeUpdate(key, value)})
}

// Remove deletes key.
func (c *Cache) Remove(key string) error {
	return c.Update([]Update{RemoveUpdate(key)})
}

// Update applies updates in order as one atomic write. Either every update is
// applied or, when a value cannot be normalized, none is. Subscribers are
// notified after the write, on the calling goroutine.
func (c *Cache) Update(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	normalized := make([]Update, len(updates))
	for i, u := range updates {
		if u.Key == "" {
			return ErrEmptyKey
		}
		if u.Method != MethodSet && u.Method != MethodMerge && u.Method != MethodAdd {
			return fmt.Errorf("update %d (%s): %w: %q", i, u.Key, ErrInvalidMethod, u.Method)
		}
		v, err := normalize(u.Value)
		if err != nil {
			return fmt.Errorf("update %d (%s): %w", i, u.Key, err)
		}
		if u.Method == MethodAdd {
			if err := checkIncrement(v); err != nil {
				return fmt.Errorf("update %d (%s): %w", i, u.Key, err)
			}
		}
		normalized[i] = Update{Method: u.Method, Key: u.Key, Value: v}
	}

	c.mu.Lock()
	before := make(map[string]any)
	order := make([]string, 0, len(normalized))
	for _, u := range normalized {
		if _, seen := before[u.Key]; !seen {
			prev, ok := c.data[u.Key]
			if ok {
				before[u.Key] = prev
			} else {
				before[u.Key] = absent{}
			}
			order = append(order, u.Key)
		}
		c.apply(u)
	}

	changes := make([]change, 0, len(order))
	for _, key := range order {
		now, present := c.data[key]
		prev := before[key]
		if _, wasAbsent := prev.(absent); wasAbsent {
			if !present {
				continue
			}
		} else if present && equal(prev, now) {
			continue
		}
		changes = append(changes, change{key: key, value: now, present: present})
	}
	c.persist(changes)
	c.mu.Unlock()

	c.notify(changes)
	return nil
}

// absent marks a key that had no value before a write.
type absent struct{}

// apply must be called with mu held.
func (c *Cache) apply(u Update) {
	switch u.Method {
	case MethodSet:
		if u.Value == nil {
			delete(c.data, u.Key)
			return
		}
		c.data[u.Key] = stripNulls(clone(u.Value))
	case MethodMerge:
		if u.Value == nil {
			delete(c.data, u.Key)
			return
		}
		c.data[u.Key] = mergeValue(c.data[u.Key], u.Value)
	case MethodAdd:
		c.data[u.Key] = addValue(c.data[u.Key], u.Value)
	}
}

// persist must be called with mu held so stored order matches memory order.
func (c *Cache) persist(changes []change) {
	if c.persister == nil || len(changes) == 0 {
		return
	}
	batch := make([]Change, 0, len(changes))
	for _, ch := range changes {
		if !ch.present {
			batch = append(batch, Change{Key: ch.key, Deleted: true})
			continue
		}
		data, err := json.Marshal(ch.value)
		if err != nil {
			slog.Error("cache: failed to encode value for persistence",
				"component", "cache",
				"key", ch.key,
				"error", err,
			)
			continue
		}
		batch = append(batch, Change{Key: ch.key, Value: data})
	}
	if err := c.persister.Apply(context.Background(), batch); err != nil {
		slog.Error("cache: write-through failed",
			"component", "cache",
			"action", "persist_failed",
			"keys", len(batch),
			"error", err,
		)
	}
}

// Subscribe registers cb for key. A key ending in "_" subscribes to every
// member of that collection. cb is invoked once right away for the current
// value (once per member for a collection) and then after every change.
func (c *Cache) Subscribe(key string, cb Callback) Connection {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.subs[id] = subscription{key: key, cb: cb}

	var initial []change
	if isCollection(key) {
		keys := make([]string, 0)
		for k := range c.data {
			if strings.HasPrefix(k, key) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			initial = append(initial, change{key: k, value: c.data[k], present: true})
		}
	} else {
		v, ok := c.data[key]
		initial = append(initial, change{key: key, value: v, present: ok})
	}
	c.mu.Unlock()

	for _, ch := range initial {
		cb(ch.key, clone(ch.value), ch.present)
	}
	return Connection{id: id}
}

// Disconnect removes a subscription. Disconnecting twice is a no-op.
func (c *Cache) Disconnect(conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, conn.id)
}

// Clear removes every key, notifying subscribers of each removal.
func (c *Cache) Clear() error {
	keys := c.Keys()
	updates := make([]Update, len(keys))
	for i, k := range keys {
		updates[i] = RemoveUpdate(k)
	}
	return c.Update(updates)
}

func (c *Cache) notify(changes []change) {
	if len(changes) == 0 {
		return
	}

	c.mu.RLock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]subscription, len(ids))
	for i, id := range ids {
		subs[i] = c.subs[id]
	}
	c.mu.RUnlock()

	for _, ch := range changes {
		for _, s := range subs {
			if matches(s.key, ch.key) {
				s.cb(ch.key, clone(ch.value), ch.present)
			}
		}
	}
}

func matches(subKey, key string) bool {
	if subKey == key {
		return true
	}
	return isCollection(subKey) && strings.HasPrefix(key, subKey)
}

func isCollection(key string) bool {
	return strings.HasSuffix(key, "_")
}
