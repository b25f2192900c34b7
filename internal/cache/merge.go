package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
)

// normalize converts a Go value into its JSON document form: map[string]any,
// []any, string, json.Number, bool or nil. Structs and documents then merge
// and compare the same way.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	var raw []byte
	switch tv := v.(type) {
	case json.RawMessage:
		raw = tv
	case []byte:
		raw = tv
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal value: %w", err)
		}
		raw = data
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return out, nil
}

// clone deep-copies a normalized document.
func clone(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			out[k] = clone(val)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = clone(val)
		}
		return out
	default:
		return v
	}
}

// mergeValue applies patch on top of current and returns the result.
// Objects merge key by key and a nil field removes the key. Any other value,
// arrays included, replaces current wholesale.
func mergeValue(current, patch any) any {
	patchMap, ok := patch.(map[string]any)
	if !ok {
		return stripNulls(clone(patch))
	}
	currentMap, ok := current.(map[string]any)
	if !ok {
		return stripNulls(clone(patch))
	}

	out := make(map[string]any, len(currentMap)+len(patchMap))
	for k, v := range currentMap {
		out[k] = clone(v)
	}
	for k, v := range patchMap {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = mergeValue(out[k], v)
	}
	return out
}

// stripNulls removes nil-valued object fields at every depth.
func stripNulls(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		for k, val := range tv {
			if val == nil {
				delete(tv, k)
				continue
			}
			tv[k] = stripNulls(val)
		}
		return tv
	case []any:
		for i, val := range tv {
			tv[i] = stripNulls(val)
		}
		return tv
	default:
		return v
	}
}

// MergeValues returns the result of merging patch into current using the
// cache's merge rules. Both values are normalized first.
func MergeValues(current, patch any) (any, error) {
	c, err := normalize(current)
	if err != nil {
		return nil, err
	}
	p, err := normalize(patch)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return mergeValue(c, p), nil
}

// Normalize exposes the document form of v, used by callers that compare
// documents with values read back from the cache.
func Normalize(v any) (any, error) {
	return normalize(v)
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// addValue adds every field of delta to the same field of current and
// returns the result. Sums are stored as decimal strings, the form
// decimal.Decimal encodes to. delta must have passed checkIncrement.
func addValue(current, delta any) any {
	out := make(map[string]any)
	if m, ok := current.(map[string]any); ok {
		for k, v := range m {
			out[k] = clone(v)
		}
	}
	for field, d := range delta.(map[string]any) {
		amount, _ := toDecimal(d)
		// A non-numeric stored field is replaced as if it were zero.
		base, _ := toDecimal(out[field])
		out[field] = base.Add(amount).String()
	}
	return out
}

func checkIncrement(v any) error {
	fields, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: want an object of amounts, got %T", ErrInvalidIncrement, v)
	}
	for field, d := range fields {
		if _, ok := toDecimal(d); !ok {
			return fmt.Errorf("%w: field %q is not a number", ErrInvalidIncrement, field)
		}
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	var s string
	switch tv := v.(type) {
	case json.Number:
		s = tv.String()
	case string:
		s = tv
	default:
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// AddValues returns the result of adding the amounts in delta to current
// using the cache's MethodAdd rules. Both values are normalized first.
func AddValues(current, delta any) (any, error) {
	c, err := normalize(current)
	if err != nil {
		return nil, err
	}
	d, err := normalize(delta)
	if err != nil {
		return nil, err
	}
	if err := checkIncrement(d); err != nil {
		return nil, err
	}
	return addValue(c, d), nil
}
