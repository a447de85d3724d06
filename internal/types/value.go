package types

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/types/known/structpb"
)

// NormalizeValue converts v into the JSON value model used on the wire:
// float64, bool, string, nil, map[string]any and []any. The result never
// shares memory with v.
func NormalizeValue(v any) (any, error) {
	switch tv := v.(type) {
	case Table:
		v = map[string]any(tv)
	case ChangeSet:
		v = map[string]any(tv)
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("normalize value: %w", err)
	}
	return pv.AsInterface(), nil
}

// NormalizeTable applies NormalizeValue to every entry of t.
func NormalizeTable(t map[string]any) (Table, error) {
	out := make(Table, len(t))
	for k, v := range t {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// IsStructured reports whether v is a nested mapping or list.
func IsStructured(v any) bool {
	switch v.(type) {
	case map[string]any, Table, ChangeSet, []any:
		return true
	default:
		return false
	}
}

// CloneValue deep copies structured values; scalars are returned as-is.
func CloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, nested := range tv {
			out[k] = CloneValue(nested)
		}
		return out
	case Table:
		return tv.Clone()
	case ChangeSet:
		out := make(ChangeSet, len(tv))
		for k, nested := range tv {
			out[k] = CloneValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, nested := range tv {
			out[i] = CloneValue(nested)
		}
		return out
	default:
		return v
	}
}

// Equal compares two values. Structured values are equal when their keys
// (or lengths) match and every element is recursively equal. Scalars are
// equal only when they have the same dynamic type and value.
func Equal(a, b any) bool {
	if am, ok := asMap(a); ok {
		bm, ok := asMap(b)
		if !ok || len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, present := bm[k]
			if !present || !Equal(av, bv) {
				return false
			}
		}
		return true
	}
	if al, ok := a.([]any); ok {
		bl, ok := b.([]any)
		if !ok || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !Equal(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	if IsStructured(b) {
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if !ta.Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func asMap(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case map[string]any:
		return tv, true
	case Table:
		return tv, true
	case ChangeSet:
		return tv, true
	default:
		return nil, false
	}
}
