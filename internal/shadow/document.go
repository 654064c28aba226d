// Package shadow keeps the device's reported state in step with its
// cloud-side shadow document and hands desired-state changes to device
// logic.
//
// Every request carries a fresh clientToken. The broker answers on the
// matching accepted or rejected topic, and the [Synchronizer] resolves
// the originating [Request] exactly once: accepted, rejected, or timed
// out. Responses whose token matches nothing pending are logged and
// dropped.
package shadow

import (
	"encoding/json"
	"errors"
	"maps"
	"reflect"
	"slices"
)

// Outcome errors. A rejected outcome's Err wraps ErrRejected or, for a
// version mismatch, ErrConflict; a timed-out outcome's Err wraps
// ErrTimeout.
var (
	ErrConflict = errors.New("shadow version conflict")
	ErrRejected = errors.New("shadow request rejected")
	ErrTimeout  = errors.New("shadow request timed out")
)

// State is one side of a shadow document: property name to value.
type State map[string]any

// Merge applies delta to dst with shadow partial-update semantics and
// returns dst (allocated if nil). Keys absent from delta are left
// alone, a nil value deletes the key, and nested objects merge
// recursively.
func Merge(dst, delta State) State {
	if dst == nil {
		dst = State{}
	}
	for k, v := range delta {
		if v == nil {
			delete(dst, k)
			continue
		}
		if sub, ok := asObject(v); ok {
			cur, _ := asObject(dst[k])
			dst[k] = map[string]any(Merge(cur, sub))
			continue
		}
		dst[k] = v
	}
	return dst
}

func asObject(v any) (State, bool) {
	switch m := v.(type) {
	case map[string]any:
		return State(m), true
	case State:
		return m, true
	}
	return nil, false
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		if sub, ok := asObject(v); ok {
			out[k] = map[string]any(sub.Clone())
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns the sorted top-level property names.
func (s State) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Document is the local mirror of the shadow. The device writes only
// Reported; Desired is set by the cloud side.
type Document struct {
	Desired  State `json:"desired,omitempty"`
	Reported State `json:"reported,omitempty"`
	Version  int64 `json:"version"`
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	return Document{
		Desired:  d.Desired.Clone(),
		Reported: d.Reported.Clone(),
		Version:  d.Version,
	}
}

// Diff returns the properties of next whose values differ from
// current. Numbers compare by value, so 55 and 55.0 are equal.
// Properties present in current but absent from next are not reported
// as deletions.
func Diff(current, next State) State {
	out := State{}
	for k, v := range next {
		if old, ok := current[k]; ok && equalValue(old, v) {
			continue
		}
		out[k] = v
	}
	return out
}

func equalValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	if ma, ok := asObject(a); ok {
		mb, ok := asObject(b)
		if !ok || len(ma) != len(mb) {
			return false
		}
		for k, v := range ma {
			w, ok := mb[k]
			if !ok || !equalValue(v, w) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
