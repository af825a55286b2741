// Package state holds a component's public state and turns mutations into
// minimal deltas.
//
// There are two mutation paths. Set assigns a single key and emits one delta
// when, and only when, the value changes. Update applies a partial map and
// emits one delta carrying every key that changed. Replaying emitted deltas
// onto the initial state with Apply reproduces the current state.
package state

import (
	"encoding/json"
	"maps"
	"reflect"
	"sync"
)

// Delta is a partial state carrying only changed keys.
type Delta map[string]any

// Emitter receives deltas in emission order.
type Emitter func(Delta)

// State is an equality-checked key/value store.
type State struct {
	mu     sync.RWMutex
	values map[string]any
	emit   Emitter
}

// New creates a State seeded with a copy of initial. emit may be nil.
func New(initial map[string]any, emit Emitter) *State {
	values := make(map[string]any, len(initial))
	maps.Copy(values, initial)
	return &State{values: values, emit: emit}
}

// SetEmitter replaces the delta sink.
func (s *State) SetEmitter(emit Emitter) {
	s.mu.Lock()
	s.emit = emit
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Set assigns value to key. It reports whether the value changed; an
// unchanged assignment emits nothing.
func (s *State) Set(key string, value any) bool {
	s.mu.Lock()
	if old, ok := s.values[key]; ok && Equal(old, value) {
		s.mu.Unlock()
		return false
	}
	s.values[key] = value
	emit := s.emit
	s.mu.Unlock()

	if emit != nil {
		emit(Delta{key: value})
	}
	return true
}

// Update applies partial and returns the keys that changed. At most one
// delta is emitted; none when nothing changed.
func (s *State) Update(partial map[string]any) Delta {
	s.mu.Lock()
	delta := make(Delta)
	for k, v := range partial {
		if old, ok := s.values[k]; ok && Equal(old, v) {
			continue
		}
		s.values[k] = v
		delta[k] = v
	}
	emit := s.emit
	s.mu.Unlock()

	if len(delta) == 0 {
		return nil
	}
	if emit != nil {
		emit(delta)
	}
	return delta
}

// Replace swaps the whole state without emitting. Used when restoring from
// a snapshot.
func (s *State) Replace(values map[string]any) {
	next := make(map[string]any, len(values))
	maps.Copy(next, values)
	s.mu.Lock()
	s.values = next
	s.mu.Unlock()
}

// Snapshot returns a shallow copy of the state.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	maps.Copy(out, s.values)
	return out
}

// MarshalJSON encodes the current snapshot.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Apply returns base with delta applied. Neither input is modified.
func Apply(base map[string]any, delta Delta) map[string]any {
	out := make(map[string]any, len(base)+len(delta))
	maps.Copy(out, base)
	maps.Copy(out, delta)
	return out
}

// Merge returns defaults overlaid with overrides; overrides win per key.
func Merge(defaults, overrides map[string]any) map[string]any {
	return Apply(defaults, overrides)
}

// Equal reports whether two state values are the same. Numbers compare by
// value regardless of Go type, so 3 and float64(3) are equal. Two integers
// compare exactly, even beyond float64 precision.
func Equal(a, b any) bool {
	if ia, ok := toInteger(a); ok {
		if ib, ok := toInteger(b); ok {
			return ia == ib
		}
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

// integer is an exact integer of any Go integer type.
type integer struct {
	neg bool
	abs uint64
}

func signed(n int64) integer {
	if n < 0 {
		return integer{neg: true, abs: uint64(-(n + 1)) + 1}
	}
	return integer{abs: uint64(n)}
}

func toInteger(v any) (integer, bool) {
	switch n := v.(type) {
	case int:
		return signed(int64(n)), true
	case int8:
		return signed(int64(n)), true
	case int16:
		return signed(int64(n)), true
	case int32:
		return signed(int64(n)), true
	case int64:
		return signed(n), true
	case uint:
		return integer{abs: uint64(n)}, true
	case uint8:
		return integer{abs: uint64(n)}, true
	case uint16:
		return integer{abs: uint64(n)}, true
	case uint32:
		return integer{abs: uint64(n)}, true
	case uint64:
		return integer{abs: n}, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return signed(i), true
		}
	}
	return integer{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
