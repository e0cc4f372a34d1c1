package ir

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
)

// Entry associates a key with zero or more values.
// Multiplicity is meaningful: duplicate values are distinct facts.
//
// On the wire an Entry is the tuple [key, [values...]].
type Entry struct {
	Key    Value
	Values []Value
}

// NewEntry builds an Entry from Go literals. Panics on unsupported input.
func NewEntry(key any, values ...any) Entry {
	vs := make([]Value, len(values))
	for i, v := range values {
		vs[i] = MustFrom(v)
	}
	return Entry{Key: MustFrom(key), Values: vs}
}

// MarshalJSON encodes the entry as [key, [values...]].
func (e Entry) MarshalJSON() ([]byte, error) {
	values := e.Values
	if values == nil {
		values = []Value{}
	}
	return Marshal(Array{e.Key, Array(values)})
}

// UnmarshalJSON decodes an entry from [key, [values...]].
func (e *Entry) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	entry, err := EntryFromValue(v)
	if err != nil {
		return err
	}
	*e = entry
	return nil
}

// EntryFromValue converts a decoded [key, [values...]] tuple into an Entry.
func EntryFromValue(v Value) (Entry, error) {
	tuple, ok := v.(Array)
	if !ok || len(tuple) != 2 {
		return Entry{}, fmt.Errorf("entry must be a [key, values] pair, got %s", Format(v))
	}
	values, ok := tuple[1].(Array)
	if !ok {
		return Entry{}, fmt.Errorf("entry values must be an array, got %s", Format(tuple[1]))
	}
	return Entry{Key: tuple[0], Values: []Value(values)}, nil
}

// EntriesFromValue converts a decoded array of tuples into entries.
func EntriesFromValue(v Value) ([]Entry, error) {
	arr, ok := v.(Array)
	if !ok {
		return nil, fmt.Errorf("entries must be an array, got %s", v.Kind())
	}
	out := make([]Entry, len(arr))
	for i, elem := range arr {
		e, err := EntryFromValue(elem)
		if err != nil {
			return nil, fmt.Errorf("entries[%d]: %w", i, err)
		}
		out[i] = e
	}
	return out, nil
}

// EntriesToValue is the inverse of EntriesFromValue.
func EntriesToValue(entries []Entry) Array {
	out := make(Array, len(entries))
	for i, e := range entries {
		values := e.Values
		if values == nil {
			values = []Value{}
		}
		out[i] = Array{e.Key, Array(values)}
	}
	return out
}

// CopyEntries deep-copies entries so they can outlive an arena region.
func CopyEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Key: Copy(e.Key), Values: CopyAll(e.Values)}
	}
	return out
}

// SortEntries sorts entries in place by key.
func SortEntries(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int { return Compare(a.Key, b.Key) })
}

// Pair is a single (key, value) output of a mapper or lazy compute.
// A mapper emitting several values for one key emits several pairs.
type Pair struct {
	Key   Value
	Value Value
}

// P is a shorthand for building a Pair from Go literals.
// Example: ir.P(1, "Alice!")
func P(key, value any) Pair {
	return Pair{Key: MustFrom(key), Value: MustFrom(value)}
}

// Watermark is an opaque cursor identifying the main-state version of the
// last update delivered to a subscriber.
type Watermark string

// WatermarkOf encodes a main-state version as a watermark.
func WatermarkOf(version uint64) Watermark {
	return Watermark(strconv.FormatUint(version, 10))
}

// Version decodes the main-state version carried by the watermark.
func (w Watermark) Version() (uint64, error) {
	v, err := strconv.ParseUint(string(w), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid watermark %q: %w", string(w), err)
	}
	return v, nil
}

// CollectionUpdate is one notification delivered to a subscriber.
//
// Values carries, for every key that changed, its complete new value set in
// key order; an empty value set means the key was removed. Added and Removed
// carry the same change as multiset differences per key. When IsInitial is
// true, Values is the full collection contents and replaces any state the
// consumer holds.
type CollectionUpdate struct {
	Values    []Entry   `json:"values"`
	Added     []Entry   `json:"added,omitempty"`
	Removed   []Entry   `json:"removed,omitempty"`
	Watermark Watermark `json:"watermark"`
	IsInitial bool      `json:"isInitial"`
}

// Apply folds the update into a consumer-side copy of the collection,
// keyed by the canonical encoding of each key. It is the reference
// implementation of how a subscriber reconstructs state from deltas.
func (u CollectionUpdate) Apply(state map[string]Entry) error {
	if u.IsInitial {
		clear(state)
	}
	for _, e := range u.Values {
		k, err := MarshalCanonical(e.Key)
		if err != nil {
			return err
		}
		if len(e.Values) == 0 {
			delete(state, string(k))
			continue
		}
		state[string(k)] = e
	}
	return nil
}

var _ json.Marshaler = Entry{}
