package store

import (
	"fmt"

	"github.com/roach88/recoll/internal/ir"
)

// marshalWrite converts a write's key and values to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON so equal writes hash identically.
func marshalWrite(w Write) (key, vals string, err error) {
	k, err := ir.MarshalCanonical(w.Key)
	if err != nil {
		return "", "", fmt.Errorf("marshal key: %w", err)
	}
	values := w.Values
	if values == nil {
		values = []ir.Value{}
	}
	v, err := ir.MarshalCanonical(ir.Array(values))
	if err != nil {
		return "", "", fmt.Errorf("marshal values: %w", err)
	}
	return string(k), string(v), nil
}

// unmarshalWrite parses a stored write row.
// Integers stay ir.Int: ir.Unmarshal decodes via json.Number.
func unmarshalWrite(collection, key, vals string) (Write, error) {
	k, err := ir.Unmarshal([]byte(key))
	if err != nil {
		return Write{}, fmt.Errorf("unmarshal key: %w", err)
	}
	v, err := ir.Unmarshal([]byte(vals))
	if err != nil {
		return Write{}, fmt.Errorf("unmarshal values: %w", err)
	}
	arr, ok := v.(ir.Array)
	if !ok {
		return Write{}, fmt.Errorf("unmarshal values: expected array, got %s", v.Kind())
	}
	return Write{Collection: collection, Key: k, Values: []ir.Value(arr)}, nil
}

// marshalWrites encodes the writes of a commit as one canonical JSON array
// of [collection, key, values] triples, the input of ir.CommitID.
func marshalWrites(writes []Write) ([]byte, error) {
	arr := make(ir.Array, len(writes))
	for i, w := range writes {
		values := w.Values
		if values == nil {
			values = []ir.Value{}
		}
		arr[i] = ir.Array{ir.String(w.Collection), w.Key, ir.Array(values)}
	}
	return ir.MarshalCanonical(arr)
}
