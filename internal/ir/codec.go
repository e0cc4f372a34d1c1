package ir

import (
	"fmt"
)

// Codec converts between native values and the wire representation used at
// the service boundary.
//
// Import with copy=false may return values that share storage with data or
// with an enclosing arena region; such values must not be retained past the
// region. copy=true always returns a value that can be retained
// indefinitely.
type Codec interface {
	Export(v Value) ([]byte, error)
	Import(data []byte, copy bool) (Value, error)
}

// JSONCodec is the default Codec: plain JSON text.
// Integral numbers decode to Int, all other numbers to Float.
type JSONCodec struct{}

// Export encodes v as compact JSON.
func (JSONCodec) Export(v Value) ([]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return nil, WrapError(ErrCodeExternal, "codec", fmt.Errorf("export: %w", err))
	}
	return b, nil
}

// Import decodes JSON text. Decoded values never alias data, so copy only
// matters for codecs that decode in place.
func (JSONCodec) Import(data []byte, copy bool) (Value, error) {
	v, err := Unmarshal(data)
	if err != nil {
		return nil, WrapError(ErrCodeExternal, "codec", fmt.Errorf("import: %w", err))
	}
	if copy {
		return Copy(v), nil
	}
	return v, nil
}

// ImportEntries decodes a wire array of [key, [values...]] tuples.
func ImportEntries(c Codec, data []byte) ([]Entry, error) {
	v, err := c.Import(data, true)
	if err != nil {
		return nil, err
	}
	entries, err := EntriesFromValue(v)
	if err != nil {
		return nil, WrapError(ErrCodeExternal, "codec", err)
	}
	return entries, nil
}

// ExportEntries encodes entries as a wire array of tuples.
func ExportEntries(c Codec, entries []Entry) ([]byte, error) {
	return c.Export(EntriesToValue(entries))
}
