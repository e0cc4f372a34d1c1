package collection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
)

// writable returns a fresh forked graph ready for building.
func writable() *Graph {
	return NewGraph().Clone()
}

func mustInput(t *testing.T, g *Graph, name string, entries ...ir.Entry) Eager {
	t.Helper()
	c, err := g.CreateInput(name, entries)
	require.NoError(t, err)
	return c
}

func mustEntries(t *testing.T, g *Graph, c Eager) []ir.Entry {
	t.Helper()
	entries, err := g.Entries(c)
	require.NoError(t, err)
	return entries
}

func mustWrite(t *testing.T, g *Graph, c Eager, entries ...ir.Entry) *ChangeSet {
	t.Helper()
	cs, err := g.Write(c, entries)
	require.NoError(t, err)
	return cs
}

// exclaim appends "!" to every string value, keeping the key.
var exclaim = MapperFunc(func(_ *Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
	out := make([]ir.Pair, 0, len(values))
	for _, v := range values {
		out = append(out, ir.Pair{Key: key, Value: ir.String(string(v.(ir.String)) + "!")})
	}
	return out, nil
})

// identity re-emits every value under its key.
var identity = MapperFunc(func(_ *Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
	out := make([]ir.Pair, len(values))
	for i, v := range values {
		out[i] = ir.Pair{Key: key, Value: v}
	}
	return out, nil
})
