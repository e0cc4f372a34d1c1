package collection

import (
	"slices"

	"github.com/roach88/recoll/internal/ir"
)

// Write replaces the value set of every key in entries and propagates the
// change. An entry with no values deletes its key. When a key appears more
// than once the last entry wins.
//
// Only input and external collections accept writes.
func (g *Graph) Write(c Eager, entries []ir.Entry) (*ChangeSet, error) {
	return g.write(c, entries, false)
}

// Reset replaces the whole contents of c with entries.
func (g *Graph) Reset(c Eager, entries []ir.Entry) (*ChangeSet, error) {
	return g.write(c, entries, true)
}

func (g *Graph) write(c Eager, entries []ir.Entry, reset bool) (*ChangeSet, error) {
	if err := g.checkWritable("write"); err != nil {
		return nil, err
	}
	n, err := g.node(c.id)
	if err != nil {
		return nil, err
	}
	if !n.kind.writable() {
		return nil, ir.Errorf(ir.ErrCodeReadOnly, n.label(), "%s collections are derived and cannot be written", n.kind)
	}
	if g.stack.Len() > 0 {
		return nil, ir.Errorf(ir.ErrCodeInvalidOperator, n.label(), "collections cannot be written during evaluation")
	}
	n, err = g.mutable(c.id)
	if err != nil {
		return nil, err
	}

	normalized := normalizeEntries(entries)
	p := g.newPropagation()

	if reset {
		var stale []ir.Value
		n.data.Ascend(func(item kv) bool {
			if !hasKey(normalized, item.key) {
				stale = append(stale, item.key)
			}
			return true
		})
		for _, k := range stale {
			p.setOutput(n, k, nil)
		}
	}
	for _, e := range normalized {
		p.setOutput(n, e.Key, e.Values)
	}

	if err := p.run(); err != nil {
		return nil, err
	}
	return p.changes, nil
}

// hasKey reports whether sorted entries contain key.
func hasKey(sorted []ir.Entry, key ir.Value) bool {
	_, ok := slices.BinarySearchFunc(sorted, key, func(e ir.Entry, k ir.Value) int {
		return ir.Compare(e.Key, k)
	})
	return ok
}
