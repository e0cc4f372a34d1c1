package collection

import (
	"cmp"
	"slices"

	"github.com/google/btree"

	"github.com/roach88/recoll/internal/ir"
)

// Change is the net effect of a commit on one key of one collection.
// An empty Next means the key was removed; an empty Prev means it is new.
type Change struct {
	Key  ir.Value
	Prev []ir.Value
	Next []ir.Value
}

// Added returns the values in Next but not in Prev, counting multiplicity.
func (c Change) Added() []ir.Value {
	added, _ := ir.Diff(c.Prev, c.Next)
	return added
}

// Removed returns the values in Prev but not in Next, counting multiplicity.
func (c Change) Removed() []ir.Value {
	_, removed := ir.Diff(c.Prev, c.Next)
	return removed
}

func lessChange(a, b Change) bool { return ir.Less(a.Key, b.Key) }

// ChangeSet accumulates the changes of one or more propagations, keyed by
// collection and key. Recording a key twice keeps the first Prev and the
// last Next.
type ChangeSet struct {
	nodes map[NodeID]*btree.BTreeG[Change]
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{nodes: make(map[NodeID]*btree.BTreeG[Change])}
}

func (cs *ChangeSet) record(id NodeID, key ir.Value, prev, next []ir.Value) {
	t, ok := cs.nodes[id]
	if !ok {
		t = btree.NewG(btreeDegree, lessChange)
		cs.nodes[id] = t
	}
	if old, ok := t.Get(Change{Key: key}); ok {
		prev = old.Prev
	}
	t.ReplaceOrInsert(Change{Key: key, Prev: prev, Next: next})
}

// Merge folds later into cs. later must describe changes made after the ones
// already in cs.
func (cs *ChangeSet) Merge(later *ChangeSet) {
	if later == nil {
		return
	}
	for id, t := range later.nodes {
		t.Ascend(func(c Change) bool {
			cs.record(id, c.Key, c.Prev, c.Next)
			return true
		})
	}
}

// For returns the effective changes of c in key order. Keys whose final
// values equal their initial values are omitted.
func (cs *ChangeSet) For(c Eager) []Change {
	if cs == nil {
		return nil
	}
	t, ok := cs.nodes[c.id]
	if !ok {
		return nil
	}
	out := make([]Change, 0, t.Len())
	t.Ascend(func(ch Change) bool {
		if !ir.EqualValues(ch.Prev, ch.Next) {
			out = append(out, ch)
		}
		return true
	})
	return out
}

// Touches reports whether c has at least one effective change.
func (cs *ChangeSet) Touches(c Eager) bool {
	return len(cs.For(c)) > 0
}

// Collections lists the collections with recorded changes in id order.
func (cs *ChangeSet) Collections() []Eager {
	if cs == nil {
		return nil
	}
	out := make([]Eager, 0, len(cs.nodes))
	for id := range cs.nodes {
		out = append(out, Eager{id: id})
	}
	slices.SortFunc(out, func(a, b Eager) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Empty reports whether the set holds no effective change.
func (cs *ChangeSet) Empty() bool {
	for _, c := range cs.Collections() {
		if cs.Touches(c) {
			return false
		}
	}
	return true
}

// Compose folds a sequence of per-commit change lists for one collection
// into their net effect, in key order.
func Compose(commits ...[]Change) []Change {
	cs := NewChangeSet()
	for _, changes := range commits {
		for _, c := range changes {
			cs.record(0, c.Key, c.Prev, c.Next)
		}
	}
	return cs.For(Eager{id: 0})
}
