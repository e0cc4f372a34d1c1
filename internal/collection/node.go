package collection

import (
	"slices"
	"sync"

	"github.com/google/btree"

	"github.com/roach88/recoll/internal/handle"
	"github.com/roach88/recoll/internal/ir"
)

const btreeDegree = 32

type kind int

const (
	kindInput kind = iota
	kindExternal
	kindMap
	kindReduce
	kindMerge
	kindSlice
	kindTake
	kindLazy
)

func (k kind) String() string {
	switch k {
	case kindInput:
		return "input"
	case kindExternal:
		return "external"
	case kindMap:
		return "map"
	case kindReduce:
		return "reduce"
	case kindMerge:
		return "merge"
	case kindSlice:
		return "slice"
	case kindTake:
		return "take"
	case kindLazy:
		return "lazy"
	default:
		return "unknown"
	}
}

func (k kind) writable() bool { return k == kindInput || k == kindExternal }

// kv is one materialized key. values is never mutated in place; a change
// replaces the slice.
type kv struct {
	key    ir.Value
	values []ir.Value
}

func lessKV(a, b kv) bool { return ir.Less(a.key, b.key) }

// contribItem holds what one source key of a map node emitted for one
// output key. Ordered by (out, src) so an output key's values are assembled
// in source-key order.
type contribItem struct {
	out    ir.Value
	src    ir.Value
	values []ir.Value
}

func lessContrib(a, b contribItem) bool {
	if c := ir.Compare(a.out, b.out); c != 0 {
		return c < 0
	}
	return ir.Less(a.src, b.src)
}

// srcItem indexes contributions by source key for retraction.
type srcItem struct {
	src ir.Value
	out ir.Value
}

func lessSrc(a, b srcItem) bool {
	if c := ir.Compare(a.src, b.src); c != 0 {
		return c < 0
	}
	return ir.Less(a.out, b.out)
}

// watchItem records that reader evaluated readerKey using this node's key.
type watchItem struct {
	key       ir.Value
	reader    NodeID
	readerKey ir.Value
}

func lessWatch(a, b watchItem) bool {
	if c := ir.Compare(a.key, b.key); c != 0 {
		return c < 0
	}
	if a.reader != b.reader {
		return a.reader < b.reader
	}
	return ir.Less(a.readerKey, b.readerKey)
}

// readItem is the reverse of watchItem, stored on the reader.
type readItem struct {
	readerKey ir.Value
	src       NodeID
	srcKey    ir.Value
}

func lessRead(a, b readItem) bool {
	if c := ir.Compare(a.readerKey, b.readerKey); c != 0 {
		return c < 0
	}
	if a.src != b.src {
		return a.src < b.src
	}
	return ir.Less(a.srcKey, b.srcKey)
}

type node struct {
	id    NodeID
	gen   uint64 // graph generation owning this copy
	kind  kind
	name  string
	owner string

	sources    []NodeID
	dependents []NodeID

	mapper   handle.Handle
	reducer  handle.Handle
	native   NativeReducer
	compute  handle.Handle
	ranges   []Range
	limit    int
	external *ExternalSpec

	data     *btree.BTreeG[kv]
	contrib  *btree.BTreeG[contribItem]
	bySrc    *btree.BTreeG[srcItem]
	watchers *btree.BTreeG[watchItem]
	reads    *btree.BTreeG[readItem]
}

func lessNode(a, b *node) bool { return a.id < b.id }

func newNode(id NodeID, gen uint64, k kind) *node {
	n := &node{
		id:       id,
		gen:      gen,
		kind:     k,
		data:     btree.NewG(btreeDegree, lessKV),
		watchers: btree.NewG(btreeDegree, lessWatch),
		reads:    btree.NewG(btreeDegree, lessRead),
	}
	if k == kindMap {
		n.contrib = btree.NewG(btreeDegree, lessContrib)
		n.bySrc = btree.NewG(btreeDegree, lessSrc)
	}
	return n
}

// cloneMu serializes btree clones. Cloning marks the source tree
// copy-on-write, so two clones of one shared tree must not overlap.
var cloneMu sync.Mutex

// cloneFor returns a copy of n owned by gen. Trees are cloned lazily.
func (n *node) cloneFor(gen uint64) *node {
	cloneMu.Lock()
	defer cloneMu.Unlock()
	c := *n
	c.gen = gen
	c.sources = slices.Clone(n.sources)
	c.dependents = slices.Clone(n.dependents)
	c.data = n.data.Clone()
	c.watchers = n.watchers.Clone()
	c.reads = n.reads.Clone()
	if n.contrib != nil {
		c.contrib = n.contrib.Clone()
		c.bySrc = n.bySrc.Clone()
	}
	return &c
}

func (n *node) label() string {
	if n.name != "" {
		return n.name
	}
	return n.kind.String() + "#" + nodeIDString(n.id)
}

func (n *node) get(key ir.Value) ([]ir.Value, bool) {
	item, ok := n.data.Get(kv{key: key})
	if !ok {
		return nil, false
	}
	return item.values, true
}

// handles lists the callback handles owned by the node.
func (n *node) handles() []handle.Handle {
	var out []handle.Handle
	for _, h := range []handle.Handle{n.mapper, n.reducer, n.compute} {
		if !h.IsZero() {
			out = append(out, h)
		}
	}
	return out
}
