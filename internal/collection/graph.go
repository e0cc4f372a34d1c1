package collection

import (
	"maps"
	"slices"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/roach88/recoll/internal/handle"
	"github.com/roach88/recoll/internal/ir"
)

var generations atomic.Uint64

// Graph is one version of the whole collection state.
//
// A sealed graph is immutable and may be read from any goroutine. An
// unsealed graph (a fork) is private to the writer holding it.
type Graph struct {
	gen     uint64
	nodes   *btree.BTreeG[*node]
	names   map[string]NodeID
	nextID  NodeID
	version uint64
	sealed  bool

	reg       *handle.Table[any]
	stack     *Stack
	maxVisits int

	// registered holds handles created since the clone; dropped holds
	// handles of nodes removed since the clone.
	registered []handle.Handle
	dropped    []handle.Handle
}

// Option configures a Graph.
type Option func(*Graph)

// WithHandles shares a handle table with the graph. By default each graph
// lineage gets its own table.
func WithHandles(t *handle.Table[any]) Option {
	return func(g *Graph) {
		g.reg = t
	}
}

// WithMaxVisits bounds node visits per propagation.
func WithMaxVisits(n int) Option {
	return func(g *Graph) {
		g.maxVisits = n
	}
}

// NewGraph returns an empty sealed graph at version 0. Mutate it through
// Clone.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		gen:       generations.Add(1),
		nodes:     btree.NewG(btreeDegree, lessNode),
		names:     make(map[string]NodeID),
		nextID:    1,
		sealed:    true,
		stack:     NewStack(),
		maxVisits: DefaultMaxVisits,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.reg == nil {
		g.reg = handle.NewTable[any]()
	}
	return g
}

// Clone returns a writable copy of g. The copy shares structure with g and
// pays for nodes only when they are first written.
//
// Clone is safe for concurrent use on a sealed graph; g stays readable from
// other goroutines while and after it runs.
func (g *Graph) Clone() *Graph {
	cloneMu.Lock()
	defer cloneMu.Unlock()
	return &Graph{
		gen:       generations.Add(1),
		nodes:     g.nodes.Clone(),
		names:     maps.Clone(g.names),
		nextID:    g.nextID,
		version:   g.version,
		reg:       g.reg,
		stack:     NewStack(),
		maxVisits: g.maxVisits,
	}
}

// Seal freezes g at version. A sealed graph rejects every mutation.
func (g *Graph) Seal(version uint64) {
	g.version = version
	g.sealed = true
}

// Sealed reports whether g is immutable.
func (g *Graph) Sealed() bool { return g.sealed }

// Version returns the main-state version g was sealed at, or the version it
// was cloned from while still writable.
func (g *Graph) Version() uint64 { return g.version }

// Handles returns the handle table shared by the graph lineage.
func (g *Graph) Handles() *handle.Table[any] { return g.reg }

// Registered returns the handles registered since the graph was cloned.
func (g *Graph) Registered() []handle.Handle { return slices.Clone(g.registered) }

// Dropped returns the handles of nodes removed since the graph was cloned.
func (g *Graph) Dropped() []handle.Handle { return slices.Clone(g.dropped) }

// Stack exposes the evaluation stack.
func (g *Graph) Stack() *Stack { return g.stack }

// Len returns the number of live collections.
func (g *Graph) Len() int { return g.nodes.Len() }

// Lookup resolves a named collection.
func (g *Graph) Lookup(name string) (Eager, error) {
	id, ok := g.names[name]
	if !ok {
		return Eager{}, ir.Errorf(ir.ErrCodeUnknownCollection, name, "no collection named %q", name)
	}
	return Eager{id: id}, nil
}

// Names returns every bound collection name, sorted.
func (g *Graph) Names() []string {
	return slices.Sorted(maps.Keys(g.names))
}

// Named returns all bound collections by name.
func (g *Graph) Named() Named {
	out := make(Named, len(g.names))
	for name, id := range g.names {
		out[name] = Eager{id: id}
	}
	return out
}

// Bind names c so it can be looked up and handed to resources.
func (g *Graph) Bind(name string, c Eager) error {
	if err := g.checkWritable(name); err != nil {
		return err
	}
	n, err := g.eager(c.id)
	if err != nil {
		return err
	}
	if existing, ok := g.names[name]; ok && existing != c.id {
		return ir.Errorf(ir.ErrCodeInvalidOperator, name, "collection name already bound")
	}
	g.names[name] = c.id
	if n.name == "" {
		m, err := g.mutable(c.id)
		if err != nil {
			return err
		}
		m.name = name
	}
	return nil
}

// IsWritable reports whether c accepts writes (input or external).
func (g *Graph) IsWritable(c Eager) bool {
	n, ok := g.nodes.Get(&node{id: c.id})
	return ok && n.kind.writable()
}

// Contains reports whether c is live in g.
func (g *Graph) Contains(c Eager) bool {
	n, ok := g.nodes.Get(&node{id: c.id})
	return ok && n.kind != kindLazy
}

// Owner returns the resource instance owning c, or "" for service
// collections.
func (g *Graph) Owner(c Eager) (string, error) {
	n, err := g.node(c.id)
	if err != nil {
		return "", err
	}
	return n.owner, nil
}

// CreateInput adds a named writable collection seeded with entries.
func (g *Graph) CreateInput(name string, entries []ir.Entry) (Eager, error) {
	if err := g.checkWritable(name); err != nil {
		return Eager{}, err
	}
	if _, ok := g.names[name]; ok {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, name, "collection name already bound")
	}
	n := g.addNode(kindInput, "")
	n.name = name
	for _, e := range normalizeEntries(entries) {
		if len(e.Values) > 0 {
			n.data.ReplaceOrInsert(kv{key: e.Key, values: e.Values})
		}
	}
	g.names[name] = n.id
	return Eager{id: n.id}, nil
}

// GetArray returns the values of c at key. A missing key yields no values.
func (g *Graph) GetArray(c Eager, key ir.Value) ([]ir.Value, error) {
	n, err := g.eager(c.id)
	if err != nil {
		return nil, err
	}
	values, _ := n.get(key)
	return slices.Clone(values), nil
}

// GetUnique returns the single value of c at key. Zero or several values fail
// with NON_UNIQUE_VALUE unless the matching default is set.
func (g *Graph) GetUnique(c Eager, key ir.Value, defaults Defaults) (ir.Value, error) {
	values, err := g.GetArray(c, key)
	if err != nil {
		return nil, err
	}
	return unique(g.labelOf(c.id), key, values, defaults)
}

func unique(label string, key ir.Value, values []ir.Value, defaults Defaults) (ir.Value, error) {
	switch {
	case len(values) == 1:
		return values[0], nil
	case len(values) == 0 && defaults.IfNone != nil:
		return defaults.IfNone, nil
	case len(values) > 1 && defaults.IfMany != nil:
		return defaults.IfMany, nil
	}
	return nil, ir.Errorf(ir.ErrCodeNonUniqueValue, label,
		"key %s has %d values, want exactly 1", ir.Format(key), len(values))
}

// Size returns the number of keys in c.
func (g *Graph) Size(c Eager) (int, error) {
	n, err := g.eager(c.id)
	if err != nil {
		return 0, err
	}
	return n.data.Len(), nil
}

// Entries returns the full contents of c in key order.
func (g *Graph) Entries(c Eager) ([]ir.Entry, error) {
	n, err := g.eager(c.id)
	if err != nil {
		return nil, err
	}
	out := make([]ir.Entry, 0, n.data.Len())
	n.data.Ascend(func(item kv) bool {
		out = append(out, ir.Entry{Key: item.key, Values: slices.Clone(item.values)})
		return true
	})
	return out, nil
}

// EntriesIn returns the entries of c whose keys fall within r.
func (g *Graph) EntriesIn(c Eager, r Range) ([]ir.Entry, error) {
	n, err := g.eager(c.id)
	if err != nil {
		return nil, err
	}
	var out []ir.Entry
	n.data.AscendGreaterOrEqual(kv{key: r.Start}, func(item kv) bool {
		if ir.Compare(item.key, r.End) > 0 {
			return false
		}
		out = append(out, ir.Entry{Key: item.key, Values: slices.Clone(item.values)})
		return true
	})
	return out, nil
}

// Externals lists the external collections owned by owner.
func (g *Graph) Externals(owner string) []ExternalNode {
	var out []ExternalNode
	g.nodes.Ascend(func(n *node) bool {
		if n.kind == kindExternal && n.owner == owner {
			out = append(out, ExternalNode{Collection: Eager{id: n.id}, Owner: n.owner, Spec: *n.external})
		}
		return true
	})
	return out
}

// DropOwner removes every collection owned by owner together with the
// dependency edges they recorded. Their callback handles are queued on
// Dropped for release once the graph is published.
func (g *Graph) DropOwner(owner string) error {
	if err := g.checkWritable(owner); err != nil {
		return err
	}
	if owner == "" {
		return ir.Errorf(ir.ErrCodeInvalidOperator, "", "service collections cannot be dropped")
	}

	var victims []*node
	g.nodes.Ascend(func(n *node) bool {
		if n.owner == owner {
			victims = append(victims, n)
		}
		return true
	})

	gone := make(map[NodeID]bool, len(victims))
	for _, n := range victims {
		gone[n.id] = true
	}

	for _, n := range victims {
		var reads []readItem
		n.reads.Ascend(func(r readItem) bool {
			reads = append(reads, r)
			return true
		})
		for _, r := range reads {
			if gone[r.src] {
				continue
			}
			src, err := g.mutable(r.src)
			if err != nil {
				continue
			}
			src.watchers.Delete(watchItem{key: r.srcKey, reader: n.id, readerKey: r.readerKey})
		}
		for _, s := range n.sources {
			if gone[s] {
				continue
			}
			src, err := g.mutable(s)
			if err != nil {
				continue
			}
			src.dependents = slices.DeleteFunc(src.dependents, func(id NodeID) bool { return id == n.id })
		}
	}

	for _, n := range victims {
		g.nodes.Delete(n)
		g.dropped = append(g.dropped, n.handles()...)
	}
	return nil
}

// Owned lists the collections owned by owner.
func (g *Graph) Owned(owner string) []Eager {
	var out []Eager
	g.nodes.Ascend(func(n *node) bool {
		if n.owner == owner && n.kind != kindLazy {
			out = append(out, Eager{id: n.id})
		}
		return true
	})
	return out
}

func (g *Graph) checkWritable(subject string) error {
	if g.sealed {
		return ir.Errorf(ir.ErrCodeNoActiveFork, subject, "graph version %d is published and immutable", g.version)
	}
	return nil
}

func (g *Graph) node(id NodeID) (*node, error) {
	n, ok := g.nodes.Get(&node{id: id})
	if !ok {
		return nil, ir.Errorf(ir.ErrCodeUnknownCollection, "#"+nodeIDString(id), "collection is not live")
	}
	return n, nil
}

func (g *Graph) eager(id NodeID) (*node, error) {
	n, err := g.node(id)
	if err != nil {
		return nil, err
	}
	if n.kind == kindLazy {
		return nil, ir.Errorf(ir.ErrCodeInvalidOperator, n.label(), "lazy collections are read through a Context")
	}
	return n, nil
}

// mutable returns a copy of the node owned by g, cloning it on first write.
func (g *Graph) mutable(id NodeID) (*node, error) {
	if err := g.checkWritable("#" + nodeIDString(id)); err != nil {
		return nil, err
	}
	n, err := g.node(id)
	if err != nil {
		return nil, err
	}
	if n.gen != g.gen {
		n = n.cloneFor(g.gen)
		g.nodes.ReplaceOrInsert(n)
	}
	return n, nil
}

func (g *Graph) addNode(k kind, owner string) *node {
	n := newNode(g.nextID, g.gen, k)
	n.owner = owner
	g.nextID++
	g.nodes.ReplaceOrInsert(n)
	return n
}

func (g *Graph) register(obj any) handle.Handle {
	h := g.reg.Register(obj)
	g.registered = append(g.registered, h)
	return h
}

func (g *Graph) labelOf(id NodeID) string {
	if n, err := g.node(id); err == nil {
		return n.label()
	}
	return "#" + nodeIDString(id)
}

// normalizeEntries deep-copies entries and keeps the last occurrence of each
// key, in key order.
func normalizeEntries(entries []ir.Entry) []ir.Entry {
	t := btree.NewG(btreeDegree, lessKV)
	for _, e := range entries {
		t.ReplaceOrInsert(kv{key: ir.Copy(e.Key), values: ir.CopyAll(e.Values)})
	}
	out := make([]ir.Entry, 0, t.Len())
	t.Ascend(func(item kv) bool {
		out = append(out, ir.Entry{Key: item.key, Values: item.values})
		return true
	})
	return out
}
