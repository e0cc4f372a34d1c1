package collection

import (
	"slices"

	"github.com/roach88/recoll/internal/arena"
	"github.com/roach88/recoll/internal/ir"
)

// Context is the explicit evaluation context handed to graph builders,
// resources, mappers and lazy computes. It binds a writable graph, the
// resource instance that owns anything created through it, and, during
// evaluation, the arena region of the current call.
//
// Derivation operators are only available while no evaluation frame is
// active: graphs are built by CreateGraph and Resource.Instantiate, never
// from inside a mapper.
type Context struct {
	g      *Graph
	owner  string
	region *arena.Region
}

// NewContext returns a building context on g. Collections created through it
// are owned by owner ("" for the service graph).
func (g *Graph) NewContext(owner string) *Context {
	return &Context{g: g, owner: owner}
}

// Owner returns the resource instance id owning new collections.
func (c *Context) Owner() string { return c.owner }

// Region returns the scratch region of the current evaluation, or nil while
// building.
func (c *Context) Region() *arena.Region { return c.region }

// Lookup resolves a named service collection.
func (c *Context) Lookup(name string) (Eager, error) {
	return c.g.Lookup(name)
}

// Map derives a collection by running m once per source key.
func (c *Context) Map(src Eager, m Mapper) (Eager, error) {
	if m == nil {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, "map", "mapper is nil")
	}
	return c.derive(kindMap, []Eager{src}, func(n *node) {
		n.mapper = c.g.register(m)
	})
}

// Reduce derives one accumulator per source key.
func (c *Context) Reduce(src Eager, r Reducer) (Eager, error) {
	if r == nil {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, "reduce", "reducer is nil")
	}
	return c.derive(kindReduce, []Eager{src}, func(n *node) {
		c.setReducer(n, r)
	})
}

// MapReduce is Map followed by Reduce.
func (c *Context) MapReduce(src Eager, m Mapper, r Reducer) (Eager, error) {
	if m == nil || r == nil {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, "mapReduce", "mapper and reducer are required")
	}
	mapped, err := c.Map(src, m)
	if err != nil {
		return Eager{}, err
	}
	return c.Reduce(mapped, r)
}

func (c *Context) setReducer(n *node, r Reducer) {
	if nr, ok := r.(NativeReducer); ok {
		n.native = nr
		return
	}
	n.reducer = c.g.register(r)
}

// Merge concatenates the values of src and others per key, in argument
// order. Duplicates are kept.
func (c *Context) Merge(src Eager, others ...Eager) (Eager, error) {
	return c.derive(kindMerge, append([]Eager{src}, others...), nil)
}

// Slice keeps the keys within [start, end].
func (c *Context) Slice(src Eager, start, end ir.Value) (Eager, error) {
	return c.Slices(src, Range{Start: start, End: end})
}

// Slices keeps the keys within any of the inclusive ranges.
func (c *Context) Slices(src Eager, ranges ...Range) (Eager, error) {
	for _, r := range ranges {
		if r.Start == nil || r.End == nil {
			return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, "slices", "range bounds are required")
		}
	}
	rs := make([]Range, len(ranges))
	for i, r := range ranges {
		rs[i] = Range{Start: ir.Copy(r.Start), End: ir.Copy(r.End)}
	}
	return c.derive(kindSlice, []Eager{src}, func(n *node) {
		n.ranges = rs
	})
}

// Take keeps the first limit keys.
func (c *Context) Take(src Eager, limit int) (Eager, error) {
	if limit < 0 {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, "take", "limit %d is negative", limit)
	}
	return c.derive(kindTake, []Eager{src}, func(n *node) {
		n.limit = limit
	})
}

// CreateLazyCollection registers an on-demand collection.
func (c *Context) CreateLazyCollection(compute LazyCompute) (Lazy, error) {
	if compute == nil {
		return Lazy{}, ir.Errorf(ir.ErrCodeInvalidOperator, "lazy", "compute is nil")
	}
	if err := c.checkBuild("lazy"); err != nil {
		return Lazy{}, err
	}
	n := c.g.addNode(kindLazy, c.owner)
	n.compute = c.g.register(compute)
	return Lazy{id: n.id}, nil
}

// UseExternalResource creates a writable collection fed by an external
// service. The subscription is opened once the owning instance is published.
func (c *Context) UseExternalResource(service, resource string, params ir.Value) (Eager, error) {
	if err := c.checkBuild("external"); err != nil {
		return Eager{}, err
	}
	if c.owner == "" {
		return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, service,
			"external resources belong to a resource instance")
	}
	if params == nil {
		params = ir.Object{}
	}
	n := c.g.addNode(kindExternal, c.owner)
	n.name = service + "/" + resource
	n.external = &ExternalSpec{Service: service, Resource: resource, Params: ir.Copy(params)}
	return Eager{id: n.id}, nil
}

// GetArray reads col at key and records the read.
func (c *Context) GetArray(col Eager, key ir.Value) ([]ir.Value, error) {
	n, err := c.g.eager(col.id)
	if err != nil {
		return nil, err
	}
	if err := c.g.recordRead(col.id, key); err != nil {
		return nil, err
	}
	values, _ := n.get(key)
	return slices.Clone(values), nil
}

// GetUnique reads the single value of col at key and records the read.
func (c *Context) GetUnique(col Eager, key ir.Value, defaults Defaults) (ir.Value, error) {
	values, err := c.GetArray(col, key)
	if err != nil {
		return nil, err
	}
	return unique(c.g.labelOf(col.id), key, values, defaults)
}

// Size returns the number of keys in col. Size is not tracked as a read.
func (c *Context) Size(col Eager) (int, error) {
	return c.g.Size(col)
}

// LazyGetArray reads l at key, computing it on a cache miss.
func (c *Context) LazyGetArray(l Lazy, key ir.Value) ([]ir.Value, error) {
	n, err := c.g.node(l.id)
	if err != nil {
		return nil, err
	}
	if n.kind != kindLazy {
		return nil, ir.Errorf(ir.ErrCodeInvalidOperator, n.label(), "not a lazy collection")
	}
	values, err := c.g.evalLazy(l.id, key)
	if err != nil {
		return nil, err
	}
	if err := c.g.recordRead(l.id, key); err != nil {
		return nil, err
	}
	return values, nil
}

// LazyGetUnique reads the single value of l at key.
func (c *Context) LazyGetUnique(l Lazy, key ir.Value, defaults Defaults) (ir.Value, error) {
	values, err := c.LazyGetArray(l, key)
	if err != nil {
		return nil, err
	}
	return unique(c.g.labelOf(l.id), key, values, defaults)
}

func (c *Context) checkBuild(op string) error {
	if err := c.g.checkWritable(op); err != nil {
		return err
	}
	if c.g.stack.Len() > 0 {
		return ir.Errorf(ir.ErrCodeInvalidOperator, op, "collections cannot be derived during evaluation")
	}
	return nil
}

// derive adds a node over sources and builds its initial contents.
func (c *Context) derive(k kind, sources []Eager, setup func(n *node)) (Eager, error) {
	if err := c.checkBuild(k.String()); err != nil {
		return Eager{}, err
	}
	ids := make([]NodeID, len(sources))
	for i, s := range sources {
		src, err := c.g.eager(s.id)
		if err != nil {
			return Eager{}, err
		}
		if src.owner != "" && src.owner != c.owner {
			return Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, src.label(),
				"collection belongs to resource instance %q", src.owner)
		}
		ids[i] = s.id
	}

	n := c.g.addNode(k, c.owner)
	n.sources = ids
	if setup != nil {
		setup(n)
	}

	p := c.g.newPropagation()
	for _, id := range uniqueIDs(ids) {
		src, err := c.g.mutable(id)
		if err != nil {
			return Eager{}, err
		}
		src.dependents = append(src.dependents, n.id)
		src.data.Ascend(func(item kv) bool {
			p.mark(n.id, dirtyKey{key: item.key, hasPrev: true})
			return true
		})
	}
	if err := p.run(); err != nil {
		return Eager{}, err
	}
	return Eager{id: n.id}, nil
}

func uniqueIDs(ids []NodeID) []NodeID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
