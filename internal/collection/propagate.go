package collection

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/google/btree"

	"github.com/roach88/recoll/internal/arena"
	"github.com/roach88/recoll/internal/handle"
	"github.com/roach88/recoll/internal/ir"
)

// dirtyKey marks one key of a node for re-evaluation. prev is the source's
// values before the step that marked it, used by reducers to derive the
// exact delta they have not consumed yet.
type dirtyKey struct {
	key     ir.Value
	prev    []ir.Value
	hasPrev bool
}

func lessDirty(a, b dirtyKey) bool { return ir.Less(a.key, b.key) }

// idHeap orders pending nodes by id, which is topological order.
type idHeap []NodeID

func (h idHeap) Len() int           { return len(h) }
func (h idHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idHeap) Push(x any)        { *h = append(*h, x.(NodeID)) }
func (h *idHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// propagation carries one write through the graph.
type propagation struct {
	g       *Graph
	changes *ChangeSet
	pending map[NodeID]*btree.BTreeG[dirtyKey]
	queue   idHeap
	quota   *quota
}

func (g *Graph) newPropagation() *propagation {
	return &propagation{
		g:       g,
		changes: NewChangeSet(),
		pending: make(map[NodeID]*btree.BTreeG[dirtyKey]),
		quota:   newQuota(g.maxVisits),
	}
}

// mark queues (id, key). The first mark of a pending key wins, so prev is the
// value the node last consumed.
func (p *propagation) mark(id NodeID, d dirtyKey) {
	t, ok := p.pending[id]
	if !ok {
		t = btree.NewG(btreeDegree, lessDirty)
		p.pending[id] = t
		heap.Push(&p.queue, id)
	}
	if !t.Has(d) {
		t.ReplaceOrInsert(d)
	}
}

// setOutput replaces the values of n at key and notifies everything that
// depends on it.
func (p *propagation) setOutput(n *node, key ir.Value, values []ir.Value) {
	prev, _ := n.get(key)
	if ir.EqualValues(prev, values) {
		return
	}
	if len(values) == 0 {
		n.data.Delete(kv{key: key})
		values = nil
	} else {
		n.data.ReplaceOrInsert(kv{key: key, values: values})
	}
	p.changes.record(n.id, key, prev, values)

	for _, dep := range n.dependents {
		p.mark(dep, dirtyKey{key: key, prev: prev, hasPrev: true})
	}
	p.markWatchers(n, key)
}

func (p *propagation) markWatchers(n *node, key ir.Value) {
	n.watchers.AscendGreaterOrEqual(watchItem{key: key}, func(w watchItem) bool {
		if !ir.Equal(w.key, key) {
			return false
		}
		p.mark(w.reader, dirtyKey{key: w.readerKey})
		return true
	})
}

// run drains the worklist.
func (p *propagation) run() error {
	for p.queue.Len() > 0 {
		id := heap.Pop(&p.queue).(NodeID)
		keys := p.pending[id]
		delete(p.pending, id)

		n, err := p.g.mutable(id)
		if err != nil {
			// Dropped while queued.
			if ir.HasCode(err, ir.ErrCodeUnknownCollection) {
				continue
			}
			return err
		}
		if err := p.quota.check(n.label()); err != nil {
			return err
		}

		var dirty []dirtyKey
		keys.Ascend(func(d dirtyKey) bool {
			dirty = append(dirty, d)
			return true
		})
		if err := p.process(n, dirty); err != nil {
			return err
		}
	}
	return nil
}

func (p *propagation) process(n *node, dirty []dirtyKey) error {
	switch n.kind {
	case kindInput, kindExternal:
		return nil
	case kindMap:
		return p.processMap(n, dirty)
	case kindReduce:
		return p.processReduce(n, dirty)
	case kindMerge:
		return p.processMerge(n, dirty)
	case kindSlice:
		return p.processSlice(n, dirty)
	case kindTake:
		return p.processTake(n)
	case kindLazy:
		p.processLazy(n, dirty)
		return nil
	}
	return fmt.Errorf("unknown node kind %d", n.kind)
}

func (p *propagation) processMap(n *node, dirty []dirtyKey) error {
	src, err := p.g.node(n.sources[0])
	if err != nil {
		return err
	}
	affected := btree.NewG(btreeDegree, func(a, b ir.Value) bool { return ir.Less(a, b) })

	for _, d := range dirty {
		k := d.key
		var outs []ir.Value
		n.bySrc.AscendGreaterOrEqual(srcItem{src: k}, func(s srcItem) bool {
			if !ir.Equal(s.src, k) {
				return false
			}
			outs = append(outs, s.out)
			return true
		})
		for _, o := range outs {
			n.bySrc.Delete(srcItem{src: k, out: o})
			n.contrib.Delete(contribItem{out: o, src: k})
			affected.ReplaceOrInsert(o)
		}
		p.g.clearReads(n, k)

		values, _ := src.get(k)
		if len(values) == 0 {
			continue
		}
		pairs, err := p.g.evalMapper(n, k, values)
		if err != nil {
			return err
		}
		for _, grp := range groupPairs(pairs) {
			n.contrib.ReplaceOrInsert(contribItem{out: grp.Key, src: k, values: grp.Values})
			n.bySrc.ReplaceOrInsert(srcItem{src: k, out: grp.Key})
			affected.ReplaceOrInsert(grp.Key)
		}
	}

	affected.Ascend(func(o ir.Value) bool {
		var values []ir.Value
		n.contrib.AscendGreaterOrEqual(contribItem{out: o}, func(c contribItem) bool {
			if !ir.Equal(c.out, o) {
				return false
			}
			values = append(values, c.values...)
			return true
		})
		p.setOutput(n, o, values)
		return true
	})
	return nil
}

// groupPairs collects mapper output by key, keeping emission order within a
// key.
func groupPairs(pairs []ir.Pair) []ir.Entry {
	t := btree.NewG(btreeDegree, lessKV)
	for _, pr := range pairs {
		item, _ := t.Get(kv{key: pr.Key})
		item.key = pr.Key
		item.values = append(item.values, pr.Value)
		t.ReplaceOrInsert(item)
	}
	out := make([]ir.Entry, 0, t.Len())
	t.Ascend(func(item kv) bool {
		out = append(out, ir.Entry{Key: item.key, Values: item.values})
		return true
	})
	return out
}

func (p *propagation) processReduce(n *node, dirty []dirtyKey) error {
	src, err := p.g.node(n.sources[0])
	if err != nil {
		return err
	}
	r, err := p.g.reducerOf(n)
	if err != nil {
		return err
	}

	for _, d := range dirty {
		next, _ := src.get(d.key)
		if len(next) == 0 {
			p.setOutput(n, d.key, nil)
			continue
		}

		current, ok := n.get(d.key)
		var acc ir.Value
		if ok && d.hasPrev && len(d.prev) > 0 {
			acc, err = p.g.applyDelta(n, r, current[0], d.prev, next)
		} else {
			acc, err = p.g.reduceAll(n, r, next)
		}
		if err != nil {
			return err
		}
		p.setOutput(n, d.key, []ir.Value{acc})
	}
	return nil
}

// applyDelta removes and adds the difference between prev and next. A
// removal the reducer cannot invert falls back to a full recompute.
func (g *Graph) applyDelta(n *node, r Reducer, acc ir.Value, prev, next []ir.Value) (ir.Value, error) {
	added, removed := ir.Diff(prev, next)
	for _, v := range removed {
		out, ok, err := r.Remove(acc, v)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", n.label(), err)
		}
		if !ok {
			return g.reduceAll(n, r, next)
		}
		acc = out
	}
	for _, v := range added {
		out, err := r.Add(acc, v)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", n.label(), err)
		}
		acc = out
	}
	return ir.Copy(acc), nil
}

func (g *Graph) reduceAll(n *node, r Reducer, values []ir.Value) (ir.Value, error) {
	acc := r.Initial()
	for _, v := range values {
		out, err := r.Add(acc, v)
		if err != nil {
			return nil, fmt.Errorf("reduce %s: %w", n.label(), err)
		}
		acc = out
	}
	return ir.Copy(acc), nil
}

func (g *Graph) reducerOf(n *node) (Reducer, error) {
	if n.native != nil {
		return n.native, nil
	}
	return handle.As[Reducer](g.reg, n.reducer)
}

func (p *propagation) processMerge(n *node, dirty []dirtyKey) error {
	srcs := make([]*node, len(n.sources))
	for i, id := range n.sources {
		s, err := p.g.node(id)
		if err != nil {
			return err
		}
		srcs[i] = s
	}
	for _, d := range dirty {
		var values []ir.Value
		for _, s := range srcs {
			vs, _ := s.get(d.key)
			values = append(values, vs...)
		}
		p.setOutput(n, d.key, values)
	}
	return nil
}

func (p *propagation) processSlice(n *node, dirty []dirtyKey) error {
	src, err := p.g.node(n.sources[0])
	if err != nil {
		return err
	}
	for _, d := range dirty {
		var values []ir.Value
		if inRanges(n.ranges, d.key) {
			values, _ = src.get(d.key)
		}
		p.setOutput(n, d.key, values)
	}
	return nil
}

func inRanges(ranges []Range, key ir.Value) bool {
	for _, r := range ranges {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// processTake recomputes the first limit keys and writes only the keys whose
// membership or values changed.
func (p *propagation) processTake(n *node) error {
	src, err := p.g.node(n.sources[0])
	if err != nil {
		return err
	}

	var want []kv
	if n.limit > 0 {
		src.data.Ascend(func(item kv) bool {
			want = append(want, item)
			return len(want) < n.limit
		})
	}

	var stale []ir.Value
	n.data.Ascend(func(item kv) bool {
		if !slices.ContainsFunc(want, func(w kv) bool { return ir.Equal(w.key, item.key) }) {
			stale = append(stale, item.key)
		}
		return true
	})
	for _, k := range stale {
		p.setOutput(n, k, nil)
	}
	for _, w := range want {
		p.setOutput(n, w.key, w.values)
	}
	return nil
}

// processLazy drops cached keys whose reads changed and passes the
// invalidation on to their readers.
func (p *propagation) processLazy(n *node, dirty []dirtyKey) {
	for _, d := range dirty {
		if _, ok := n.data.Get(kv{key: d.key}); !ok {
			continue
		}
		n.data.Delete(kv{key: d.key})
		p.g.clearReads(n, d.key)
		p.markWatchers(n, d.key)
	}
}

// clearReads removes the dependency edges recorded by reader at readerKey.
func (g *Graph) clearReads(reader *node, readerKey ir.Value) {
	var reads []readItem
	reader.reads.AscendGreaterOrEqual(readItem{readerKey: readerKey}, func(r readItem) bool {
		if !ir.Equal(r.readerKey, readerKey) {
			return false
		}
		reads = append(reads, r)
		return true
	})
	for _, r := range reads {
		reader.reads.Delete(r)
		src, err := g.mutable(r.src)
		if err != nil {
			continue
		}
		src.watchers.Delete(watchItem{key: r.srcKey, reader: reader.id, readerKey: readerKey})
	}
}

// recordRead registers a read of (src, key) by the innermost frame.
func (g *Graph) recordRead(src NodeID, key ir.Value) error {
	top, ok := g.stack.Top()
	if !ok {
		return nil
	}
	reader, err := g.mutable(top.Node)
	if err != nil {
		return err
	}
	if top.Node == src && reader.kind != kindLazy {
		return ir.Errorf(ir.ErrCodeCycle, reader.label(), "collection reads itself while being computed")
	}
	watched, err := g.mutable(src)
	if err != nil {
		return err
	}
	reader.reads.ReplaceOrInsert(readItem{readerKey: top.Key, src: src, srcKey: key})
	watched.watchers.ReplaceOrInsert(watchItem{key: key, reader: top.Node, readerKey: top.Key})
	return nil
}

// evalMapper runs the node's mapper for one source key inside a region.
func (g *Graph) evalMapper(n *node, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
	m, err := handle.As[Mapper](g.reg, n.mapper)
	if err != nil {
		return nil, err
	}
	if err := g.stack.Push(n.id, key, n.label()); err != nil {
		return nil, err
	}
	defer g.stack.Pop()

	var out []ir.Pair
	err = arena.Run(func(r *arena.Region) error {
		ctx := &Context{g: g, owner: n.owner, region: r}
		pairs, err := m.MapEntry(ctx, key, slices.Clone(values))
		if err != nil {
			return err
		}
		out = make([]ir.Pair, len(pairs))
		for i, pr := range pairs {
			if pr.Key == nil || pr.Value == nil {
				return ir.Errorf(ir.ErrCodeInvalidOperator, n.label(), "mapper emitted a nil key or value")
			}
			out[i] = ir.Pair{Key: r.Escape(pr.Key), Value: r.Escape(pr.Value)}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("map %s at %s: %w", n.label(), ir.Format(key), err)
	}
	return out, nil
}

// evalLazy returns the values of a lazy node at key, computing and caching
// them on a miss.
func (g *Graph) evalLazy(id NodeID, key ir.Value) ([]ir.Value, error) {
	n, err := g.mutable(id)
	if err != nil {
		return nil, err
	}
	if cached, ok := n.get(key); ok {
		return slices.Clone(cached), nil
	}
	compute, err := handle.As[LazyCompute](g.reg, n.compute)
	if err != nil {
		return nil, err
	}
	if err := g.stack.Push(n.id, key, n.label()); err != nil {
		return nil, err
	}
	defer g.stack.Pop()

	g.clearReads(n, key)
	var out []ir.Value
	err = arena.Run(func(r *arena.Region) error {
		ctx := &Context{g: g, owner: n.owner, region: r}
		values, err := compute.Compute(ctx, Lazy{id: n.id}, key)
		if err != nil {
			return err
		}
		out = ir.CopyAll(values)
		if out == nil {
			out = []ir.Value{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compute %s at %s: %w", n.label(), ir.Format(key), err)
	}
	n.data.ReplaceOrInsert(kv{key: key, values: out})
	return slices.Clone(out), nil
}
