package collection

import (
	"fmt"
	"strconv"

	"github.com/roach88/recoll/internal/ir"
)

// NodeID identifies a collection within a graph. IDs increase in creation
// order and are never reused.
type NodeID uint64

func nodeIDString(id NodeID) string { return strconv.FormatUint(uint64(id), 10) }

// Eager is a handle to a materialized collection.
type Eager struct {
	id NodeID
}

// ID returns the node id behind the handle.
func (c Eager) ID() NodeID { return c.id }

// IsZero reports whether c is the zero handle.
func (c Eager) IsZero() bool { return c.id == 0 }

func (c Eager) String() string { return fmt.Sprintf("eager#%d", c.id) }

// EagerOf rebuilds a handle from a node id, for callers that persist ids.
func EagerOf(id NodeID) Eager { return Eager{id: id} }

// Lazy is a handle to an on-demand collection.
type Lazy struct {
	id NodeID
}

// ID returns the node id behind the handle.
func (c Lazy) ID() NodeID { return c.id }

func (c Lazy) String() string { return fmt.Sprintf("lazy#%d", c.id) }

// Named is the set of collections handed to resources by name.
type Named map[string]Eager

// Defaults configures GetUnique fallbacks.
type Defaults struct {
	// IfNone is returned when the key has no value.
	IfNone ir.Value
	// IfMany is returned when the key has two or more values.
	IfMany ir.Value
}

// Range is an inclusive key range under the Json total order.
type Range struct {
	Start ir.Value
	End   ir.Value
}

// Contains reports whether key lies within [Start, End].
func (r Range) Contains(key ir.Value) bool {
	return ir.Compare(r.Start, key) <= 0 && ir.Compare(key, r.End) <= 0
}

// Mapper computes output pairs for one source key.
//
// MapEntry is invoked once per key with the full value set. It must be
// referentially transparent: any collection it consults has to be read
// through ctx so the read is tracked.
type Mapper interface {
	MapEntry(ctx *Context, key ir.Value, values []ir.Value) ([]ir.Pair, error)
}

// MapperFunc adapts a function to Mapper.
type MapperFunc func(ctx *Context, key ir.Value, values []ir.Value) ([]ir.Pair, error)

// MapEntry implements Mapper.
func (f MapperFunc) MapEntry(ctx *Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
	return f(ctx, key, values)
}

// Reducer maintains a per-key accumulator.
//
// Remove must invert Add: Remove(Add(a, v), v) yields a. When a removal
// cannot be expressed (the maximum was removed, say) Remove returns
// ok=false and the store recomputes the accumulator from Initial over the
// remaining values. A nil Initial means "no accumulator yet"; Add receives
// nil for the first value of a key.
type Reducer interface {
	Initial() ir.Value
	Add(acc, value ir.Value) (ir.Value, error)
	Remove(acc, value ir.Value) (ir.Value, bool, error)
}

// NativeReducer marks a built-in reducer. Native reducers are evaluated
// directly and never registered in the handle table.
type NativeReducer interface {
	Reducer
	NativeName() string
}

// ReducerFuncs adapts three functions to Reducer.
type ReducerFuncs struct {
	InitialFn func() ir.Value
	AddFn     func(acc, value ir.Value) (ir.Value, error)
	RemoveFn  func(acc, value ir.Value) (ir.Value, bool, error)
}

// Initial implements Reducer.
func (r ReducerFuncs) Initial() ir.Value {
	if r.InitialFn == nil {
		return nil
	}
	return r.InitialFn()
}

// Add implements Reducer.
func (r ReducerFuncs) Add(acc, value ir.Value) (ir.Value, error) {
	return r.AddFn(acc, value)
}

// Remove implements Reducer. A nil RemoveFn always requests recomputation.
func (r ReducerFuncs) Remove(acc, value ir.Value) (ir.Value, bool, error) {
	if r.RemoveFn == nil {
		return acc, false, nil
	}
	return r.RemoveFn(acc, value)
}

// LazyCompute produces the values of a lazy collection at one key. self
// allows recursive definitions; reading self at the key being computed is a
// cycle.
type LazyCompute interface {
	Compute(ctx *Context, self Lazy, key ir.Value) ([]ir.Value, error)
}

// LazyComputeFunc adapts a function to LazyCompute.
type LazyComputeFunc func(ctx *Context, self Lazy, key ir.Value) ([]ir.Value, error)

// Compute implements LazyCompute.
func (f LazyComputeFunc) Compute(ctx *Context, self Lazy, key ir.Value) ([]ir.Value, error) {
	return f(ctx, self, key)
}

// ExternalSpec describes an external collection: the service feeding it and
// the resource and params it was requested with.
type ExternalSpec struct {
	Service  string
	Resource string
	Params   ir.Value
}

// ExternalNode pairs an external collection with its spec.
type ExternalNode struct {
	Collection Eager
	Owner      string
	Spec       ExternalSpec
}
