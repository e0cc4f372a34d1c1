// Package arena provides the scoped scratch region that wraps every call into
// client code (mappers, reducers, lazy computes, notifiers).
//
// A Region hands out pooled value buffers and collects release callbacks.
// Everything obtained from a region is invalid once Run returns; values that
// must outlive the region are deep-copied with Escape.
package arena

import (
	"sync"

	"github.com/roach88/recoll/internal/ir"
)

const maxPooledCap = 1 << 12

var bufPool = sync.Pool{
	New: func() any {
		b := make([]ir.Value, 0, 16)
		return &b
	},
}

// Region is a single scope of scratch allocations. A Region is owned by one
// goroutine and must not be retained past Run.
type Region struct {
	bufs     []*[]ir.Value
	releases []func()
	depth    int
	parent   *Region
	closed   bool
}

// Run enters a fresh region, invokes fn, and releases the region on every
// exit path, including panics propagating out of fn.
func Run(fn func(r *Region) error) error {
	r := &Region{}
	defer r.release()
	return fn(r)
}

// RunValue is Run for functions producing a result. The result is copied out
// of the region before it is released.
func RunValue[T any](fn func(r *Region) (T, error), escape func(T) T) (T, error) {
	var out T
	err := Run(func(r *Region) error {
		v, err := fn(r)
		if err != nil {
			return err
		}
		if escape != nil {
			v = escape(v)
		}
		out = v
		return nil
	})
	return out, err
}

// Enter opens a nested region whose lifetime ends before the parent's.
func (r *Region) Enter(fn func(child *Region) error) error {
	child := &Region{depth: r.depth + 1, parent: r}
	defer child.release()
	return fn(child)
}

// Depth is the nesting level of the region; the outermost region is 0.
func (r *Region) Depth() int {
	return r.depth
}

// Values returns an empty scratch buffer with at least n capacity.
func (r *Region) Values(n int) []ir.Value {
	p := bufPool.Get().(*[]ir.Value)
	if cap(*p) < n {
		*p = make([]ir.Value, 0, n)
	}
	r.bufs = append(r.bufs, p)
	return (*p)[:0]
}

// OnRelease registers fn to run when the region exits. Callbacks run in
// reverse registration order.
func (r *Region) OnRelease(fn func()) {
	r.releases = append(r.releases, fn)
}

// Escape deep-copies v so it stays valid after the region is released.
func (r *Region) Escape(v ir.Value) ir.Value {
	return ir.Copy(v)
}

// EscapeEntries deep-copies entries out of the region.
func (r *Region) EscapeEntries(entries []ir.Entry) []ir.Entry {
	return ir.CopyEntries(entries)
}

// Closed reports whether the region has been released.
func (r *Region) Closed() bool {
	return r.closed
}

func (r *Region) release() {
	if r.closed {
		return
	}
	r.closed = true
	for i := len(r.releases) - 1; i >= 0; i-- {
		r.releases[i]()
	}
	r.releases = nil
	for _, p := range r.bufs {
		if cap(*p) > maxPooledCap {
			continue
		}
		clear((*p)[:cap(*p)])
		*p = (*p)[:0]
		bufPool.Put(p)
	}
	r.bufs = nil
}
