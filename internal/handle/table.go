package handle

import (
	"fmt"
	"sync"

	"github.com/roach88/recoll/internal/ir"
)

// Handle identifies a registered object. The zero Handle is never issued.
type Handle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// String renders the handle as index:generation.
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Gen)
}

type slot[T any] struct {
	gen  uint32
	live bool
	obj  T
}

// Table is a generation-checked slot map.
//
// Thread-safety: all methods are safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32 // LIFO stack of reusable indexes
	live  int
}

// NewTable creates an empty table. Slot 0 is reserved so the zero Handle is
// never valid.
func NewTable[T any]() *Table[T] {
	return &Table[T]{slots: make([]slot[T], 1, 16)}
}

// Register stores obj and returns its handle. Freed indexes are reused
// most-recently-freed first.
func (t *Table[T]) Register(obj T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}

	s := &t.slots[idx]
	s.gen++
	s.live = true
	s.obj = obj
	t.live++

	return Handle{Index: idx, Gen: s.gen}
}

// Get returns the object registered under h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.obj, nil
}

// Delete removes h from the table and returns the object it referenced.
// Deleting the same handle twice is a defect.
func (t *Table[T]) Delete(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}

	obj := s.obj
	s.obj = zero // allow GC of the callback
	s.live = false
	t.free = append(t.free, h.Index)
	t.live--

	return obj, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Drain deletes every live handle and returns the objects in index order.
// Used on service shutdown to release everything still registered.
func (t *Table[T]) Drain() []T {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	out := make([]T, 0, t.live)
	for i := 1; i < len(t.slots); i++ {
		s := &t.slots[i]
		if !s.live {
			continue
		}
		out = append(out, s.obj)
		s.obj = zero
		s.live = false
		t.free = append(t.free, uint32(i))
	}
	t.live = 0
	return out
}

// lookup must be called with t.mu held.
func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if h.Index == 0 || int(h.Index) >= len(t.slots) {
		return nil, ir.Errorf(ir.ErrCodeStaleHandle, h.String(), "handle was never issued")
	}
	s := &t.slots[h.Index]
	if !s.live || s.gen != h.Gen {
		return nil, ir.Errorf(ir.ErrCodeStaleHandle, h.String(), "handle used after delete")
	}
	return s, nil
}

// As resolves h in a heterogeneous table and asserts the object's type.
// A type mismatch is reported as a stale handle: the slot holds some other
// object than the caller registered.
func As[T any](t *Table[any], h Handle) (T, error) {
	var zero T
	obj, err := t.Get(h)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, ir.Errorf(ir.ErrCodeStaleHandle, h.String(), "handle refers to %T", obj)
	}
	return typed, nil
}
