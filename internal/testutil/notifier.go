package testutil

import (
	"sync"

	"github.com/roach88/recoll/internal/ir"
)

// Recorder is a notifier that keeps everything it is told.
//
// It also folds every update into a consumer-side copy of the collection,
// so tests can check that replaying the delta stream reconstructs main.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Recorder struct {
	mu         sync.Mutex
	subscribed int
	closed     int
	updates    []ir.CollectionUpdate
	state      map[string]ir.Entry
	err        error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{state: make(map[string]ir.Entry)}
}

// Subscribed implements resource.Notifier.
func (r *Recorder) Subscribed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribed++
}

// Notify implements resource.Notifier.
func (r *Recorder) Notify(u ir.CollectionUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	if err := u.Apply(r.state); err != nil && r.err == nil {
		r.err = err
	}
}

// Close implements resource.Notifier.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

// SubscribedCount returns how many times Subscribed was called.
func (r *Recorder) SubscribedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// ClosedCount returns how many times Close was called.
func (r *Recorder) ClosedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Updates returns a copy of the received updates in order.
func (r *Recorder) Updates() []ir.CollectionUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ir.CollectionUpdate(nil), r.updates...)
}

// Last returns the most recent update.
func (r *Recorder) Last() (ir.CollectionUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.updates) == 0 {
		return ir.CollectionUpdate{}, false
	}
	return r.updates[len(r.updates)-1], true
}

// State returns the reconstructed collection in key order, or the first
// error met while folding updates.
func (r *Recorder) State() ([]ir.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]ir.Entry, 0, len(r.state))
	for _, e := range r.state {
		out = append(out, e)
	}
	ir.SortEntries(out)
	return out, nil
}
