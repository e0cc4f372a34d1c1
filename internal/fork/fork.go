package fork

import (
	"context"
	"fmt"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

// Fork is the token for one active fork. All writes made while the fork is
// active go through it; only its creator may use it.
type Fork struct {
	m       *Manager
	name    string
	base    uint64
	graph   *collection.Graph
	changes *collection.ChangeSet
	closed  bool
	failed  error

	onPublish []func(Commit)
	onAbort   []func()
}

// Name returns the fork name.
func (f *Fork) Name() string { return f.name }

// Base returns the version of main the fork was cloned from.
func (f *Fork) Base() uint64 { return f.base }

// Graph returns the fork's private graph. Reads see fork-local writes over
// main as of the fork point.
func (f *Fork) Graph() *collection.Graph { return f.graph }

// Changes returns the changes accumulated so far.
func (f *Fork) Changes() *collection.ChangeSet { return f.changes }

// Closed reports whether the fork was merged or aborted.
func (f *Fork) Closed() bool { return f.closed }

// Failed returns the error of the first failed write, or nil. A failed
// write may stop propagation halfway, so a failed fork only aborts.
func (f *Fork) Failed() error { return f.failed }

// OnPublish registers fn to run once the fork is published, before the
// manager's after-publish hooks.
func (f *Fork) OnPublish(fn func(Commit)) {
	f.onPublish = append(f.onPublish, fn)
}

// OnAbort registers fn to run if the fork is aborted.
func (f *Fork) OnAbort(fn func()) {
	f.onAbort = append(f.onAbort, fn)
}

// Fork always fails: forks cannot be nested.
func (f *Fork) Fork(context.Context, string) (*Fork, error) {
	return nil, ir.Errorf(ir.ErrCodeNestedFork, f.name, "cannot fork from within a fork")
}

// Write replaces the value sets of the given keys of c.
func (f *Fork) Write(c collection.Eager, entries []ir.Entry) error {
	return f.apply(c, entries, false)
}

// Reset replaces the whole contents of c.
func (f *Fork) Reset(c collection.Eager, entries []ir.Entry) error {
	return f.apply(c, entries, true)
}

func (f *Fork) apply(c collection.Eager, entries []ir.Entry, reset bool) error {
	if f.closed {
		return ir.Errorf(ir.ErrCodeNoActiveFork, f.name, "fork is closed")
	}
	if f.failed != nil {
		return f.failedError("write")
	}
	var (
		cs  *collection.ChangeSet
		err error
	)
	if reset {
		cs, err = f.graph.Reset(c, entries)
	} else {
		cs, err = f.graph.Write(c, entries)
	}
	if err != nil {
		f.failed = err
		return err
	}
	f.changes.Merge(cs)
	return nil
}

func (f *Fork) failedError(op string) error {
	return &ir.Error{
		Code:    ir.ErrCodeForkFailed,
		Kind:    ir.KindValidation,
		Message: fmt.Sprintf("%s after a failed write: %v", op, f.failed),
		Subject: f.name,
		Err:     f.failed,
	}
}

// Merge publishes the fork as the new main and returns the commit exactly
// once. If a write failed or a before-publish hook fails the fork is
// aborted and main is left untouched.
func (f *Fork) Merge(ctx context.Context) (Commit, error) {
	if f.closed {
		return Commit{}, ir.Errorf(ir.ErrCodeNoActiveFork, f.name, "merge on a closed fork")
	}
	if f.failed != nil {
		err := f.failedError("merge")
		if abortErr := f.Abort(); abortErr != nil {
			f.m.log.Warn("abort failed fork", "fork", f.name, "error", abortErr)
		}
		return Commit{}, err
	}
	m := f.m
	before, after := m.hooks()

	commit := Commit{
		Name:    f.name,
		Version: m.clock.Current() + 1,
		Graph:   f.graph,
		Changes: f.changes,
	}
	for _, h := range before {
		if err := h(ctx, commit); err != nil {
			abortErr := f.Abort()
			if abortErr != nil {
				m.log.Warn("abort after failed publish hook", "fork", f.name, "error", abortErr)
			}
			return Commit{}, fmt.Errorf("publish %s: %w", f.name, err)
		}
	}

	commit.Version = m.clock.Next()
	f.graph.Seal(commit.Version)
	m.main.Store(f.graph)
	f.closed = true

	reg := f.graph.Handles()
	for _, h := range f.graph.Dropped() {
		if _, err := reg.Delete(h); err != nil {
			m.log.Warn("release dropped handle", "fork", f.name, "handle", h.String(), "error", err)
		}
	}
	m.log.Debug("fork merged", "fork", f.name, "version", commit.Version)

	defer m.release(f)
	for _, fn := range f.onPublish {
		fn(commit)
	}
	for _, h := range after {
		if err := h(ctx, commit); err != nil {
			m.log.Warn("after-publish hook failed", "fork", f.name, "version", commit.Version, "error", err)
		}
	}
	return commit, nil
}

// Abort discards the fork. Handles registered inside the fork are released;
// main is unaffected.
func (f *Fork) Abort() error {
	if f.closed {
		return ir.Errorf(ir.ErrCodeNoActiveFork, f.name, "abort on a closed fork")
	}
	f.closed = true
	reg := f.graph.Handles()
	for _, h := range f.graph.Registered() {
		if _, err := reg.Delete(h); err != nil {
			f.m.log.Warn("release fork handle", "fork", f.name, "handle", h.String(), "error", err)
		}
	}
	for i := len(f.onAbort) - 1; i >= 0; i-- {
		f.onAbort[i]()
	}
	f.m.log.Debug("fork aborted", "fork", f.name, "base", f.base)
	f.m.release(f)
	return nil
}

// Discard aborts the fork unless it is already closed. Meant for defer.
func (f *Fork) Discard() {
	if !f.closed {
		_ = f.Abort()
	}
}
