// Package fork implements transactional isolation over the collection graph.
//
// A Fork is a named, private, copy-on-write clone of main. Writes through the
// fork are invisible to main until Merge publishes the fork graph as the new
// main in one pointer swap. Abort discards it.
//
// State machine per fork name:
//
//	absent → active → (merged | aborted) → absent
//
// Only one fork is active against main at a time. A Fork call with a
// different name waits for the slot; the same name fails FORK_EXISTS
// immediately. A Fork is never created from a Fork.
package fork

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

// Commit describes one published version of main.
type Commit struct {
	Name    string
	Version uint64
	Graph   *collection.Graph
	Changes *collection.ChangeSet
}

// Hook observes a commit. BeforePublish hooks may veto the commit by
// returning an error; AfterPublish hooks run after main has moved, while the
// writer slot is still held.
type Hook func(ctx context.Context, c Commit) error

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithBeforePublish adds a hook that runs before main moves. A failing hook
// aborts the fork.
func WithBeforePublish(h Hook) Option {
	return func(m *Manager) {
		m.before = append(m.before, h)
	}
}

// WithAfterPublish adds a hook that runs after main moves, in commit order.
func WithAfterPublish(h Hook) Option {
	return func(m *Manager) {
		m.after = append(m.after, h)
	}
}

// Manager owns main and the writer slot.
//
// Thread-safety: all methods are safe for concurrent use. Main may be read
// from any goroutine; the graph it returns never changes.
type Manager struct {
	main  atomic.Pointer[collection.Graph]
	clock *Clock
	slot  chan struct{}

	mu     sync.Mutex
	active *Fork

	before []Hook
	after  []Hook
	log    *slog.Logger
}

// NewManager publishes g as main. g is sealed at its current version if it
// is not already.
func NewManager(g *collection.Graph, opts ...Option) *Manager {
	if !g.Sealed() {
		g.Seal(g.Version())
	}
	m := &Manager{
		clock: NewClockAt(g.Version()),
		slot:  make(chan struct{}, 1),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.main.Store(g)
	return m
}

// AddBeforePublish registers a hook after construction.
func (m *Manager) AddBeforePublish(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.before = append(m.before, h)
}

// AddAfterPublish registers a hook after construction.
func (m *Manager) AddAfterPublish(h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.after = append(m.after, h)
}

// Main returns the published graph.
func (m *Manager) Main() *collection.Graph {
	return m.main.Load()
}

// Version returns the version of main.
func (m *Manager) Version() uint64 {
	return m.clock.Current()
}

// Active returns the name of the active fork, if any.
func (m *Manager) Active() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.name, true
}

// Fork opens a fork named name. It blocks until no other fork is active or
// ctx is done.
func (m *Manager) Fork(ctx context.Context, name string) (*Fork, error) {
	if err := m.checkName(name); err != nil {
		return nil, err
	}

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	main := m.main.Load()
	f := &Fork{
		m:       m,
		name:    name,
		base:    main.Version(),
		graph:   main.Clone(),
		changes: collection.NewChangeSet(),
	}
	m.active = f
	m.log.Debug("fork opened", "fork", name, "base", f.base)
	return f, nil
}

// Do runs fn with the writer slot held and the current main. No commit can
// land while fn runs.
func (m *Manager) Do(ctx context.Context, fn func(main *collection.Graph) error) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.slot }()
	return fn(m.main.Load())
}

func (m *Manager) checkName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.name == name {
		return ir.Errorf(ir.ErrCodeForkExists, name, "fork is already active")
	}
	return nil
}

func (m *Manager) release(f *Fork) {
	m.mu.Lock()
	if m.active == f {
		m.active = nil
	}
	m.mu.Unlock()
	<-m.slot
}

func (m *Manager) hooks() (before, after []Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Hook(nil), m.before...), append([]Hook(nil), m.after...)
}
