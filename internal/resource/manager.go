// Package resource manages resource instances and their subscriptions.
//
// An instance is a resource built from params and instantiated into the
// graph under a caller-chosen id. Its output collection can be subscribed
// to: the subscriber receives the full contents once and then one minimal
// delta per main commit that touches the output.
//
// Instance lifecycle:
//
//	Instantiate (in a fork) → published → [Subscribe ↔ Unsubscribe]* → Close (in a fork) → gone
//
// Instantiate and Close only take effect when the fork that carries them is
// merged. External services are subscribed and unsubscribed after the merge,
// outside the writer slot, by Flush.
package resource

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/handle"
	"github.com/roach88/recoll/internal/ir"
)

// DefaultHistory is the number of commits retained per instance for
// watermark resumption.
const DefaultHistory = 64

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// WithIDGenerator sets the generator for subscription and fork ids.
// Default is UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(m *Manager) {
		m.ids = g
	}
}

// WithHistory sets how many touching commits are retained per instance.
// A subscriber resuming from an older watermark gets a full resync.
func WithHistory(n int) Option {
	return func(m *Manager) {
		m.history = max(n, 0)
	}
}

// WithExternalServices registers the services external collections may
// name.
func WithExternalServices(services map[string]ExternalService) Option {
	return func(m *Manager) {
		for name, svc := range services {
			m.services[name] = svc
		}
	}
}

// WithNotifyHook sets a function called after every delivered update.
func WithNotifyHook(fn func(instanceID string, u ir.CollectionUpdate)) Option {
	return func(m *Manager) {
		m.onNotify = fn
	}
}

// WithNow sets the time source used for last-access tracking.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager tracks resource instances over a fork manager.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	forks    *fork.Manager
	builders map[string]Builder
	services map[string]ExternalService
	ids      IDGenerator
	history  int
	log      *slog.Logger
	now      func() time.Time
	onNotify func(string, ir.CollectionUpdate)

	mu        sync.Mutex
	instances map[string]*instance
	pending   map[string]*instance // created in the active fork
	closing   map[string]*instance // closed in the active fork
	subs      map[string]string    // subscription id → instance id
	queue     []task
}

// task is work deferred until after a merge, outside the writer slot.
type task func(ctx context.Context) error

type instance struct {
	id        string
	resource  string
	params    ir.Value
	key       string
	output    collection.Eager
	externals []collection.ExternalNode

	created    uint64
	horizon    uint64
	history    []delta
	sub        *subscription
	lastAccess time.Time

	dead    bool // closed before or after publication
	started bool // external services subscribed
}

type delta struct {
	version uint64
	changes []collection.Change
}

type subscription struct {
	id        string
	notifier  handle.Handle
	watermark uint64
}

// New returns a manager resolving resource names through builders, and
// registers its commit hook on forks.
func New(forks *fork.Manager, builders map[string]Builder, opts ...Option) *Manager {
	m := &Manager{
		forks:     forks,
		builders:  make(map[string]Builder, len(builders)),
		services:  make(map[string]ExternalService),
		ids:       UUIDv7Generator{},
		history:   DefaultHistory,
		log:       slog.Default(),
		now:       time.Now,
		instances: make(map[string]*instance),
		pending:   make(map[string]*instance),
		closing:   make(map[string]*instance),
		subs:      make(map[string]string),
	}
	for name, b := range builders {
		m.builders[name] = b
	}
	for _, opt := range opts {
		opt(m)
	}
	forks.AddAfterPublish(m.onCommit)
	return m
}

// Instantiate builds resource name from params and instantiates it in f
// under id. Instantiating an existing id with the same resource and params
// returns the existing output; with different ones it fails
// RESOURCE_INSTANCE_IN_USE.
func (m *Manager) Instantiate(f *fork.Fork, id, name string, params ir.Value) (collection.Eager, error) {
	if f.Closed() {
		return collection.Eager{}, ir.Errorf(ir.ErrCodeNoActiveFork, f.Name(), "instantiate on a closed fork")
	}
	if id == "" {
		return collection.Eager{}, ir.Errorf(ir.ErrCodeInvalidOperator, name, "instance id is empty")
	}
	if params == nil {
		params = ir.Object{}
	}
	key, err := ir.InstanceKey(name, params)
	if err != nil {
		return collection.Eager{}, fmt.Errorf("instantiate %s: %w", name, err)
	}

	m.mu.Lock()
	existing := m.lookupLocked(id)
	if existing != nil {
		existing.lastAccess = m.now()
	}
	m.mu.Unlock()
	if existing != nil {
		if existing.key != key {
			return collection.Eager{}, ir.Errorf(ir.ErrCodeResourceInstanceInUse, id,
				"instance exists for resource %s with other params", existing.resource)
		}
		return existing.output, nil
	}

	g := f.Graph()
	out, externals, err := m.build(g, id, name, params)
	if err != nil {
		return collection.Eager{}, err
	}

	inst := &instance{
		id:         id,
		resource:   name,
		params:     ir.Copy(params),
		key:        key,
		output:     out,
		externals:  externals,
		lastAccess: m.now(),
	}
	m.mu.Lock()
	m.pending[id] = inst
	m.mu.Unlock()

	f.OnPublish(func(c fork.Commit) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[id] == inst {
			delete(m.pending, id)
		}
		if inst.dead {
			return
		}
		inst.created = c.Version
		inst.horizon = c.Version
		m.instances[id] = inst
		if len(inst.externals) > 0 {
			m.queue = append(m.queue, m.subscribeExternals(inst))
		}
		m.log.Info("instance created", "instance", id, "resource", name, "version", c.Version)
	})
	f.OnAbort(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[id] == inst {
			delete(m.pending, id)
		}
	})
	return out, nil
}

// Close drops instance id from f. On publish its subscriber is closed and
// its external services are unsubscribed.
func (m *Manager) Close(f *fork.Fork, id string) error {
	if f.Closed() {
		return ir.Errorf(ir.ErrCodeNoActiveFork, f.Name(), "close on a closed fork")
	}
	m.mu.Lock()
	inst := m.lookupLocked(id)
	m.mu.Unlock()
	if inst == nil {
		return ir.Errorf(ir.ErrCodeUnknownCollection, id, "no such resource instance")
	}
	if err := f.Graph().DropOwner(id); err != nil {
		return fmt.Errorf("close %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[id] == inst {
		delete(m.pending, id)
		inst.dead = true
		return nil
	}
	m.closing[id] = inst

	f.OnPublish(func(c fork.Commit) {
		m.mu.Lock()
		if m.closing[id] == inst {
			delete(m.closing, id)
		}
		inst.dead = true
		if m.instances[id] == inst {
			delete(m.instances, id)
		}
		sub := inst.sub
		inst.sub = nil
		if sub != nil {
			delete(m.subs, sub.id)
		}
		if len(inst.externals) > 0 {
			m.queue = append(m.queue, m.unsubscribeExternals(inst))
		}
		m.mu.Unlock()

		if sub != nil {
			if n, err := c.Graph.Handles().Delete(sub.notifier); err == nil {
				if notifier, ok := n.(Notifier); ok {
					notifier.Close()
				}
			} else {
				m.log.Warn("release notifier", "instance", id, "error", err)
			}
		}
		m.log.Info("instance closed", "instance", id, "version", c.Version)
	})
	f.OnAbort(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closing[id] == inst {
			delete(m.closing, id)
		}
	})
	return nil
}

// CloseAll closes every published instance in one commit and flushes the
// resulting external unsubscriptions.
func (m *Manager) CloseAll(ctx context.Context) error {
	f, err := m.forks.Fork(ctx, "close-"+m.ids.Generate())
	if err != nil {
		return err
	}
	defer f.Discard()

	for _, info := range m.Instances() {
		if err := m.Close(f, info.ID); err != nil {
			return err
		}
	}
	if _, err := f.Merge(ctx); err != nil {
		return err
	}
	return m.Flush(ctx)
}

// Output returns the output collection of a published instance.
func (m *Manager) Output(id string) (collection.Eager, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return collection.Eager{}, ir.Errorf(ir.ErrCodeUnknownCollection, id, "no such resource instance")
	}
	inst.lastAccess = m.now()
	return inst.output, nil
}

// Info describes a published instance.
func (m *Manager) Info(id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return Info{}, false
	}
	return inst.info(), true
}

// Instances lists the published instances ordered by id.
func (m *Manager) Instances() []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst.info())
	}
	m.mu.Unlock()
	slices.SortFunc(out, func(a, b Info) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Flush runs the external subscribe and unsubscribe work queued by merged
// forks and waits for it. It must not be called with the writer slot held.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	tasks := m.queue
	m.queue = nil
	m.mu.Unlock()
	if len(tasks) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error { return t(ctx) })
	}
	return g.Wait()
}

// Shutdown shuts down every external service concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for name, svc := range m.services {
		g.Go(func() error {
			if err := svc.Shutdown(ctx); err != nil {
				return ir.WrapError(ir.ErrCodeExternal, name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// build instantiates resource name into g under owner id. A failed
// instantiation leaves nothing behind in g.
func (m *Manager) build(g *collection.Graph, id, name string, params ir.Value) (collection.Eager, []collection.ExternalNode, error) {
	builder, ok := m.builders[name]
	if !ok {
		return collection.Eager{}, nil, ir.Errorf(ir.ErrCodeUnknownResource, name, "no such resource")
	}
	res, err := builder(ir.Copy(params))
	if err != nil {
		return collection.Eager{}, nil, fmt.Errorf("build resource %s: %w", name, err)
	}

	out, err := res.Instantiate(g.NewContext(id), g.Named())
	if err == nil && !g.Contains(out) {
		err = ir.Errorf(ir.ErrCodeUnknownCollection, name, "resource returned no collection")
	}
	var externals []collection.ExternalNode
	if err == nil {
		externals = g.Externals(id)
		for _, ext := range externals {
			if _, ok := m.services[ext.Spec.Service]; !ok {
				err = ir.Errorf(ir.ErrCodeUnknownResource, ext.Spec.Service, "no such external service")
				break
			}
		}
	}
	if err != nil {
		if dropErr := g.DropOwner(id); dropErr != nil {
			m.log.Warn("drop partial instance", "instance", id, "error", dropErr)
		}
		return collection.Eager{}, nil, fmt.Errorf("instantiate %s: %w", name, err)
	}
	return out, externals, nil
}

func (m *Manager) lookupLocked(id string) *instance {
	if inst, ok := m.pending[id]; ok {
		return inst
	}
	if _, ok := m.closing[id]; ok {
		return nil
	}
	return m.instances[id]
}

func (inst *instance) info() Info {
	return Info{
		ID:         inst.id,
		Resource:   inst.resource,
		Params:     inst.params,
		Output:     inst.output,
		Created:    inst.created,
		Subscribed: inst.sub != nil,
		LastAccess: inst.lastAccess,
	}
}
