// Package service is the façade over one reactive collection graph.
//
// A Service owns main, the writer slot, the resource instances and the
// optional commit journal. Every mutating method follows the same shape:
//
//	fork → attempt → merge, or abort on any error
//
// so a failed call leaves main exactly as it was.
//
// Thread-safety model:
//   - Update, InstantiateResource, CloseResourceInstance, Subscribe and Fork
//     serialize on the writer slot
//   - GetAll, GetArray and Entries read a published version and never wait
//     for the writer
//   - Notifiers are called in commit order while the writer slot is held
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/store"
)

// Definition describes a service: its inputs, the shared graph built over
// them, and the resources clients may instantiate.
type Definition struct {
	// InitialData creates one input collection per entry.
	InitialData map[string][]ir.Entry

	// CreateGraph derives shared collections from the inputs. The returned
	// collections are bound by name next to the inputs and passed to every
	// resource. May be nil.
	CreateGraph func(ctx *collection.Context, inputs collection.Named) (collection.Named, error)

	// Resources maps resource names to builders.
	Resources map[string]resource.Builder

	// ExternalServices maps service names to feeds for external collections.
	ExternalServices map[string]resource.ExternalService
}

// Journal persists input commits. Implemented by *store.Store.
type Journal interface {
	Append(ctx context.Context, c store.Commit) error
	ReadCommits(ctx context.Context, after uint64) ([]store.Commit, error)
}

// Service is a running service instance.
type Service struct {
	forks   *fork.Manager
	res     *resource.Manager
	journal Journal
	inputs  []string
	ids     resource.IDGenerator
	log     *slog.Logger
	metrics *Metrics

	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds the service graph from def, replays the journal if one is
// configured, and publishes the result as main.
func New(ctx context.Context, def Definition, opts ...Option) (*Service, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	g := collection.NewGraph(collection.WithMaxVisits(cfg.maxVisits)).Clone()

	names := make([]string, 0, len(def.InitialData))
	for name := range def.InitialData {
		names = append(names, name)
	}
	slices.Sort(names)
	inputs := make(collection.Named, len(names))
	for _, name := range names {
		c, err := g.CreateInput(name, def.InitialData[name])
		if err != nil {
			return nil, fmt.Errorf("create input %s: %w", name, err)
		}
		inputs[name] = c
	}

	if def.CreateGraph != nil {
		shared, err := def.CreateGraph(g.NewContext(""), inputs)
		if err != nil {
			return nil, fmt.Errorf("create graph: %w", err)
		}
		for _, name := range sortedNames(shared) {
			if err := g.Bind(name, shared[name]); err != nil {
				return nil, fmt.Errorf("bind %s: %w", name, err)
			}
		}
	}

	version := uint64(0)
	if cfg.journal != nil {
		v, err := replay(ctx, g, cfg.journal)
		if err != nil {
			return nil, err
		}
		version = v
		if version > 0 {
			cfg.log.Info("journal replayed", "version", version)
		}
	}
	g.Seal(version)

	s := &Service{
		journal: cfg.journal,
		inputs:  names,
		ids:     cfg.ids,
		log:     cfg.log,
		metrics: cfg.metrics,
		done:    make(chan struct{}),
	}

	forkOpts := []fork.Option{fork.WithLogger(cfg.log)}
	if s.journal != nil {
		forkOpts = append(forkOpts, fork.WithBeforePublish(s.appendJournal))
	}
	if s.metrics != nil {
		forkOpts = append(forkOpts, fork.WithAfterPublish(s.metrics.observeCommit))
	}
	s.forks = fork.NewManager(g, forkOpts...)

	resOpts := []resource.Option{
		resource.WithLogger(cfg.log),
		resource.WithIDGenerator(cfg.ids),
		resource.WithHistory(cfg.history),
		resource.WithExternalServices(def.ExternalServices),
	}
	if cfg.now != nil {
		resOpts = append(resOpts, resource.WithNow(cfg.now))
	}
	if s.metrics != nil {
		resOpts = append(resOpts, resource.WithNotifyHook(s.metrics.observeNotify))
	}
	s.res = resource.New(s.forks, def.Resources, resOpts...)

	if cfg.reapTicks != nil {
		s.wg.Add(1)
		go s.reapLoop(cfg.reapTicks, cfg.reapPolicy)
	}

	s.log.Info("service started", "inputs", len(names), "resources", len(def.Resources), "version", version)
	return s, nil
}

// Version returns the version of main.
func (s *Service) Version() uint64 {
	return s.forks.Version()
}

// Update replaces the value sets of the given keys of input collection name
// in one commit. An entry with no values deletes its key. Writing a derived
// collection fails READ_ONLY.
func (s *Service) Update(ctx context.Context, name string, entries []ir.Entry) error {
	err := s.mutate(ctx, "update", func(f *fork.Fork) error {
		c, err := f.Graph().Lookup(name)
		if err != nil {
			return err
		}
		return f.Write(c, entries)
	})
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	return nil
}

// Entries returns the contents of the named collection as of main.
func (s *Service) Entries(name string) ([]ir.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	main := s.forks.Main()
	c, err := main.Lookup(name)
	if err != nil {
		return nil, err
	}
	return main.Entries(c)
}

// HandleCount returns the number of live callback handles.
func (s *Service) HandleCount() int {
	return s.forks.Main().Handles().Len()
}

// Names lists the named collections.
func (s *Service) Names() []string {
	return s.forks.Main().Names()
}

// GetAll returns the full output of resource name instantiated with params.
// The instance exists only for the duration of the read.
func (s *Service) GetAll(ctx context.Context, name string, params ir.Value) ([]ir.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ir.Entry
	err := s.res.Snapshot(name, params, func(g *collection.Graph, c collection.Eager) error {
		var err error
		out, err = g.Entries(c)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", name, err)
	}
	return out, nil
}

// GetArray returns the values at key of the output of resource name
// instantiated with params.
func (s *Service) GetArray(ctx context.Context, name string, key ir.Value, params ir.Value) ([]ir.Value, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []ir.Value
	err := s.res.Snapshot(name, params, func(g *collection.Graph, c collection.Eager) error {
		var err error
		out, err = g.GetArray(c, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get array %s: %w", name, err)
	}
	return out, nil
}

// InstantiateResource creates (or reuses) instance id of resource name.
func (s *Service) InstantiateResource(ctx context.Context, id, name string, params ir.Value) error {
	err := s.mutate(ctx, "instantiate", func(f *fork.Fork) error {
		_, err := s.res.Instantiate(f, id, name, params)
		return err
	})
	if err != nil {
		return err
	}
	return s.res.Flush(ctx)
}

// CloseResourceInstance closes instance id and its subscription.
func (s *Service) CloseResourceInstance(ctx context.Context, id string) error {
	err := s.mutate(ctx, "close", func(f *fork.Fork) error {
		return s.res.Close(f, id)
	})
	if err != nil {
		return err
	}
	return s.res.Flush(ctx)
}

// Instances lists the live resource instances.
func (s *Service) Instances() []resource.Info {
	return s.res.Instances()
}

// Subscribe attaches notifier to instance id, resuming after since if it is
// not empty. It returns the subscription id.
func (s *Service) Subscribe(ctx context.Context, id string, notifier resource.Notifier, since ir.Watermark) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	subID, err := s.res.Subscribe(ctx, id, notifier, since)
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.subscriptions.Inc()
	}
	return subID, nil
}

// Unsubscribe detaches a subscription. Unknown ids are ignored.
func (s *Service) Unsubscribe(subID string) {
	if _, ok := s.res.Watermark(subID); ok && s.metrics != nil {
		s.metrics.subscriptions.Dec()
	}
	s.res.Unsubscribe(subID)
}

// Reap closes idle unsubscribed instances selected by p.
func (s *Service) Reap(ctx context.Context, p resource.Policy) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.res.Reap(ctx, p)
}

// Close closes every instance and subscription, shuts down the external
// services and releases every handle. Later calls fail SERVICE_CLOSED.
func (s *Service) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ir.Errorf(ir.ErrCodeServiceClosed, "", "service already closed")
	}
	close(s.done)
	s.wg.Wait()

	var errs []error
	if err := s.res.CloseAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close instances: %w", err))
	}
	if err := s.res.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown external services: %w", err))
	}
	released := len(s.forks.Main().Handles().Drain())
	s.log.Info("service closed", "version", s.forks.Version(), "released_handles", released)
	if len(errs) > 0 {
		return fmt.Errorf("close service: %w", errors.Join(errs...))
	}
	return nil
}

// mutate runs fn in a fresh fork and merges it; any error aborts.
func (s *Service) mutate(ctx context.Context, op string, fn func(f *fork.Fork) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	start := time.Now()
	f, err := s.forks.Fork(ctx, op+"-"+s.ids.Generate())
	if err != nil {
		return err
	}
	defer f.Discard()

	if err := fn(f); err != nil {
		if abortErr := f.Abort(); abortErr != nil {
			s.log.Warn("abort failed", "fork", f.Name(), "error", abortErr)
		}
		if s.metrics != nil {
			s.metrics.aborts.WithLabelValues(op).Inc()
		}
		return err
	}
	if _, err := f.Merge(ctx); err != nil {
		if s.metrics != nil {
			s.metrics.aborts.WithLabelValues(op).Inc()
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.commitDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return nil
}

func (s *Service) checkOpen() error {
	if s.closed.Load() {
		return ir.Errorf(ir.ErrCodeServiceClosed, "", "service is closed")
	}
	return nil
}

func (s *Service) reapLoop(ticks <-chan time.Time, p resource.Policy) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.done
		cancel()
	}()

	for {
		select {
		case <-s.done:
			return
		case _, ok := <-ticks:
			if !ok {
				return
			}
			closed, err := s.res.Reap(ctx, p)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn("reap failed", "error", err)
				}
				continue
			}
			if len(closed) > 0 && s.metrics != nil {
				s.metrics.reaped.Add(float64(len(closed)))
			}
		}
	}
}

func sortedNames(named collection.Named) []string {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
