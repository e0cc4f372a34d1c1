package service

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/ir"
)

// Fork is a caller-held transaction against main. It holds the writer slot
// until Merge or Abort: every other mutating call on the service waits.
//
// A Fork is not safe for concurrent use.
type Fork struct {
	s     *Service
	f     *fork.Fork
	start time.Time
}

// Fork opens a named fork. It waits for the writer slot or ctx. A name that
// is already active fails FORK_EXISTS.
func (s *Service) Fork(ctx context.Context, name string) (*Fork, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	f, err := s.forks.Fork(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Fork{s: s, f: f, start: time.Now()}, nil
}

// Name returns the fork name.
func (f *Fork) Name() string { return f.f.Name() }

// Fork always fails NESTED_FORK.
func (f *Fork) Fork(ctx context.Context, name string) (*Fork, error) {
	_, err := f.f.Fork(ctx, name)
	return nil, err
}

// Update writes entries to input collection name inside the fork. A write
// that fails leaves the fork open but unmergeable: further updates fail and
// Merge aborts, both with FORK_FAILED. Abort releases it.
func (f *Fork) Update(name string, entries []ir.Entry) error {
	c, err := f.f.Graph().Lookup(name)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	if err := f.f.Write(c, entries); err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	return nil
}

// Entries returns the contents of the named collection as seen by the fork.
func (f *Fork) Entries(name string) ([]ir.Entry, error) {
	if f.f.Closed() {
		return nil, ir.Errorf(ir.ErrCodeNoActiveFork, f.f.Name(), "read on a closed fork")
	}
	g := f.f.Graph()
	c, err := g.Lookup(name)
	if err != nil {
		return nil, err
	}
	return g.Entries(c)
}

// GetAll reads the output of resource name as seen by the fork. The
// instance lives only inside the fork and is closed before returning.
func (f *Fork) GetAll(name string, params ir.Value) ([]ir.Entry, error) {
	var out []ir.Entry
	err := f.read(name, params, func(g *collection.Graph, c collection.Eager) error {
		var err error
		out, err = g.Entries(c)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", name, err)
	}
	return out, nil
}

// GetArray reads the values at key of resource name as seen by the fork.
func (f *Fork) GetArray(name string, key ir.Value, params ir.Value) ([]ir.Value, error) {
	var out []ir.Value
	err := f.read(name, params, func(g *collection.Graph, c collection.Eager) error {
		var err error
		out, err = g.GetArray(c, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get array %s: %w", name, err)
	}
	return out, nil
}

func (f *Fork) read(name string, params ir.Value, fn func(g *collection.Graph, c collection.Eager) error) error {
	id := "read-" + f.s.ids.Generate()
	out, err := f.s.res.Instantiate(f.f, id, name, params)
	if err != nil {
		return err
	}
	readErr := fn(f.f.Graph(), out)
	if err := f.s.res.Close(f.f, id); err != nil {
		return err
	}
	return readErr
}

// Merge publishes the fork as main and returns the new version.
func (f *Fork) Merge(ctx context.Context) (uint64, error) {
	c, err := f.f.Merge(ctx)
	if err != nil {
		if f.s.metrics != nil {
			f.s.metrics.aborts.WithLabelValues("fork").Inc()
		}
		return 0, err
	}
	if f.s.metrics != nil {
		f.s.metrics.commitDuration.WithLabelValues("fork").Observe(time.Since(f.start).Seconds())
	}
	if err := f.s.res.Flush(ctx); err != nil {
		return c.Version, err
	}
	return c.Version, nil
}

// Discard aborts the fork unless it is already closed. Meant for defer.
func (f *Fork) Discard() { f.f.Discard() }

// Abort discards the fork. Main is unchanged.
func (f *Fork) Abort() error {
	if err := f.f.Abort(); err != nil {
		return err
	}
	if f.s.metrics != nil {
		f.s.metrics.aborts.WithLabelValues("fork").Inc()
	}
	return nil
}
