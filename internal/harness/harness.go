package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/recoll/internal/compiler"
	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/service"
	"github.com/roach88/recoll/internal/store"
	"github.com/roach88/recoll/internal/testutil"
)

// Harness is the scenario execution engine.
// It runs scenarios against a real service with deterministic ids and clock.
type Harness struct {
	svc       *service.Service
	store     *store.Store
	externals map[string]*testutil.FakeExternal
	subs      map[string]*subscriber
	fork      *service.Fork
	result    *Result
	step      int
	finished  bool
	logger    *slog.Logger
}

// subscriber records the updates of one subscription into the trace.
type subscriber struct {
	h        *Harness
	instance string
	id       string
	rec      *testutil.Recorder
}

func (s *subscriber) Subscribed() { s.rec.Subscribed() }

func (s *subscriber) Notify(u ir.CollectionUpdate) {
	s.rec.Notify(u)
	if s.h.finished {
		return
	}
	s.h.result.record(TraceEvent{
		Step:      s.h.step,
		Type:      EventUpdate,
		Instance:  s.instance,
		Watermark: u.Watermark,
		Initial:   u.IsInitial,
		Values:    ir.CopyEntries(u.Values),
	})
}

func (s *subscriber) Close() {
	s.rec.Close()
	if s.h.finished {
		return
	}
	s.h.result.record(TraceEvent{Step: s.h.step, Type: EventClosed, Instance: s.instance})
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh service. Execution flow:
//  1. Load and validate the definition
//  2. Start the service, with an in-memory journal if requested
//  3. Execute steps, checking expected errors
//  4. Evaluate assertions against the final state
//
// A returned error means the scenario could not run at all; step and
// assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	loaded, err := compiler.Load(scenario.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	if errs := compiler.Validate(loaded.Definition); len(errs) > 0 {
		return nil, fmt.Errorf("invalid definition: %w", errs[0])
	}

	h := &Harness{
		externals: make(map[string]*testutil.FakeExternal),
		subs:      make(map[string]*subscriber),
		result:    NewResult(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	externals := make(map[string]resource.ExternalService)
	for _, p := range loaded.Definition.Resources {
		if p.External == nil {
			continue
		}
		if _, ok := h.externals[p.External.Service]; !ok {
			fake := testutil.NewFakeExternal()
			h.externals[p.External.Service] = fake
			externals[p.External.Service] = fake
		}
	}
	def, err := loaded.Definition.Service(externals)
	if err != nil {
		return nil, err
	}

	opts := []service.Option{
		service.WithLogger(h.logger),
		service.WithIDGenerator(testutil.NewSequenceGenerator("h")),
		service.WithNow(testutil.NewManualClock().Now),
	}
	if scenario.History > 0 {
		opts = append(opts, service.WithHistory(scenario.History))
	}
	if scenario.Journal {
		st, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory store: %w", err)
		}
		defer st.Close()
		h.store = st
		opts = append(opts, service.WithJournal(st))
	}

	h.svc, err = service.New(ctx, def, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to start service: %w", err)
	}
	defer func() {
		h.finished = true
		if h.fork != nil {
			h.fork.Discard()
		}
		_ = h.svc.Close(ctx)
	}()

	h.executeSteps(ctx, scenario.Steps)

	actx := &AssertionContext{
		Service: h.svc,
		Store:   h.store,
		Subs:    h.recorders(),
		Ctx:     ctx,
	}
	for _, errMsg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(errMsg)
	}
	return h.result, nil
}

// executeSteps runs the steps in order. The first unexpected outcome stops
// execution, since later steps usually depend on it.
func (h *Harness) executeSteps(ctx context.Context, steps []Step) {
	for i, step := range steps {
		h.step = i + 1
		err := h.execute(ctx, step)

		switch {
		case step.ExpectError == "" && err != nil:
			h.result.AddError(fmt.Sprintf("steps[%d]: unexpected error: %v", i, err))
			return
		case step.ExpectError != "" && err == nil:
			h.result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got success", i, step.ExpectError))
			return
		case step.ExpectError != "" && !ir.HasCode(err, ir.ErrorCode(step.ExpectError)):
			h.result.AddError(fmt.Sprintf("steps[%d]: expected error %s, got: %v", i, step.ExpectError, err))
			return
		case err != nil:
			h.result.record(TraceEvent{Step: h.step, Type: EventError, Code: step.ExpectError})
		}
		h.logger.Info("step completed", "step", i, "error", err)
	}
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	op, err := step.op()
	if err != nil {
		return err
	}

	switch op {
	case "update":
		entries, err := toEntries(step.Update.Entries)
		if err != nil {
			return err
		}
		if h.fork != nil {
			return h.fork.Update(step.Update.Collection, entries)
		}
		return h.svc.Update(ctx, step.Update.Collection, entries)

	case "instantiate":
		params, err := toParams(step.Instantiate.Params)
		if err != nil {
			return err
		}
		return h.svc.InstantiateResource(ctx, step.Instantiate.ID, step.Instantiate.Resource, params)

	case "subscribe":
		sub := &subscriber{h: h, instance: step.Subscribe.ID, rec: testutil.NewRecorder()}
		if prev, ok := h.subs[sub.instance]; ok {
			sub.rec = prev.rec
		}
		id, err := h.svc.Subscribe(ctx, sub.instance, sub, ir.Watermark(step.Subscribe.Since))
		if err != nil {
			return err
		}
		sub.id = id
		h.subs[sub.instance] = sub
		return nil

	case "unsubscribe":
		sub, ok := h.subs[step.Unsubscribe]
		if !ok || sub.id == "" {
			return fmt.Errorf("no subscription on %s", step.Unsubscribe)
		}
		h.svc.Unsubscribe(sub.id)
		sub.id = ""
		return nil

	case "close":
		return h.svc.CloseResourceInstance(ctx, step.Close)

	case "push":
		fake, ok := h.externals[step.Push.Service]
		if !ok {
			return fmt.Errorf("no external service %s", step.Push.Service)
		}
		entries, err := toEntries(step.Push.Entries)
		if err != nil {
			return err
		}
		return fake.Push(ctx, step.Push.Instance, entries, step.Push.Init)

	case "fork":
		f, err := h.svc.Fork(ctx, step.Fork)
		if err != nil {
			return err
		}
		h.fork = f
		return nil

	case "merge":
		f := h.fork
		h.fork = nil
		_, err := f.Merge(ctx)
		return err

	case "abort":
		f := h.fork
		h.fork = nil
		return f.Abort()
	}
	return errors.New("unreachable")
}

// recorders returns the recorder of every instance that was ever subscribed.
func (h *Harness) recorders() map[string]*testutil.Recorder {
	out := make(map[string]*testutil.Recorder, len(h.subs))
	for instance, sub := range h.subs {
		out[instance] = sub.rec
	}
	return out
}
