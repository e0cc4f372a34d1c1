package resource

import (
	"context"
	"fmt"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

// subscribeExternals opens the external feeds of a published instance.
// It is skipped if the instance was closed before the task ran.
func (m *Manager) subscribeExternals(inst *instance) task {
	return func(ctx context.Context) error {
		m.mu.Lock()
		if inst.dead {
			m.mu.Unlock()
			return nil
		}
		inst.started = true
		m.mu.Unlock()

		for _, ext := range inst.externals {
			svc := m.services[ext.Spec.Service]
			cb := m.callbacks(inst.id, ext)
			if err := svc.Subscribe(ctx, inst.id, ext.Spec.Resource, ext.Spec.Params, cb); err != nil {
				return ir.WrapError(ir.ErrCodeExternal, ext.Spec.Service,
					fmt.Errorf("subscribe %s for %s: %w", ext.Spec.Resource, inst.id, err))
			}
			m.log.Debug("external subscribed", "instance", inst.id,
				"service", ext.Spec.Service, "resource", ext.Spec.Resource)
		}
		return nil
	}
}

// unsubscribeExternals closes the external feeds of a closed instance, if
// they were ever opened.
func (m *Manager) unsubscribeExternals(inst *instance) task {
	return func(context.Context) error {
		m.mu.Lock()
		started := inst.started
		inst.started = false
		m.mu.Unlock()
		if !started {
			return nil
		}

		seen := make(map[string]bool, len(inst.externals))
		for _, ext := range inst.externals {
			if seen[ext.Spec.Service] {
				continue
			}
			seen[ext.Spec.Service] = true
			m.services[ext.Spec.Service].Unsubscribe(inst.id)
			m.log.Debug("external unsubscribed", "instance", inst.id, "service", ext.Spec.Service)
		}
		return nil
	}
}

func (m *Manager) callbacks(id string, ext collection.ExternalNode) Callbacks {
	return Callbacks{
		Update: func(ctx context.Context, entries []ir.Entry, isInit bool) error {
			return m.writeExternal(ctx, id, ext.Collection, entries, isInit)
		},
		Error: func(err error) {
			m.log.Warn("external feed failed", "instance", id,
				"service", ext.Spec.Service, "resource", ext.Spec.Resource, "error", err)
		},
	}
}

// writeExternal applies a batch from an external service in its own fork.
// isInit replaces the collection contents.
func (m *Manager) writeExternal(ctx context.Context, id string, c collection.Eager, entries []ir.Entry, isInit bool) error {
	f, err := m.forks.Fork(ctx, "external-"+m.ids.Generate())
	if err != nil {
		return err
	}
	defer f.Discard()

	if !f.Graph().Contains(c) {
		return ir.Errorf(ir.ErrCodeUnknownCollection, id, "external collection is closed")
	}
	if isInit {
		err = f.Reset(c, entries)
	} else {
		err = f.Write(c, entries)
	}
	if err != nil {
		return fmt.Errorf("external update %s: %w", id, err)
	}
	if _, err := f.Merge(ctx); err != nil {
		return fmt.Errorf("external update %s: %w", id, err)
	}
	return nil
}
