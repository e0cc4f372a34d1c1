package resource

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/handle"
	"github.com/roach88/recoll/internal/ir"
)

// Subscribe attaches notifier to instance id and returns the subscription
// id. The notifier gets Subscribed, then one update bringing it up to date
// with main:
//
//   - no watermark, or one older than the retained history: the full
//     contents with IsInitial set;
//   - a watermark within the retained history: the net delta since it;
//   - a watermark ahead of main: WATERMARK_AHEAD.
//
// Subscribe holds the writer slot, so no commit lands between the catch-up
// update and the first live delta.
func (m *Manager) Subscribe(ctx context.Context, id string, notifier Notifier, since ir.Watermark) (string, error) {
	var from uint64
	resume := since != ""
	if resume {
		v, err := since.Version()
		if err != nil {
			return "", ir.WrapError(ir.ErrCodeInvalidWatermark, id, err)
		}
		from = v
	}

	var subID string
	err := m.forks.Do(ctx, func(main *collection.Graph) error {
		current := main.Version()
		if resume && from > current {
			return ir.Errorf(ir.ErrCodeWatermarkAhead, id, "watermark %d is ahead of version %d", from, current)
		}

		m.mu.Lock()
		inst, ok := m.instances[id]
		if !ok {
			m.mu.Unlock()
			return ir.Errorf(ir.ErrCodeUnknownCollection, id, "no such resource instance")
		}
		if inst.sub != nil {
			m.mu.Unlock()
			return ir.Errorf(ir.ErrCodeResourceInstanceInUse, id, "instance already has a subscriber")
		}
		var (
			update ir.CollectionUpdate
			err    error
		)
		if resume && from >= inst.horizon {
			update = deltaUpdate(inst.since(from), current)
		} else {
			update, err = initialUpdate(main, inst.output, current)
		}
		if err != nil {
			m.mu.Unlock()
			return err
		}
		subID = m.ids.Generate()
		inst.sub = &subscription{
			id:        subID,
			notifier:  main.Handles().Register(notifier),
			watermark: current,
		}
		inst.lastAccess = m.now()
		m.subs[subID] = id
		m.mu.Unlock()

		m.log.Info("subscribed", "instance", id, "subscription", subID,
			"initial", update.IsInitial, "version", current)
		notifier.Subscribed()
		m.deliver(id, notifier, update)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("subscribe %s: %w", id, err)
	}
	return subID, nil
}

// Unsubscribe detaches a subscription without closing its notifier.
// Unknown ids are ignored.
func (m *Manager) Unsubscribe(subID string) {
	m.mu.Lock()
	id, ok := m.subs[subID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, subID)
	var h handle.Handle
	if inst, ok := m.instances[id]; ok && inst.sub != nil && inst.sub.id == subID {
		h = inst.sub.notifier
		inst.sub = nil
		inst.lastAccess = m.now()
	}
	m.mu.Unlock()

	if !h.IsZero() {
		if _, err := m.forks.Main().Handles().Delete(h); err != nil {
			m.log.Warn("release notifier", "subscription", subID, "error", err)
		}
	}
	m.log.Info("unsubscribed", "instance", id, "subscription", subID)
}

// Watermark returns the watermark of the last update delivered on the
// subscription.
func (m *Manager) Watermark(subID string) (ir.Watermark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.subs[subID]
	if !ok {
		return "", false
	}
	inst := m.instances[id]
	if inst == nil || inst.sub == nil {
		return "", false
	}
	return ir.WatermarkOf(inst.sub.watermark), true
}

type delivery struct {
	instance string
	notifier handle.Handle
	update   ir.CollectionUpdate
}

// onCommit records the commit in the history of every instance it touches
// and delivers one delta per subscribed instance, in instance id order.
func (m *Manager) onCommit(_ context.Context, c fork.Commit) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []delivery
	for _, id := range ids {
		inst := m.instances[id]
		if inst.created == c.Version {
			continue
		}
		changes := c.Changes.For(inst.output)
		if len(changes) == 0 {
			continue
		}
		inst.record(c.Version, changes, m.history)
		if inst.sub != nil {
			inst.sub.watermark = c.Version
			out = append(out, delivery{
				instance: id,
				notifier: inst.sub.notifier,
				update:   deltaUpdate(changes, c.Version),
			})
		}
	}
	m.mu.Unlock()

	for _, d := range out {
		n, err := handle.As[Notifier](c.Graph.Handles(), d.notifier)
		if err != nil {
			m.log.Debug("skip detached notifier", "instance", d.instance, "error", err)
			continue
		}
		m.deliver(d.instance, n, d.update)
	}
	return nil
}

func (m *Manager) deliver(id string, n Notifier, u ir.CollectionUpdate) {
	n.Notify(u)
	if m.onNotify != nil {
		m.onNotify(id, u)
	}
}

// record appends one commit to the history, evicting the oldest entries
// beyond limit. The horizon becomes the version of the newest evicted
// commit: a watermark at or after it can still be caught up exactly.
func (inst *instance) record(version uint64, changes []collection.Change, limit int) {
	inst.history = append(inst.history, delta{version: version, changes: changes})
	for len(inst.history) > limit {
		inst.horizon = inst.history[0].version
		inst.history = slices.Delete(inst.history, 0, 1)
	}
}

// since composes the retained commits after version.
func (inst *instance) since(version uint64) []collection.Change {
	var commits [][]collection.Change
	for _, d := range inst.history {
		if d.version > version {
			commits = append(commits, d.changes)
		}
	}
	return collection.Compose(commits...)
}

func initialUpdate(g *collection.Graph, out collection.Eager, version uint64) (ir.CollectionUpdate, error) {
	entries, err := g.Entries(out)
	if err != nil {
		return ir.CollectionUpdate{}, err
	}
	if entries == nil {
		entries = []ir.Entry{}
	}
	return ir.CollectionUpdate{
		Values:    entries,
		Watermark: ir.WatermarkOf(version),
		IsInitial: true,
	}, nil
}

func deltaUpdate(changes []collection.Change, version uint64) ir.CollectionUpdate {
	u := ir.CollectionUpdate{
		Values:    make([]ir.Entry, 0, len(changes)),
		Watermark: ir.WatermarkOf(version),
	}
	for _, ch := range changes {
		next := ch.Next
		if next == nil {
			next = []ir.Value{}
		}
		u.Values = append(u.Values, ir.Entry{Key: ch.Key, Values: next})
		if added := ch.Added(); len(added) > 0 {
			u.Added = append(u.Added, ir.Entry{Key: ch.Key, Values: added})
		}
		if removed := ch.Removed(); len(removed) > 0 {
			u.Removed = append(u.Removed, ir.Entry{Key: ch.Key, Values: removed})
		}
	}
	return u
}
