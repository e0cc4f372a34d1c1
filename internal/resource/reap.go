package resource

import (
	"context"
	"time"
)

// Policy decides which unsubscribed instances may be reclaimed.
type Policy interface {
	Expired(info Info, now time.Time) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(info Info, now time.Time) bool

// Expired implements Policy.
func (f PolicyFunc) Expired(info Info, now time.Time) bool { return f(info, now) }

// IdleFor expires instances not accessed for at least the given duration.
type IdleFor time.Duration

// Expired implements Policy.
func (d IdleFor) Expired(info Info, now time.Time) bool {
	return now.Sub(info.LastAccess) >= time.Duration(d)
}

// Reap closes every unsubscribed instance the policy expires, in one
// commit, and returns their ids.
func (m *Manager) Reap(ctx context.Context, p Policy) ([]string, error) {
	now := m.now()
	var victims []string
	for _, info := range m.Instances() {
		if !info.Subscribed && p.Expired(info, now) {
			victims = append(victims, info.ID)
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}

	f, err := m.forks.Fork(ctx, "reap-"+m.ids.Generate())
	if err != nil {
		return nil, err
	}
	defer f.Discard()

	var closed []string
	for _, id := range victims {
		// Subscribed or closed since the scan.
		if info, ok := m.Info(id); !ok || info.Subscribed {
			continue
		}
		if err := m.Close(f, id); err != nil {
			return nil, err
		}
		closed = append(closed, id)
	}
	if _, err := f.Merge(ctx); err != nil {
		return nil, err
	}
	m.log.Info("instances reaped", "count", len(closed))
	return closed, m.Flush(ctx)
}

// Touch marks instance id as accessed now.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.lastAccess = m.now()
	}
}
