package resource

import (
	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

// Snapshot instantiates resource name on a private clone of main, hands its
// output to read, and discards the clone together with every handle the
// instantiation registered.
//
// Snapshot never takes the writer slot: concurrent snapshots all see one
// published version each. External collections of the resource are empty,
// since no feed is opened for a one-shot read.
func (m *Manager) Snapshot(name string, params ir.Value, read func(g *collection.Graph, out collection.Eager) error) error {
	if params == nil {
		params = ir.Object{}
	}
	g := m.forks.Main().Clone()
	defer func() {
		reg := g.Handles()
		for _, h := range g.Registered() {
			if _, err := reg.Delete(h); err != nil {
				m.log.Warn("release snapshot handle", "resource", name, "handle", h.String(), "error", err)
			}
		}
	}()

	out, _, err := m.build(g, "snapshot-"+m.ids.Generate(), name, params)
	if err != nil {
		return err
	}
	return read(g, out)
}
