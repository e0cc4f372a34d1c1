package service

import (
	"context"
	"fmt"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/store"
)

// appendJournal records the input writes of a commit before it is
// published. A journal failure vetoes the commit.
func (s *Service) appendJournal(ctx context.Context, c fork.Commit) error {
	var writes []store.Write
	for _, name := range s.inputs {
		input, err := c.Graph.Lookup(name)
		if err != nil {
			return err
		}
		for _, ch := range c.Changes.For(input) {
			writes = append(writes, store.Write{Collection: name, Key: ch.Key, Values: ch.Next})
		}
	}
	if len(writes) == 0 {
		return nil
	}

	commit, err := store.NewCommit(c.Version, c.Name, writes)
	if err != nil {
		return err
	}
	if err := s.journal.Append(ctx, commit); err != nil {
		return ir.WrapError(ir.ErrCodeExternal, "journal", err)
	}
	s.log.Debug("commit journaled", "version", c.Version, "writes", len(writes))
	return nil
}

// replay applies every journaled commit to the writable graph g in version
// order and returns the last version.
func replay(ctx context.Context, g *collection.Graph, j Journal) (uint64, error) {
	commits, err := j.ReadCommits(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("replay journal: %w", err)
	}

	var last uint64
	for _, c := range commits {
		byName := make(map[string][]ir.Entry)
		var order []string
		for _, w := range c.Writes {
			if _, ok := byName[w.Collection]; !ok {
				order = append(order, w.Collection)
			}
			byName[w.Collection] = append(byName[w.Collection], ir.Entry{Key: w.Key, Values: w.Values})
		}
		for _, name := range order {
			input, err := g.Lookup(name)
			if err != nil {
				return 0, fmt.Errorf("replay commit %d: %w", c.Version, err)
			}
			if _, err := g.Write(input, byName[name]); err != nil {
				return 0, fmt.Errorf("replay commit %d: %w", c.Version, err)
			}
		}
		last = c.Version
	}
	return last, nil
}
