package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/recoll/internal/ir"
)

// Write is one journaled key replacement.
type Write struct {
	Collection string
	Key        ir.Value
	Values     []ir.Value
}

// Commit is one journaled main commit.
type Commit struct {
	ID      string
	Version uint64
	Fork    string
	Writes  []Write
}

// NewCommit builds a commit and computes its content-addressed id.
func NewCommit(version uint64, fork string, writes []Write) (Commit, error) {
	canonical, err := marshalWrites(writes)
	if err != nil {
		return Commit{}, fmt.Errorf("new commit: %w", err)
	}
	return Commit{
		ID:      ir.CommitID(version, canonical),
		Version: version,
		Fork:    fork,
		Writes:  writes,
	}, nil
}

// Append inserts a commit and its writes in one transaction.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - re-appending the same
// commit is silently ignored. A different commit at an existing version
// fails on the primary key.
func (s *Store) Append(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, `
		INSERT INTO commits (version, id, fork)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, int64(c.Version), c.ID, c.Fork)
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Version, err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Version, err)
	}
	if inserted == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO writes (version, ord, collection, key, vals)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("append commit %d: prepare: %w", c.Version, err)
	}
	defer stmt.Close()

	for i, w := range c.Writes {
		key, vals, err := marshalWrite(w)
		if err != nil {
			return fmt.Errorf("append commit %d: %w", c.Version, err)
		}
		if _, err := stmt.ExecContext(ctx, int64(c.Version), i, w.Collection, key, vals); err != nil {
			return fmt.Errorf("append commit %d: write %d: %w", c.Version, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append commit %d: commit tx: %w", c.Version, err)
	}
	return nil
}

// ReadCommits returns every commit with a version greater than after, with
// its writes, ordered by version.
//
// Returns an empty slice (not nil) if there are none.
func (s *Store) ReadCommits(ctx context.Context, after uint64) ([]Commit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.version, c.id, c.fork, w.ord, w.collection, w.key, w.vals
		FROM commits c
		LEFT JOIN writes w ON w.version = c.version
		WHERE c.version > ?
		ORDER BY c.version ASC, w.ord ASC
	`, int64(after))
	if err != nil {
		return nil, fmt.Errorf("query commits: %w", err)
	}
	defer rows.Close()

	commits := []Commit{}
	for rows.Next() {
		var (
			version    int64
			id, fork   string
			ord        sql.NullInt64
			collection sql.NullString
			key, vals  sql.NullString
		)
		if err := rows.Scan(&version, &id, &fork, &ord, &collection, &key, &vals); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		if n := len(commits); n == 0 || commits[n-1].Version != uint64(version) {
			commits = append(commits, Commit{ID: id, Version: uint64(version), Fork: fork})
		}
		if !ord.Valid {
			continue
		}
		w, err := unmarshalWrite(collection.String, key.String, vals.String)
		if err != nil {
			return nil, fmt.Errorf("commit %d write %d: %w", version, ord.Int64, err)
		}
		last := &commits[len(commits)-1]
		last.Writes = append(last.Writes, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return commits, nil
}

// LastVersion returns the highest journaled version, or 0 for an empty
// journal.
func (s *Store) LastVersion(ctx context.Context) (uint64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM commits`).Scan(&v); err != nil {
		return 0, fmt.Errorf("last version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

// Count returns the number of journaled commits.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count commits: %w", err)
	}
	return n, nil
}

// Latest folds the journal of one collection into its current contents in
// key order. Keys whose last write was a deletion are omitted.
func (s *Store) Latest(ctx context.Context, collection string) ([]ir.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, vals
		FROM writes
		WHERE collection = ?
		ORDER BY version ASC, ord ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("query writes: %w", err)
	}
	defer rows.Close()

	state := make(map[string]ir.Entry)
	for rows.Next() {
		var key, vals string
		if err := rows.Scan(&key, &vals); err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		w, err := unmarshalWrite(collection, key, vals)
		if err != nil {
			return nil, err
		}
		if len(w.Values) == 0 {
			delete(state, key)
			continue
		}
		state[key] = ir.Entry{Key: w.Key, Values: w.Values}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate writes: %w", err)
	}

	out := make([]ir.Entry, 0, len(state))
	for _, e := range state {
		out = append(out, e)
	}
	ir.SortEntries(out)
	return out, nil
}
