package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
)

func mustCommit(t *testing.T, version uint64, writes ...Write) Commit {
	t.Helper()
	c, err := NewCommit(version, "fork", writes)
	require.NoError(t, err)
	return c
}

func w(collection string, key any, values ...any) Write {
	e := ir.NewEntry(key, values...)
	return Write{Collection: collection, Key: e.Key, Values: e.Values}
}

func TestAppend_ReadCommits(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	c1 := mustCommit(t, 1, w("users", 1, "Alice"), w("users", 2, "Bob"))
	c2 := mustCommit(t, 3, w("users", 1), w("scores", "ann", 1.5, 2))
	require.NoError(t, s.Append(ctx, c1))
	require.NoError(t, s.Append(ctx, c2))

	got, err := s.ReadCommits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, c1.ID, got[0].ID)
	assert.Equal(t, uint64(1), got[0].Version)
	assert.Equal(t, "fork", got[0].Fork)
	assert.Equal(t, c1.Writes, got[0].Writes)

	assert.Equal(t, uint64(3), got[1].Version)
	require.Len(t, got[1].Writes, 2)
	assert.Empty(t, got[1].Writes[0].Values, "deletion round-trips as no values")
	assert.Equal(t, []ir.Value{ir.Float(1.5), ir.Int(2)}, got[1].Writes[1].Values, "number kinds survive")

	after, err := s.ReadCommits(ctx, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(3), after[0].Version)
}

func TestAppend_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	c := mustCommit(t, 1, w("users", 1, "Alice"))

	require.NoError(t, s.Append(ctx, c))
	require.NoError(t, s.Append(ctx, c))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.ReadCommits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Writes, 1, "writes are not duplicated")
}

func TestAppend_VersionConflict(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, mustCommit(t, 1, w("users", 1, "Alice"))))
	err := s.Append(ctx, mustCommit(t, 1, w("users", 1, "Alicia")))
	assert.Error(t, err)
}

func TestNewCommit_ContentAddressed(t *testing.T) {
	a := mustCommit(t, 1, w("users", 1, "Alice"))
	b := mustCommit(t, 1, w("users", 1, "Alice"))
	c := mustCommit(t, 2, w("users", 1, "Alice"))
	d := mustCommit(t, 1, w("users", 1, "Alicia"))

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
	assert.NotEqual(t, a.ID, d.ID)
	assert.Len(t, a.ID, 64)
}

func TestReadCommits_CommitWithoutWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, mustCommit(t, 1)))

	got, err := s.ReadCommits(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Writes)
}

func TestReadCommits_Empty(t *testing.T) {
	s := createTestStore(t)
	got, err := s.ReadCommits(context.Background(), 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestLastVersion(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	v, err := s.LastVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v)

	require.NoError(t, s.Append(ctx, mustCommit(t, 4, w("users", 1, "A"))))
	require.NoError(t, s.Append(ctx, mustCommit(t, 9, w("users", 1, "B"))))
	v, err = s.LastVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v)
}

func TestLatest_FoldsWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, mustCommit(t, 1, w("users", 2, "Bob"), w("users", 1, "Alice"))))
	require.NoError(t, s.Append(ctx, mustCommit(t, 2, w("users", 1, "Alicia"), w("other", 1, "x"))))
	require.NoError(t, s.Append(ctx, mustCommit(t, 3, w("users", 2))))

	got, err := s.Latest(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alicia")}, got)

	got, err = s.Latest(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}
