package fork

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/ir"
)

func setup(t *testing.T, opts ...Option) (*Manager, collection.Eager) {
	t.Helper()
	g := collection.NewGraph().Clone()
	users, err := g.CreateInput("users", []ir.Entry{ir.NewEntry(1, "Alice")})
	require.NoError(t, err)
	return NewManager(g, opts...), users
}

func TestFork_MergePublishes(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()

	f, err := m.Fork(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, f.Write(users, []ir.Entry{ir.NewEntry(1, "Alicia")}))

	got, _ := m.Main().GetArray(users, ir.Int(1))
	assert.Equal(t, []ir.Value{ir.String("Alice")}, got, "fork writes are private")

	commit, err := f.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), commit.Version)
	assert.Equal(t, uint64(1), m.Version())
	assert.True(t, m.Main().Sealed())
	assert.Len(t, commit.Changes.For(users), 1)

	got, _ = m.Main().GetArray(users, ir.Int(1))
	assert.Equal(t, []ir.Value{ir.String("Alicia")}, got)

	_, err = f.Merge(ctx)
	assert.True(t, ir.HasCode(err, ir.ErrCodeNoActiveFork), "merge exactly once")
	assert.True(t, ir.IsDefect(err))
}

func TestFork_AbortLeavesMainIdentical(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()
	before := m.Main()
	entriesBefore, _ := before.Entries(users)

	f, err := m.Fork(ctx, "f1")
	require.NoError(t, err)
	require.NoError(t, f.Write(users, []ir.Entry{ir.NewEntry(2, "Bob")}))
	_, err = f.Graph().NewContext("").Map(users, collection.MapperFunc(
		func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
			return []ir.Pair{{Key: key, Value: values[0]}}, nil
		}))
	require.NoError(t, err)
	assert.Equal(t, 1, before.Handles().Len())

	require.NoError(t, f.Abort())
	assert.Same(t, before, m.Main())
	entriesAfter, _ := m.Main().Entries(users)
	assert.Equal(t, entriesBefore, entriesAfter)
	assert.Equal(t, 0, before.Handles().Len(), "handles registered in the fork are released")
	assert.Equal(t, uint64(0), m.Version())

	assert.True(t, ir.HasCode(f.Abort(), ir.ErrCodeNoActiveFork))
	assert.True(t, ir.HasCode(f.Write(users, nil), ir.ErrCodeNoActiveFork))
}

func TestFork_SameNameFailsImmediately(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()
	f, err := m.Fork(ctx, "dup")
	require.NoError(t, err)
	defer f.Discard()

	_, err = m.Fork(ctx, "dup")
	assert.True(t, ir.HasCode(err, ir.ErrCodeForkExists))
}

func TestFork_NestedForkIsDefect(t *testing.T) {
	m, _ := setup(t)
	f, err := m.Fork(context.Background(), "outer")
	require.NoError(t, err)
	defer f.Discard()

	_, err = f.Fork(context.Background(), "inner")
	assert.True(t, ir.HasCode(err, ir.ErrCodeNestedFork))
	assert.True(t, ir.IsDefect(err))
}

func TestFork_SecondForkWaitsForSlot(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()

	first, err := m.Fork(ctx, "first")
	require.NoError(t, err)

	acquired := make(chan *Fork)
	go func() {
		f, err := m.Fork(ctx, "second")
		assert.NoError(t, err)
		acquired <- f
	}()

	select {
	case <-acquired:
		t.Fatal("second fork must wait while first is active")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, first.Write(users, []ir.Entry{ir.NewEntry(1, "A")}))
	_, err = first.Merge(ctx)
	require.NoError(t, err)

	second := <-acquired
	got, _ := second.Graph().GetArray(users, ir.Int(1))
	assert.Equal(t, []ir.Value{ir.String("A")}, got, "second fork clones the merged main")
	require.NoError(t, second.Abort())
}

func TestFork_WaitHonoursContext(t *testing.T) {
	m, _ := setup(t)
	f, err := m.Fork(context.Background(), "holder")
	require.NoError(t, err)
	defer f.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Fork(ctx, "waiter")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFork_BeforePublishVeto(t *testing.T) {
	boom := errors.New("journal full")
	m, users := setup(t, WithBeforePublish(func(context.Context, Commit) error { return boom }))
	ctx := context.Background()

	f, err := m.Fork(ctx, "f")
	require.NoError(t, err)
	require.NoError(t, f.Write(users, []ir.Entry{ir.NewEntry(1, "x")}))

	_, err = f.Merge(ctx)
	assert.ErrorIs(t, err, boom)
	assert.True(t, f.Closed())
	got, _ := m.Main().GetArray(users, ir.Int(1))
	assert.Equal(t, []ir.Value{ir.String("Alice")}, got)
	_, active := m.Active()
	assert.False(t, active, "slot released after veto")
}

func TestFork_AfterPublishRunsInCommitOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []uint64
	m, users := setup(t, WithAfterPublish(func(_ context.Context, c Commit) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, c.Version)
		return nil
	}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := m.Fork(ctx, "writer-"+string(rune('a'+i)))
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, f.Write(users, []ir.Entry{ir.NewEntry(1, i)}))
			_, err = f.Merge(ctx)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Len(t, seen, 10)
	for i, v := range seen {
		assert.Equal(t, uint64(i+1), v)
	}
}

func TestFork_MergeReleasesDroppedHandles(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()

	f, err := m.Fork(ctx, "build")
	require.NoError(t, err)
	_, err = f.Graph().NewContext("inst").Map(users, collection.MapperFunc(
		func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
			return nil, nil
		}))
	require.NoError(t, err)
	_, err = f.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Main().Handles().Len())

	f, err = m.Fork(ctx, "drop")
	require.NoError(t, err)
	require.NoError(t, f.Graph().DropOwner("inst"))
	_, err = f.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Main().Handles().Len())
}

func TestFork_PerForkCallbacks(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	var published []uint64
	f, err := m.Fork(ctx, "a")
	require.NoError(t, err)
	f.OnPublish(func(c Commit) { published = append(published, c.Version) })
	f.OnAbort(func() { t.Error("merged fork must not run abort callbacks") })
	_, err = f.Merge(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, published)

	var order []string
	f, err = m.Fork(ctx, "b")
	require.NoError(t, err)
	f.OnAbort(func() { order = append(order, "first") })
	f.OnAbort(func() { order = append(order, "second") })
	require.NoError(t, f.Abort())
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestManager_DoHoldsSlot(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()

	err := m.Do(ctx, func(main *collection.Graph) error {
		_, active := m.Active()
		assert.False(t, active)
		wctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		_, err := m.Fork(wctx, "blocked")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		got, _ := main.GetArray(users, ir.Int(1))
		assert.Equal(t, []ir.Value{ir.String("Alice")}, got)
		return nil
	})
	require.NoError(t, err)

	f, err := m.Fork(ctx, "free")
	require.NoError(t, err)
	require.NoError(t, f.Abort())
}

func TestFork_FailedWriteCannotMerge(t *testing.T) {
	m, users := setup(t)
	ctx := context.Background()

	// The derived collection is merged first so the failing write happens mid-propagation.
	setupFork, err := m.Fork(ctx, "build")
	require.NoError(t, err)
	out, err := setupFork.Graph().NewContext("").Map(users, collection.MapperFunc(
		func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
			if ir.Equal(key, ir.Int(2)) {
				return nil, errors.New("mapper rejects key 2")
			}
			return []ir.Pair{{Key: key, Value: values[0]}}, nil
		}))
	require.NoError(t, err)
	_, err = setupFork.Merge(ctx)
	require.NoError(t, err)
	before := m.Main()
	version := m.Version()

	f, err := m.Fork(ctx, "bad")
	require.NoError(t, err)
	err = f.Write(users, []ir.Entry{ir.NewEntry(1, "b"), ir.NewEntry(2, "x")})
	require.Error(t, err)
	assert.Equal(t, err, f.Failed())

	assert.True(t, ir.HasCode(f.Write(users, []ir.Entry{ir.NewEntry(3, "c")}), ir.ErrCodeForkFailed))

	_, err = f.Merge(ctx)
	assert.True(t, ir.HasCode(err, ir.ErrCodeForkFailed))
	assert.Contains(t, err.Error(), "mapper rejects key 2")
	assert.True(t, f.Closed(), "merge aborts a failed fork")

	assert.Same(t, before, m.Main())
	assert.Equal(t, version, m.Version())
	got, _ := m.Main().Entries(users)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice")}, got)
	got, _ = m.Main().Entries(out)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice")}, got)

	next, err := m.Fork(ctx, "after")
	require.NoError(t, err, "the writer slot is released")
	require.NoError(t, next.Abort())
}
