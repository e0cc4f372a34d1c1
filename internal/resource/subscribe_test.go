package resource_test

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/testutil"
)

func TestSubscribe_InitialThenDeltas(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.instantiate(t, "a", "shout", nil)

	rec := testutil.NewRecorder()
	subID, err := fx.res.Subscribe(ctx, "a", rec, "")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", subID)
	assert.Equal(t, 1, rec.SubscribedCount())

	updates := rec.Updates()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].IsInitial)
	assert.Equal(t, ir.WatermarkOf(1), updates[0].Watermark)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice!"), ir.NewEntry(2, "Bob!")}, updates[0].Values)

	fx.write(t, fx.users, ir.NewEntry(1, "Alicia"), ir.NewEntry(3, "Cat"))

	updates = rec.Updates()
	require.Len(t, updates, 2)
	u := updates[1]
	assert.False(t, u.IsInitial)
	assert.Equal(t, ir.WatermarkOf(2), u.Watermark)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alicia!"), ir.NewEntry(3, "Cat!")}, u.Values)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alicia!"), ir.NewEntry(3, "Cat!")}, u.Added)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice!")}, u.Removed)

	wm, ok := fx.res.Watermark(subID)
	require.True(t, ok)
	assert.Equal(t, ir.WatermarkOf(2), wm)
}

func TestSubscribe_DeletionDeliversEmptyValues(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)
	rec := testutil.NewRecorder()
	_, err := fx.res.Subscribe(context.Background(), "a", rec, "")
	require.NoError(t, err)

	fx.write(t, fx.users, ir.NewEntry(2))

	last, _ := rec.Last()
	assert.Equal(t, []ir.Entry{ir.NewEntry(2)}, last.Values)
	assert.Empty(t, last.Added)
	assert.Equal(t, []ir.Entry{ir.NewEntry(2, "Bob!")}, last.Removed)
}

func TestSubscribe_UntouchedCommitDeliversNothing(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)
	rec := testutil.NewRecorder()
	_, err := fx.res.Subscribe(context.Background(), "a", rec, "")
	require.NoError(t, err)

	fx.write(t, fx.other, ir.NewEntry("x", 1))
	fx.write(t, fx.users, ir.NewEntry(1, "Alice"))

	assert.Len(t, rec.Updates(), 1, "no-op and unrelated commits are silent")
}

func TestSubscribe_Errors(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.instantiate(t, "a", "shout", nil)

	_, err := fx.res.Subscribe(ctx, "missing", testutil.NewRecorder(), "")
	assert.True(t, ir.HasCode(err, ir.ErrCodeUnknownCollection))

	_, err = fx.res.Subscribe(ctx, "a", testutil.NewRecorder(), "")
	require.NoError(t, err)
	_, err = fx.res.Subscribe(ctx, "a", testutil.NewRecorder(), "")
	assert.True(t, ir.HasCode(err, ir.ErrCodeResourceInstanceInUse))
}

func TestSubscribe_Watermarks(t *testing.T) {
	fx := setup(t)
	ctx := context.Background()
	fx.instantiate(t, "a", "shout", nil) // v1
	first := testutil.NewRecorder()
	subID, err := fx.res.Subscribe(ctx, "a", first, "")
	require.NoError(t, err)

	fx.write(t, fx.users, ir.NewEntry(1, "Ann")) // v2
	fx.write(t, fx.users, ir.NewEntry(3, "Cat")) // v3
	wm, _ := fx.res.Watermark(subID)
	assert.Equal(t, ir.WatermarkOf(3), wm)

	fx.res.Unsubscribe(subID)
	fx.write(t, fx.users, ir.NewEntry(3, "Cy"), ir.NewEntry(2)) // v4
	assert.Len(t, first.Updates(), 3, "detached subscriber gets nothing")
	assert.Equal(t, 0, first.ClosedCount(), "unsubscribe does not close")

	t.Run("resume within history", func(t *testing.T) {
		rec := testutil.NewRecorder()
		id, err := fx.res.Subscribe(ctx, "a", rec, ir.WatermarkOf(2))
		require.NoError(t, err)
		defer fx.res.Unsubscribe(id)

		updates := rec.Updates()
		require.Len(t, updates, 1)
		assert.False(t, updates[0].IsInitial)
		assert.Equal(t, ir.WatermarkOf(4), updates[0].Watermark)
		assert.Equal(t, []ir.Entry{ir.NewEntry(2), ir.NewEntry(3, "Cy!")}, updates[0].Values)
	})

	t.Run("resume at current", func(t *testing.T) {
		rec := testutil.NewRecorder()
		id, err := fx.res.Subscribe(ctx, "a", rec, ir.WatermarkOf(4))
		require.NoError(t, err)
		defer fx.res.Unsubscribe(id)

		last, _ := rec.Last()
		assert.False(t, last.IsInitial)
		assert.Empty(t, last.Values)
	})

	t.Run("ahead", func(t *testing.T) {
		_, err := fx.res.Subscribe(ctx, "a", testutil.NewRecorder(), ir.WatermarkOf(9))
		assert.True(t, ir.HasCode(err, ir.ErrCodeWatermarkAhead))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := fx.res.Subscribe(ctx, "a", testutil.NewRecorder(), "yesterday")
		assert.True(t, ir.HasCode(err, ir.ErrCodeInvalidWatermark))
	})
}

func TestSubscribe_ResyncBeyondHistory(t *testing.T) {
	fx := setup(t, resource.WithHistory(1))
	ctx := context.Background()
	fx.instantiate(t, "a", "shout", nil)         // v1
	fx.write(t, fx.users, ir.NewEntry(1, "Ann")) // v2
	fx.write(t, fx.users, ir.NewEntry(2, "Bo"))  // v3
	fx.write(t, fx.users, ir.NewEntry(3, "Cy"))  // v4

	rec := testutil.NewRecorder()
	id, err := fx.res.Subscribe(ctx, "a", rec, ir.WatermarkOf(2))
	require.NoError(t, err)
	last, _ := rec.Last()
	assert.True(t, last.IsInitial, "v3 was evicted")
	assert.Len(t, last.Values, 3)
	fx.res.Unsubscribe(id)

	rec = testutil.NewRecorder()
	_, err = fx.res.Subscribe(ctx, "a", rec, ir.WatermarkOf(3))
	require.NoError(t, err)
	last, _ = rec.Last()
	assert.False(t, last.IsInitial)
	assert.Equal(t, []ir.Entry{ir.NewEntry(3, "Cy!")}, last.Values)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)
	id, err := fx.res.Subscribe(context.Background(), "a", testutil.NewRecorder(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, fx.forks.Main().Handles().Len())

	fx.res.Unsubscribe(id)
	fx.res.Unsubscribe(id)
	fx.res.Unsubscribe("never")

	info, _ := fx.res.Info("a")
	assert.False(t, info.Subscribed)
	assert.Equal(t, 1, fx.forks.Main().Handles().Len(), "notifier handle released")
	_, ok := fx.res.Watermark(id)
	assert.False(t, ok)
}

func TestSubscribe_NotifyHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	fx := setup(t, resource.WithNotifyHook(func(id string, u ir.CollectionUpdate) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id+"@"+string(u.Watermark))
	}))
	fx.instantiate(t, "a", "shout", nil)
	_, err := fx.res.Subscribe(context.Background(), "a", testutil.NewRecorder(), "")
	require.NoError(t, err)
	fx.write(t, fx.users, ir.NewEntry(9, "Zed"))

	assert.Equal(t, []string{"a@1", "a@2"}, seen)
}

// Replaying the delivered stream must always reproduce main.
func TestSubscribe_GapFree(t *testing.T) {
	fx := setup(t, resource.WithHistory(4))
	ctx := context.Background()
	out := fx.instantiate(t, "a", "shout", nil)
	rec := testutil.NewRecorder()
	subID, err := fx.res.Subscribe(ctx, "a", rec, "")
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	names := []string{"Ann", "Bob", "Cat", "Dan"}
	for i := 0; i < 60; i++ {
		key := rng.Intn(6)
		var e ir.Entry
		if rng.Intn(4) == 0 {
			e = ir.NewEntry(key)
		} else {
			e = ir.NewEntry(key, names[rng.Intn(len(names))])
		}
		fx.write(t, fx.users, e)

		// Occasionally drop and resume from the last watermark.
		if i%13 == 12 {
			wm, ok := fx.res.Watermark(subID)
			require.True(t, ok)
			fx.res.Unsubscribe(subID)
			fx.write(t, fx.users, ir.NewEntry(rng.Intn(6), "Eve"))
			subID, err = fx.res.Subscribe(ctx, "a", rec, wm)
			require.NoError(t, err)
		}

		want, err := fx.forks.Main().Entries(out)
		require.NoError(t, err)
		got, err := rec.State()
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got), "step %d", i)
		for j := range want {
			assert.True(t, ir.Equal(want[j].Key, got[j].Key), "step %d", i)
			assert.True(t, ir.EqualValues(want[j].Values, got[j].Values), "step %d", i)
		}
	}
}
