package resource_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/collection"
	"github.com/roach88/recoll/internal/fork"
	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/testutil"
)

type fixture struct {
	forks *fork.Manager
	res   *resource.Manager
	users collection.Eager
	other collection.Eager
	n     int
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// shout appends params.suffix (default "!") to every user name.
func shout(params ir.Value) (resource.Resource, error) {
	suffix := "!"
	if obj, ok := params.(ir.Object); ok {
		if s, ok := obj["suffix"].(ir.String); ok {
			suffix = string(s)
		}
	}
	return resource.ResourceFunc(func(ctx *collection.Context, inputs collection.Named) (collection.Eager, error) {
		return ctx.Map(inputs["users"], collection.MapperFunc(
			func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
				out := make([]ir.Pair, len(values))
				for i, v := range values {
					out[i] = ir.Pair{Key: key, Value: ir.String(string(v.(ir.String)) + suffix)}
				}
				return out, nil
			}))
	}), nil
}

// feed mirrors an external collection.
func feed(params ir.Value) (resource.Resource, error) {
	return resource.ResourceFunc(func(ctx *collection.Context, _ collection.Named) (collection.Eager, error) {
		ext, err := ctx.UseExternalResource("ext", "rows", params)
		if err != nil {
			return collection.Eager{}, err
		}
		return ctx.Map(ext, collection.MapperFunc(
			func(_ *collection.Context, key ir.Value, values []ir.Value) ([]ir.Pair, error) {
				out := make([]ir.Pair, len(values))
				for i, v := range values {
					out[i] = ir.Pair{Key: key, Value: v}
				}
				return out, nil
			}))
	}), nil
}

func builders() map[string]resource.Builder {
	return map[string]resource.Builder{
		"shout": shout,
		"feed":  feed,
		"broken": func(ir.Value) (resource.Resource, error) {
			return nil, errors.New("bad params")
		},
	}
}

func setup(t *testing.T, opts ...resource.Option) *fixture {
	t.Helper()
	g := collection.NewGraph().Clone()
	users, err := g.CreateInput("users", []ir.Entry{ir.NewEntry(1, "Alice"), ir.NewEntry(2, "Bob")})
	require.NoError(t, err)
	other, err := g.CreateInput("other", nil)
	require.NoError(t, err)

	forks := fork.NewManager(g, fork.WithLogger(quiet))
	opts = append([]resource.Option{
		resource.WithLogger(quiet),
		resource.WithIDGenerator(testutil.NewSequenceGenerator("sub")),
	}, opts...)
	return &fixture{
		forks: forks,
		res:   resource.New(forks, builders(), opts...),
		users: users,
		other: other,
	}
}

func (fx *fixture) fork(t *testing.T) *fork.Fork {
	t.Helper()
	fx.n++
	f, err := fx.forks.Fork(context.Background(), fmt.Sprintf("f%d", fx.n))
	require.NoError(t, err)
	return f
}

func (fx *fixture) instantiate(t *testing.T, id, name string, params ir.Value) collection.Eager {
	t.Helper()
	f := fx.fork(t)
	out, err := fx.res.Instantiate(f, id, name, params)
	require.NoError(t, err)
	_, err = f.Merge(context.Background())
	require.NoError(t, err)
	return out
}

func (fx *fixture) write(t *testing.T, c collection.Eager, entries ...ir.Entry) {
	t.Helper()
	f := fx.fork(t)
	require.NoError(t, f.Write(c, entries))
	_, err := f.Merge(context.Background())
	require.NoError(t, err)
}

func (fx *fixture) close(t *testing.T, id string) {
	t.Helper()
	f := fx.fork(t)
	require.NoError(t, fx.res.Close(f, id))
	_, err := f.Merge(context.Background())
	require.NoError(t, err)
}

func TestInstantiate_PublishedOnMerge(t *testing.T) {
	fx := setup(t)

	f := fx.fork(t)
	out, err := fx.res.Instantiate(f, "a", "shout", nil)
	require.NoError(t, err)
	assert.Empty(t, fx.res.Instances(), "instance is private to the fork")

	commit, err := f.Merge(context.Background())
	require.NoError(t, err)

	info, ok := fx.res.Info("a")
	require.True(t, ok)
	assert.Equal(t, "shout", info.Resource)
	assert.Equal(t, ir.Object{}, info.Params)
	assert.Equal(t, commit.Version, info.Created)
	assert.False(t, info.Subscribed)

	got, err := fx.forks.Main().Entries(out)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice!"), ir.NewEntry(2, "Bob!")}, got)
	assert.Equal(t, []collection.Eager{out}, fx.forks.Main().Owned("a"))
}

func TestInstantiate_SameIDSameParamsIsShared(t *testing.T) {
	fx := setup(t)
	params := ir.Object{"suffix": ir.String("?")}
	out := fx.instantiate(t, "a", "shout", params)

	f := fx.fork(t)
	defer f.Discard()
	again, err := fx.res.Instantiate(f, "a", "shout", ir.Object{"suffix": ir.String("?")})
	require.NoError(t, err)
	assert.Equal(t, out, again)

	_, err = fx.res.Instantiate(f, "a", "shout", ir.Object{"suffix": ir.String("!")})
	assert.True(t, ir.HasCode(err, ir.ErrCodeResourceInstanceInUse))
}

func TestInstantiate_Errors(t *testing.T) {
	fx := setup(t)
	f := fx.fork(t)
	defer f.Discard()

	_, err := fx.res.Instantiate(f, "a", "nope", nil)
	assert.True(t, ir.HasCode(err, ir.ErrCodeUnknownResource))
	assert.True(t, ir.IsValidation(err))

	_, err = fx.res.Instantiate(f, "b", "broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad params")

	_, err = fx.res.Instantiate(f, "", "shout", nil)
	assert.True(t, ir.HasCode(err, ir.ErrCodeInvalidOperator))

	_, err = fx.res.Instantiate(f, "c", "feed", nil)
	assert.True(t, ir.HasCode(err, ir.ErrCodeUnknownResource), "no external service named ext")
	assert.Empty(t, f.Graph().Owned("c"), "partial instance is dropped")
}

func TestInstantiate_AbortForgetsInstance(t *testing.T) {
	fx := setup(t)
	f := fx.fork(t)
	_, err := fx.res.Instantiate(f, "a", "shout", nil)
	require.NoError(t, err)
	require.NoError(t, f.Abort())

	assert.Empty(t, fx.res.Instances())
	assert.Equal(t, 0, fx.forks.Main().Handles().Len())

	// The id is free again.
	fx.instantiate(t, "a", "shout", ir.Object{"suffix": ir.String("?")})
	info, ok := fx.res.Info("a")
	require.True(t, ok)
	assert.Equal(t, ir.Object{"suffix": ir.String("?")}, info.Params)
}

func TestClose_DropsInstanceAndClosesNotifier(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)
	rec := testutil.NewRecorder()
	_, err := fx.res.Subscribe(context.Background(), "a", rec, "")
	require.NoError(t, err)

	fx.close(t, "a")

	_, ok := fx.res.Info("a")
	assert.False(t, ok)
	assert.Empty(t, fx.forks.Main().Owned("a"))
	assert.Equal(t, 1, rec.ClosedCount())
	assert.Equal(t, 0, fx.forks.Main().Handles().Len(), "mapper and notifier handles released")

	f := fx.fork(t)
	defer f.Discard()
	assert.True(t, ir.HasCode(fx.res.Close(f, "a"), ir.ErrCodeUnknownCollection))
}

func TestClose_AbortKeepsInstance(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)

	f := fx.fork(t)
	require.NoError(t, fx.res.Close(f, "a"))
	require.NoError(t, f.Abort())

	_, ok := fx.res.Info("a")
	assert.True(t, ok)
	assert.Len(t, fx.forks.Main().Owned("a"), 1)
}

func TestClose_ThenInstantiateInOneFork(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)

	f := fx.fork(t)
	require.NoError(t, fx.res.Close(f, "a"))
	out, err := fx.res.Instantiate(f, "a", "shout", ir.Object{"suffix": ir.String("?")})
	require.NoError(t, err)
	_, err = f.Merge(context.Background())
	require.NoError(t, err)

	got, err := fx.forks.Main().Entries(out)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice?"), ir.NewEntry(2, "Bob?")}, got)
	assert.Len(t, fx.forks.Main().Owned("a"), 1)
}

func TestClose_PendingInstance(t *testing.T) {
	fx := setup(t)

	f := fx.fork(t)
	_, err := fx.res.Instantiate(f, "a", "shout", nil)
	require.NoError(t, err)
	require.NoError(t, fx.res.Close(f, "a"))
	_, err = f.Merge(context.Background())
	require.NoError(t, err)

	assert.Empty(t, fx.res.Instances())
	assert.Equal(t, 0, fx.forks.Main().Handles().Len())
}

func TestCloseAll(t *testing.T) {
	fx := setup(t)
	fx.instantiate(t, "a", "shout", nil)
	fx.instantiate(t, "b", "shout", ir.Object{"suffix": ir.String("?")})

	require.NoError(t, fx.res.CloseAll(context.Background()))
	assert.Empty(t, fx.res.Instances())
	assert.Equal(t, 0, fx.forks.Main().Handles().Len())
}

func TestOutput_TouchesInstance(t *testing.T) {
	clock := testutil.NewManualClock()
	fx := setup(t, resource.WithNow(clock.Now))
	out := fx.instantiate(t, "a", "shout", nil)

	now := clock.Advance(5)
	got, err := fx.res.Output("a")
	require.NoError(t, err)
	assert.Equal(t, out, got)
	info, _ := fx.res.Info("a")
	assert.Equal(t, now, info.LastAccess)

	_, err = fx.res.Output("missing")
	assert.True(t, ir.HasCode(err, ir.ErrCodeUnknownCollection))
}
