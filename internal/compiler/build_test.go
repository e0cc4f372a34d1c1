package compiler

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
	"github.com/roach88/recoll/internal/resource"
	"github.com/roach88/recoll/internal/service"
	"github.com/roach88/recoll/internal/testutil"
)

const shopDefinition = `
inputs: {
	users: [{key: 1, value: "Alice"}, {key: 2, value: "Bob"}]
	orders: [
		{key: "o1", value: {user: 1, amount: 5, status: "open"}},
		{key: "o2", value: {user: 1, amount: 10, status: "open"}},
		{key: "o3", value: {user: 2, amount: 7, status: "void"}},
	]
}
shared: {
	amounts: {
		from: "orders"
		steps: [
			{op: "filter", field: "status", equals: "open"},
			{op: "rekey", field: "user"},
			{op: "project", field: "amount"},
		]
	}
	spend: {from: "amounts", steps: [{op: "reduce", reducer: "sum"}]}
}
resources: {
	shout: {
		from: "users"
		params: suffix: *"!" | string
		steps: [{op: "append", param: "suffix"}]
	}
	spending: {from: "users", steps: [{op: "join", with: "spend"}]}
	firstUser: {from: "users", steps: [{op: "take", limit: 1}]}
	range: {from: "orders", steps: [{op: "slice", start: "o2", end: "o3"}]}
	all: {from: "users", steps: [{op: "merge", with: ["spend"]}]}
	tags: {from: "users", steps: [{op: "project", field: "tags"}, {op: "flatten"}]}
	prices: {external: {service: "market", resource: "prices"}}
}
`

func newShop(t *testing.T, externals map[string]resource.ExternalService) *service.Service {
	t.Helper()
	def, err := compile(t, shopDefinition)
	require.NoError(t, err)
	require.Empty(t, Validate(def))

	sdef, err := def.Service(externals)
	require.NoError(t, err)
	s, err := service.New(context.Background(), sdef,
		service.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		service.WithIDGenerator(testutil.NewSequenceGenerator("id")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestService_SharedPipelines(t *testing.T) {
	s := newShop(t, nil)
	ctx := context.Background()

	spend, err := s.Entries("spend")
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, 15)}, spend)

	require.NoError(t, s.Update(ctx, "orders", []ir.Entry{ir.NewEntry("o1")}))
	spend, err = s.Entries("spend")
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, 10)}, spend)
}

func TestService_ResourcePipelines(t *testing.T) {
	s := newShop(t, nil)
	ctx := context.Background()

	got, err := s.GetAll(ctx, "shout", nil)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice!"), ir.NewEntry(2, "Bob!")}, got)

	got, err = s.GetAll(ctx, "shout", ir.Object{"suffix": ir.String("?")})
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice?"), ir.NewEntry(2, "Bob?")}, got)

	got, err = s.GetAll(ctx, "firstUser", nil)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice")}, got)

	got, err = s.GetAll(ctx, "range", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ir.String("o2"), got[0].Key)

	got, err = s.GetAll(ctx, "all", nil)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(1, "Alice", 15), ir.NewEntry(2, "Bob")}, got)

	_, err = s.GetAll(ctx, "shout", ir.Array{})
	assert.True(t, ir.HasCode(err, ir.ErrCodeInvalidOperator))
}

func TestService_FlattenProjectedArrays(t *testing.T) {
	s := newShop(t, nil)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, "users", []ir.Entry{
		{Key: ir.Int(3), Values: []ir.Value{ir.Object{"tags": ir.Array{ir.String("a"), ir.String("b")}}}},
	}))

	got, err := s.GetAll(ctx, "tags", nil)
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(3, "a", "b")}, got)
}

func TestService_JoinTracksOtherCollection(t *testing.T) {
	s := newShop(t, nil)
	ctx := context.Background()
	require.NoError(t, s.InstantiateResource(ctx, "j", "spending", nil))
	rec := testutil.NewRecorder()
	_, err := s.Subscribe(ctx, "j", rec, "")
	require.NoError(t, err)

	first, _ := rec.Last()
	assert.Equal(t, ir.Object{"value": ir.String("Alice"), "joined": ir.Array{ir.Int(15)}}, first.Values[0].Values[0])
	assert.Equal(t, ir.Object{"value": ir.String("Bob"), "joined": ir.Array{}}, first.Values[1].Values[0])

	require.NoError(t, s.Update(ctx, "orders", []ir.Entry{
		ir.NewEntry("o4", ir.Object{"user": ir.Int(2), "amount": ir.Int(3), "status": ir.String("open")}),
	}))
	last, _ := rec.Last()
	require.Len(t, last.Values, 1, "only the joined key changes")
	assert.Equal(t, ir.Int(2), last.Values[0].Key)
	assert.Equal(t, ir.Object{"value": ir.String("Bob"), "joined": ir.Array{ir.Int(3)}}, last.Values[0].Values[0])
}

func TestService_ExternalPipeline(t *testing.T) {
	ext := testutil.NewFakeExternal()
	ext.Seed("prices", ir.NewEntry("btc", 100))
	s := newShop(t, map[string]resource.ExternalService{"market": ext})
	ctx := context.Background()

	require.NoError(t, s.InstantiateResource(ctx, "p", "prices", nil))
	assert.True(t, ext.Subscribed("p"))
	rec := testutil.NewRecorder()
	_, err := s.Subscribe(ctx, "p", rec, "")
	require.NoError(t, err)
	state, err := rec.State()
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry("btc", 100)}, state)
}

func TestDefinitionService_RejectsInvalid(t *testing.T) {
	def := &Definition{Resources: map[string]Pipeline{"r": {From: "missing"}}}
	_, err := def.Service(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownSource)
}
