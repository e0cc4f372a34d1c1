package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
)

func TestRecorder_FoldsUpdates(t *testing.T) {
	r := NewRecorder()
	r.Subscribed()
	r.Notify(ir.CollectionUpdate{
		Values:    []ir.Entry{ir.NewEntry(1, "a"), ir.NewEntry(2, "b")},
		IsInitial: true,
		Watermark: ir.WatermarkOf(1),
	})
	r.Notify(ir.CollectionUpdate{
		Values:    []ir.Entry{ir.NewEntry(1), ir.NewEntry(3, "c")},
		Watermark: ir.WatermarkOf(2),
	})

	state, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry(2, "b"), ir.NewEntry(3, "c")}, state)
	assert.Equal(t, 1, r.SubscribedCount())
	assert.Len(t, r.Updates(), 2)

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, ir.WatermarkOf(2), last.Watermark)
}

func TestRecorder_InitialReplacesState(t *testing.T) {
	r := NewRecorder()
	r.Notify(ir.CollectionUpdate{Values: []ir.Entry{ir.NewEntry("x", 1)}, IsInitial: true})
	r.Notify(ir.CollectionUpdate{Values: []ir.Entry{ir.NewEntry("y", 2)}, IsInitial: true})

	state, err := r.State()
	require.NoError(t, err)
	assert.Equal(t, []ir.Entry{ir.NewEntry("y", 2)}, state)
}

func TestRecorder_Close(t *testing.T) {
	r := NewRecorder()
	_, ok := r.Last()
	assert.False(t, ok)

	r.Close()
	assert.Equal(t, 1, r.ClosedCount())
}
