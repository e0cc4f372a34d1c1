package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recoll/internal/ir"
)

func TestTable_RegisterGet(t *testing.T) {
	tbl := NewTable[string]()

	h := tbl.Register("mapper")
	assert.False(t, h.IsZero())

	got, err := tbl.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "mapper", got)
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_DeleteReturnsObject(t *testing.T) {
	tbl := NewTable[string]()
	h := tbl.Register("notifier")

	obj, err := tbl.Delete(h)
	require.NoError(t, err)
	assert.Equal(t, "notifier", obj)
	assert.Equal(t, 0, tbl.Len())
}

func TestTable_UseAfterDeleteIsDefect(t *testing.T) {
	tbl := NewTable[int]()
	h := tbl.Register(7)
	_, err := tbl.Delete(h)
	require.NoError(t, err)

	_, err = tbl.Get(h)
	require.Error(t, err)
	assert.True(t, ir.HasCode(err, ir.ErrCodeStaleHandle))
	assert.True(t, ir.IsDefect(err))

	_, err = tbl.Delete(h)
	assert.True(t, ir.HasCode(err, ir.ErrCodeStaleHandle), "double delete")
}

func TestTable_RecyclesIndexWithNewGeneration(t *testing.T) {
	tbl := NewTable[string]()
	a := tbl.Register("a")
	_, err := tbl.Delete(a)
	require.NoError(t, err)

	b := tbl.Register("b")
	assert.Equal(t, a.Index, b.Index, "freed ids are recycled")
	assert.NotEqual(t, a.Gen, b.Gen)

	_, err = tbl.Get(a)
	assert.Error(t, err, "old handle must not resolve to the new object")

	got, err := tbl.Get(b)
	require.NoError(t, err)
	assert.Equal(t, "b", got)
}

func TestTable_RecyclesLIFO(t *testing.T) {
	tbl := NewTable[int]()
	a := tbl.Register(1)
	b := tbl.Register(2)
	_, _ = tbl.Delete(a)
	_, _ = tbl.Delete(b)

	c := tbl.Register(3)
	assert.Equal(t, b.Index, c.Index)
}

func TestTable_ZeroHandleNeverValid(t *testing.T) {
	tbl := NewTable[int]()
	_, err := tbl.Get(Handle{})
	assert.Error(t, err)
	_, err = tbl.Get(Handle{Index: 42, Gen: 1})
	assert.Error(t, err)
}

func TestTable_Drain(t *testing.T) {
	tbl := NewTable[string]()
	tbl.Register("a")
	h := tbl.Register("b")
	tbl.Register("c")
	_, _ = tbl.Delete(h)

	assert.Equal(t, []string{"a", "c"}, tbl.Drain())
	assert.Equal(t, 0, tbl.Len())
}

func TestAs(t *testing.T) {
	tbl := NewTable[any]()
	h := tbl.Register(42)

	n, err := As[int](tbl, h)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	_, err = As[string](tbl, h)
	assert.True(t, ir.HasCode(err, ir.ErrCodeStaleHandle))
}

func TestTable_ConcurrentRegister(t *testing.T) {
	tbl := NewTable[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := tbl.Register(i)
			_, _ = tbl.Delete(h)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, tbl.Len())
}
