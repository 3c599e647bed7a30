package dwarf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTableAllocFindRoundTrip(t *testing.T) {
	tbl := NewDwarfTable(0x1000)

	fde := tbl.Alloc(0x2000, 64)
	require.NotNil(t, fde)

	found := tbl.Find(0x2010)
	require.Same(t, fde, found)

	require.Nil(t, tbl.Find(0x3000))
}

func TestTableFreeThenRealloc(t *testing.T) {
	tbl := NewDwarfTable(0x1000)
	fde := tbl.Alloc(0x2000, 64)

	tbl.Free(fde)
	require.Nil(t, tbl.Find(0x2010))

	reused := tbl.Alloc(0x4000, 32)
	require.Same(t, fde, reused, "the freed slot should be reused before a new chunk is allocated")
	require.NotNil(t, tbl.Find(0x4010))
}

func TestTableSpillsIntoSecondChunk(t *testing.T) {
	tbl := NewDwarfTable(0x1000)

	for i := 0; i < ChunkCount; i++ {
		addr := uintptr(0x10000 + i*16)
		require.NotNil(t, tbl.Alloc(addr, 16))
	}
	require.Len(t, tbl.chunks, 1)

	overflow := tbl.Alloc(0x99999, 16)
	require.NotNil(t, overflow)
	require.Len(t, tbl.chunks, 2)
}

func TestUpdateFnMovesFindableRange(t *testing.T) {
	tbl := NewDwarfTable(0x1000)
	fde := tbl.Alloc(0x2000, 64)
	require.NotNil(t, tbl.Find(0x2010))

	UpdateFn(fde, 0x5000)

	require.Nil(t, tbl.Find(0x2010))
	require.Same(t, fde, tbl.Find(0x5010))
}

func TestChunkFindAfterMultipleAllocs(t *testing.T) {
	c := NewDwarfChunk(0x1000)
	a := c.Alloc(0x100, 16)
	b := c.Alloc(0x200, 16)
	d := c.Alloc(0x300, 16)
	require.NotNil(t, a)
	require.NotNil(t, b)
	require.NotNil(t, d)

	require.Same(t, a, c.Find(0x105))
	require.Same(t, b, c.Find(0x205))
	require.Same(t, d, c.Find(0x305))
	require.Nil(t, c.Find(0x400))
}
