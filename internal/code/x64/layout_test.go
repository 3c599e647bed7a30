package x64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

func TestBuildLayoutAssignsParamsPositiveStackOffsets(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	p0, err := l.CreateParam(size.SPtr, code.None, code.FreeNone)
	require.NoError(t, err)
	p1, err := l.CreateParam(size.SInt, code.None, code.FreeNone)
	require.NoError(t, err)

	lay := buildLayout(l)

	require.Equal(t, reg.RDI, lay.paramReg[p0])
	require.Equal(t, reg.RSI, lay.paramReg[p1])
	require.Equal(t, int64(16), lay.locations[p0].Current())
	require.Equal(t, int64(24), lay.locations[p1].Current())
}

func TestBuildLayoutLocalsGrowDownward(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	v1, err := l.CreateVar(code.RootPart, size.SInt, code.None, code.FreeNone)
	require.NoError(t, err)
	v2, err := l.CreateVar(code.RootPart, size.SPtr, code.None, code.FreeNone)
	require.NoError(t, err)

	lay := buildLayout(l)

	require.True(t, lay.locations[v1].Current() < 0)
	require.True(t, lay.locations[v2].Current() < 0)
	require.NotEqual(t, lay.locations[v1], lay.locations[v2])
}

func TestBuildLayoutSiblingBlocksShareRegion(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	a, err := l.CreateBlock(code.RootBlock)
	require.NoError(t, err)
	b, err := l.CreateBlock(code.RootBlock)
	require.NoError(t, err)

	pa := l.PartsOf(a)[0]
	pb := l.PartsOf(b)[0]

	va, err := l.CreateVar(pa, size.SInt, code.None, code.FreeNone)
	require.NoError(t, err)
	vb, err := l.CreateVar(pb, size.SInt, code.None, code.FreeNone)
	require.NoError(t, err)

	lay := buildLayout(l)

	require.Equal(t, lay.locations[va], lay.locations[vb], "non-overlapping sibling blocks should reuse the same stack slot")
}

func TestBuildLayoutReservesHiddenSlotsWhenEhNeeded(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	block, err := l.CreateBlock(code.RootBlock)
	require.NoError(t, err)
	resume := l.CreateLabel()
	l.AddCatch(block, code.RefHandle(0), resume)

	lay := buildLayout(l)

	require.True(t, lay.needsEh)
	require.NotEqual(t, size.Offset{}, lay.partSlot)
	require.NotEqual(t, size.Offset{}, lay.blockSlot)
	require.NotEqual(t, lay.partSlot, lay.blockSlot, "the two hidden slots must not alias")
}
