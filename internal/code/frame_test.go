package code

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code/size"
)

func TestFramePrevTerminates(t *testing.T) {
	f := NewFrame()
	child, err := f.CreateBlock(RootBlock)
	require.NoError(t, err)

	var vars []VarID
	for i := 0; i < 5; i++ {
		v, err := f.CreateVar(f.PartsOf(child)[0], size.SInt, None, FreeNone)
		require.NoError(t, err)
		vars = append(vars, v)
	}

	for i := len(vars) - 1; i > 0; i-- {
		prev, ok := f.Prev(vars[i])
		require.True(t, ok)
		require.Equal(t, vars[i-1], prev)
	}
	_, ok := f.Prev(vars[0])
	require.False(t, ok)
}

func TestFrameAccessibleAcrossParts(t *testing.T) {
	f := NewFrame()
	block, _ := f.CreateBlock(RootBlock)
	part0 := f.PartsOf(block)[0]
	v, err := f.CreateVar(part0, size.SInt, None, FreeNone)
	require.NoError(t, err)

	part1, err := f.CreatePart(part0)
	require.NoError(t, err)

	require.True(t, f.Accessible(v, part0))
	require.True(t, f.Accessible(v, part1))
}

func TestFrameAccessibleFromChildBlock(t *testing.T) {
	f := NewFrame()
	outer, _ := f.CreateBlock(RootBlock)
	outerPart := f.PartsOf(outer)[0]
	v, err := f.CreateVar(outerPart, size.SInt, None, FreeNone)
	require.NoError(t, err)

	inner, err := f.CreateBlock(outer)
	require.NoError(t, err)
	innerPart := f.PartsOf(inner)[0]

	require.True(t, f.Accessible(v, innerPart))
}

func TestFrameNotAccessibleFromSiblingBlock(t *testing.T) {
	f := NewFrame()
	a, _ := f.CreateBlock(RootBlock)
	b, _ := f.CreateBlock(RootBlock)
	va, err := f.CreateVar(f.PartsOf(a)[0], size.SInt, None, FreeNone)
	require.NoError(t, err)

	require.False(t, f.Accessible(va, f.PartsOf(b)[0]))
}

func TestFrameDelayRequiresLaterPart(t *testing.T) {
	f := NewFrame()
	block, _ := f.CreateBlock(RootBlock)
	part0 := f.PartsOf(block)[0]
	v, err := f.CreateVar(part0, size.SInt, None, FreeNone)
	require.NoError(t, err)

	part1, err := f.CreatePart(part0)
	require.NoError(t, err)

	require.NoError(t, f.Delay(v, part1))
	require.Error(t, f.Delay(v, part0))
}

func TestFrameByPointerRequiredForLargeDestructors(t *testing.T) {
	f := NewFrame()
	block, _ := f.CreateBlock(RootBlock)
	part0 := f.PartsOf(block)[0]

	destructor := ReferenceOperand(RefHandle(1))
	big := size.New(16)

	_, err := f.CreateVar(part0, big, destructor, OnBlockExit)
	require.Error(t, err)

	_, err = f.CreateVar(part0, big, destructor, OnBlockExit|ByPointer)
	require.NoError(t, err)
}

func TestFrameExceptionHandlerNeeded(t *testing.T) {
	f := NewFrame()
	require.False(t, f.ExceptionHandlerNeeded())

	block, _ := f.CreateBlock(RootBlock)
	part0 := f.PartsOf(block)[0]
	_, err := f.CreateVar(part0, size.SInt, ReferenceOperand(RefHandle(1)), OnException)
	require.NoError(t, err)
	require.True(t, f.ExceptionHandlerNeeded())
}

func TestFrameMoveParam(t *testing.T) {
	f := NewFrame()
	a, _ := f.CreateParam(size.SInt, None, FreeNone)
	b, _ := f.CreateParam(size.SInt, None, FreeNone)
	c, _ := f.CreateParam(size.SInt, None, FreeNone)
	require.Equal(t, []VarID{a, b, c}, f.Params())

	require.NoError(t, f.MoveParam(c, 0))
	require.Equal(t, []VarID{c, a, b}, f.Params())
}
