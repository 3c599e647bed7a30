package patch

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code"
)

func TestApplyRawPtrWritesAbsoluteWord(t *testing.T) {
	codeBytes := make([]byte, 8)
	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 0, Kind: code.RefRawPtr, Pointer: 0xdeadbeef},
	}}

	require.NoError(t, Apply(codeBytes, 0x1000, table, 8))
	require.Equal(t, uint64(0xdeadbeef), binary.LittleEndian.Uint64(codeBytes))
}

func TestApplyRelativePtrWritesSignedDelta(t *testing.T) {
	codeBytes := make([]byte, 4)
	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 0, Kind: code.RefRelativePtr, Pointer: 0x3000},
	}}

	require.NoError(t, Apply(codeBytes, 0x1000, table, 8))
	want := int32(0x3000 - (0x1000 + 4))
	require.Equal(t, want, int32(binary.LittleEndian.Uint32(codeBytes)))
}

func TestApplyInsideWritesCodeRelativeAddress(t *testing.T) {
	codeBytes := make([]byte, 8)
	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 0, Kind: code.RefInside, Pointer: 16},
	}}

	require.NoError(t, Apply(codeBytes, 0x2000, table, 8))
	require.Equal(t, uint64(0x2010), binary.LittleEndian.Uint64(codeBytes))
}

func TestApplyDisabledIsNoOp(t *testing.T) {
	codeBytes := make([]byte, 8)
	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 0, Kind: code.RefDisabled},
	}}

	require.NoError(t, Apply(codeBytes, 0x2000, table, 8))
	require.Equal(t, make([]byte, 8), codeBytes)
}

func TestApplyJumpRewritesShortForm(t *testing.T) {
	codeBytes := make([]byte, 8)
	codeBytes[0] = 0x48
	codeBytes[1] = 0xE8 // short `call` opcode prefix

	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 2, Kind: code.RefJump, Pointer: 0x2000},
	}}

	require.NoError(t, Apply(codeBytes, 0x1000, table, 8))
	require.Equal(t, byte(0x48), codeBytes[0])
	require.Equal(t, byte(0xE8), codeBytes[1])

	delta := int32(binary.LittleEndian.Uint32(codeBytes[2:6]))
	require.Equal(t, int32(0x2000-(0x1000+6)), delta)
}

func TestApplyJumpFallsBackToLongFormWhenOutOfRange(t *testing.T) {
	codeBytes := make([]byte, 8)
	codeBytes[0] = 0x48
	codeBytes[1] = 0xE9 // short `jmp` opcode prefix

	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 2, Kind: code.RefJump},
	}}
	// The long form addresses the ref's own Pointer field, so the code must
	// sit within 32-bit reach of the table; the target is 4 GiB away.
	codeAddr := uintptr(unsafe.Pointer(&table.Refs[0]))
	table.Refs[0].Pointer = codeAddr + (1 << 32)

	require.NoError(t, Apply(codeBytes, codeAddr, table, 8))
	require.Equal(t, byte(0xFF), codeBytes[0])
	require.Equal(t, byte(0x25), codeBytes[1], "long jmp form uses the FF /4 indirect opcode")
}

func TestApplyUnknownKindErrors(t *testing.T) {
	codeBytes := make([]byte, 4)
	table := &code.GcCodeRefTable{Refs: []code.GcCodeRef{
		{Offset: 0, Kind: code.GcRefKind(200)},
	}}

	require.Error(t, Apply(codeBytes, 0x1000, table, 8))
}
