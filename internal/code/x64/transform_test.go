package x64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

func simpleListing(t *testing.T) *code.Listing {
	t.Helper()
	l := code.NewListing(false, code.None, false)
	prolog, err := code.Prolog()
	require.NoError(t, err)
	l.Add(prolog)

	v, err := l.CreateVar(code.RootPart, size.SInt, code.None, code.FreeNone)
	require.NoError(t, err)

	mov, err := code.Mov(code.VarOperand(v, size.ZeroOffset, size.SInt), code.ConstWord(42, size.SInt))
	require.NoError(t, err)
	l.Add(mov)

	epilog, err := code.Epilog()
	require.NoError(t, err)
	l.Add(epilog)
	return l
}

func TestTransformExpandsPrologEpilog(t *testing.T) {
	l := simpleListing(t)
	out, err := Arena{}.Transform(l)
	require.NoError(t, err)

	entries := out.Entries()
	require.Equal(t, code.OpPush, entries[0].Instr.Op())
	require.Equal(t, code.OpMov, entries[1].Instr.Op())

	last := entries[len(entries)-1]
	require.Equal(t, code.OpRet, last.Instr.Op())
	require.Equal(t, code.OpPop, entries[len(entries)-2].Instr.Op())
}

func TestTransformResolvesVariablesToStackSlots(t *testing.T) {
	l := simpleListing(t)
	out, err := Arena{}.Transform(l)
	require.NoError(t, err)

	var found bool
	for _, e := range out.Entries() {
		if e.Instr.Op() != code.OpMov {
			continue
		}
		if e.Instr.Dest().Kind() == code.OpRelative && e.Instr.Dest().Register() == reg.RBP {
			found = true
		}
	}
	require.True(t, found, "expected a variable write lowered to a [rbp+off] store")
}

func TestTransformIsNonDestructive(t *testing.T) {
	l := simpleListing(t)
	before := len(l.Entries())

	_, err := Arena{}.Transform(l)
	require.NoError(t, err)

	require.Equal(t, before, len(l.Entries()))
	require.Equal(t, code.OpProlog, l.Entries()[0].Instr.Op())
}

func TestTransformEmitsDestructorCallOnNormalBlockExit(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	refMgr := code.NewRefManager()
	dtor := refMgr.AddSource("dtor", 0x4000)

	v, err := l.CreateVar(code.RootPart, size.SLong, code.ReferenceOperand(dtor), code.OnBlockExit|code.ByPointer)
	require.NoError(t, err)

	prolog, err := code.Prolog()
	require.NoError(t, err)
	l.Add(prolog)

	end, err := code.End(code.RootPart)
	require.NoError(t, err)
	l.Add(end)

	epilog, err := code.Epilog()
	require.NoError(t, err)
	l.Add(epilog)

	out, err := Arena{}.Transform(l)
	require.NoError(t, err)

	var sawLea, sawCall bool
	for i, e := range out.Entries() {
		if e.Instr.Op() == code.OpLea && e.Instr.Src().Kind() == code.OpRelative {
			sawLea = true
			require.Equal(t, code.OpCall, out.Entries()[i+1].Instr.Op(), "the destructor call must immediately follow its address load")
			require.Equal(t, dtor, out.Entries()[i+1].Instr.Dest().Reference())
			sawCall = true
		}
	}
	require.True(t, sawLea, "expected a Lea loading the variable's address")
	require.True(t, sawCall, "expected a Call to the variable's destructor")
	_ = v
}

func TestTransformSkipsDestructorForVariableWithoutOnBlockExit(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	refMgr := code.NewRefManager()
	dtor := refMgr.AddSource("dtor", 0x4000)

	_, err := l.CreateVar(code.RootPart, size.SLong, code.ReferenceOperand(dtor), code.OnException|code.ByPointer)
	require.NoError(t, err)

	prolog, err := code.Prolog()
	require.NoError(t, err)
	l.Add(prolog)
	end, err := code.End(code.RootPart)
	require.NoError(t, err)
	l.Add(end)
	epilog, err := code.Epilog()
	require.NoError(t, err)
	l.Add(epilog)

	out, err := Arena{}.Transform(l)
	require.NoError(t, err)

	for _, e := range out.Entries() {
		require.NotEqual(t, code.OpCall, e.Instr.Op(), "a destructor marked onException only must not run on the normal-exit path")
	}
}

func constStoreValue(t *testing.T, instr code.Instruction) uint64 {
	t.Helper()
	require.Equal(t, code.OpMov, instr.Op())
	require.Equal(t, code.OpConstant, instr.Src().Kind())
	return instr.Src().ConstantWord()
}

func TestTransformRestoresEnclosingScopeOnEnd(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	resume := l.CreateLabel()
	l.AddCatch(code.RootBlock, code.RefHandle(0), resume)

	child, err := l.CreateBlock(code.RootBlock)
	require.NoError(t, err)
	childPart := l.PartsOf(child)[0]

	prolog, err := code.Prolog()
	require.NoError(t, err)
	l.Add(prolog)

	begin, err := code.Begin(childPart)
	require.NoError(t, err)
	l.Add(begin)

	end, err := code.End(childPart)
	require.NoError(t, err)
	l.Add(end)

	epilog, err := code.Epilog()
	require.NoError(t, err)
	l.Add(epilog)

	out, err := Arena{}.Transform(l)
	require.NoError(t, err)
	lay := buildLayout(l)

	var blockWrites, partWrites []uint64
	for _, e := range out.Entries() {
		if e.Instr.Op() != code.OpMov || e.Instr.Dest().Kind() != code.OpRelative {
			continue
		}
		switch e.Instr.Dest().RelativeOffset() {
		case lay.blockSlot:
			blockWrites = append(blockWrites, constStoreValue(t, e.Instr))
		case lay.partSlot:
			partWrites = append(partWrites, constStoreValue(t, e.Instr))
		}
	}

	require.Equal(t, []uint64{uint64(code.RootBlock), uint64(child), uint64(code.RootBlock)}, blockWrites,
		"the prolog initializes the hidden block slot to root, Begin writes the entered block id, End restores it")
	require.Equal(t, []uint64{uint64(code.RootPart), uint64(childPart), uint64(code.RootPart)}, partWrites,
		"the prolog initializes the hidden part slot to root, Begin writes the entered part id, End restores it (not its own)")
}

func TestTransformSpillsRegisterParams(t *testing.T) {
	l := code.NewListing(false, code.None, false)
	p, err := l.CreateParam(size.SPtr, code.None, code.FreeNone)
	require.NoError(t, err)
	prolog, err := code.Prolog()
	require.NoError(t, err)
	l.Add(prolog)
	use, err := code.Mov(code.Reg(reg.RAX, size.SPtr), code.VarOperand(p, size.ZeroOffset, size.SPtr))
	require.NoError(t, err)
	l.Add(use)
	epilog, err := code.Epilog()
	require.NoError(t, err)
	l.Add(epilog)

	out, err := Arena{}.Transform(l)
	require.NoError(t, err)

	var sawSpill bool
	for _, e := range out.Entries() {
		if e.Instr.Op() == code.OpMov && e.Instr.Dest().Kind() == code.OpRelative &&
			e.Instr.Src().Kind() == code.OpRegister && e.Instr.Src().Register() == reg.RDI {
			sawSpill = true
		}
	}
	require.True(t, sawSpill, "expected the first parameter register (rdi) spilled to its stack slot")
}

func TestRemoveFnRegsKeepsCalleeSaved(t *testing.T) {
	live := reg.Set(0).With(reg.RBX).With(reg.RAX).With(reg.R12)
	after := Arena{}.RemoveFnRegs(live)
	require.True(t, after.Has(reg.RBX))
	require.True(t, after.Has(reg.R12))
	require.False(t, after.Has(reg.RAX))
}
