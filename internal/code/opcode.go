package code

// Opcode enumerates the virtual instructions the IR can express, following
// the instruction factory list in original_source/Code/Instruction.h. Each
// constant is paired with an exported factory function of the same name
// minus the "Op" prefix (OpAdd / Add(...)), the same split the teacher's
// internal/asm/amd64/consts.go uses between its opcode constants (ADDL) and
// the assembler methods that consume them.
type Opcode byte

const (
	OpInvalid Opcode = iota
	OpMov
	OpPush
	OpPop
	OpJmp
	OpCall
	OpRet
	OpLea
	OpSetCond
	OpFnParam
	OpFnParamRef
	OpFnCall
	OpAdd
	OpAdc
	OpOr
	OpAnd
	OpSub
	OpSbb
	OpXor
	OpCmp
	OpMul
	OpIDiv
	OpIMod
	OpUDiv
	OpUMod
	OpShl
	OpShr
	OpSar
	OpICast
	OpUCast
	OpFstp
	OpFistp
	OpFld
	OpFild
	OpFAddP
	OpFSubP
	OpFMulP
	OpFDivP
	OpFCompP
	OpFWait
	OpDat
	OpAddRef
	OpReleaseRef
	OpProlog
	OpEpilog
	OpBegin
	OpEnd
	OpThreadLocal
)

func (op Opcode) String() string {
	names := [...]string{
		"invalid", "mov", "push", "pop", "jmp", "call", "ret", "lea", "setCond",
		"fnParam", "fnParamRef", "fnCall", "add", "adc", "or", "and", "sub",
		"sbb", "xor", "cmp", "mul", "idiv", "imod", "udiv", "umod", "shl",
		"shr", "sar", "icast", "ucast", "fstp", "fistp", "fld", "fild",
		"faddp", "fsubp", "fmulp", "fdivp", "fcompp", "fwait", "dat",
		"addRef", "releaseRef", "prolog", "epilog", "begin", "end",
		"threadLocal",
	}
	if int(op) < len(names) {
		return names[op]
	}
	return "?opcode"
}

// opcodeConstraint describes shape requirements an opcode places on its
// operands beyond the generic readable/writable/size rules DestMode already
// enforces. Kept as a data table per SPEC_FULL.md's "Supplemented features"
// item 2, grounded on OpCode.cpp's per-opcode constant tables, rather than a
// long switch in the Instruction constructor.
type opcodeConstraint struct {
	// destMustBePtr requires dest (lea's target, jmp/call's implicit
	// "current instruction pointer" target size) to be pointer sized.
	destMustBePtr bool
	// srcMustBeAddressable requires src to be a relative/variable/reference
	// operand (lea's source).
	srcMustBeAddressable bool
	// srcMustBeByte requires src to be exactly byte sized (shl/shr/sar count).
	srcMustBeByte bool
	// noMemoryDest forbids dest from being a memory operand (relative or
	// variable): used by opcodes the assembler can only encode register or
	// part destinations for.
	noMemoryDest bool
}

var opcodeConstraints = map[Opcode]opcodeConstraint{
	OpLea:   {destMustBePtr: true, srcMustBeAddressable: true},
	OpJmp:   {destMustBePtr: true},
	OpCall:  {destMustBePtr: true},
	OpShl:   {srcMustBeByte: true},
	OpShr:   {srcMustBeByte: true},
	OpSar:   {srcMustBeByte: true},
	OpBegin: {noMemoryDest: true},
	OpEnd:   {noMemoryDest: true},
}

func constraintFor(op Opcode) opcodeConstraint { return opcodeConstraints[op] }
