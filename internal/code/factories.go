package code

// This file implements the Instruction factory functions enumerated in
// original_source/Code/Instruction.h, each funneled through build() for
// validation. Every factory returns (Instruction, error) rather than
// panicking, per SPEC_FULL.md's "Exceptions for control flow" ambient-stack
// note.

// Mov builds `dest := src`.
func Mov(dest, src Operand) (Instruction, error) { return build(OpMov, dest, DestWrite, src) }

// Push stacks src.
func Push(src Operand) (Instruction, error) { return build(OpPush, None, DestNone, src) }

// Pop stores the popped value into dest.
func Pop(dest Operand) (Instruction, error) { return build(OpPop, dest, DestWrite, None) }

// Jmp jumps to target under cond (CondAlways for unconditional).
func Jmp(target Operand, cond CondFlag) (Instruction, error) {
	return build(OpJmp, target, DestRead, CondFlagOperand(cond))
}

// Call calls target.
func Call(target Operand) (Instruction, error) { return build(OpCall, target, DestRead, None) }

// Ret returns from the current function; the return value, if any, is
// assumed to already be in the platform's return register.
func Ret() (Instruction, error) { return build(OpRet, None, DestNone, None) }

// Lea loads the effective address of src into dest.
func Lea(dest, src Operand) (Instruction, error) { return build(OpLea, dest, DestWrite, src) }

// SetCond stores 1/0 into dest depending on cond.
func SetCond(dest Operand, cond CondFlag) (Instruction, error) {
	return build(OpSetCond, dest, DestWrite, CondFlagOperand(cond))
}

// FnParam stacks src as the next (right-to-left) parameter of a pending
// fnCall.
func FnParam(src Operand) (Instruction, error) { return build(OpFnParam, None, DestNone, src) }

// FnCall calls src as a function taking the pending fnParams.
func FnCall(src Operand) (Instruction, error) { return build(OpFnCall, None, DestNone, src) }

// Add/Adc/Or/And/Sub/Sbb/Xor/Cmp/Mul/IDiv/IMod/UDiv/UMod: `dest := dest OP src`,
// except Cmp which only reads dest.
func Add(dest, src Operand) (Instruction, error) { return build(OpAdd, dest, DestBoth, src) }
func Adc(dest, src Operand) (Instruction, error) { return build(OpAdc, dest, DestBoth, src) }
func Or(dest, src Operand) (Instruction, error)  { return build(OpOr, dest, DestBoth, src) }
func And(dest, src Operand) (Instruction, error) { return build(OpAnd, dest, DestBoth, src) }
func Sub(dest, src Operand) (Instruction, error) { return build(OpSub, dest, DestBoth, src) }
func Sbb(dest, src Operand) (Instruction, error) { return build(OpSbb, dest, DestBoth, src) }
func Xor(dest, src Operand) (Instruction, error) { return build(OpXor, dest, DestBoth, src) }
func Cmp(dest, src Operand) (Instruction, error) { return build(OpCmp, dest, DestRead, src) }
func Mul(dest, src Operand) (Instruction, error) { return build(OpMul, dest, DestBoth, src) }

func IDiv(dest, src Operand) (Instruction, error) { return build(OpIDiv, dest, DestBoth, src) }
func IMod(dest, src Operand) (Instruction, error) { return build(OpIMod, dest, DestBoth, src) }
func UDiv(dest, src Operand) (Instruction, error) { return build(OpUDiv, dest, DestBoth, src) }
func UMod(dest, src Operand) (Instruction, error) { return build(OpUMod, dest, DestBoth, src) }

// Shl/Shr/Sar shift dest by src (src must be byte sized).
func Shl(dest, src Operand) (Instruction, error) { return build(OpShl, dest, DestBoth, src) }
func Shr(dest, src Operand) (Instruction, error) { return build(OpShr, dest, DestBoth, src) }
func Sar(dest, src Operand) (Instruction, error) { return build(OpSar, dest, DestBoth, src) }

// ICast/UCast resize src into dest, sign- or zero-extending as needed.
func ICast(dest, src Operand) (Instruction, error) { return build(OpICast, dest, DestWrite, src) }
func UCast(dest, src Operand) (Instruction, error) { return build(OpUCast, dest, DestWrite, src) }

// Fstp/Fistp/Fld/Fild/FAddP/FSubP/FMulP/FDivP/FCompP/FWait cover the legacy
// x87 float stack, carried forward from the original for platforms without
// SSE2 floating point.
func Fstp(dest Operand) (Instruction, error)  { return build(OpFstp, dest, DestWrite, None) }
func Fistp(dest Operand) (Instruction, error) { return build(OpFistp, dest, DestWrite, None) }
func Fld(src Operand) (Instruction, error)    { return build(OpFld, None, DestNone, src) }
func Fild(src Operand) (Instruction, error)   { return build(OpFild, None, DestNone, src) }
func FAddP() (Instruction, error)             { return build(OpFAddP, None, DestNone, None) }
func FSubP() (Instruction, error)             { return build(OpFSubP, None, DestNone, None) }
func FMulP() (Instruction, error)             { return build(OpFMulP, None, DestNone, None) }
func FDivP() (Instruction, error)             { return build(OpFDivP, None, DestNone, None) }
func FCompP() (Instruction, error)            { return build(OpFCompP, None, DestNone, None) }
func FWait() (Instruction, error)             { return build(OpFWait, None, DestNone, None) }

// Dat embeds a raw data value (used for jump tables / static constants).
func Dat(v Operand) (Instruction, error) { return build(OpDat, None, DestNone, v) }

// AddRef/ReleaseRef adjust the GC refcount of a Reference-typed value,
// carried forward from the original's manual-refcounting era instructions;
// the GC now owns lifetime, but the instructions remain as a way to bump a reference when a
// value is stored somewhere the GC does not already scan.
func AddRef(to Operand) (Instruction, error) { return build(OpAddRef, None, DestNone, to) }
func ReleaseRef(to Operand) (Instruction, error) {
	return build(OpReleaseRef, None, DestNone, to)
}

// Prolog/Epilog expand into the frame setup/teardown sequence; see
// internal/code/x64's transform pass.
func Prolog() (Instruction, error) { return build(OpProlog, None, DestNone, None) }
func Epilog() (Instruction, error) { return build(OpEpilog, None, DestNone, None) }

// Begin/End open/close a lexical scope; their operand is always a Part.
func Begin(p PartID) (Instruction, error) { return build(OpBegin, PartOperand(p), DestNone, None) }
func End(p PartID) (Instruction, error)   { return build(OpEnd, PartOperand(p), DestNone, None) }

// ThreadLocal prefixes the next instruction with a segment override; the x64
// transform passes it through unchanged and internal/asm/amd64 emits the FS
// prefix (0x64) for it.
func ThreadLocal() (Instruction, error) { return build(OpThreadLocal, None, DestNone, None) }
