package code

import "github.com/stormlang/codegen/internal/code/reg"

// Liveness runs spec.md §4.D's backward liveness analysis over a
// (transformed) entry stream and returns, for each instruction index, the
// set of registers live immediately before that instruction executes.
//
// The pass is a single backward sweep: starting from an empty live set at
// the end of the stream, each instruction in reverse order kills its
// write-only destination register and adds any register it reads (dest in
// DestRead mode, src's register, or either operand's indirect base
// register), with a few opcode-specific resets matching the Transform
// pipeline's control-flow-clearing rules.
func Liveness(entries []Entry, arena Arena) []reg.Set {
	out := make([]reg.Set, len(entries))
	var live reg.Set

	for i := len(entries) - 1; i >= 0; i-- {
		instr := entries[i].Instr

		switch instr.op {
		case OpJmp, OpBegin, OpEnd, OpProlog:
			live = 0
		case OpCall, OpFnCall:
			live = 0
			live = arena.RemoveFnRegs(live)
		}

		if isZeroIdiom(instr) {
			live = live.Without(instr.dest.reg)
		} else {
			if instr.destMode.has(DestWrite) {
				live = live.Without(destRegister(instr.dest))
			}
			if instr.destMode.has(DestRead) {
				live = addOperandRegs(live, instr.dest)
			}
			live = addOperandRegs(live, instr.src)
			// Indirect addressing always reads its base register even when
			// the overall instruction only writes its dest (e.g. mov
			// [rbx+4], eax reads rbx).
			if instr.dest.kind == OpRelative {
				live = live.With(instr.dest.reg)
			}
		}

		out[i] = live
	}
	return out
}

func destRegister(o Operand) reg.Register {
	if o.kind == OpRegister {
		return o.reg
	}
	return reg.NilReg
}

func addOperandRegs(live reg.Set, o Operand) reg.Set {
	switch o.kind {
	case OpRegister:
		return live.With(o.reg)
	case OpRelative:
		return live.With(o.reg)
	default:
		return live
	}
}

// isZeroIdiom recognizes `xor r, r` as a register-zeroing idiom that kills
// (rather than reads-then-writes) its operand, per spec.md §4.D.
func isZeroIdiom(i Instruction) bool {
	return i.op == OpXor && i.dest.kind == OpRegister && i.src.kind == OpRegister && i.dest.reg == i.src.reg
}
