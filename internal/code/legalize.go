package code

import (
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

// inImmediateFamily reports whether op is one of the opcodes original_source/Code/X86/MachineCodeX86.cpp's
// ImmRegTfm targets: the shared immReg/add/adc/or/and/sub/sbb/xor/cmp/mov
// encoder family that the assembler can only emit with an immediate,
// register or single memory operand, never two memory operands.
func inImmediateFamily(op Opcode) bool {
	switch op {
	case OpMov, OpAdd, OpAdc, OpOr, OpAnd, OpSub, OpSbb, OpXor, OpCmp:
		return true
	default:
		return false
	}
}

func isMemoryOperand(o Operand) bool {
	return o.kind == OpRelative || o.kind == OpVariable
}

// legalSrc reports whether src can be encoded directly against dest: the
// assembler's immRegInstr family supports a label/reference/constant/
// register source against any addressable dest, or a memory source only
// when dest is a plain register (mirroring ImmRegTfm::supported).
func legalSrc(dest, src Operand) bool {
	switch src.kind {
	case OpLabel, OpReference, OpConstant, OpSizeConstant, OpOffsetConstant, OpRegister:
		return true
	default:
		return dest.kind == OpRegister
	}
}

// LegalizeImmediates rewrites every immediate-family instruction whose
// operands the assembler cannot encode directly (a memory destination paired
// with a memory or unsupported source) into a short mov-into-scratch,
// instruction, sequence, following original_source's ImmRegTfm::transform:
// prefer a register the liveness analysis shows free at that point, falling
// back to push/mov/.../pop around one of the scratch candidates when every
// candidate is live.
func LegalizeImmediates(entries []Entry, scratch []reg.Register, live []reg.Set) ([]Entry, error) {
	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		instr := e.Instr
		if !inImmediateFamily(instr.op) || legalSrc(instr.dest, instr.src) {
			out = append(out, e)
			continue
		}

		sz := instr.src.sz
		var liveHere reg.Set
		if i < len(live) {
			liveHere = live[i]
		}

		free := reg.NilReg
		for _, r := range scratch {
			if !liveHere.Has(r) {
				free = r
				break
			}
		}

		if free != reg.NilReg {
			movIn, err := Mov(Reg(free, sz), instr.src)
			if err != nil {
				return nil, err
			}
			out = append(out, Entry{Instr: movIn, Labels: e.Labels})
			out = append(out, Entry{Instr: instr.AlterSrc(Reg(free, sz))})
			continue
		}

		// Every scratch candidate is live: spill the first one around the
		// substitution, matching push(ptrD)/mov/.../pop(ptrD).
		save := scratch[0]
		pushI, err := Push(Reg(save, size.SPtr))
		if err != nil {
			return nil, err
		}
		movIn, err := Mov(Reg(save, sz), instr.src)
		if err != nil {
			return nil, err
		}
		popI, err := Pop(Reg(save, size.SPtr))
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Instr: pushI, Labels: e.Labels})
		out = append(out, Entry{Instr: movIn})
		out = append(out, Entry{Instr: instr.AlterSrc(Reg(save, sz))})
		out = append(out, Entry{Instr: popI})
	}
	return out, nil
}
