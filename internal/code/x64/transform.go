package x64

import (
	"fmt"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

// Arena implements code.Arena for System V AMD64.
type Arena struct{}

var _ code.Arena = Arena{}

// scratch lists the registers LegalizeImmediates may borrow (the shift-count
// pass uses rcx instead): r10/r11 are caller-saved and the calling
// convention gives them no fixed meaning, so the transform pipeline is free
// to clobber them between any two IR instructions.
var scratch = []reg.Register{reg.R10, reg.R11}

var callerSaved = reg.Set(0).
	With(reg.RAX).With(reg.RCX).With(reg.RDX).With(reg.RSI).
	With(reg.RDI).With(reg.R8).With(reg.R9).With(reg.R10).With(reg.R11)

func (Arena) PointerSize() uint32 { return 8 }

// RemoveFnRegs clears every caller-saved register from a live set crossing a
// call: the callee is free to clobber them, so the liveness analysis must
// not carry them as still-live past the call boundary.
func (Arena) RemoveFnRegs(live reg.Set) reg.Set { return live &^ callerSaved }

func (Arena) FirstParamID() code.VarID {
	return 1 // Frame ids start at 1 and are shared by variables and parameters (see NewFrame), so this is parameter 0 only when it was the first id created.
}

func (Arena) FirstParamLoc() code.Operand {
	return code.Reg(reg.RDI, size.SPtr)
}

func addDisplacement(base, extra size.Offset) size.Offset {
	total := base.Current() + extra.Current()
	neg := total < 0
	if neg {
		total = -total
	}
	return size.OffsetOf(size.New(uint32(total)), neg)
}

func resolveOperand(o code.Operand, lay frameLayout) (code.Operand, error) {
	if o.Kind() != code.OpVariable {
		return o, nil
	}
	base, ok := lay.locations[o.Variable()]
	if !ok {
		return code.Operand{}, &code.FrameError{Reason: fmt.Sprintf("variable %d has no assigned stack slot", o.Variable())}
	}
	return code.Relative(reg.RBP, addDisplacement(base, o.VariableOffset()), o.Size()), nil
}

func resolveInstr(instr code.Instruction, lay frameLayout) (code.Instruction, error) {
	dest, err := resolveOperand(instr.Dest(), lay)
	if err != nil {
		return code.Instruction{}, err
	}
	src, err := resolveOperand(instr.Src(), lay)
	if err != nil {
		return code.Instruction{}, err
	}
	return instr.Altered(dest, src), nil
}

// legalizeShiftCounts moves a non-constant shift count into cl ahead of any
// shl/shr/sar whose count isn't already there, since the D3 /digit encoding
// only ever reads cl.
func legalizeShiftCounts(entries []code.Entry) ([]code.Entry, error) {
	out := make([]code.Entry, 0, len(entries))
	for _, e := range entries {
		instr := e.Instr
		switch instr.Op() {
		case code.OpShl, code.OpShr, code.OpSar:
			src := instr.Src()
			if src.Kind() == code.OpConstant {
				out = append(out, e)
				continue
			}
			if src.Kind() == code.OpRegister && src.Register() == reg.RCX {
				out = append(out, e)
				continue
			}
			movIn, err := code.Mov(code.Reg(reg.RCX, size.SByte), src)
			if err != nil {
				return nil, err
			}
			out = append(out, code.Entry{Instr: movIn, Labels: e.Labels})
			out = append(out, code.Entry{Instr: instr.AlterSrc(code.Reg(reg.RCX, size.SByte))})
		default:
			out = append(out, e)
		}
	}
	return out, nil
}

// expandPrologEpilog replaces the IR's single Prolog/Epilog marker
// instructions with the concrete push rbp/mov rbp,rsp/sub rsp,N sequence (and
// its mirror image), spilling the register-resident parameters to their
// assigned stack slots once, right after the frame is established. It also
// returns an UnwindMark for each expansion, at the entry index the unwind-
// aware code emitter (x64.OutputWithUnwind) must query Pos() at to drive
// dwarf.FnInfo's Prolog/Epilog calls, per spec.md §4.H.
func expandPrologEpilog(l *code.Listing, entries []code.Entry, lay frameLayout, isMemberFn bool) ([]code.Entry, []code.UnwindMark, error) {
	frameSize := roundUp16(int64(lay.localSize.Current()))

	out := make([]code.Entry, 0, len(entries)+8)
	var marks []code.UnwindMark
	for _, e := range entries {
		switch e.Instr.Op() {
		case code.OpProlog:
			pushRbp, err := code.Push(code.Reg(reg.RBP, size.SPtr))
			if err != nil {
				return nil, nil, err
			}
			movRbp, err := code.Mov(code.Reg(reg.RBP, size.SPtr), code.Reg(reg.RSP, size.SPtr))
			if err != nil {
				return nil, nil, err
			}
			out = append(out, code.Entry{Instr: pushRbp, Labels: e.Labels})
			out = append(out, code.Entry{Instr: movRbp})
			marks = append(marks, code.UnwindMark{Index: len(out) - 1, Kind: code.UnwindProlog})
			if frameSize > 0 {
				subRsp, err := code.Sub(code.Reg(reg.RSP, size.SPtr), code.ConstWord(uint64(frameSize), size.SPtr))
				if err != nil {
					return nil, nil, err
				}
				out = append(out, code.Entry{Instr: subRsp})
			}
			spills, err := spillParams(lay)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, spills...)
			if lay.needsEh {
				init, err := bookkeepingStores(lay, code.RootBlock, code.RootPart)
				if err != nil {
					return nil, nil, err
				}
				out = append(out, init...)
			}
		case code.OpEpilog:
			// Any part still active on the fall-through path belongs to the
			// root block: a nested block is always closed by its own End
			// before control can reach here. Walk the root block's parts in
			// reverse creation order, each part's variables in reverse
			// declaration order, per spec.md §4's destruction-order rule.
			var seq []code.Entry
			parts := l.PartsOf(code.RootBlock)
			for i := len(parts) - 1; i >= 0; i-- {
				dtors, err := destructorEntries(l, l.VarsOf(parts[i]), lay, code.OnBlockExit)
				if err != nil {
					return nil, nil, err
				}
				seq = append(seq, dtors...)
			}

			movRsp, err := code.Mov(code.Reg(reg.RSP, size.SPtr), code.Reg(reg.RBP, size.SPtr))
			if err != nil {
				return nil, nil, err
			}
			popRbp, err := code.Pop(code.Reg(reg.RBP, size.SPtr))
			if err != nil {
				return nil, nil, err
			}
			ret, err := code.Ret()
			if err != nil {
				return nil, nil, err
			}
			seq = append(seq, code.Entry{Instr: movRsp})
			seq[0].Labels = append(seq[0].Labels, e.Labels...)
			out = append(out, seq...)
			out = append(out, code.Entry{Instr: popRbp})
			marks = append(marks, code.UnwindMark{Index: len(out) - 1, Kind: code.UnwindEpilog})
			out = append(out, code.Entry{Instr: ret})
		default:
			out = append(out, e)
		}
	}
	return out, marks, nil
}

func spillParams(lay frameLayout) ([]code.Entry, error) {
	var out []code.Entry
	for v, r := range lay.paramReg {
		loc, ok := lay.locations[v]
		if !ok {
			continue
		}
		dest := code.Relative(reg.RBP, loc, size.SPtr)
		mov, err := code.Mov(dest, code.Reg(r, size.SPtr))
		if err != nil {
			return nil, err
		}
		out = append(out, code.Entry{Instr: mov})
	}
	return out, nil
}

func roundUp16(v int64) uint32 {
	if v <= 0 {
		return 0
	}
	return (uint32(v) + 15) &^ 15
}

// destructorEntries emits, in reverse declaration order, a destructor Call
// for each variable in vars whose FreeOpt carries every bit of require and
// isn't Inactive or destructor-less, per spec.md §4's "reverse declaration
// within a part" ordering rule. A ByPointer variable's address is loaded
// with Lea; otherwise its value is moved directly into the argument
// register, matching the System V first-argument slot lowerCalls's own
// expansion uses.
func destructorEntries(l *code.Listing, vars []code.VarID, lay frameLayout, require code.FreeOpt) ([]code.Entry, error) {
	var out []code.Entry
	for i := len(vars) - 1; i >= 0; i-- {
		v := vars[i]
		freeFn := l.FreeFn(v)
		opt := l.FreeOpt(v)
		if freeFn.Kind() == code.OpNone || opt&require != require || opt&code.Inactive != 0 {
			continue
		}
		loc, ok := lay.locations[v]
		if !ok {
			return nil, &code.FrameError{Reason: fmt.Sprintf("variable %d has no assigned stack slot", v)}
		}

		var arg code.Instruction
		var err error
		if opt&code.ByPointer != 0 {
			arg, err = code.Lea(code.Reg(reg.RDI, size.SPtr), code.Relative(reg.RBP, loc, l.Size(v)))
		} else {
			arg, err = code.Mov(code.Reg(reg.RDI, l.Size(v)), code.Relative(reg.RBP, loc, l.Size(v)))
		}
		if err != nil {
			return nil, err
		}
		call, err := code.Call(freeFn)
		if err != nil {
			return nil, err
		}
		out = append(out, code.Entry{Instr: arg}, code.Entry{Instr: call})
	}
	return out, nil
}

// scope is one (block, part) pair a Begin/End nesting level is active under;
// expandBlockMarkers keeps a Go-side stack of these as it walks the entries
// in order so that End's restore target (the *enclosing* scope) is known at
// transform time, rather than needing a runtime save stack: Begin/End always
// nest like parentheses (spec.md §4's ordering guarantee), so a compile-time
// stack walk reconstructs the same nesting the running code will see.
type scope struct {
	block code.BlockID
	part  code.PartID
}

// bookkeepingStores emits the two hidden-slot writes spec.md §4.D.5
// describes ("write the block id into the reserved stack slot ... restore
// the previous block id"): one store for the active block id, one for the
// active part id.
func bookkeepingStores(lay frameLayout, block code.BlockID, part code.PartID) ([]code.Entry, error) {
	blockMov, err := code.Mov(code.Relative(reg.RBP, lay.blockSlot, size.SInt), code.ConstWord(uint64(block), size.SInt))
	if err != nil {
		return nil, err
	}
	partMov, err := code.Mov(code.Relative(reg.RBP, lay.partSlot, size.SInt), code.ConstWord(uint64(part), size.SInt))
	if err != nil {
		return nil, err
	}
	return []code.Entry{{Instr: blockMov}, {Instr: partMov}}, nil
}

// expandBlockMarkers lowers each Begin/End pair. End always emits destructor
// calls (spec.md §4.D/§5 "on endBlock, run destructors in reverse for
// variables whose onBlockExit is set") regardless of whether the frame
// carries a DWARF FDE; the hidden block-id/part-id bookkeeping stores are
// only needed, and only emitted, when this Listing also needs unwind
// support, and on End they restore the enclosing scope's ids rather than
// repeating the closing part's own id.
func expandBlockMarkers(l *code.Listing, entries []code.Entry, lay frameLayout) ([]code.Entry, error) {
	out := make([]code.Entry, 0, len(entries))
	stack := []scope{{block: code.RootBlock, part: code.RootPart}}

	for _, e := range entries {
		op := e.Instr.Op()
		if op != code.OpBegin && op != code.OpEnd {
			out = append(out, e)
			continue
		}

		part := e.Instr.Dest().Part()
		var seq []code.Entry

		switch op {
		case code.OpBegin:
			cur := scope{block: l.PartBlock(part), part: part}
			stack = append(stack, cur)
			if lay.needsEh {
				stores, err := bookkeepingStores(lay, cur.block, cur.part)
				if err != nil {
					return nil, err
				}
				seq = append(seq, stores...)
			}
		case code.OpEnd:
			dtors, err := destructorEntries(l, l.VarsOf(part), lay, code.OnBlockExit)
			if err != nil {
				return nil, err
			}
			seq = append(seq, dtors...)

			// The root scope has no enclosing scope: ending a root part
			// leaves it on the stack as its own restore target.
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			prev := stack[len(stack)-1]
			if lay.needsEh {
				stores, err := bookkeepingStores(lay, prev.block, prev.part)
				if err != nil {
					return nil, err
				}
				seq = append(seq, stores...)
			}
		}

		if len(seq) == 0 {
			if len(e.Labels) > 0 && len(out) > 0 {
				out[len(out)-1].Labels = append(out[len(out)-1].Labels, e.Labels...)
			}
			continue
		}
		seq[0].Labels = append(seq[0].Labels, e.Labels...)
		out = append(out, seq...)
	}
	return out, nil
}

// lowerCalls expands each FnParam*/FnCall run into the concrete System V
// sequence: the first six arguments move into rdi/rsi/rdx/rcx/r8/r9, any
// remaining arguments are pushed right-to-left, then the real Call
// instruction runs and rsp is corrected back if anything was pushed.
func lowerCalls(entries []code.Entry) ([]code.Entry, error) {
	out := make([]code.Entry, 0, len(entries))
	var pending []code.Entry

	for _, e := range entries {
		switch e.Instr.Op() {
		case code.OpFnParam, code.OpFnParamRef:
			pending = append(pending, e)
		case code.OpFnCall:
			seq, err := expandCall(pending, e)
			if err != nil {
				return nil, err
			}
			out = append(out, seq...)
			pending = nil
		default:
			out = append(out, e)
		}
	}
	return out, nil
}

func expandCall(params []code.Entry, call code.Entry) ([]code.Entry, error) {
	n := len(params)
	regArgs := n
	if regArgs > len(paramRegs) {
		regArgs = len(paramRegs)
	}

	var out []code.Entry
	for i := n - 1; i >= regArgs; i-- {
		push, err := code.Push(params[i].Instr.Src())
		if err != nil {
			return nil, err
		}
		out = append(out, code.Entry{Instr: push, Labels: params[i].Labels})
	}
	for i := 0; i < regArgs; i++ {
		src := params[i].Instr.Src()
		mov, err := code.Mov(code.Reg(paramRegs[i], src.Size()), src)
		if err != nil {
			return nil, err
		}
		out = append(out, code.Entry{Instr: mov, Labels: params[i].Labels})
	}

	callInstr, err := code.Call(call.Instr.Src())
	if err != nil {
		return nil, err
	}
	out = append(out, code.Entry{Instr: callInstr, Labels: call.Labels})

	if n > regArgs {
		extra := uint64(n-regArgs) * 8
		add, err := code.Add(code.Reg(reg.RSP, size.SPtr), code.ConstWord(extra, size.SPtr))
		if err != nil {
			return nil, err
		}
		out = append(out, code.Entry{Instr: add})
	}
	return out, nil
}

// Transform lowers l for x86-64: immediate/shift legalization, stack-slot
// assignment, then prolog/epilog and block-marker expansion. The input
// Listing is left untouched; every step above works on (and returns) a copy.
func (a Arena) Transform(l *code.Listing) (*code.Listing, error) {
	out := l.DeepCopy()
	lay := buildLayout(out)

	entries := out.Entries()

	live := code.Liveness(entries, a)
	entries, err := code.LegalizeImmediates(entries, scratch, live)
	if err != nil {
		return nil, err
	}

	entries, err = legalizeShiftCounts(entries)
	if err != nil {
		return nil, err
	}

	resolved := make([]code.Entry, len(entries))
	for i, e := range entries {
		instr, err := resolveInstr(e.Instr, lay)
		if err != nil {
			return nil, err
		}
		resolved[i] = code.Entry{Instr: instr, Labels: e.Labels}
	}

	resolved, err = lowerCalls(resolved)
	if err != nil {
		return nil, err
	}

	resolved, err = expandBlockMarkers(out, resolved, lay)
	if err != nil {
		return nil, err
	}
	resolved, marks, err := expandPrologEpilog(out, resolved, lay, out.IsMemberFn())
	if err != nil {
		return nil, err
	}

	out.SetEntries(resolved)
	out.SetFrameLayout(lay.localSize, lay.partSlot, lay.blockSlot)
	out.SetUnwindMarks(marks)
	return out, nil
}
