package x64

import (
	"github.com/stormlang/codegen/internal/asm/amd64"
	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
	"github.com/stormlang/codegen/internal/dwarf"
)

// LabelOutput creates a pass-1 emitter for the 8-byte pointer width.
func (Arena) LabelOutput() *code.LabelOutput { return code.NewLabelOutput(8) }

// CodeOutput creates a pass-2 emitter from pass 1's totals.
func (Arena) CodeOutput(lo *code.LabelOutput, refMgr *code.RefManager, auxRefArray uintptr) *code.CodeOutput {
	return code.NewCodeOutputFrom(lo, refMgr, auxRefArray)
}

// Output drives out over l's (already Transform'd) entries, in order,
// marking every label this entry owns before encoding its instruction.
func (a Arena) Output(l *code.Listing, out code.Emitter) error {
	for _, e := range l.Entries() {
		for _, lbl := range e.Labels {
			if err := out.MarkLabel(lbl); err != nil {
				return err
			}
		}
		if err := amd64.Emit(out, e.Instr, a.PointerSize()); err != nil {
			return err
		}
	}
	for _, lbl := range l.TrailingLabels() {
		if err := out.MarkLabel(lbl); err != nil {
			return err
		}
	}
	return nil
}

// OutputWithUnwind is Output, plus driving info's FnInfo state machine at
// every prolog/epilog transition a Transform pass recorded via
// l.UnwindMarks() (spec.md §4.H). Pass info only for a Listing whose frame
// actually needs unwind support (code.Frame.ExceptionHandlerNeeded or
// l.EhCatch()); a nil info behaves exactly like Output.
func (a Arena) OutputWithUnwind(l *code.Listing, out code.Emitter, info *dwarf.FnInfo) error {
	marks := l.UnwindMarks()
	next := 0

	for i, e := range l.Entries() {
		for _, lbl := range e.Labels {
			if err := out.MarkLabel(lbl); err != nil {
				return err
			}
		}
		if err := amd64.Emit(out, e.Instr, a.PointerSize()); err != nil {
			return err
		}
		for info != nil && next < len(marks) && marks[next].Index == i {
			switch marks[next].Kind {
			case code.UnwindProlog:
				info.Prolog(out.Pos())
			case code.UnwindEpilog:
				info.Epilog(out.Pos())
			}
			next++
		}
	}
	for _, lbl := range l.TrailingLabels() {
		if err := out.MarkLabel(lbl); err != nil {
			return err
		}
	}
	return nil
}

// Redirect builds a tail-jump trampoline Listing: `jmp fn`, used as a
// function's initial code object for lazy compilation (the engine replaces
// it with the real body once compiled).
func (Arena) Redirect(fn code.RefHandle) *code.Listing {
	l := code.NewListing(false, code.None, false)
	jmp, err := code.Jmp(code.ReferenceOperand(fn), code.CondAlways)
	if err != nil {
		panic(err) // a reference jump is always a legal shape; see code.Jmp
	}
	l.Add(jmp)
	return l
}

// EngineRedirect is like Redirect, but first loads the engine pointer into
// the first parameter register, for vtable stub entry points that need to
// recover their owning engine without an explicit parameter.
func (Arena) EngineRedirect(fn, engine code.RefHandle) *code.Listing {
	l := code.NewListing(false, code.None, false)
	mov, err := code.Mov(code.Reg(reg.RDI, size.SPtr), code.ReferenceOperand(engine))
	if err != nil {
		panic(err)
	}
	jmp, err := code.Jmp(code.ReferenceOperand(fn), code.CondAlways)
	if err != nil {
		panic(err)
	}
	l.Add(mov)
	l.Add(jmp)
	return l
}
