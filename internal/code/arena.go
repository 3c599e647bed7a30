package code

import "github.com/stormlang/codegen/internal/code/reg"

// Arena is the per-platform backend façade spec.md §6 exposes to
// front-ends: it knows how to lower a Listing for its target, drive the two
// output passes, and answer a handful of ABI questions the IR itself is
// agnostic to. internal/code/x86 and internal/code/x64 each implement one
// Arena.
type Arena interface {
	// Transform lowers l for this Arena's target: 64-bit splitting (x86
	// only), immediate-register legalization, stack layout, and
	// prolog/epilog/block expansion. Returns a new Listing; the input is
	// never mutated in place.
	Transform(l *Listing) (*Listing, error)

	// Output drives out over l's (already transformed) instruction stream,
	// in listing order, once per Entry.
	Output(l *Listing, out Emitter) error

	// LabelOutput creates a pass-1 emitter sized for this Arena's pointer
	// width.
	LabelOutput() *LabelOutput

	// CodeOutput creates a pass-2 emitter from pass 1's totals.
	CodeOutput(lo *LabelOutput, refMgr *RefManager, auxRefArray uintptr) *CodeOutput

	// RemoveFnRegs clears the caller-saved bits from live, leaving only the
	// callee-saved registers a call instruction must still treat as live
	// afterward (caller-saved registers the callee is free to clobber are
	// removed from the live-out set here, per spec.md §4.D's liveness
	// analysis hook).
	RemoveFnRegs(live reg.Set) reg.Set

	// PointerSize is 4 for x86, 8 for x64.
	PointerSize() uint32

	// Redirect builds a small trampoline Listing that tail-jumps to fn,
	// used for lazy compilation: a function's initial code object is a
	// redirect to the compiler, replaced with the real body once compiled.
	Redirect(fn RefHandle) *Listing

	// EngineRedirect is like Redirect, but also loads the engine pointer
	// into the first parameter register/slot before jumping, for entry
	// points that need to recover their owning engine without an explicit
	// parameter (vtable stubs).
	EngineRedirect(fn, engine RefHandle) *Listing

	// FirstParamID names the Frame parameter vtable stubs treat as "self"
	// (member functions only).
	FirstParamID() VarID

	// FirstParamLoc returns the concrete register/stack location of the
	// first parameter before a Listing has been transformed, for backends
	// that pass it specially (e.g. always in a fixed register).
	FirstParamLoc() Operand
}
