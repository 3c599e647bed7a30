// Package x64 is the System V AMD64 backend Arena: natively 64-bit, so
// unlike internal/code/x86 it never needs the 64-bit-split transform pass,
// only immediate legalization, stack layout, and prolog/epilog expansion.
package x64

import (
	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

// paramRegs lists the System V AMD64 integer/pointer argument registers in
// order; a this-call member function's "self" parameter is simply
// parameter 0 and arrives in the same register any other first parameter
// would.
var paramRegs = []reg.Register{reg.RDI, reg.RSI, reg.RDX, reg.RCX, reg.R8, reg.R9}

// frameLayout is the result of walking a Listing's Frame once: every
// variable/parameter's resolved [rbp+off] location, the locals region's
// total size, and (when exception handling is needed) the two reserved
// hidden slots spec.md §4.D describes (the live block pointer and current
// part id an unwind pass reads to know which destructors still owe a run).
type frameLayout struct {
	locations map[code.VarID]size.Offset
	paramReg  map[code.VarID]reg.Register
	localSize size.Size
	partSlot  size.Offset
	blockSlot size.Offset
	needsEh   bool
}

// buildLayout assigns every declared variable a stack slot. Parameters take
// the positive offsets above the saved frame pointer the System V calling
// convention already fixed (the first six arrive in registers and are
// spilled to their slot by the prolog; the rest are already stack-resident
// at the caller's chosen offset). Locals grow downward from the frame
// pointer; sibling blocks (blocks that are not one another's ancestor) can
// never be live at the same time, so a child block's locals start at its
// parent's watermark and siblings reuse the same region rather than each
// claiming their own.
func buildLayout(l *code.Listing) frameLayout {
	lay := frameLayout{
		locations: map[code.VarID]size.Offset{},
		paramReg:  map[code.VarID]reg.Register{},
		needsEh:   l.EhClean(),
	}

	stackParamOffset := size.OffsetOf(size.New(16), false)
	for i, v := range l.Params() {
		if i < len(paramRegs) {
			lay.paramReg[v] = paramRegs[i]
		}
		lay.locations[v] = stackParamOffset
		stackParamOffset = stackParamOffset.Add(size.SPtr)
	}

	base := size.Zero
	if lay.needsEh {
		base = base.Add(size.SPtr)
		lay.blockSlot = size.OffsetOf(base, true)
		base = base.Add(size.SInt)
		lay.partSlot = size.OffsetOf(base, true)
	}

	lay.localSize = walkBlock(l, code.RootBlock, base, lay.locations)
	return lay
}

func walkBlock(l *code.Listing, block code.BlockID, base size.Size, locations map[code.VarID]size.Offset) size.Size {
	cursor := base
	for _, v := range l.AllVars(block) {
		if l.IsParam(v) {
			continue
		}
		cursor = cursor.Add(l.Size(v))
		locations[v] = size.OffsetOf(cursor, true)
	}

	widest := cursor
	for _, child := range l.ChildBlocks(block) {
		sub := walkBlock(l, child, cursor, locations)
		if sub.Size64() > widest.Size64() {
			widest = sub
		}
	}
	return widest
}
