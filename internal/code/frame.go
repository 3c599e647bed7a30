package code

import (
	"github.com/stormlang/codegen/internal/code/size"
)

// BlockID, PartID, and VarID are the dense integer handles spec.md §3
// "Frame" describes: identifiers are stable once allocated and never
// destroyed.
type BlockID uint32
type PartID uint32
type VarID uint32

// RootBlock and RootPart are both id 0: the root block is its own first
// part, per spec.md §3 "A block is itself a Part (its first)".
const (
	RootBlock BlockID = 0
	RootPart  PartID  = 0
)

// FreeOpt controls when and how a variable's destructor runs, mirroring
// original_source/Code/Frame.h's FreeOpt bitmask (freeOnException,
// freeOnBlockExit, freePtr) plus the "inactive" bit spec.md §3 adds for
// variables not yet live (e.g. a local before its initializer runs).
type FreeOpt byte

const (
	FreeNone FreeOpt = 0
	// OnException: call the destructor while unwinding past this variable.
	OnException FreeOpt = 1 << 0
	// OnBlockExit: call the destructor on normal control flow leaving the
	// variable's block.
	OnBlockExit FreeOpt = 1 << 1
	// ByPointer: pass a pointer to the variable's slot rather than its value.
	// Mandatory for any variable larger than 8 bytes that has a destructor.
	ByPointer FreeOpt = 1 << 2
	// Inactive: the variable has been declared but is not yet considered
	// live (used before an initializer has run); destructors do not fire
	// for an inactive variable.
	Inactive FreeOpt = 1 << 3

	FreeOnBoth = OnException | OnBlockExit
)

type blockInfo struct {
	parent     BlockID
	hasParent  bool
	partsOrder []PartID
}

type partInfo struct {
	block BlockID
	vars  []VarID
}

type varInfo struct {
	part    PartID
	block   BlockID
	size    size.Size
	freeFn  Operand
	freeOpt FreeOpt
	isParam bool
}

// Frame is the lexical-scope tree of one Listing: blocks, the parts that
// subdivide them, and the variables (plus parameters) declared within each
// part. See spec.md §3 "Frame (Blocks, Parts, Variables)".
type Frame struct {
	blocks   map[BlockID]*blockInfo
	parts    map[PartID]*partInfo
	vars     map[VarID]*varInfo
	params   []VarID
	children map[BlockID][]BlockID

	nextBlock BlockID
	nextPart  PartID
	nextVar   VarID
}

// NewFrame creates a Frame with only the root block/part, matching
// Frame::root() in the original.
func NewFrame() *Frame {
	f := &Frame{
		blocks:   map[BlockID]*blockInfo{},
		parts:    map[PartID]*partInfo{},
		vars:     map[VarID]*varInfo{},
		children: map[BlockID][]BlockID{},
	}
	f.blocks[RootBlock] = &blockInfo{partsOrder: []PartID{RootPart}}
	f.parts[RootPart] = &partInfo{block: RootBlock}
	f.nextBlock = 1
	f.nextPart = 1
	f.nextVar = 1
	return f
}

// CreateBlock creates a new child block of parent, itself beginning with one
// Part (its first).
func (f *Frame) CreateBlock(parent BlockID) (BlockID, error) {
	if _, ok := f.blocks[parent]; !ok {
		return 0, &FrameError{Reason: "createBlock: parent block does not exist"}
	}
	id := f.nextBlock
	f.nextBlock++
	part := f.nextPart
	f.nextPart++
	f.parts[part] = &partInfo{block: id}
	f.blocks[id] = &blockInfo{parent: parent, hasParent: true, partsOrder: []PartID{part}}
	f.children[parent] = append(f.children[parent], id)
	return id, nil
}

// ChildBlocks returns the direct children of parent, in creation order, for
// a Transform pass's recursive stack-layout walk (spec.md §4.D).
func (f *Frame) ChildBlocks(parent BlockID) []BlockID {
	return append([]BlockID(nil), f.children[parent]...)
}

// CreatePart walks to the last Part in before's block chain and appends a
// new Part there, per spec.md §4.C.
func (f *Frame) CreatePart(before PartID) (PartID, error) {
	bp, ok := f.parts[before]
	if !ok {
		return 0, &FrameError{Reason: "createPart: part does not exist"}
	}
	id := f.nextPart
	f.nextPart++
	f.parts[id] = &partInfo{block: bp.block}
	bi := f.blocks[bp.block]
	bi.partsOrder = append(bi.partsOrder, id)
	return id, nil
}

// CreateVar appends a new variable to part. freeFn is None for a variable
// with no destructor. Returns FrameError if a >8-byte variable declares a
// destructor without ByPointer set (spec.md §3 invariant).
func (f *Frame) CreateVar(part PartID, sz size.Size, freeFn Operand, opt FreeOpt) (VarID, error) {
	pi, ok := f.parts[part]
	if !ok {
		return 0, &FrameError{Reason: "createVar: part does not exist"}
	}
	if freeFn.Kind() != OpNone && (sz.Size32() > 8 || sz.Size64() > 8) && opt&ByPointer == 0 {
		return 0, &FrameError{Reason: "variables larger than 8 bytes must set ByPointer to use a destructor"}
	}
	id := f.nextVar
	f.nextVar++
	f.vars[id] = &varInfo{part: part, block: pi.block, size: sz, freeFn: freeFn, freeOpt: opt}
	pi.vars = append(pi.vars, id)
	return id, nil
}

// CreateParam appends a parameter to the root part, in call order.
func (f *Frame) CreateParam(sz size.Size, freeFn Operand, opt FreeOpt) (VarID, error) {
	if freeFn.Kind() != OpNone && (sz.Size32() > 8 || sz.Size64() > 8) && opt&ByPointer == 0 {
		return 0, &FrameError{Reason: "parameters larger than 8 bytes must set ByPointer to use a destructor"}
	}
	id := f.nextVar
	f.nextVar++
	f.vars[id] = &varInfo{part: RootPart, block: RootBlock, size: sz, freeFn: freeFn, freeOpt: opt, isParam: true}
	f.params = append(f.params, id)
	return id, nil
}

// MoveParam reorders the parameter list, relocating v to index i.
func (f *Frame) MoveParam(v VarID, i int) error {
	vi, ok := f.vars[v]
	if !ok || !vi.isParam {
		return &FrameError{Reason: "moveParam: not a parameter"}
	}
	if i < 0 || i >= len(f.params) {
		return &FrameError{Reason: "moveParam: index out of range"}
	}
	cur := -1
	for idx, p := range f.params {
		if p == v {
			cur = idx
			break
		}
	}
	rest := append(f.params[:cur:cur], f.params[cur+1:]...)
	out := make([]VarID, 0, len(f.params))
	out = append(out, rest[:i]...)
	out = append(out, v)
	out = append(out, rest[i:]...)
	f.params = out
	return nil
}

// Delay moves local variable v to a later Part within its own block. Error
// if the target is a parameter, belongs to a different block, or does not
// come strictly after v's current Part.
func (f *Frame) Delay(v VarID, target PartID) error {
	vi, ok := f.vars[v]
	if !ok || vi.isParam {
		return &FrameError{Reason: "delay: not a local variable"}
	}
	tp, ok := f.parts[target]
	if !ok || tp.block != vi.block {
		return &FrameError{Reason: "delay: target part is not in the same block"}
	}
	bi := f.blocks[vi.block]
	curIdx, tgtIdx := -1, -1
	for idx, p := range bi.partsOrder {
		if p == vi.part {
			curIdx = idx
		}
		if p == target {
			tgtIdx = idx
		}
	}
	if tgtIdx <= curIdx {
		return &FrameError{Reason: "delay: target part must come strictly after the variable's current part"}
	}
	oldVars := f.parts[vi.part].vars
	for idx, id := range oldVars {
		if id == v {
			f.parts[vi.part].vars = append(oldVars[:idx:idx], oldVars[idx+1:]...)
			break
		}
	}
	tp.vars = append(tp.vars, v)
	vi.part = target
	return nil
}

// Size returns a variable's declared size.
func (f *Frame) Size(v VarID) size.Size { return f.vars[v].size }

// IsParam reports whether v is a parameter.
func (f *Frame) IsParam(v VarID) bool { return f.vars[v].isParam }

// FreeFn returns the destructor operand for v (None if it has none).
func (f *Frame) FreeFn(v VarID) Operand { return f.vars[v].freeFn }

// FreeOpt returns v's FreeOpt bitmask.
func (f *Frame) FreeOpt(v VarID) FreeOpt { return f.vars[v].freeOpt }

// VarBlock and PartBlock return the block v (or part p) belongs to.
func (f *Frame) VarBlock(v VarID) BlockID { return f.vars[v].block }
func (f *Frame) PartBlock(p PartID) BlockID { return f.parts[p].block }

// ParentBlock returns b's parent and whether one exists (false only for the
// root block).
func (f *Frame) ParentBlock(b BlockID) (BlockID, bool) {
	bi := f.blocks[b]
	return bi.parent, bi.hasParent
}

// Prev implements spec.md §4.C's prev(v) query: well-founded and
// terminating (testable property 3), since it always walks a strictly
// decreasing index within one finite Part chain, or the finite parameter
// list.
func (f *Frame) Prev(v VarID) (VarID, bool) {
	vi := f.vars[v]
	if vi.isParam {
		for idx, p := range f.params {
			if p == v {
				if idx == 0 {
					return 0, false
				}
				return f.params[idx-1], true
			}
		}
		return 0, false
	}

	part := f.parts[vi.part]
	for idx, id := range part.vars {
		if id == v && idx > 0 {
			return part.vars[idx-1], true
		}
	}

	bi := f.blocks[vi.block]
	partIdx := -1
	for idx, p := range bi.partsOrder {
		if p == vi.part {
			partIdx = idx
			break
		}
	}
	for i := partIdx - 1; i >= 0; i-- {
		cand := f.parts[bi.partsOrder[i]]
		if len(cand.vars) > 0 {
			return cand.vars[len(cand.vars)-1], true
		}
	}
	return 0, false
}

func (f *Frame) partIndex(p PartID) int {
	block := f.parts[p].block
	for idx, id := range f.blocks[block].partsOrder {
		if id == p {
			return idx
		}
	}
	return -1
}

func (f *Frame) isAncestorBlock(ancestor, of BlockID) bool {
	cur := of
	for {
		bi, ok := f.blocks[cur]
		if !ok || !bi.hasParent {
			return false
		}
		if bi.parent == ancestor {
			return true
		}
		cur = bi.parent
	}
}

// Accessible implements spec.md §3's accessibility invariant: v's block must
// be p's block or a (transitive) ancestor of it, and if they're the same
// block, v's Part must not come after p in that block's Part chain.
func (f *Frame) Accessible(v VarID, p PartID) bool {
	vi, ok := f.vars[v]
	if !ok {
		return false
	}
	pi, ok := f.parts[p]
	if !ok {
		return false
	}
	if vi.isParam {
		return f.isAncestorBlock(RootBlock, pi.block) || pi.block == RootBlock
	}
	if vi.block == pi.block {
		return f.partIndex(vi.part) <= f.partIndex(p)
	}
	return f.isAncestorBlock(vi.block, pi.block)
}

// AllVars returns every variable (and, for the root block, every parameter)
// visible within block's own Part chain, in declaration order.
func (f *Frame) AllVars(block BlockID) []VarID {
	bi, ok := f.blocks[block]
	if !ok {
		return nil
	}
	var out []VarID
	for _, p := range bi.partsOrder {
		out = append(out, f.parts[p].vars...)
	}
	if block == RootBlock {
		out = append(out, f.params...)
	}
	return out
}

// Params returns the parameter list in call order.
func (f *Frame) Params() []VarID { return append([]VarID(nil), f.params...) }

// PartsOf returns block's Part chain in creation order.
func (f *Frame) PartsOf(block BlockID) []PartID {
	bi := f.blocks[block]
	return append([]PartID(nil), bi.partsOrder...)
}

// VarsOf returns the variables declared directly in part (not its block's
// other parts).
func (f *Frame) VarsOf(part PartID) []VarID {
	return append([]VarID(nil), f.parts[part].vars...)
}

// deepCopy returns an independent Frame with identical block/part/variable
// structure and ids, used by Listing.DeepCopy.
func (f *Frame) deepCopy() *Frame {
	out := &Frame{
		blocks:    map[BlockID]*blockInfo{},
		parts:     map[PartID]*partInfo{},
		vars:      map[VarID]*varInfo{},
		params:    append([]VarID(nil), f.params...),
		children:  map[BlockID][]BlockID{},
		nextBlock: f.nextBlock,
		nextPart:  f.nextPart,
		nextVar:   f.nextVar,
	}
	for id, kids := range f.children {
		out.children[id] = append([]BlockID(nil), kids...)
	}
	for id, bi := range f.blocks {
		out.blocks[id] = &blockInfo{parent: bi.parent, hasParent: bi.hasParent, partsOrder: append([]PartID(nil), bi.partsOrder...)}
	}
	for id, pi := range f.parts {
		out.parts[id] = &partInfo{block: pi.block, vars: append([]VarID(nil), pi.vars...)}
	}
	for id, vi := range f.vars {
		cp := *vi
		out.vars[id] = &cp
	}
	return out
}

// ExceptionHandlerNeeded reports whether any variable has a destructor that
// must run OnException, which forces the Listing to carry a DWARF FDE with
// a personality function.
func (f *Frame) ExceptionHandlerNeeded() bool {
	for _, vi := range f.vars {
		if vi.freeFn.Kind() != OpNone && vi.freeOpt&OnException != 0 {
			return true
		}
	}
	return false
}
