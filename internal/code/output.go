package code

import (
	"encoding/binary"
	"fmt"

	"github.com/stormlang/codegen/internal/code/size"
)

// Emitter is the common interface the assembler (internal/asm/amd64,
// internal/asm/x86) writes through; implemented twice, by LabelOutput and
// CodeOutput, so the exact same encoding logic runs in both passes of the
// two-pass assembler. See spec.md §4.E.
type Emitter interface {
	PutByte(b byte)
	PutInt(v uint32)
	PutPtr(v uint64)
	// PutGcRefPlaceholder reserves width bytes for an embedded pointer of
	// the given kind, recording it in the GC reference side table (pass 2)
	// or simply accounting for its size (pass 1). val carries whatever
	// the kind needs to resolve its concrete bytes on patch: for RefRawPtr
	// and RefRelativePtr/RefRelative, val is the target address; for
	// RefInside, val is the in-allocation offset it points at.
	PutGcRefPlaceholder(kind GcRefKind, width uint32, val uintptr)
	MarkLabel(id Label) error
	LabelOffset(id Label) (uint32, bool)
	PutRelativeLabel(id Label) error
	PutAddressLabel(id Label) error
	PutRelativeRef(h RefHandle) error
	PutAddressRef(h RefHandle) error
	Pos() uint32
	ToRelative(h RefHandle) int32
}

// LabelOutput is assembler pass 1: a pure counting emitter that fixes every
// label's byte offset and totals the size and GC-reference count pass 2
// needs to allocate the real code object.
type LabelOutput struct {
	pos     uint32
	refs    uint32
	offsets map[Label]uint32
	ptrSize uint32
}

// NewLabelOutput creates a LabelOutput sized for the given pointer width
// (size.CurrentPtrSize for the host, or 4/8 to cross-assemble).
func NewLabelOutput(ptrSize uint32) *LabelOutput {
	return &LabelOutput{offsets: map[Label]uint32{}, ptrSize: ptrSize}
}

func (o *LabelOutput) PutByte(byte)   { o.pos++ }
func (o *LabelOutput) PutInt(uint32)  { o.pos += 4 }
func (o *LabelOutput) PutPtr(uint64)  { o.pos += o.ptrSize }
func (o *LabelOutput) Pos() uint32    { return o.pos }
func (o *LabelOutput) Size() uint32   { return o.pos }
func (o *LabelOutput) RefCount() uint32 { return o.refs }

func (o *LabelOutput) PutGcRefPlaceholder(_ GcRefKind, width uint32, _ uintptr) {
	o.pos += width
	o.refs++
}

// MarkLabel records the label's offset; marking twice is a
// DuplicateLabelError (the Listing layer already guards this on Mark, this
// is a second line of defense for constructing an Emitter directly).
func (o *LabelOutput) MarkLabel(id Label) error {
	if _, ok := o.offsets[id]; ok {
		return &DuplicateLabelError{Label: id}
	}
	o.offsets[id] = o.pos
	return nil
}

func (o *LabelOutput) LabelOffset(id Label) (uint32, bool) {
	v, ok := o.offsets[id]
	return v, ok
}

func (o *LabelOutput) PutRelativeLabel(id Label) error {
	if _, ok := o.offsets[id]; !ok {
		return &UnusedLabelError{Label: id}
	}
	o.pos += 4
	return nil
}

func (o *LabelOutput) PutAddressLabel(id Label) error {
	if _, ok := o.offsets[id]; !ok {
		return &UnusedLabelError{Label: id}
	}
	o.pos += o.ptrSize
	return nil
}

func (o *LabelOutput) PutRelativeRef(RefHandle) error {
	o.pos += 4
	o.refs++
	return nil
}

func (o *LabelOutput) PutAddressRef(RefHandle) error {
	o.pos += o.ptrSize
	o.refs++
	return nil
}

// ToRelative is never queried during the label-offset pass: spec.md §4.E.
func (o *LabelOutput) ToRelative(RefHandle) int32 {
	panic("code: LabelOutput.ToRelative must never be called during pass 1")
}

// CodeOutput is assembler pass 2: given the offsets and totals pass 1
// computed, it writes real machine bytes into a pre-sized buffer and
// populates the GC reference side table. Slot 0 is reserved for the DWARF
// unwindInfo reference (the FDE pointer); slot 1 for a raw pointer to this
// listing's auxiliary reference array, per spec.md §4.E.
type CodeOutput struct {
	code    []byte
	pos     uint32
	offsets map[Label]uint32
	refMgr  *RefManager
	ptrSize uint32
	table   GcCodeRefTable
}

// NewCodeOutput allocates (conceptually; see internal/platform for the
// real mmap-backed allocation) a code buffer of codeSize bytes and a
// reference table with capacity refCount+2, and pre-fills slots 0/1.
func NewCodeOutput(codeSize uint32, refCount uint32, offsets map[Label]uint32, refMgr *RefManager, ptrSize uint32, auxRefArray uintptr) *CodeOutput {
	o := &CodeOutput{
		code:    make([]byte, codeSize),
		offsets: offsets,
		refMgr:  refMgr,
		ptrSize: ptrSize,
	}
	o.table.Refs = make([]GcCodeRef, 2, refCount+2)
	o.table.Refs[0] = GcCodeRef{Kind: RefUnwindInfo}
	o.table.Refs[1] = GcCodeRef{Kind: RefRawPtr, Pointer: auxRefArray}
	o.table.RefCount = uint32(len(o.table.Refs))
	return o
}

// NewCodeOutputFrom builds a CodeOutput directly from a finished pass-1
// LabelOutput, the detail an Arena's CodeOutput method hands off without
// each backend needing to know LabelOutput's internal layout.
func NewCodeOutputFrom(lo *LabelOutput, refMgr *RefManager, auxRefArray uintptr) *CodeOutput {
	return NewCodeOutput(lo.pos, lo.refs, lo.offsets, refMgr, lo.ptrSize, auxRefArray)
}

// SetFDE stores the allocation's FDE pointer into reserved slot 0.
func (o *CodeOutput) SetFDE(fde uintptr) {
	o.table.Refs[0].Pointer = fde
}

func (o *CodeOutput) Code() []byte           { return o.code }
func (o *CodeOutput) RefTable() GcCodeRefTable { return o.table }
func (o *CodeOutput) Pos() uint32            { return o.pos }

func (o *CodeOutput) PutByte(b byte) {
	o.code[o.pos] = b
	o.pos++
}

func (o *CodeOutput) PutInt(v uint32) {
	binary.LittleEndian.PutUint32(o.code[o.pos:o.pos+4], v)
	o.pos += 4
}

func (o *CodeOutput) PutPtr(v uint64) {
	switch o.ptrSize {
	case 4:
		binary.LittleEndian.PutUint32(o.code[o.pos:o.pos+4], uint32(v))
	default:
		binary.LittleEndian.PutUint64(o.code[o.pos:o.pos+8], v)
	}
	o.pos += o.ptrSize
}

func (o *CodeOutput) PutGcRefPlaceholder(kind GcRefKind, width uint32, val uintptr) {
	o.table.Refs = append(o.table.Refs, GcCodeRef{Offset: o.pos, Kind: kind, Pointer: val})
	o.table.RefCount = uint32(len(o.table.Refs))
	for i := uint32(0); i < width; i++ {
		o.code[o.pos] = 0
		o.pos++
	}
}

// MarkLabel asserts pass 2's running position matches the offset pass 1
// already fixed for this label — spec.md §8 invariant 1/2 and §5 "Pass 2
// must produce identical sizes to Pass 1 (else InvalidValue)".
func (o *CodeOutput) MarkLabel(id Label) error {
	want, ok := o.offsets[id]
	if !ok {
		return &FrameError{Reason: fmt.Sprintf("label %d was not seen during the offset pass", id)}
	}
	if want != o.pos {
		return &InvalidValueError{Reason: fmt.Sprintf("label %d: pass 2 offset %d does not match pass 1 offset %d", id, o.pos, want)}
	}
	return nil
}

func (o *CodeOutput) LabelOffset(id Label) (uint32, bool) {
	v, ok := o.offsets[id]
	return v, ok
}

// PutRelativeLabel emits int32(labelOffset(id) - (currentPos + 4)).
func (o *CodeOutput) PutRelativeLabel(id Label) error {
	off, ok := o.offsets[id]
	if !ok {
		return &UnusedLabelError{Label: id}
	}
	rel := int32(off) - int32(o.pos+4)
	o.PutInt(uint32(rel))
	return nil
}

// PutAddressLabel records an "inside" reference at the label's offset and
// emits a pointer-sized placeholder; the patcher fills in code+offset.
func (o *CodeOutput) PutAddressLabel(id Label) error {
	off, ok := o.offsets[id]
	if !ok {
		return &UnusedLabelError{Label: id}
	}
	o.PutGcRefPlaceholder(RefInside, o.ptrSize, uintptr(off))
	return nil
}

// PutRelativeRef records a relativePtr reference and emits four zero bytes;
// the patcher computes the actual relative displacement on every move.
func (o *CodeOutput) PutRelativeRef(h RefHandle) error {
	addr := o.refMgr.Address(h)
	o.PutGcRefPlaceholder(RefRelativePtr, 4, addr)
	return nil
}

// PutAddressRef records a rawPtr reference and emits a pointer-sized zero.
func (o *CodeOutput) PutAddressRef(h RefHandle) error {
	addr := o.refMgr.Address(h)
	o.PutGcRefPlaceholder(RefRawPtr, o.ptrSize, addr)
	return nil
}

// ToRelative computes the relative displacement from the current position
// to a reference's resolved address (relative to the end of a 4-byte
// operand at the current position). internal/asm/amd64 does not call it: its
// jumps and calls always take the rel32 form.
func (o *CodeOutput) ToRelative(h RefHandle) int32 {
	addr := o.refMgr.Address(h)
	return int32(int64(addr) - int64(o.pos+4))
}

var _ Emitter = (*LabelOutput)(nil)
var _ Emitter = (*CodeOutput)(nil)

// CurrentPtrSize re-exports size.CurrentPtrSize for callers that only need
// the output layer and do not otherwise import internal/code/size.
var CurrentPtrSize = size.CurrentPtrSize
