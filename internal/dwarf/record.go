// Package dwarf emits the CIE/FDE unwind records a DWARF(2)-based exception
// unwinder reads to walk generated stack frames, and the chunked table that
// indexes them by code address (spec.md §4.H/§4.I). It is grounded on
// original_source/Code/X64/DwarfEh.cpp (record emission: the "zRP"
// augmentation string, the CFA opcode stream a prolog/epilog/spill writes)
// and original_source/Code/X64/DwarfTable.cpp (the chunked, lock-protected,
// GC-tolerant allocator).
//
// This package never registers its records with the host's actual unwinder
// (that OS-specific personality-function plumbing is out of scope, per
// spec.md's Non-goals); it only builds the byte-accurate records and the
// table a personality routine would consult.
package dwarf

import (
	"github.com/stormlang/codegen/internal/code/reg"
	"github.com/stormlang/codegen/internal/code/size"
)

// DWARF call-frame-instruction opcodes actually emitted by this package; the
// full table has many more, but a prolog/epilog/spill sequence never needs
// them (see original_source/Code/X64/DwarfEh.cpp's #define block).
const (
	dwCfaAdvanceLoc      = 0x40
	dwCfaOffset           = 0x80
	dwCfaAdvanceLoc1      = 0x02
	dwCfaAdvanceLoc2      = 0x03
	dwCfaAdvanceLoc4      = 0x04
	dwCfaDefCfa           = 0x0C
	dwCfaDefCfaRegister   = 0x0D
	dwCfaDefCfaOffset     = 0x0E
)

const dwEhPeAbsPtr = 0x00

// dwarfRegister maps a general-purpose Register to its DWARF register
// number, which does not match the ModR/M register index amd64 uses.
var dwarfRegister = map[reg.Register]uint32{
	reg.RAX: 0, reg.RDX: 1, reg.RCX: 2, reg.RBX: 3,
	reg.RSI: 4, reg.RDI: 5, reg.RBP: 6, reg.RSP: 7,
	reg.R8: 8, reg.R9: 9, reg.R10: 10, reg.R11: 11,
	reg.R12: 12, reg.R13: 13, reg.R14: 14, reg.R15: 15,
}

// dwReturnAddress is the DWARF world's virtual "register" for the return
// address, per DW_REG_RA in the teacher's source.
const dwReturnAddress = 16

// CIEDataSize and FDEDataSize bound the augmentation/CFA-opcode buffers
// reserved inside every CIE/FDE; original_source sizes these via a
// CHUNK_COUNT/FDE_DATA pair defined outside the files retrieved for this
// port, so these are chosen generously for the opcode sequences FnInfo
// actually emits (at most a handful of advance+offset pairs per function).
const (
	CIEDataSize = 32
	FDEDataSize = 64
)

// putUleb appends value LEB128-encoded (unsigned), mirroring DStream::putUNum.
func putUleb(buf []byte, pos int, value uint64) int {
	for value >= 0x80 {
		buf[pos] = byte(value&0x7F) | 0x80
		pos++
		value >>= 7
	}
	buf[pos] = byte(value & 0x7F)
	return pos + 1
}

// putSleb appends value LEB128-encoded (signed), mirroring DStream::putSNum.
func putSleb(buf []byte, pos int, value int64) int {
	more := true
	for more {
		b := byte(value & 0x7F)
		value >>= 7
		signBitSet := b&0x40 != 0
		if (value == 0 && !signBitSet) || (value == -1 && signBitSet) {
			more = false
		} else {
			b |= 0x80
		}
		buf[pos] = b
		pos++
	}
	return pos
}

func putAdvance(buf []byte, pos int, bytes uint32) int {
	switch {
	case bytes <= 0x3F:
		buf[pos] = dwCfaAdvanceLoc + byte(bytes)
		return pos + 1
	case bytes <= 0xFF:
		buf[pos] = dwCfaAdvanceLoc1
		buf[pos+1] = byte(bytes)
		return pos + 2
	case bytes <= 0xFFFF:
		buf[pos] = dwCfaAdvanceLoc2
		buf[pos+1] = byte(bytes)
		buf[pos+2] = byte(bytes >> 8)
		return pos + 3
	default:
		buf[pos] = dwCfaAdvanceLoc4
		buf[pos+1] = byte(bytes)
		buf[pos+2] = byte(bytes >> 8)
		buf[pos+3] = byte(bytes >> 16)
		buf[pos+4] = byte(bytes >> 24)
		return pos + 5
	}
}

// CIE is the Common Information Entry shared by every FDE allocated from the
// same DwarfChunk: the augmentation string, alignment factors, and the
// initial `def_cfa rsp,8` / `offset ra,1` instructions every function starts
// from before its own prolog runs.
type CIE struct {
	ID      uint32
	Version byte
	Data    [CIEDataSize]byte
	Len     int
}

// Init fills in the "zRP" augmentation (a size prefix, a pointer-encoded FDE
// address, and a personality-function pointer) plus the starting CFA rule,
// per original_source's CIE::init.
func (c *CIE) Init(personality uintptr) {
	c.ID = 0
	c.Version = 1
	pos := 0
	pos = putByte(c.Data[:], pos, 'z')
	pos = putByte(c.Data[:], pos, 'R')
	pos = putByte(c.Data[:], pos, 'P')
	pos = putByte(c.Data[:], pos, 0)

	pos = putUleb(c.Data[:], pos, 1)   // code alignment factor
	pos = putSleb(c.Data[:], pos, -8)  // data alignment factor
	pos = putUleb(c.Data[:], pos, dwReturnAddress)

	pos = putUleb(c.Data[:], pos, uint64(2+size.SPtr.Current())) // augmentation data length
	pos = putByte(c.Data[:], pos, dwEhPeAbsPtr)
	pos = putByte(c.Data[:], pos, dwEhPeAbsPtr)
	pos = putPtr(c.Data[:], pos, uint64(personality))

	pos = putByte(c.Data[:], pos, dwCfaDefCfa)
	pos = putByte(c.Data[:], pos, byte(dwarfRegister[reg.RSP]))
	pos = putByte(c.Data[:], pos, 8)
	pos = putByte(c.Data[:], pos, dwCfaOffset+byte(dwReturnAddress))
	pos = putByte(c.Data[:], pos, 1)

	c.Len = pos
}

func putByte(buf []byte, pos int, b byte) int {
	buf[pos] = b
	return pos + 1
}

func putPtr(buf []byte, pos int, v uint64) int {
	for i := 0; i < 8; i++ {
		buf[pos+i] = byte(v >> (8 * i))
	}
	return pos + 8
}

// FDE is the Frame Description Entry for one generated function: its
// current code address/size (rewritten by updateFn whenever the GC moves
// the allocation) and the CFA opcode stream FnInfo builds describing how to
// recover the caller's frame at any code offset.
type FDE struct {
	cieOffset int32
	codeStart uintptr
	codeSize  uint32
	data      [FDEDataSize]byte
	used      int

	chunk    *DwarfChunk
	nextFree *FDE
	inUse    bool
}

// CodeStart returns the function address this FDE currently describes.
func (f *FDE) CodeStart() uintptr { return f.codeStart }

// CodeSize returns the function's current byte length.
func (f *FDE) CodeSize() uint32 { return f.codeSize }

func (f *FDE) contains(pc uintptr) bool {
	return f.codeStart <= pc && pc < f.codeStart+uintptr(f.codeSize)
}

// FnInfo accumulates the CFA opcode stream for one function's prolog,
// epilog, and callee-save spills as pass 2 emits them (x64.Arena's
// OutputWithUnwind), mirroring original_source's FnInfo. Reset must be
// called before any advance.
type FnInfo struct {
	target  *FDE
	lastPos uint32
}

// Reset points info at fde and clears the running "last position" cursor,
// done once per function right before pass 2 emits its code.
func (info *FnInfo) Reset(fde *FDE) {
	info.target = fde
	info.target.used = 0
	info.lastPos = 0
}

func (info *FnInfo) advance(pos uint32) {
	if pos < info.lastPos {
		panic("dwarf: FnInfo.advance called with a position behind the last one")
	}
	if pos > info.lastPos {
		info.target.used = putAdvance(info.target.data[:], info.target.used, pos-info.lastPos)
		info.lastPos = pos
	}
}

func (info *FnInfo) putOp1(op, arg byte) {
	info.target.used = putByte(info.target.data[:], info.target.used, op)
	info.target.used = putByte(info.target.data[:], info.target.used, arg)
}

func (info *FnInfo) putOp2(op, a1, a2 byte) {
	info.target.used = putByte(info.target.data[:], info.target.used, op)
	info.target.used = putByte(info.target.data[:], info.target.used, a1)
	info.target.used = putByte(info.target.data[:], info.target.used, a2)
}

// Prolog records the `push rbp; mov rbp,rsp` sequence ending at byte offset
// pos: the CFA temporarily moves to rsp+16 after the push, then pins to rbp
// once the frame pointer is established.
func (info *FnInfo) Prolog(pos uint32) {
	if pos < 4 {
		panic("dwarf: Prolog called before the minimum 4-byte push+mov sequence")
	}
	info.advance(pos - 3) // right after `push rbp`
	info.putOp1(dwCfaDefCfaOffset, 16)
	info.putOp1(dwCfaOffset+byte(dwarfRegister[reg.RBP]), 2)

	info.advance(pos) // right after `mov rbp, rsp`
	info.putOp1(dwCfaDefCfaRegister, byte(dwarfRegister[reg.RBP]))
}

// Epilog records the `mov rsp,rbp; pop rbp` sequence ending at byte offset
// pos: the CFA reverts to being rsp-relative since rbp no longer holds it.
func (info *FnInfo) Epilog(pos uint32) {
	if pos < 2 {
		panic("dwarf: Epilog called before the minimum 2-byte pop sequence")
	}
	info.advance(pos - 1)
	info.putOp2(dwCfaDefCfa, byte(dwarfRegister[reg.RSP]), 8)
}

// Preserve records that r was spilled to [rbp+offset] at byte offset pos, so
// an unwinder knows where to recover r's value for an enclosing frame.
func (info *FnInfo) Preserve(pos uint32, r reg.Register, offset size.Offset) {
	info.advance(pos)
	off := offset.Current()
	if off > -8 {
		panic("dwarf: Preserve requires a slot at or below rbp-8")
	}
	dwOff := uint32((-off + 16) / 8)
	info.putOp1(dwCfaOffset+byte(dwarfRegister[r]), byte(dwOff))
}
