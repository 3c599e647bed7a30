// Package patch implements the reference patcher: the routine the GC calls
// on every code allocation it relocates, rewriting each embedded pointer
// recorded in the allocation's GcCodeRefTable according to its GcRefKind
// (spec.md §4.G). It is grounded on original_source/Code/Refs.cpp (the
// per-kind dispatch shared across backends) and
// original_source/Code/X64/Refs.cpp's writeJump (the atomic 6-byte
// short/long jump rewrite).
package patch

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/dwarf"
)

// Apply rewrites every reference in table against codeBytes, which must be
// the exact code allocation the table describes (codeAddr is that
// allocation's current, post-move address). ptrSize selects the absolute
// pointer width rawPtr/inside use (4 or 8); relative displacements are
// always 4 bytes regardless, since both backends' relative call/jmp forms
// use a 32-bit displacement.
func Apply(codeBytes []byte, codeAddr uintptr, table *code.GcCodeRefTable, ptrSize uint32) error {
	for i := range table.Refs {
		if err := apply(codeBytes, codeAddr, &table.Refs[i], ptrSize); err != nil {
			return fmt.Errorf("patch: ref %d: %w", i, err)
		}
	}
	return nil
}

func apply(codeBytes []byte, codeAddr uintptr, ref *code.GcCodeRef, ptrSize uint32) error {
	switch ref.Kind {
	case code.RefDisabled:
		return nil
	case code.RefRawPtr:
		return writeAbsolute(codeBytes, ref.Offset, ptrSize, uint64(ref.Pointer))
	case code.RefRelativePtr, code.RefRelative:
		writeAddr := codeAddr + uintptr(ref.Offset)
		delta := int64(ref.Pointer) - int64(writeAddr+4)
		return writeRelative32(codeBytes, ref.Offset, delta)
	case code.RefInside:
		return writeAbsolute(codeBytes, ref.Offset, ptrSize, uint64(codeAddr)+uint64(ref.Pointer))
	case code.RefRelativeHere:
		// Unlike relativePtr, nothing follows the displacement in the
		// instructions this kind patches (see spec.md §3's GcCodeRef note),
		// so the relative base is the write position itself rather than
		// write position + 4.
		writeAddr := codeAddr + uintptr(ref.Offset)
		delta := int64(ref.Pointer) - int64(writeAddr)
		return writeRelative32(codeBytes, ref.Offset, delta)
	case code.RefJump:
		return writeJump(codeBytes, codeAddr, ref)
	case code.RefUnwindInfo:
		if ref.Pointer != 0 {
			fde := (*dwarf.FDE)(unsafe.Pointer(ref.Pointer))
			dwarf.UpdateFn(fde, codeAddr)
		}
		return nil
	default:
		return fmt.Errorf("unknown GcRefKind %d", ref.Kind)
	}
}

func writeAbsolute(codeBytes []byte, offset uint32, ptrSize uint32, value uint64) error {
	switch ptrSize {
	case 4:
		if uint64(value) > 0xFFFFFFFF {
			return fmt.Errorf("absolute value %#x does not fit a 4-byte pointer slot", value)
		}
		return storeUint32(codeBytes, offset, uint32(value))
	case 8:
		return storeUint64(codeBytes, offset, value)
	default:
		return fmt.Errorf("unsupported pointer size %d", ptrSize)
	}
}

func writeRelative32(codeBytes []byte, offset uint32, delta int64) error {
	if !fitsInt32(delta) {
		return fmt.Errorf("relative displacement %d does not fit a 32-bit operand", delta)
	}
	return storeUint32(codeBytes, offset, uint32(int32(delta)))
}

func fitsInt32(v int64) bool { return v >= -(1<<31) && v <= (1<<31)-1 }

func storeUint32(codeBytes []byte, offset uint32, v uint32) error {
	if int(offset)+4 > len(codeBytes) {
		return fmt.Errorf("offset %d out of range for a 4-byte write (len %d)", offset, len(codeBytes))
	}
	p := (*uint32)(unsafe.Pointer(&codeBytes[offset]))
	atomic.StoreUint32(p, v)
	return nil
}

func storeUint64(codeBytes []byte, offset uint32, v uint64) error {
	if int(offset)+8 > len(codeBytes) {
		return fmt.Errorf("offset %d out of range for an 8-byte write (len %d)", offset, len(codeBytes))
	}
	p := (*uint64)(unsafe.Pointer(&codeBytes[offset]))
	atomic.StoreUint64(p, v)
	return nil
}

// Short/long jump opcode words, keyed by the first two bytes at offset-2:
// the REX.W-padded short form (call `48 E8`, jmp `48 E9`) and the indirect
// long form (call `FF 15`, jmp `FF 25`). Both encode to the same 6-byte slot
// so switching forms never shifts a following instruction.
const (
	shortCallWord = 0xE848
	shortJmpWord  = 0xE948
	longCallWord  = 0x15FF
	longJmpWord   = 0x25FF
)

// writeJump implements spec.md §4.G's RefJump case: a 6-byte call/jmp patch
// point, rewritten as one atomic 8-byte word so no concurrently executing
// thread ever observes a torn instruction. ref.Offset points just past the
// opcode bytes, at the start of the 4-byte displacement, mirroring
// original_source's convention (`mem = code + ref.offset - 2`).
func writeJump(codeBytes []byte, codeAddr uintptr, ref *code.GcCodeRef) error {
	if ref.Offset < 2 {
		return fmt.Errorf("jump ref offset %d too small for the 2-byte opcode prefix", ref.Offset)
	}
	base := ref.Offset - 2
	if int(base)+8 > len(codeBytes) {
		return fmt.Errorf("jump patch window [%d,%d) out of range (len %d)", base, base+8, len(codeBytes))
	}
	word := (*uint64)(unsafe.Pointer(&codeBytes[base]))
	original := atomic.LoadUint64(word)

	var isCall bool
	switch original & 0xFFFF {
	case shortCallWord, longCallWord:
		isCall = true
	case shortJmpWord, longJmpWord:
		isCall = false
	default:
		return fmt.Errorf("unrecognized jump/call opcode bytes %#04x at offset %d", original&0xFFFF, base)
	}

	keepHigh := original & (uint64(0xFFFF) << 48)
	memAddr := codeAddr + uintptr(base)
	delta := int64(ref.Pointer) - int64(memAddr+6)

	var insert uint64
	if fitsInt32(delta) {
		if isCall {
			insert = shortCallWord
		} else {
			insert = shortJmpWord
		}
		insert |= uint64(uint32(int32(delta))) << 16
	} else {
		// The short form can't reach: point the indirect FF /4 or /2 form at
		// &ref.Pointer itself (stable as long as the GcCodeRefTable this ref
		// lives in isn't itself relocated) and let the CPU perform the final
		// indirection.
		refAddr := uintptr(unsafe.Pointer(ref))
		ptrFieldAddr := refAddr + unsafe.Offsetof(code.GcCodeRef{}.Pointer)
		indirectDelta := int64(ptrFieldAddr) - int64(memAddr+6)
		if !fitsInt32(indirectDelta) {
			return fmt.Errorf("indirect jump displacement %d does not fit a 32-bit operand", indirectDelta)
		}
		if isCall {
			insert = longCallWord
		} else {
			insert = longJmpWord
		}
		insert |= uint64(uint32(int32(indirectDelta))) << 16
	}
	insert |= keepHigh

	atomic.StoreUint64(word, insert)
	return nil
}
