// Package codegen is the public entry point for this machine-code
// generation backend. Given a Listing built through internal/code's IR,
// Compile runs the full pipeline spec.md describes end to end: lowering
// (internal/code/x64), the two-pass assembler (internal/code's
// LabelOutput/CodeOutput), DWARF FDE registration (internal/dwarf) for
// listings that need unwind support, mapping an executable allocation
// (internal/platform), and patching every embedded reference
// (internal/code/patch) before handing back a ready-to-call Function.
//
// This mirrors tetratelabs-wazero's root package being a thin public façade
// in front of its internal engine packages, rather than exposing the
// pipeline stages directly to callers.
package codegen

import (
	"fmt"
	"unsafe"

	"github.com/stormlang/codegen/internal/code"
	"github.com/stormlang/codegen/internal/code/patch"
	"github.com/stormlang/codegen/internal/code/x64"
	"github.com/stormlang/codegen/internal/dwarf"
	"github.com/stormlang/codegen/internal/platform"
)

// Function is one compiled, patched, mapped-executable code object.
type Function struct {
	code       []byte
	table      code.GcCodeRefTable
	ptrSize    uint32
	fde        *dwarf.FDE
	dwarfTable *dwarf.DwarfTable
	addr       uintptr
}

// Code returns the function's current, patched, executable machine code.
// Callers must not retain a slice derived from it past a call to Relocate
// or Free.
func (f *Function) Code() []byte { return f.code }

// Addr returns the mapping's current base address.
func (f *Function) Addr() uintptr { return f.addr }

// Compile lowers l for amd64, assembles it through the two-pass assembler,
// registers a DWARF FDE when l needs unwind support (spec.md §3 "If any
// variable has a destructor ... the frame requires an exception handler"),
// patches every embedded reference against the final mapped address, and
// leaves the mapping executable.
//
// refMgr/auxRefArray forward to CodeOutput's external-reference resolution
// (spec.md §4.E reserved slot 1); pass nil/0 for a listing with no external
// references. dwarfTable is the process-wide registry new FDEs are
// allocated from, required only when l needs unwind support; share one
// *dwarf.DwarfTable across every Compile call the same unwinder must see.
func Compile(l *code.Listing, refMgr *code.RefManager, auxRefArray uintptr, dwarfTable *dwarf.DwarfTable) (*Function, error) {
	a := x64.Arena{}

	transformed, err := a.Transform(l)
	if err != nil {
		return nil, fmt.Errorf("codegen: transform: %w", err)
	}

	lo := a.LabelOutput()
	if err := a.Output(transformed, lo); err != nil {
		return nil, fmt.Errorf("codegen: pass 1: %w", err)
	}

	co := a.CodeOutput(lo, refMgr, auxRefArray)

	var fde *dwarf.FDE
	var info *dwarf.FnInfo
	if transformed.EhClean() {
		if dwarfTable == nil {
			return nil, fmt.Errorf("codegen: listing needs unwind support but no DwarfTable was given")
		}
		fde = dwarfTable.Alloc(0, lo.Size())
		info = &dwarf.FnInfo{}
		info.Reset(fde)
		co.SetFDE(uintptr(unsafe.Pointer(fde)))
	}

	if err := a.OutputWithUnwind(transformed, co, info); err != nil {
		return nil, fmt.Errorf("codegen: pass 2: %w", err)
	}

	mem, err := platform.AllocCode(len(co.Code()))
	if err != nil {
		return nil, fmt.Errorf("codegen: %w", err)
	}
	copy(mem, co.Code())
	codeAddr := uintptr(unsafe.Pointer(&mem[0]))

	if fde != nil {
		dwarf.UpdateFn(fde, codeAddr)
	}

	table := co.RefTable()
	if err := patch.Apply(mem, codeAddr, &table, a.PointerSize()); err != nil {
		_ = platform.FreeCode(mem)
		if fde != nil {
			dwarfTable.Free(fde)
		}
		return nil, fmt.Errorf("codegen: %w", err)
	}

	if err := platform.ProtectExecutable(mem); err != nil {
		_ = platform.FreeCode(mem)
		if fde != nil {
			dwarfTable.Free(fde)
		}
		return nil, fmt.Errorf("codegen: %w", err)
	}

	return &Function{
		code:       mem,
		table:      table,
		ptrSize:    a.PointerSize(),
		fde:        fde,
		dwarfTable: dwarfTable,
		addr:       codeAddr,
	}, nil
}

// Relocate re-patches f's references after the GC has moved its backing
// allocation to newMem (a mapping obtained the same way the original was,
// now holding a copy of f's bytes), updating f's DWARF FDE and every
// embedded reference to the new address before making it executable again.
func (f *Function) Relocate(newMem []byte) error {
	if len(newMem) != len(f.code) {
		return fmt.Errorf("codegen: relocate: size mismatch (%d vs %d)", len(newMem), len(f.code))
	}
	newAddr := uintptr(unsafe.Pointer(&newMem[0]))

	if f.fde != nil {
		dwarf.UpdateFn(f.fde, newAddr)
	}
	if err := platform.ProtectWritable(newMem); err != nil {
		return fmt.Errorf("codegen: relocate: %w", err)
	}
	if err := patch.Apply(newMem, newAddr, &f.table, f.ptrSize); err != nil {
		return fmt.Errorf("codegen: relocate: %w", err)
	}
	if err := platform.ProtectExecutable(newMem); err != nil {
		return fmt.Errorf("codegen: relocate: %w", err)
	}

	f.code = newMem
	f.addr = newAddr
	return nil
}

// Free releases f's executable mapping and its DWARF FDE, if any.
func (f *Function) Free() error {
	if f.fde != nil {
		f.dwarfTable.Free(f.fde)
	}
	return platform.FreeCode(f.code)
}
