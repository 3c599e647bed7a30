// Package platform maps and unmaps the executable code allocations this
// backend's CodeOutput writes into (spec.md §4.E/§6's "allocCode"), grounded
// on tetratelabs-wazero's internal/platform.MmapCodeSegment/MunmapCodeSegment
// (whose behavior, including the documented zero-length panics, is visible
// in mmap_test.go even though the retrieval pack does not carry the
// implementation file itself).
package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocCode reserves a size-byte RW mapping a Listing's machine code gets
// written into before patch.Apply runs; the GcCodeRefTable is not copied into
// it. The mapping starts
// writable, not executable: ProtectExecutable must run after every reference
// in the table has been patched, matching the write-then-patch-then-execute
// ordering spec.md's code allocation requires.
func AllocCode(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: AllocCode with zero length")
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// ProtectExecutable flips code from writable to executable, called once
// patch.Apply has finished rewriting every GcCodeRef in it. W^X: the mapping
// is never simultaneously writable and executable.
func ProtectExecutable(code []byte) error {
	if len(code) == 0 {
		panic("BUG: ProtectExecutable with zero length")
	}
	if err := unix.Mprotect(code, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("platform: mprotect executable: %w", err)
	}
	return nil
}

// ProtectWritable flips code back to writable, needed when the GC relocates
// a function's allocation and patch.Apply must rewrite its references again
// in place before ProtectExecutable runs a second time.
func ProtectWritable(code []byte) error {
	if len(code) == 0 {
		panic("BUG: ProtectWritable with zero length")
	}
	if err := unix.Mprotect(code, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("platform: mprotect writable: %w", err)
	}
	return nil
}

// FreeCode releases a mapping obtained from AllocCode.
func FreeCode(code []byte) error {
	if len(code) == 0 {
		panic("BUG: FreeCode with zero length")
	}
	if err := unix.Munmap(code); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}
