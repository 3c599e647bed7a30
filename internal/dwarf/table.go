package dwarf

import (
	"sort"
	"sync"
	"sync/atomic"
)

// ChunkCount is the number of FDE slots per DwarfChunk. original_source tunes
// this externally (CHUNK_COUNT, defined outside the files retrieved for this
// port) to balance GC-scan cost against wasted slots; 512 is a reasonable
// middle ground for a managed runtime's typical function count per chunk.
const ChunkCount = 512

// DwarfChunk is a fixed-capacity FDE arena with an embedded free list and a
// binary-searchable index, grounded on original_source's DwarfChunk. All FDE
// slots share one CIE. The free list and the "owner" back-pointer that
// original_source overlaps in a union (since an FDE is only ever on the free
// list before first use) are instead two plain fields here — idiomatic Go
// has no safe equivalent to the teacher's BASE_PTR container-of trick, and a
// spare pointer field costs nothing a managed heap need account for.
type DwarfChunk struct {
	header  CIE
	entries [ChunkCount]FDE

	firstFree *FDE
	sorted    []*FDE
	// updated is false whenever alloc/free/updateFn touched an entry's
	// identity or address since the last Find rebuilt `sorted`; a zero value
	// forces the next Find to fall back to a linear rebuild-and-search.
	updated atomic.Bool
}

// NewDwarfChunk builds an empty chunk whose CIE's personality pointer is
// personality (the host unwinder's entry point; spec.md's Non-goals exclude
// actually wiring this into the OS unwind tables, so it is carried here only
// to keep the emitted CIE byte-accurate).
func NewDwarfChunk(personality uintptr) *DwarfChunk {
	c := &DwarfChunk{}
	c.header.Init(personality)

	for i := 0; i < ChunkCount-1; i++ {
		c.entries[i].nextFree = &c.entries[i+1]
	}
	c.firstFree = &c.entries[0]
	c.sorted = make([]*FDE, ChunkCount)
	c.updated.Store(true)
	return c
}

// Alloc claims a free FDE for fn (codeSize bytes), or returns nil if the
// chunk is full.
func (c *DwarfChunk) Alloc(fn uintptr, codeSize uint32) *FDE {
	if c.firstFree == nil {
		return nil
	}
	e := c.firstFree
	c.firstFree = e.nextFree

	e.nextFree = nil
	e.chunk = c
	e.inUse = true
	e.codeStart = fn
	e.codeSize = codeSize
	e.used = 0
	e.cieOffset = 0 // the CIE is reachable via e.chunk.header; no raw byte offset is meaningful without real eh_frame emission

	c.updated.Store(false)
	return e
}

// Free returns fde to the chunk's free list.
func (c *DwarfChunk) Free(fde *FDE) {
	if fde.chunk != c {
		panic("dwarf: Free called on an FDE owned by a different chunk")
	}
	fde.inUse = false
	fde.nextFree = c.firstFree
	c.firstFree = fde

	c.updated.Store(false)
}

// Find locates the FDE whose code range contains pc, rebuilding the sorted
// index first if anything has changed since it was last built.
func (c *DwarfChunk) Find(pc uintptr) *FDE {
	if !c.updated.Load() {
		return c.update(pc)
	}

	if result := c.search(pc); result != nil {
		return result
	}

	// The GC may have moved an FDE's codeStart mid-search, invalidating the
	// sort order without the caller observing a stale result; re-check and
	// fall back to the exhaustive rebuild exactly as original_source's
	// DwarfChunk::find does.
	if !c.updated.Load() {
		return c.update(pc)
	}
	return nil
}

func (c *DwarfChunk) search(pc uintptr) *FDE {
	n := len(c.sorted)
	idx := sort.Search(n, func(i int) bool {
		e := c.sorted[i]
		if e == nil {
			return true // nils are sorted to the high end; treat as "past pc"
		}
		return e.codeStart >= pc
	})

	if idx < n {
		if e := c.sorted[idx]; e != nil && e.contains(pc) {
			return e
		}
	}
	if idx > 0 {
		if e := c.sorted[idx-1]; e != nil && e.contains(pc) {
			return e
		}
	}
	return nil
}

func (c *DwarfChunk) update(pc uintptr) *FDE {
	var result *FDE
	used := 0
	for i := range c.entries {
		e := &c.entries[i]
		if !e.inUse {
			continue
		}
		c.sorted[used] = e
		used++
		if e.contains(pc) {
			result = e
		}
	}
	for i := used; i < len(c.sorted); i++ {
		c.sorted[i] = nil
	}

	// Mark updated before sorting: any identity/address change the GC makes
	// while the sort runs below must force the *next* Find to rebuild again,
	// exactly as original_source resets the flag before std::sort.
	c.updated.Store(true)

	sort.Slice(c.sorted[:used], func(i, j int) bool {
		return c.sorted[i].codeStart < c.sorted[j].codeStart
	})

	return result
}

// updateFn rewrites fde's code address (called after the GC relocates the
// function's allocation), invalidating the owning chunk's sorted index
// around the write so a concurrent Find never observes a half-updated
// ordering, mirroring DwarfChunk::updateFn's double atomicWrite(updated, 0).
func updateFn(fde *FDE, fn uintptr) {
	if fde.codeStart == fn {
		return
	}
	chunk := fde.chunk
	chunk.updated.Store(false)
	fde.codeStart = fn
	chunk.updated.Store(false)
}

// DwarfTable is the process-wide registry of DwarfChunks, grounded on
// original_source's DwarfTable: allocation, freeing and Find take a lock (the
// chunk structures themselves are not safe for concurrent mutation, and Find
// may rebuild a chunk's sorted index), so Find is not lock-free. Only the
// GC's own pointer updates (UpdateFn) skip this lock and rely on the atomic
// "updated" dance above instead.
type DwarfTable struct {
	mu          sync.Mutex
	chunks      []*DwarfChunk
	personality uintptr
}

// NewDwarfTable creates an empty table whose chunks will all share
// personality as their CIE's personality-routine pointer.
func NewDwarfTable(personality uintptr) *DwarfTable {
	return &DwarfTable{personality: personality}
}

// Alloc reserves a new FDE for the function at fn (codeSize bytes),
// allocating a fresh chunk if every existing one is full.
func (t *DwarfTable) Alloc(fn uintptr, codeSize uint32) *FDE {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.chunks) - 1; i >= 0; i-- {
		if fde := t.chunks[i].Alloc(fn, codeSize); fde != nil {
			return fde
		}
	}
	c := NewDwarfChunk(t.personality)
	t.chunks = append(t.chunks, c)
	return c.Alloc(fn, codeSize)
}

// Free releases fde back to its owning chunk.
func (t *DwarfTable) Free(fde *FDE) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fde.chunk.Free(fde)
}

// Find locates the FDE describing pc, or nil if none of this table's
// functions contains it.
func (t *DwarfTable) Find(pc uintptr) *FDE {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chunks {
		if fde := c.Find(pc); fde != nil {
			return fde
		}
	}
	return nil
}

// UpdateFn rewrites fde's code address after the GC relocates its function,
// for the reference patcher's RefUnwindInfo case (spec.md §4.G).
func UpdateFn(fde *FDE, fn uintptr) {
	if fde != nil {
		updateFn(fde, fn)
	}
}
