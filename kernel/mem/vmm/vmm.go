// Package vmm implements the kernel's paging manager: a flat, 2-level
// (page directory + page table) 32-bit address space, managed as a "chunk"
// per the boot-time and per-task memory layout. Every chunk is built eagerly
// against a single backing allocator (the kernel heap); there is no demand
// paging, no recursive page-directory trick and no separate physical frame
// allocator.
package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"unsafe"
)

const entriesPerTable = 1024

// tableSize is the byte size of both a page directory and a page table:
// 1024 32-bit entries.
const tableSize = uintptr(entriesPerTable) * 4

// AllocatorFn allocates a zero-filled, page-aligned block of physical
// memory of the given size. The kernel wires this to the heap's Zalloc
// during boot; tests wire it to plain Go-allocated buffers.
type AllocatorFn func(size uintptr) (uintptr, *kernel.Error)

// FreerFn releases a block of memory previously returned by an AllocatorFn.
type FreerFn func(addr uintptr)

var (
	allocFn AllocatorFn
	freeFn  FreerFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	switchPageDirectoryFn = cpu.SwitchPageDirectory
	flushTLBEntryFn       = cpu.FlushTLBEntry

	errNoAllocator = &kernel.Error{Module: "vmm", Message: "no allocator registered"}
)

// SetAllocator registers the allocator used to back new page directories
// and page tables.
func SetAllocator(fn AllocatorFn) {
	allocFn = fn
}

// SetFreer registers the function used to release a chunk's page directory
// and page tables. It may be left nil, in which case Free is a no-op (the
// kernel never frees its own boot-time chunk).
func SetFreer(fn FreerFn) {
	freeFn = fn
}

// Chunk is an address space: a page directory and the 1024 page tables it
// references.
type Chunk struct {
	// DirectoryAddr is the physical address of the page directory. It is
	// what gets loaded into CR3 by Switch.
	DirectoryAddr uintptr
}

// table reinterprets a physical address as a 1024-entry page
// directory/table. Both levels share the same on-disk layout.
func table(addr uintptr) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(addr))
}

// activeChunk is the chunk last installed via Switch.
var activeChunk *Chunk

// Active returns the chunk most recently installed via Switch, or nil if
// none has been installed yet.
func Active() *Chunk {
	return activeChunk
}

// New allocates a page directory and all 1024 page tables for a fresh
// address space and identity-maps the entire 4 GiB range: virtual page i is
// mapped to physical page i with flags|FlagWritable|FlagPresent. Callers
// narrow this down afterwards with Map/MapRange/MapTo to reflect a task's
// actual memory layout.
func New(flags PageTableEntryFlag) (*Chunk, *kernel.Error) {
	if allocFn == nil {
		return nil, errNoAllocator
	}

	dirAddr, err := allocFn(tableSize)
	if err != nil {
		return nil, err
	}
	dir := table(dirAddr)

	mapFlags := flags | FlagWritable | FlagPresent
	for i := 0; i < entriesPerTable; i++ {
		tblAddr, err := allocFn(tableSize)
		if err != nil {
			return nil, err
		}
		tbl := table(tblAddr)

		for j := 0; j < entriesPerTable; j++ {
			pageAddr := uintptr(i*entriesPerTable+j) * uintptr(mem.PageSize)
			var pte pageTableEntry
			pte.SetFrameAddr(pageAddr)
			pte.SetFlags(mapFlags)
			tbl[j] = pte
		}

		var dirEntry pageTableEntry
		dirEntry.SetFrameAddr(tblAddr)
		dirEntry.SetFlags(mapFlags)
		dir[i] = dirEntry
	}

	return &Chunk{DirectoryAddr: dirAddr}, nil
}

// Free releases every page table referenced by the chunk's directory and
// the directory itself.
func Free(c *Chunk) {
	if freeFn == nil || c == nil {
		return
	}

	dir := table(c.DirectoryAddr)
	for i := 0; i < entriesPerTable; i++ {
		if dir[i].HasFlags(FlagPresent) {
			freeFn(dir[i].FrameAddr())
		}
	}
	freeFn(c.DirectoryAddr)
}

// Switch loads CR3 with the chunk's page directory and records it as the
// active chunk.
func Switch(c *Chunk) {
	activeChunk = c
	switchPageDirectoryFn(uint32(c.DirectoryAddr))
}

// AlignDown rounds p down to the nearest page boundary.
func AlignDown(p uintptr) uintptr {
	return p &^ (uintptr(mem.PageSize) - 1)
}

// AlignUp rounds p up to the nearest page boundary.
func AlignUp(p uintptr) uintptr {
	return AlignDown(p+uintptr(mem.PageSize)-1)
}

func pageIndices(vaddr uintptr) (dirIndex, tblIndex uintptr) {
	dirIndex = vaddr >> 22
	tblIndex = (vaddr >> 12) & (entriesPerTable - 1)
	return
}

// Map writes a single page table entry mapping vaddr to paddr in the given
// chunk. Both addresses must be page-aligned.
func Map(c *Chunk, vaddr, paddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if vaddr%uintptr(mem.PageSize) != 0 || paddr%uintptr(mem.PageSize) != 0 {
		return kernel.ErrInvalidArgument
	}

	dirIndex, tblIndex := pageIndices(vaddr)
	dir := table(c.DirectoryAddr)
	tbl := table(dir[dirIndex].FrameAddr())

	var pte pageTableEntry
	pte.SetFrameAddr(paddr)
	pte.SetFlags(flags | FlagPresent)
	tbl[tblIndex] = pte

	if c == activeChunk {
		flushTLBEntryFn(vaddr)
	}
	return nil
}

// MapRange maps n contiguous pages starting at vaddr/paddr.
func MapRange(c *Chunk, vaddr, paddr uintptr, n uintptr, flags PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < n; i++ {
		off := i * uintptr(mem.PageSize)
		if err := Map(c, vaddr+off, paddr+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// MapTo maps the physical range [paddrBegin, paddrEnd) starting at vaddr.
// All three addresses must be page-aligned and paddrEnd must not precede
// paddrBegin.
func MapTo(c *Chunk, vaddr, paddrBegin, paddrEnd uintptr, flags PageTableEntryFlag) *kernel.Error {
	if vaddr%uintptr(mem.PageSize) != 0 || paddrBegin%uintptr(mem.PageSize) != 0 || paddrEnd%uintptr(mem.PageSize) != 0 {
		return kernel.ErrInvalidArgument
	}
	if paddrEnd < paddrBegin {
		return kernel.ErrInvalidArgument
	}

	n := (paddrEnd - paddrBegin) / uintptr(mem.PageSize)
	return MapRange(c, vaddr, paddrBegin, n, flags)
}

// VirtualToPhysical walks the chunk's directory and table for v and returns
// the corresponding physical address, or ErrInvalidMapping if either level
// is not present.
func VirtualToPhysical(c *Chunk, v uintptr) (uintptr, *kernel.Error) {
	dirIndex, tblIndex := pageIndices(v)

	dir := table(c.DirectoryAddr)
	if !dir[dirIndex].HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	tbl := table(dir[dirIndex].FrameAddr())
	if !tbl[tblIndex].HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	offset := v & (uintptr(mem.PageSize) - 1)
	return tbl[tblIndex].FrameAddr() + offset, nil
}
