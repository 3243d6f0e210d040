// Package elf implements the kernel's ELF32 program loader: it stages a
// file's raw bytes into a kernel heap buffer, validates the subset of the
// ELF32 contract this kernel supports (little-endian, ET_EXEC, PT_LOAD
// segments only), and reports the virtual/physical ranges the task loader
// needs to build page mappings from.
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"gopheros/kernel"
	"gopheros/kernel/fs"
	"gopheros/kernel/mem"
)

// invalid reports a validation failure as kernel.ErrInvalidFormat,
// stashing reason in the sentinel's Message field for diagnostic output
// - the same pattern kfmt.Panic uses for its own runtime-panic sentinel.
// Every caller of Load compares the returned error against
// kernel.ErrInvalidFormat by identity (task.LoadForSlot's ELF/BIN
// fallback depends on it), so every rejection path here, truncated
// headers included, must return this exact pointer rather than a
// distinct per-reason error value.
func invalid(reason string) *kernel.Error {
	kernel.ErrInvalidFormat.Message = "invalid ELF format: " + reason
	return kernel.ErrInvalidFormat
}

var errTruncated = invalid("truncated ELF header")

// AllocatorFn allocates a block of physical memory of the given size. The
// kernel wires this to the kernel heap's Alloc during boot; tests wire it
// to plain Go-allocated buffers.
type AllocatorFn func(size uintptr) (uintptr, *kernel.Error)

// FreerFn releases a block of memory previously returned by an AllocatorFn.
type FreerFn func(addr uintptr)

var (
	allocFn AllocatorFn
	freeFn  FreerFn

	errNoAllocator = &kernel.Error{Module: "elf", Message: "no allocator registered"}
)

// SetAllocator registers the allocator used to stage a loaded file's bytes.
func SetAllocator(fn AllocatorFn) {
	allocFn = fn
}

// SetFreer registers the function used to release a staged file's buffer.
func SetFreer(fn FreerFn) {
	freeFn = fn
}

// Segment describes one PT_LOAD program header: the virtual range it
// occupies and the physical range (inside the staged buffer) its bytes
// were read from, plus whether the task loader should map it writable.
type Segment struct {
	VirtualAddr  uint32
	PhysicalAddr uint32
	FileSize     uint32
	MemSize      uint32
	Writable     bool
}

// File is a validated, staged ELF32 executable: the raw bytes backing it
// live in a kernel heap buffer for the lifetime of the File.
type File struct {
	Entry uint32

	// VirtualBase/VirtualEnd and PhysicalBase/PhysicalEnd are the running
	// min/max computed across every PT_LOAD segment, per the spec's ELF
	// file data model.
	VirtualBase  uint32
	VirtualEnd   uint32
	PhysicalBase uint32
	PhysicalEnd  uint32

	Segments []Segment

	bufPhys uintptr
	bufSize uintptr
}

// Load reads path in full into a freshly allocated kernel heap buffer and
// validates it as an ELF32 ET_EXEC image. Any validation failure returns
// ErrInvalidFormat and releases the staging buffer; callers that get
// ErrInvalidFormat are expected to fall back to treating the file as a raw
// BIN image per the spec's process-load sequence.
func Load(path string) (*File, *kernel.Error) {
	if allocFn == nil {
		return nil, errNoAllocator
	}

	fd := fs.FOpen(path, "r")
	if fd == 0 {
		return nil, kernel.ErrIO
	}

	var st fs.Stat
	if err := fs.FStat(fd, &st); err != nil {
		fs.FClose(fd)
		return nil, err
	}

	bufPhys, err := allocFn(uintptr(st.FileSize))
	if err != nil {
		fs.FClose(fd)
		return nil, err
	}
	data := kernel.BytesAt(bufPhys, int(st.FileSize))

	if st.FileSize > 0 {
		if _, err := fs.FRead(data, st.FileSize, 1, fd); err != nil {
			fs.FClose(fd)
			freeFn(bufPhys)
			return nil, err
		}
	}
	fs.FClose(fd)

	f, verr := parse(data, bufPhys, uintptr(st.FileSize))
	if verr != nil {
		freeFn(bufPhys)
		return nil, verr
	}
	return f, nil
}

// Close releases the staging buffer backing f. It does not touch the task
// mappings Load's caller may have since built from f's segments.
func Close(f *File) {
	if f == nil || freeFn == nil {
		return
	}
	freeFn(f.bufPhys)
}

// parse validates data as an ELF32 ET_EXEC image and computes the
// virtual/physical ranges spanning its PT_LOAD segments. bufPhys is the
// physical address data is staged at, needed to turn a file offset into
// the physical address the loader will eventually map from.
func parse(data []byte, bufPhys uintptr, size uintptr) (*File, *kernel.Error) {
	if len(data) < 16 {
		return nil, errTruncated
	}
	if data[0] != 0x7F || string(data[1:4]) != "ELF" {
		return nil, invalid("bad magic")
	}
	switch elf.Class(data[elf.EI_CLASS]) {
	case elf.ELFCLASSNONE, elf.ELFCLASS32:
	default:
		return nil, invalid("not 32-bit")
	}
	switch elf.Data(data[elf.EI_DATA]) {
	case elf.ELFDATANONE, elf.ELFDATA2LSB:
	default:
		return nil, invalid("not little-endian")
	}

	var hdr elf.Header32
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, errTruncated
	}
	if hdr.Phoff == 0 {
		return nil, invalid("no program headers")
	}
	if elf.Type(hdr.Type) != elf.ET_EXEC {
		return nil, invalid("not an executable")
	}
	if hdr.Entry < uint32(mem.ProgramVirtualAddress) {
		return nil, invalid("entry point below user program base")
	}

	f := &File{
		Entry:   hdr.Entry,
		bufPhys: bufPhys,
		bufSize: size,
	}

	phOff := int(hdr.Phoff)
	phEntSize := int(hdr.Phentsize)
	first := true
	for i := 0; i < int(hdr.Phnum); i++ {
		start := phOff + i*phEntSize
		if start+phEntSize > len(data) {
			return nil, errTruncated
		}

		var ph elf.Prog32
		if err := binary.Read(bytes.NewReader(data[start:start+phEntSize]), binary.LittleEndian, &ph); err != nil {
			return nil, errTruncated
		}
		if elf.ProgType(ph.Type) != elf.PT_LOAD {
			continue
		}

		vBegin, vEnd := ph.Vaddr, ph.Vaddr+ph.Filesz
		pBegin, pEnd := uint32(bufPhys)+ph.Off, uint32(bufPhys)+ph.Off+ph.Filesz

		f.Segments = append(f.Segments, Segment{
			VirtualAddr:  ph.Vaddr,
			PhysicalAddr: uint32(bufPhys) + ph.Off,
			FileSize:     ph.Filesz,
			MemSize:      ph.Memsz,
			Writable:     elf.ProgFlag(ph.Flags)&elf.PF_W != 0,
		})

		if first {
			f.VirtualBase, f.VirtualEnd = vBegin, vEnd
			f.PhysicalBase, f.PhysicalEnd = pBegin, pEnd
			first = false
			continue
		}
		if vBegin < f.VirtualBase {
			f.VirtualBase = vBegin
		}
		if vEnd > f.VirtualEnd {
			f.VirtualEnd = vEnd
		}
		if pBegin < f.PhysicalBase {
			f.PhysicalBase = pBegin
		}
		if pEnd > f.PhysicalEnd {
			f.PhysicalEnd = pEnd
		}
	}

	if len(f.Segments) == 0 {
		return nil, invalid("no PT_LOAD segments")
	}
	return f, nil
}
