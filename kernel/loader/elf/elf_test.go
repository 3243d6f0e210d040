package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/fs"
	"gopheros/kernel/fs/disk"
	"gopheros/kernel/mem"
)

// testAllocator backs AllocatorFn with real Go-allocated buffers, matching
// the pattern kernel/mem/vmm's tests use, so the addresses elf stages data
// at can be safely dereferenced by the test process.
type testAllocator struct {
	blocks [][]byte
	freed  []uintptr
}

func (a *testAllocator) alloc(size uintptr) (uintptr, *kernel.Error) {
	buf := make([]byte, size)
	a.blocks = append(a.blocks, buf)
	return uintptr(unsafe.Pointer(&buf[0])), nil
}

func (a *testAllocator) free(addr uintptr) {
	a.freed = append(a.freed, addr)
}

func withAllocator(t *testing.T) *testAllocator {
	t.Helper()
	a := &testAllocator{}
	SetAllocator(a.alloc)
	SetFreer(a.free)
	t.Cleanup(func() {
		SetAllocator(nil)
		SetFreer(nil)
	})
	return a
}

// fakeFile/fakeFS mirror kernel/fs's own test doubles so elf can be tested
// against the fopen/fread/fstat/fclose surface without a real disk.
type fakeFile struct {
	data []byte
	pos  uint32
}

type fakeFS struct{ files map[string]*fakeFile }

func (f *fakeFS) Name() string                      { return "FAKE" }
func (f *fakeFS) Resolve(d *disk.Disk) *kernel.Error { return nil }
func (f *fakeFS) Open(d *disk.Disk, path *fs.PathPart, mode fs.Mode) (interface{}, *kernel.Error) {
	file, ok := f.files[path.Name]
	if !ok {
		return nil, kernel.ErrIO
	}
	return &fakeFile{data: file.data}, nil
}
func (f *fakeFS) Read(d *disk.Disk, handle interface{}, size, nmemb uint32, out []byte) (int, *kernel.Error) {
	h := handle.(*fakeFile)
	n := 0
	for i := uint32(0); i < nmemb; i++ {
		if h.pos+size > uint32(len(h.data)) {
			return n, kernel.ErrIO
		}
		copy(out[n*int(size):], h.data[h.pos:h.pos+size])
		h.pos += size
		n++
	}
	return n, nil
}
func (f *fakeFS) Seek(handle interface{}, offset uint32, whence fs.SeekMode) *kernel.Error {
	return kernel.ErrUnimplemented
}
func (f *fakeFS) Stat(d *disk.Disk, handle interface{}, st *fs.Stat) *kernel.Error {
	st.FileSize = uint32(len(handle.(*fakeFile).data))
	return nil
}
func (f *fakeFS) Close(handle interface{}) *kernel.Error { return nil }

func withFile(t *testing.T, name string, data []byte) {
	t.Helper()
	fake := &fakeFS{files: map[string]*fakeFile{name: {data: data}}}
	d := &disk.Disk{}
	d.SetFilesystem(fs.Filesystem(fake))

	origGetDisk := fs.GetDisk
	fs.GetDisk = func(index int) (*disk.Disk, *kernel.Error) {
		if index != 0 {
			return nil, kernel.ErrIO
		}
		return d, nil
	}
	t.Cleanup(func() { fs.GetDisk = origGetDisk })
}

// buildELF assembles a minimal ELF32 ET_EXEC image with one PT_LOAD
// segment carrying payload, matching the spec's seeded validation scenario.
func buildELF(t *testing.T, etype elf.Type, entry uint32, payload []byte) []byte {
	t.Helper()

	const ehsize = 52
	const phentsize = 32

	hdr := elf.Header32{
		Type:      uint16(etype),
		Machine:   uint16(elf.EM_386),
		Version:   1,
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     1,
	}
	hdr.Ident[0] = 0x7F
	hdr.Ident[1] = 'E'
	hdr.Ident[2] = 'L'
	hdr.Ident[3] = 'F'
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS32)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)

	ph := elf.Prog32{
		Type:   uint32(elf.PT_LOAD),
		Off:    ehsize + phentsize,
		Vaddr:  entry,
		Filesz: uint32(len(payload)),
		Memsz:  uint32(len(payload)),
		Flags:  uint32(elf.PF_R | elf.PF_X),
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		t.Fatalf("encoding header: %v", err)
	}
	if err := binary.Write(&buf, binary.LittleEndian, &ph); err != nil {
		t.Fatalf("encoding program header: %v", err)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestLoadValidMinimalExecutable(t *testing.T) {
	withAllocator(t)
	payload := []byte("hello, kernel")
	withFile(t, "HELLO.ELF", buildELF(t, elf.ET_EXEC, uint32(mem.ProgramVirtualAddress), payload))

	f, err := Load("0:/HELLO.ELF")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer Close(f)

	if f.Entry != uint32(mem.ProgramVirtualAddress) {
		t.Fatalf("expected entry %x; got %x", mem.ProgramVirtualAddress, f.Entry)
	}
	if f.VirtualBase != uint32(mem.ProgramVirtualAddress) {
		t.Fatalf("expected virtual_base %x; got %x", mem.ProgramVirtualAddress, f.VirtualBase)
	}
	if exp := f.VirtualBase + uint32(len(payload)); f.VirtualEnd != exp {
		t.Fatalf("expected virtual_end %x; got %x", exp, f.VirtualEnd)
	}
	if len(f.Segments) != 1 {
		t.Fatalf("expected one PT_LOAD segment; got %d", len(f.Segments))
	}
}

func TestLoadRejectsNonExecutableType(t *testing.T) {
	withAllocator(t)
	withFile(t, "BAD.ELF", buildELF(t, elf.ET_REL, uint32(mem.ProgramVirtualAddress), []byte("x")))

	_, err := Load("0:/BAD.ELF")
	if !isInvalidFormat(err) {
		t.Fatalf("expected invalid-format error; got %v", err)
	}
}

func TestLoadRejectsEntryBelowUserBase(t *testing.T) {
	withAllocator(t)
	withFile(t, "LOW.ELF", buildELF(t, elf.ET_EXEC, 0x100000, []byte("x")))

	_, err := Load("0:/LOW.ELF")
	if !isInvalidFormat(err) {
		t.Fatalf("expected invalid-format error; got %v", err)
	}
}

func TestLoadFreesBufferOnValidationFailure(t *testing.T) {
	a := withAllocator(t)
	withFile(t, "BAD.ELF", buildELF(t, elf.ET_REL, uint32(mem.ProgramVirtualAddress), []byte("x")))

	if _, err := Load("0:/BAD.ELF"); !isInvalidFormat(err) {
		t.Fatalf("expected invalid-format error; got %v", err)
	}
	if len(a.freed) != 1 {
		t.Fatalf("expected the staging buffer to be freed; got %d frees", len(a.freed))
	}
}

func isInvalidFormat(err *kernel.Error) bool {
	return err == kernel.ErrInvalidFormat
}
