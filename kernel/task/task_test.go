package task

import (
	"testing"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/fs"
	"gopheros/kernel/fs/disk"
	"gopheros/kernel/loader/elf"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/vmm"
)

// testAllocator backs vmm's, elf's and task's AllocatorFn with real
// Go-allocated buffers, matching the pattern kernel/mem/vmm's own tests
// use, so addresses built during LoadForSlot can be safely dereferenced
// by the test process. Like the kernel heap, it hands out page-aligned
// addresses, which vmm.MapTo requires.
type testAllocator struct {
	blocks [][]byte
}

func (a *testAllocator) alloc(size uintptr) (uintptr, *kernel.Error) {
	buf := make([]byte, size+uintptr(mem.PageSize))
	a.blocks = append(a.blocks, buf)
	return vmm.AlignUp(uintptr(unsafe.Pointer(&buf[0]))), nil
}

func (a *testAllocator) free(uintptr) {}

// fakeFile/fakeFS mirror kernel/loader/elf's own test doubles so task can
// exercise LoadForSlot's BIN/ELF fallback against the fopen surface
// without a real disk.
type fakeFile struct {
	data []byte
	pos  uint32
}

type fakeFS struct{ files map[string][]byte }

func (f *fakeFS) Name() string                      { return "FAKE" }
func (f *fakeFS) Resolve(d *disk.Disk) *kernel.Error { return nil }
func (f *fakeFS) Open(d *disk.Disk, path *fs.PathPart, mode fs.Mode) (interface{}, *kernel.Error) {
	data, ok := f.files[path.Name]
	if !ok {
		return nil, kernel.ErrIO
	}
	return &fakeFile{data: data}, nil
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

// reset clears every package-level singleton between tests; production
// code never needs this since the kernel boots exactly once.
func reset() {
	processes = [MaxProcesses]*Process{}
	taskHead, taskTail, currentTask, currentProcess = nil, nil, nil, nil
}

func withEnv(t *testing.T, files map[string][]byte) {
	t.Helper()
	a := &testAllocator{}
	vmm.SetAllocator(a.alloc)
	vmm.SetFreer(a.free)
	SetAllocator(a.alloc, a.free)
	elf.SetAllocator(a.alloc)
	elf.SetFreer(a.free)

	fake := &fakeFS{files: files}
	d := &disk.Disk{}
	d.SetFilesystem(fs.Filesystem(fake))

	origGetDisk := fs.GetDisk
	fs.GetDisk = func(index int) (*disk.Disk, *kernel.Error) {
		if index != 0 {
			return nil, kernel.ErrIO
		}
		return d, nil
	}

	t.Cleanup(func() {
		vmm.SetAllocator(nil)
		vmm.SetFreer(nil)
		SetAllocator(nil, nil)
		elf.SetAllocator(nil)
		elf.SetFreer(nil)
		fs.GetDisk = origGetDisk
		reset()
	})
	reset()
}

func TestLoadForSlotBIN(t *testing.T) {
	payload := []byte{0x90, 0x90, 0xF4} // nop, nop, hlt
	withEnv(t, map[string][]byte{"PROG.BIN": payload})

	p, err := LoadForSlot("0:/PROG.BIN", 0)
	if err != nil {
		t.Fatalf("LoadForSlot: %v", err)
	}
	if p.ID() != 0 {
		t.Fatalf("expected process id 0; got %d", p.ID())
	}
	if p.fileType != FileTypeBIN {
		t.Fatalf("expected FileTypeBIN fallback for a non-ELF image")
	}
	if Get(0) != p {
		t.Fatal("expected the process table to hold the new process at its slot")
	}
	if p.Task().Process != p {
		t.Fatal("expected task.Process to point back at its owning process")
	}

	phys, verr := vmm.VirtualToPhysical(p.Task().Directory, mem.ProgramVirtualAddress)
	if verr != nil {
		t.Fatalf("VirtualToPhysical(program base): %v", verr)
	}
	if phys != p.binPhys {
		t.Fatalf("expected program base to map to the staged image; got %x want %x", phys, p.binPhys)
	}
}

func TestLoadForSlotRejectsOccupiedSlot(t *testing.T) {
	withEnv(t, map[string][]byte{"A.BIN": {0x90}, "B.BIN": {0x90}})

	if _, err := LoadForSlot("0:/A.BIN", 0); err != nil {
		t.Fatalf("first LoadForSlot: %v", err)
	}
	if _, err := LoadForSlot("0:/B.BIN", 0); err != errSlotTaken {
		t.Fatalf("expected errSlotTaken for an occupied slot; got %v", err)
	}
}

func TestStackMapsWithinExpectedRange(t *testing.T) {
	withEnv(t, map[string][]byte{"A.BIN": {0x90}})

	p, err := LoadForSlot("0:/A.BIN", 0)
	if err != nil {
		t.Fatalf("LoadForSlot: %v", err)
	}

	stackEnd := mem.ProgramVirtualStackAddress - uintptr(mem.UserStackSize)
	esp := uintptr(p.Task().Registers.ESP)
	if esp < stackEnd || esp >= mem.ProgramVirtualStackAddress {
		t.Fatalf("expected esp %x within [%x, %x)", esp, stackEnd, mem.ProgramVirtualStackAddress)
	}
}

func TestRoundRobinVisitsEveryTaskInOrder(t *testing.T) {
	withEnv(t, map[string][]byte{"A.BIN": {0x90}, "B.BIN": {0x90}})

	p0, err := LoadForSlot("0:/A.BIN", 0)
	if err != nil {
		t.Fatalf("load p0: %v", err)
	}
	p1, err := LoadForSlot("0:/B.BIN", 1)
	if err != nil {
		t.Fatalf("load p1: %v", err)
	}

	if CurrentTask() != p0.Task() {
		t.Fatal("expected the first loaded task to become current")
	}

	if Next() != p1.Task() {
		t.Fatal("expected one tick to advance to the second task")
	}
	if Next() != p0.Task() {
		t.Fatal("expected the next tick to wrap back to the first task")
	}
}

func TestTerminateAdvancesSchedulerAndFreesSlot(t *testing.T) {
	withEnv(t, map[string][]byte{"A.BIN": {0x90}, "B.BIN": {0x90}})

	p0, _ := LoadForSlot("0:/A.BIN", 0)
	p1, _ := LoadForSlot("0:/B.BIN", 1)

	if err := Terminate(p0); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if Get(0) != nil {
		t.Fatal("expected slot 0 to be freed after termination")
	}
	if CurrentTask() != p1.Task() {
		t.Fatal("expected the scheduler to advance to the surviving task")
	}

	if err := Terminate(p1); err != errLastProcess {
		t.Fatalf("expected errLastProcess when terminating the last live process; got %v", err)
	}
}

func TestSaveCurrentStateCopiesFrameVerbatim(t *testing.T) {
	withEnv(t, map[string][]byte{"A.BIN": {0x90}})
	p, _ := LoadForSlot("0:/A.BIN", 0)

	frame := p.Task().Registers
	frame.EAX = 0xdeadbeef
	SaveCurrentState(&frame)

	if CurrentTask().Registers.EAX != 0xdeadbeef {
		t.Fatal("expected SaveCurrentState to copy the frame verbatim")
	}
}

func TestKeyboardRingPushPop(t *testing.T) {
	var r keyboardRing
	if _, ok := r.Pop(); ok {
		t.Fatal("expected empty ring to report no data")
	}

	r.Push('a')
	r.Push('b')

	b, ok := r.Pop()
	if !ok || b != 'a' {
		t.Fatalf("expected first pop to return 'a'; got %q, %v", b, ok)
	}
	b, ok = r.Pop()
	if !ok || b != 'b' {
		t.Fatalf("expected second pop to return 'b'; got %q, %v", b, ok)
	}
	if _, ok := r.Pop(); ok {
		t.Fatal("expected ring to be empty after draining both pushes")
	}
}
