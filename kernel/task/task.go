// Package task implements the kernel's process/task lifecycle and the
// preemptive round-robin scheduler built on top of it: a doubly-linked
// list of tasks, the 12-slot process table, the allocator/image/stack
// bookkeeping a process needs to be mapped into its own address space,
// and the user-pointer-safe copy primitives the syscall layer uses to
// read arguments off a task's own stack.
//
// Task and Process intentionally reference each other (a task observes
// the process that owns it; the process owns exactly one task). The back
// reference from Task to Process is a plain pointer rather than a second
// owner: Terminate frees the task, never the other way around.
package task

import (
	"gopheros/kernel"
	"gopheros/kernel/fs"
	"gopheros/kernel/gate"
	"gopheros/kernel/loader/elf"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/vmm"
)

// MaxProcesses is the number of concurrent process slots the process
// table carries.
const MaxProcesses = 12

// maxAllocations bounds the number of heap allocations a single process
// can track for release at termination.
const maxAllocations = 1024

// FileType distinguishes how a process's image was produced.
type FileType int

const (
	// FileTypeELF means Image holds a parsed *elf.File.
	FileTypeELF FileType = iota
	// FileTypeBIN means Image holds a raw heap-backed byte buffer and
	// ImagePhys/ImageSize describe it directly.
	FileTypeBIN
)

// AllocatorFn allocates a block of physical memory of the given size.
type AllocatorFn func(size uintptr) (uintptr, *kernel.Error)

// FreerFn releases a block of memory previously returned by an AllocatorFn.
type FreerFn func(addr uintptr)

var (
	allocFn AllocatorFn
	freeFn  FreerFn

	errNoAllocator = &kernel.Error{Module: "task", Message: "no allocator registered"}
	errSlotTaken   = &kernel.Error{Module: "task", Message: "process slot already in use"}
	errNoFreeSlot  = &kernel.Error{Module: "task", Message: "no free process slot"}
	errNoProcess   = &kernel.Error{Module: "task", Message: "no such process"}
	errLastProcess = &kernel.Error{Module: "task", Message: "cannot terminate the last live process"}
)

// SetAllocator registers the allocator backing task stacks, raw BIN images
// and the scratch buffer copy-from-user uses. The kernel wires this to the
// kernel heap's Zalloc and Free during boot.
func SetAllocator(alloc AllocatorFn, free FreerFn) {
	allocFn = alloc
	freeFn = free
}

// keyboardRingSize is the size of a process's per-task keyboard buffer.
const keyboardRingSize = 1024

// keyboardRing is a process-owned circular buffer fed by the keyboard ISR
// and drained by the getkey syscall. Indices are plain ints since there is
// only ever one writer (the ISR) and one reader (the syscall handler), both
// running on the single CPU with interrupts disabled around any multi-step
// mutation.
type keyboardRing struct {
	buf        [keyboardRingSize]byte
	head, tail int
}

// Push appends a scancode/character to the ring, overwriting the oldest
// entry if the ring is full.
func (r *keyboardRing) Push(b byte) {
	r.buf[r.tail] = b
	r.tail = (r.tail + 1) % keyboardRingSize
	if r.tail == r.head {
		r.head = (r.head + 1) % keyboardRingSize
	}
}

// Pop removes and returns the oldest entry, or (0, false) if empty.
func (r *keyboardRing) Pop() (byte, bool) {
	if r.head == r.tail {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % keyboardRingSize
	return b, true
}

// allocation records one outstanding heap allocation owned by a process,
// released in full at termination.
type allocation struct {
	ptr  uintptr
	size uintptr
}

// Arguments holds the argc/argv a process was started with.
type Arguments struct {
	Argc int
	Argv []string
}

// Process is the owner of an image, a stack, an allocation list, a
// keyboard buffer and exactly one task. Process.id must always equal its
// own index in the process table, and Process.task.process must always
// point back at it; both invariants are established once in
// LoadForSlot and never change afterward.
type Process struct {
	id       int
	filename string
	task     *Task

	fileType FileType
	elfImage *elf.File
	binPhys  uintptr
	binSize  uintptr

	stackPhys uintptr

	allocations []allocation

	keyboard keyboardRing

	args Arguments
}

// ID returns the process's slot index.
func (p *Process) ID() int { return p.id }

// Filename returns the path the process was loaded from.
func (p *Process) Filename() string { return p.filename }

// Task returns the process's single task.
func (p *Process) Task() *Task { return p.task }

// Keyboard returns the process's keyboard ring buffer.
func (p *Process) Keyboard() *keyboardRing { return &p.keyboard }

// Arguments returns the argc/argv the process was started with.
func (p *Process) Arguments() Arguments { return p.args }

// TrackAllocation records a heap allocation so Terminate can release it.
// It is a no-op (and silently drops the record) once a process has already
// tracked maxAllocations allocations - further allocations simply leak
// until the process dies rather than overflow the tracking array.
func (p *Process) TrackAllocation(ptr, size uintptr) {
	if len(p.allocations) >= maxAllocations {
		return
	}
	p.allocations = append(p.allocations, allocation{ptr: ptr, size: size})
}

// Task is a saved CPU context plus the page directory it runs under,
// schedulable by the round-robin scheduler. Tasks form a doubly-linked
// list; Process is a non-owning observer pointer back to the task's
// owner.
type Task struct {
	Directory *vmm.Chunk
	Registers gate.Registers

	Process *Process

	prev, next *Task
}

var (
	processes [MaxProcesses]*Process

	taskHead, taskTail *Task
	currentTask        *Task
	currentProcess     *Process
)

// CurrentTask returns the task the scheduler is presently running.
func CurrentTask() *Task { return currentTask }

// CurrentProcess returns the process owning the current task.
func CurrentProcess() *Process { return currentProcess }

// Get returns the process occupying slot id, or nil if the slot is free.
func Get(id int) *Process {
	if id < 0 || id >= MaxProcesses {
		return nil
	}
	return processes[id]
}

// linkTail appends t to the end of the task list, making it current if
// the list was empty.
func linkTail(t *Task) {
	if taskTail == nil {
		taskHead, taskTail = t, t
		currentTask = t
		return
	}
	t.prev = taskTail
	taskTail.next = t
	taskTail = t
}

// unlink removes t from the task list, patching up head/tail as needed. It
// leaves currentTask untouched (Terminate moves it to another task) and
// does not free t.Directory; callers free it separately so
// tests can exercise list surgery without a live allocator.
func unlink(t *Task) {
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		taskHead = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	} else {
		taskTail = t.prev
	}
	t.prev, t.next = nil, nil
}

// newTask allocates a fresh page directory and seeds the register
// snapshot an IRET will use to enter the task for the first time.
func newTask(entry, stackTop uint32) (*Task, *kernel.Error) {
	dir, err := vmm.New(vmm.FlagUser)
	if err != nil {
		return nil, err
	}

	t := &Task{Directory: dir}
	t.Registers.IP = entry
	t.Registers.CS = uint32(gate.UserCodeSelector)
	t.Registers.SS = uint32(gate.UserDataSelector)
	t.Registers.ESP = stackTop
	t.Registers.Flags = 0x202 // IF set, reserved bit 1 set

	linkTail(t)
	return t, nil
}

// Next advances the scheduler to the task following the current one,
// wrapping around to the head of the list. It returns the new current
// task, or nil if no task is alive.
func Next() *Task {
	if currentTask == nil {
		return nil
	}
	if currentTask.next != nil {
		currentTask = currentTask.next
	} else {
		currentTask = taskHead
	}
	currentProcess = currentTask.Process
	return currentTask
}

// SaveCurrentState copies an interrupt's trap frame into the current
// task's register snapshot. It must be called while the kernel page
// directory is loaded.
func SaveCurrentState(frame *gate.Registers) {
	if currentTask == nil {
		return
	}
	currentTask.Registers = *frame
}

// LoadForSlot loads the program at path into a fresh process occupying
// slot, building its page directory, stack and task per the spec's
// process-load sequence:
//
//  1. reject an occupied slot;
//  2. try to load the file as ELF32; on ErrInvalidFormat fall back to
//     treating it as a raw BIN image;
//  3. allocate a 16 KiB stack;
//  4. create the task, binding it to the process;
//  5. map the image and stack into the task's page directory;
//  6. install the process in the table.
func LoadForSlot(path string, slot int) (*Process, *kernel.Error) {
	if allocFn == nil {
		return nil, errNoAllocator
	}
	if slot < 0 || slot >= MaxProcesses {
		return nil, errNoFreeSlot
	}
	if processes[slot] != nil {
		return nil, errSlotTaken
	}

	p := &Process{id: slot, filename: path}

	entry := uint32(mem.ProgramVirtualAddress)
	elfFile, elfErr := elf.Load(path)
	switch elfErr {
	case nil:
		p.fileType = FileTypeELF
		p.elfImage = elfFile
		entry = elfFile.Entry
	case kernel.ErrInvalidFormat:
		binPhys, binSize, err := loadBIN(path)
		if err != nil {
			return nil, err
		}
		p.fileType = FileTypeBIN
		p.binPhys = binPhys
		p.binSize = binSize
	default:
		return nil, elfErr
	}

	stackPhys, err := allocFn(uintptr(mem.UserStackSize))
	if err != nil {
		p.release()
		return nil, err
	}
	p.stackPhys = stackPhys

	stackTop := uint32(mem.ProgramVirtualStackAddress)
	t, err := newTask(entry, stackTop)
	if err != nil {
		p.release()
		return nil, err
	}
	t.Process = p
	p.task = t

	if err := p.mapImageAndStack(); err != nil {
		unlink(t)
		vmm.Free(t.Directory)
		p.release()
		return nil, err
	}

	processes[slot] = p
	if currentProcess == nil {
		currentProcess = p
	}
	return p, nil
}

// loadBIN reads path in full into a fresh heap buffer, the flat-binary
// counterpart to elf.Load.
func loadBIN(path string) (uintptr, uintptr, *kernel.Error) {
	fd := fs.FOpen(path, "r")
	if fd == 0 {
		return 0, 0, kernel.ErrIO
	}
	defer fs.FClose(fd)

	var st fs.Stat
	if err := fs.FStat(fd, &st); err != nil {
		return 0, 0, err
	}

	phys, err := allocFn(uintptr(st.FileSize))
	if err != nil {
		return 0, 0, err
	}
	if st.FileSize > 0 {
		data := kernel.BytesAt(phys, int(st.FileSize))
		if _, err := fs.FRead(data, st.FileSize, 1, fd); err != nil {
			freeFn(phys)
			return 0, 0, err
		}
	}
	return phys, uintptr(st.FileSize), nil
}

// mapImageAndStack installs the process's image (BIN at the fixed
// program address, or each ELF PT_LOAD segment at its own link-time
// address) and its stack into the task's page directory.
func (p *Process) mapImageAndStack() *kernel.Error {
	dir := p.task.Directory

	switch p.fileType {
	case FileTypeBIN:
		if err := vmm.MapTo(dir, mem.ProgramVirtualAddress, p.binPhys, vmm.AlignUp(p.binPhys+p.binSize),
			vmm.FlagPresent|vmm.FlagUser|vmm.FlagWritable); err != nil {
			return err
		}
	case FileTypeELF:
		for _, seg := range p.elfImage.Segments {
			flags := vmm.FlagPresent | vmm.FlagUser
			if seg.Writable {
				flags |= vmm.FlagWritable
			}
			vaddr := vmm.AlignDown(uintptr(seg.VirtualAddr))
			paddr := vmm.AlignDown(uintptr(seg.PhysicalAddr))
			n := vmm.AlignUp(uintptr(seg.MemSize)) / uintptr(mem.PageSize)
			if n == 0 {
				n = 1
			}
			if err := vmm.MapRange(dir, vaddr, paddr, n, flags); err != nil {
				return err
			}
		}
	}

	stackEnd := mem.ProgramVirtualStackAddress - uintptr(mem.UserStackSize)
	return vmm.MapTo(dir, stackEnd, p.stackPhys, p.stackPhys+uintptr(mem.UserStackSize),
		vmm.FlagPresent|vmm.FlagUser|vmm.FlagWritable)
}

// release frees whatever image/stack resources the process had already
// acquired. It is used both by LoadForSlot's failure paths and by
// Terminate.
func (p *Process) release() {
	for _, a := range p.allocations {
		freeFn(a.ptr)
	}
	p.allocations = nil

	if p.fileType == FileTypeELF && p.elfImage != nil {
		elf.Close(p.elfImage)
		p.elfImage = nil
	} else if p.fileType == FileTypeBIN && p.binPhys != 0 {
		freeFn(p.binPhys)
		p.binPhys = 0
	}

	if p.stackPhys != 0 {
		freeFn(p.stackPhys)
		p.stackPhys = 0
	}
}

// LoadAndSwitch loads path into slot and makes the resulting process the
// current one, for booting the first task(s) directly into a running
// state rather than waiting for a timer tick to schedule them in.
func LoadAndSwitch(path string, slot int) (*Process, *kernel.Error) {
	p, err := LoadForSlot(path, slot)
	if err != nil {
		return nil, err
	}
	currentProcess = p
	return p, nil
}

// RunFirstEverTask installs the current task's page directory and
// performs the initial IRET into user mode via the synthesized frame
// newTask built for it. It is the boot sequence's one-time counterpart
// to the per-tick resumption idt performs for every later task switch,
// and it never returns, per spec.md's §4.7 launch contract.
func RunFirstEverTask() {
	if currentTask == nil {
		return
	}
	vmm.Switch(currentTask.Directory)
	gate.Return(&currentTask.Registers)
}

// Terminate releases every resource owned by p (allocations, image,
// stack, task and page directory) in LIFO order per the spec's lifecycle,
// unlinks its task from the scheduler list, and advances current
// task/process to another live task. Terminating the last live process
// is fatal: there would be nothing left to schedule.
func Terminate(p *Process) *kernel.Error {
	if p == nil || processes[p.id] != p {
		return errNoProcess
	}

	wasCurrent := currentProcess == p
	t := p.task

	next := t.next
	if next == nil {
		next = taskHead
	}
	if next == t {
		next = nil
	}

	p.release()
	unlink(t)
	vmm.Free(t.Directory)

	processes[p.id] = nil

	if wasCurrent {
		if next == nil {
			return errLastProcess
		}
		currentTask = next
		currentProcess = next.Process
	}
	return nil
}
