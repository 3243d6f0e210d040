package mem

// The fixed physical/virtual memory map used by this kernel. Unlike a
// general-purpose amd64 kernel with ASLR and a dynamic VMA, this is a small
// 32-bit protected-mode kernel with a single hard-coded layout shared by the
// bootloader, the loader and the scheduler.
const (
	// KernelHeapBlockTableAddress is where the heap allocator's block
	// table lives; it tracks KernelHeapDataSize/PageSize blocks.
	KernelHeapBlockTableAddress = uintptr(0x00007E00)

	// KernelHeapDataAddress is the start of the physical region backing
	// the kernel heap.
	KernelHeapDataAddress = uintptr(0x01000000)

	// KernelHeapDataSize is the size of the kernel heap physical region.
	KernelHeapDataSize = 100 * Mb

	// ProgramVirtualAddress is where a loaded user program's image is
	// mapped for flat BIN binaries; ELF binaries are mapped at their own
	// link-time virtual address instead (see kernel/loader/elf).
	ProgramVirtualAddress = uintptr(0x00400000)

	// ProgramVirtualStackAddress is the initial (highest) address of a
	// user task's stack; the stack grows down from here.
	ProgramVirtualStackAddress = uintptr(0x003FF000)

	// UserStackSize is the size reserved for a single task's stack.
	UserStackSize = 16 * Kb

	// KernelStackAddress is the ring-0 stack pointer installed in the TSS
	// (esp0) that the CPU switches to on a privilege-level change.
	KernelStackAddress = uintptr(0x00600000)
)
