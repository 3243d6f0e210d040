// +build 386

// Package gate defines the 32-bit CPU-level register layout and raw IDT
// installation primitives the rest of the kernel builds its interrupt,
// syscall and task-switching machinery on top of. It is the lowest layer:
// the struct here is laid out to match exactly what the per-vector
// assembly wrapper pushes on entry, and what the final IRET instruction
// expects to pop on the way back out to whatever ring issued the
// interrupt.
package gate

// Registers is a snapshot of the full CPU state at the moment an
// interrupt, exception or syscall gate was entered: the seven
// general-purpose registers saved by a PUSHAD-style prologue, followed by
// the five-word frame the CPU itself pushes (or that a task's previous
// invocation of IRET last set) - ip, cs, flags, esp and ss. Every task in
// the kernel is scheduled by saving and restoring exactly this struct.
type Registers struct {
	EDI uint32
	ESI uint32
	EBP uint32
	EBX uint32
	EDX uint32
	ECX uint32
	EAX uint32

	IP    uint32
	CS    uint32
	Flags uint32
	ESP   uint32
	SS    uint32
}

// Selector identifies a segment selector loaded into CS/SS/DS etc.
type Selector uint16

// Fixed segment selectors installed by the bootloader's GDT.
const (
	KernelCodeSelector Selector = 0x08
	KernelDataSelector Selector = 0x10
	UserCodeSelector   Selector = 0x1B
	UserDataSelector   Selector = 0x23
	TSSSelector        Selector = 0x28
)

// TotalInterrupts is the number of IDT descriptor slots the kernel
// reserves, matching the widest vector any ISR wrapper can dispatch
// (0x00-0x1FF).
const TotalInterrupts = 512

// InstallTSS points the task state segment's esp0/ss0 at the kernel's
// ring-0 stack so that a privilege-level change (a user task executing
// INT 0x80, or a hardware IRQ firing while in ring 3) lands on a valid
// kernel stack. The real kernel fills in the TSS descriptor in the GDT and
// issues LTR; this stub is that assembly.
func InstallTSS(kernelStackTop uintptr)

// Load installs the table built up by prior calls to Set by executing
// LIDT against it. Every gate starts out marked non-present; Set must be
// called once per vector that should trap.
func Load()

// Set writes one 8-byte IDT gate descriptor for the given vector. handler
// is the address of the generated per-vector assembly entrypoint (not a Go
// function pointer - the trampoline is what calls back into
// idt.Dispatch). dpl is the minimum privilege level allowed to invoke this
// gate via INT; ring-3 software interrupts (the syscall gate) need dpl==3,
// everything else uses dpl==0.
func Set(vector int, handler uintptr, selector Selector, dpl uint8)

// Return performs the final IRET-based jump into user mode (or back into
// a preempted task) using the register snapshot in regs: it restores the
// seven general-purpose registers, then executes IRET against the
// ip/cs/flags/esp/ss frame. It never returns to its caller.
func Return(regs *Registers)

// TrampolineAddr returns the address of the single generated per-vector
// assembly entrypoint every IDT gate is installed with: it reads the
// vector number the per-vector stub pushed and calls idt.Dispatch. Boot
// passes this to idt.Init so every gate shares the one trampoline.
func TrampolineAddr() uintptr
