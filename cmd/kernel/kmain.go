// Command kernel is the freestanding kernel's entrypoint: Kmain wires
// together the five core engines (heap, paging, FAT16, ELF loader,
// scheduler) and the interrupt glue around them, then hands off to the
// first user task. It is never expected to return.
package main

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/driver/console"
	"gopheros/kernel/driver/keyboard"
	"gopheros/kernel/fs"
	"gopheros/kernel/fs/disk"
	"gopheros/kernel/fs/fat16"
	"gopheros/kernel/gate"
	"gopheros/kernel/idt"
	"gopheros/kernel/irq"
	"gopheros/kernel/isr80h"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/loader/elf"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/heap"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sync"
	"gopheros/kernel/task"
)

var kernelHeap *heap.Heap

var kernelChunk *vmm.Chunk

// initHeap builds the kernel heap over the fixed physical region the
// memory map reserves for it, with the block table overlaid at its own
// fixed address so the heap itself never needs to allocate its
// bookkeeping.
func initHeap() {
	table := heap.TableAt(mem.KernelHeapBlockTableAddress, mem.KernelHeapDataSize)
	h, err := heap.New(mem.KernelHeapDataAddress, mem.KernelHeapDataAddress+uintptr(mem.KernelHeapDataSize), table)
	if err != nil {
		kfmt.Panic(err)
	}
	kernelHeap = h

	vmm.SetAllocator(h.Zalloc)
	vmm.SetFreer(h.Free)
	elf.SetAllocator(h.Alloc)
	elf.SetFreer(h.Free)
	task.SetAllocator(h.Zalloc, h.Free)
}

// initFilesystems registers the FAT16 driver and probes the boot disk.
func initFilesystems() {
	if err := fs.Register(fat16.New()); err != nil {
		kfmt.Panic(err)
	}

	disk.Init()
	d, err := disk.Get(0)
	if err != nil {
		kfmt.Panic(err)
	}
	if _, err := fs.Resolve(d); err != nil {
		kfmt.Panic(err)
	}
}

// toKernelDirectory and toCurrentTaskDirectory are the two halves of the
// address-space switch idt.Hooks installs around every ISR body.
func toKernelDirectory() {
	vmm.Switch(kernelChunk)
}

func toCurrentTaskDirectory() {
	if t := task.CurrentTask(); t != nil {
		vmm.Switch(t.Directory)
	}
}

// terminateCurrentProcess is the default exception policy: kill the
// faulting process and let the scheduler's own bookkeeping advance
// current task/process to whatever task.Terminate picks next.
func terminateCurrentProcess() {
	p := task.CurrentProcess()
	if p == nil {
		return
	}
	if err := task.Terminate(p); err != nil {
		kfmt.Panic(err)
	}
}

// onTimer implements the only preemption point in the kernel: advance
// the round-robin scheduler to the next task. idt's own directory-switch
// bracket (toCurrentTaskDirectory) picks up whatever task.Next() just
// made current.
func onTimer(frame *gate.Registers) {
	task.Next()
}

// onKeyboard drains one scancode from the PS/2 controller and delivers
// it to whichever process is current.
func onKeyboard(frame *gate.Registers) {
	keyboard.HandleInterrupt()
}

// onSyscall dispatches INT 0x80 against the current task and re-syncs
// its return value back into the task's own register snapshot, the
// single source of truth the (out-of-scope) IRET epilogue resumes from.
func onSyscall(frame *gate.Registers) {
	t := task.CurrentTask()
	isr80h.Dispatch(t, frame)
	task.SaveCurrentState(frame)
}

// initInterrupts installs the IDT, wires idt's directory-switch hooks to
// the kernel/task address-space machinery, registers the timer/keyboard/
// syscall callbacks and the default exception policy, then loads the
// table.
func initInterrupts() {
	idt.Hooks(toKernelDirectory, toCurrentTaskDirectory, task.SaveCurrentState)
	irq.SetDefaultTerminator(terminateCurrentProcess)

	if err := idt.RegisterCallback(idt.TimerVector, onTimer); err != nil {
		kfmt.Panic(err)
	}
	if err := idt.RegisterCallback(idt.KeyboardVector, onKeyboard); err != nil {
		kfmt.Panic(err)
	}
	if err := idt.RegisterCallback(idt.SyscallVector, onSyscall); err != nil {
		kfmt.Panic(err)
	}

	idt.Init(gate.TrampolineAddr())

	sync.SetYield(func() { task.Next() })

	keyboard.SetPush(func(b byte) {
		if p := task.CurrentProcess(); p != nil {
			p.Keyboard().Push(b)
		}
	})
}

// initPaging builds the kernel's own identity-mapped address space and
// enables paging by switching into it; every subsequent task's page
// directory still carries the same identity map for the kernel's own
// range, layered with that task's own narrower mappings.
func initPaging() {
	c, err := vmm.New(0)
	if err != nil {
		kfmt.Panic(err)
	}
	kernelChunk = c
	vmm.Switch(kernelChunk)
}

var errNoInitialProcess = &kernel.Error{Module: "kmain", Message: "failed to load initial process"}

// Kmain is the kernel's entrypoint, invoked by the bootloader's rt0 stub
// after it has set up the GDT/TSS and a minimal Go runtime stack. It is
// not expected to return; if it does, the caller halts the CPU.
//
//go:noinline
func Kmain() {
	vgaConsole := console.New()
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: vgaConsole, Prefix: []byte("[kernel] ")})
	kfmt.Printf("booting kernel core\n")

	initHeap()
	initFilesystems()
	initPaging()
	initInterrupts()

	gate.InstallTSS(mem.KernelStackAddress)
	isr80h.RegisterBuiltins()
	isr80h.SetPutChar(func(b byte) { vgaConsole.Write([]byte{b}) })

	cpu.EnableInterrupts()

	if _, err := task.LoadAndSwitch("0:/bin/shell.elf", 0); err != nil {
		kfmt.Panic(errNoInitialProcess)
	}

	task.RunFirstEverTask()

	// RunFirstEverTask never returns; Panic here only fires if the
	// assembly IRET stub itself is missing.
	kfmt.Panic(&kernel.Error{Module: "kmain", Message: "Kmain returned"})
}

func main() {}
