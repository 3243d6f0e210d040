// Package idt owns the kernel's 512-entry interrupt descriptor table glue:
// the per-vector callback registry, the page-directory switch that must
// bracket every interrupt handler's body, and the installation of the
// three vectors the rest of the kernel cares about by number - the timer
// (0x20), the keyboard (0x21) and the syscall gate (0x80, the only one
// installed with DPL=3 so ring-3 code may invoke it via INT).
//
// Every other vector in [0, 0x1F] is a CPU exception and is handled by
// kernel/irq's default policy unless a caller overrides it there; idt
// itself only decides *whether* a vector is an exception, a registered
// callback, or silently acknowledged.
package idt

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/irq"
)

// TimerVector is the PIT interrupt line used to preempt the running task.
const TimerVector = 0x20

// KeyboardVector is the PS/2 keyboard interrupt line.
const KeyboardVector = 0x21

// SyscallVector is the software interrupt gate user programs invoke via
// INT 0x80.
const SyscallVector = 0x80

const picAckPort = 0x20

var (
	callbacks [gate.TotalInterrupts]func(*gate.Registers)

	// The following hooks are wired by the boot sequence (cmd/kernel) via
	// Hooks so that idt does not need to import kernel/task.
	switchToKernelDirectoryFn func()
	switchToCurrentTaskDirectoryFn func()
	saveCurrentTaskStateFn    func(*gate.Registers)

	out8Fn = cpu.Out8

	errOutOfRange = &kernel.Error{Module: "idt", Message: "interrupt vector out of range"}
)

// Hooks wires the three callbacks idt needs from the task/scheduler layer:
// switching to the kernel's own page directory on ISR entry, saving the
// preempted task's register snapshot, and switching back to whatever task
// is current before the final IRET. All three must be installed before
// Init is called.
func Hooks(toKernelDir, toTaskDir func(), saveState func(*gate.Registers)) {
	switchToKernelDirectoryFn = toKernelDir
	switchToCurrentTaskDirectoryFn = toTaskDir
	saveCurrentTaskStateFn = saveState
}

// RegisterCallback installs the handler invoked whenever the given vector
// fires, overwriting any previous registration for that vector. Vectors
// 0x00-0x1F are CPU exceptions: Dispatch routes them to kernel/irq and
// never invokes a callback registered here for them, so overrides for
// those vectors go through kernel/irq.Handle. RegisterCallback is meant for
// hardware IRQs (the timer, the keyboard, and whatever else a driver adds)
// and the syscall gate.
func RegisterCallback(vector int, handler func(*gate.Registers)) *kernel.Error {
	if vector < 0 || vector >= gate.TotalInterrupts {
		return errOutOfRange
	}
	callbacks[vector] = handler
	return nil
}

// Dispatch is invoked by the generated per-vector assembly trampoline with
// the vector number and the trap frame it pushed. The kernel page directory
// is installed before any kernel-mode work runs, the current task's
// register snapshot is saved while that directory is active, the
// registered callback (or the default exception policy) runs, and the
// task's own page directory is restored before the PIC is acknowledged and
// control returns via IRET.
func Dispatch(vector int, frame *gate.Registers) {
	switchToKernelDirectoryFn()

	switch {
	case vector <= int(irq.LastExceptionVector):
		saveCurrentTaskStateFn(frame)
		irq.Dispatch(irq.ExceptionNum(vector))
	case vector >= 0 && vector < gate.TotalInterrupts && callbacks[vector] != nil:
		saveCurrentTaskStateFn(frame)
		callbacks[vector](frame)
	}

	switchToCurrentTaskDirectoryFn()

	// The syscall gate is a software interrupt (INT 0x80), not a PIC-
	// routed IRQ; acknowledging the PIC for it would be meaningless and
	// the real hardware never expects one.
	if vector != SyscallVector {
		out8Fn(picAckPort, picAckPort)
	}
}

// Init installs a gate for every vector, each pointing at handlerAddr, and
// then loads the table; only SyscallVector is installed with DPL=3.
// handlerAddr is the address of the single generated trampoline that all
// gates share; it is the same for every vector because the trampoline
// itself reads the pushed vector number and calls Dispatch.
func Init(handlerAddr uintptr) {
	for v := 0; v < gate.TotalInterrupts; v++ {
		dpl := uint8(0)
		if v == SyscallVector {
			dpl = 3
		}
		gate.Set(v, handlerAddr, gate.KernelCodeSelector, dpl)
	}
	gate.Load()
}
