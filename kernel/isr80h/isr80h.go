// Package isr80h implements the kernel's software-interrupt syscall
// dispatcher: a 1024-slot command table invoked by INT 0x80, argument
// marshalling off the calling task's own user-mode stack, and the small
// set of syscalls the kernel ships out of the box (sum, print, getkey,
// putchar).
package isr80h

import (
	"gopheros/kernel"
	"gopheros/kernel/gate"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/task"
)

// MaxCommands is the number of syscall command slots, matching the
// spec's 1024-entry dispatch table.
const MaxCommands = 1024

// Reserved command ids the kernel always installs at boot.
const (
	CommandSum     = 0
	CommandPrint   = 1
	CommandGetKey  = 2
	CommandPutChar = 3
)

// Command is a single syscall implementation. frame is the trap frame
// the calling task's INT 0x80 pushed (already captured into the task's
// own register snapshot by the time this runs); its return value, if
// any, is written back into frame.EAX by Dispatch.
type Command func(t *task.Task, frame *gate.Registers) uintptr

var commands [MaxCommands]Command

// Register installs handler as command id, panicking if id is out of
// range or already registered. Per the spec, a registration conflict is
// a boot-time programming error and is never something dispatch should
// have to handle gracefully.
func Register(id int, handler Command) {
	if id < 0 || id >= MaxCommands {
		kfmt.Panic(&kernel.Error{Module: "isr80h", Message: "command id out of range"})
	}
	if commands[id] != nil {
		kfmt.Panic(&kernel.Error{Module: "isr80h", Message: "command id already registered"})
	}
	commands[id] = handler
}

// Dispatch looks up the command named by frame.EAX and, if registered,
// invokes it with t as the calling task and stores its return value back
// into frame.EAX. An unset or out-of-range command id is a no-op,
// matching the spec's "dispatch of an unset id returns NULL".
func Dispatch(t *task.Task, frame *gate.Registers) {
	id := int(frame.EAX)
	if id < 0 || id >= MaxCommands || commands[id] == nil {
		return
	}
	frame.EAX = uint32(commands[id](t, frame))
}

// RegisterBuiltins installs the kernel's baseline syscalls. The kernel
// calls this once during boot; further command ids may still be
// registered afterward.
func RegisterBuiltins() {
	Register(CommandSum, sysSum)
	Register(CommandPrint, sysPrint)
	Register(CommandGetKey, sysGetKey)
	Register(CommandPutChar, sysPutChar)
}

// sysSum implements command 0: add the two arguments pushed onto the
// user stack and return their sum in EAX.
func sysSum(t *task.Task, frame *gate.Registers) uintptr {
	a, err := task.GetStackItem(t, 0)
	if err != nil {
		return 0
	}
	b, err := task.GetStackItem(t, 1)
	if err != nil {
		return 0
	}
	return uintptr(a + b)
}

// sysPrint implements command 1: copy a NUL-terminated string out of the
// calling task's address space and write it to the console.
func sysPrint(t *task.Task, frame *gate.Registers) uintptr {
	argVAddr, err := task.GetStackItem(t, 0)
	if err != nil {
		return 0
	}

	var buf [256]byte
	if err := task.CopyStringFromTask(t, uintptr(argVAddr), buf[:], len(buf)); err != nil {
		return 0
	}

	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	kfmt.Printf("%s", buf[:n])
	return 0
}

// sysGetKey implements command 2: pop one byte from the calling process's
// keyboard ring buffer, returning 0 if it is empty.
func sysGetKey(t *task.Task, frame *gate.Registers) uintptr {
	if t == nil || t.Process == nil {
		return 0
	}
	b, ok := t.Process.Keyboard().Pop()
	if !ok {
		return 0
	}
	return uintptr(b)
}

// putCharFn is the console sink putchar writes to; wired by the kernel
// boot sequence to the VGA/TTY console driver.
var putCharFn = func(byte) {}

// SetPutChar wires the function used to implement the putchar syscall.
func SetPutChar(fn func(byte)) {
	putCharFn = fn
}

// sysPutChar implements command 3: write a single character argument to
// the console.
func sysPutChar(t *task.Task, frame *gate.Registers) uintptr {
	c, err := task.GetStackItem(t, 0)
	if err != nil {
		return 0
	}
	putCharFn(byte(c))
	return 0
}
