// Package keyboard wires the PS/2 keyboard interrupt (vector 0x21) to
// the current process's per-task keyboard ring buffer. The PS/2
// controller's scancode-set handling and key-up/key-down state machine
// are themselves out of scope for this kernel (an external collaborator
// per spec.md §1); this package only implements the contract the rest
// of the kernel depends on - translated bytes land in the current
// process's ring buffer, one byte per interrupt.
package keyboard

import "gopheros/kernel/cpu"

const dataPort = 0x60

// scancodeSet1 is a minimal US QWERTY scancode-to-ASCII table for
// key-down codes (the high bit clear); key-up codes (high bit set) are
// dropped. It intentionally only covers the printable range a shell-like
// user program needs to test getkey/putchar; it is not a complete
// PS/2 Set 1 translation table.
var scancodeSet1 = [...]byte{
	0x1E: 'a', 0x30: 'b', 0x2E: 'c', 0x20: 'd', 0x12: 'e',
	0x21: 'f', 0x22: 'g', 0x23: 'h', 0x17: 'i', 0x24: 'j',
	0x25: 'k', 0x26: 'l', 0x32: 'm', 0x31: 'n', 0x18: 'o',
	0x19: 'p', 0x10: 'q', 0x13: 'r', 0x1F: 's', 0x14: 't',
	0x16: 'u', 0x2F: 'v', 0x11: 'w', 0x2D: 'x', 0x15: 'y',
	0x2C: 'z', 0x39: ' ', 0x1C: '\n',
}

// in8Fn is mocked by tests and is automatically inlined by the compiler.
var in8Fn = cpu.In8

// pushFn is wired by the kernel boot sequence to the current process's
// keyboard ring buffer push; left a no-op so package tests can drive
// HandleInterrupt without a live scheduler.
var pushFn = func(byte) {}

// SetPush wires the function used to deliver a translated keypress to
// whichever process should receive it (normally task.CurrentProcess's
// keyboard ring).
func SetPush(fn func(byte)) {
	pushFn = fn
}

// HandleInterrupt is the vector-0x21 callback: it reads one scancode
// from the PS/2 controller's data port, translates key-down codes via
// scancodeSet1 and, for anything it can translate, pushes the resulting
// byte to the current process.
func HandleInterrupt() {
	code := in8Fn(dataPort)
	if code&0x80 != 0 {
		return // key-up
	}
	if int(code) >= len(scancodeSet1) {
		return
	}
	if ch := scancodeSet1[code]; ch != 0 {
		pushFn(ch)
	}
}
