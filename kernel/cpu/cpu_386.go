// +build 386

// Package cpu exposes the handful of privileged x86 operations the kernel
// needs. Each function below is a stub with no body; the real kernel
// provides the implementation as a short block of assembly (IN/OUT, LGDT,
// MOV CR3, HLT, CLI/STI) linked in at build time. Go code never performs
// these operations directly.
package cpu

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// Halt stops instruction execution (HLT).
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPageDirectory loads CR3 with the physical address of a page
// directory, flushing the entire TLB.
func SwitchPageDirectory(pageDirectoryPhysAddr uint32)

// ActivePageDirectory returns the physical address currently loaded in CR3.
func ActivePageDirectory() uint32

// ReadCR2 returns the faulting address recorded by the CPU for the most
// recent page fault.
func ReadCR2() uint32

// Out8 writes a byte to the given I/O port.
func Out8(port uint16, value uint8)

// In8 reads a byte from the given I/O port.
func In8(port uint16) uint8

// Out16 writes a word to the given I/O port.
func Out16(port uint16, value uint16)

// In16 reads a word from the given I/O port.
func In16(port uint16) uint16
