package task

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/vmm"
)

// maxCopyString bounds a single CopyStringFromTask call to one page, the
// largest a syscall argument string is ever allowed to be.
const maxCopyString = uintptr(mem.PageSize)

var (
	switchFn  = vmm.Switch
	activeFn  = vmm.Active
	errTooBig = &kernel.Error{Module: "task", Message: "copy size exceeds one page"}
)

// CopyStringFromTask copies up to n bytes of a NUL-terminated string
// starting at userVAddr in t's address space into dst, which must have
// len(dst) >= n. It never dereferences a user virtual address while the
// kernel page directory is loaded: it switches CR3 to t's own directory -
// which already maps the task's memory, userVAddr included - performs the
// copy, then switches back to the directory that was active on entry.
func CopyStringFromTask(t *Task, userVAddr uintptr, dst []byte, n int) *kernel.Error {
	if uintptr(n) > maxCopyString {
		return errTooBig
	}

	kernelDir := activeFn()
	switchFn(t.Directory)
	src := kernel.BytesAt(userVAddr, n)
	copied := 0
	for copied < n {
		dst[copied] = src[copied]
		if src[copied] == 0 {
			copied++
			break
		}
		copied++
	}
	switchFn(kernelDir)

	return nil
}

// GetStackItem reads the i'th 32-bit word above t's saved stack pointer
// in its own address space - the mechanism isr80h uses to read a
// syscall's arguments, which the user program pushed onto its own stack
// before executing INT 0x80. It translates the word's address through t's
// page directory (switching to it for the translation and back to the
// previously active directory), then reads the word at the resulting
// physical address; the read itself happens after the switch back.
func GetStackItem(t *Task, i int) (uint32, *kernel.Error) {
	kernelDir := activeFn()
	switchFn(t.Directory)
	paddr, verr := vmm.VirtualToPhysical(t.Directory, uintptr(t.Registers.ESP)+uintptr(i)*4)
	switchFn(kernelDir)
	if verr != nil {
		return 0, verr
	}

	word := kernel.BytesAt(paddr, 4)
	return uint32(word[0]) | uint32(word[1])<<8 | uint32(word[2])<<16 | uint32(word[3])<<24, nil
}
