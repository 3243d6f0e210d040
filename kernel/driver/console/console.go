// Package console implements a direct VGA text-mode writer: the
// io.Writer kfmt attaches to once the kernel has paging enabled and can
// safely address the 0xB8000 framebuffer. It is deliberately trimmed
// down from a general-purpose console driver - no scrollback buffer
// sync, no font/logo machinery, no multi-console switching - since the
// VGA terminal itself is an external collaborator per the kernel's
// scope; this package only needs to exist so kfmt.Printf has somewhere
// to send bytes once the early ring buffer is no longer the only sink.
package console

import (
	"reflect"
	"unsafe"
)

const (
	width, height = 80, 25

	framebufferAddr = uintptr(0xB8000)

	defaultAttr = uint16(0x0700) // light grey on black
)

// VGA is a flat, scroll-on-overflow text console writing directly to the
// VGA text-mode framebuffer.
type VGA struct {
	fb               []uint16
	cursorX, cursorY uint16
}

// New returns a VGA console overlaying the framebuffer at its fixed
// physical address.
func New() *VGA {
	return newAt(framebufferAddr)
}

// newAt overlays a VGA console at addr. Split out of New so tests can point
// it at a real Go-allocated buffer instead of the fixed 0xB8000 address.
func newAt(addr uintptr) *VGA {
	v := &VGA{}
	v.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  width * height,
		Cap:  width * height,
		Data: addr,
	}))
	return v
}

// Write implements io.Writer, the interface kfmt.SetOutputSink expects.
// It interprets '\n' as a line break and scrolls the framebuffer up one
// row whenever the cursor runs off the bottom.
func (v *VGA) Write(p []byte) (int, error) {
	for _, b := range p {
		v.put(b)
	}
	return len(p), nil
}

func (v *VGA) put(b byte) {
	if b == '\n' {
		v.cursorX = 0
		v.cursorY++
	} else {
		v.fb[v.cursorY*width+v.cursorX] = defaultAttr | uint16(b)
		v.cursorX++
		if v.cursorX >= width {
			v.cursorX = 0
			v.cursorY++
		}
	}

	if v.cursorY >= height {
		v.scrollUp()
		v.cursorY = height - 1
	}
}

func (v *VGA) scrollUp() {
	copy(v.fb[:(height-1)*width], v.fb[width:])
	blank := defaultAttr | uint16(' ')
	for i := (height - 1) * width; i < height*width; i++ {
		v.fb[i] = blank
	}
}
