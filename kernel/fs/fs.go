// Package fs implements the kernel's filesystem-abstraction layer: an
// ordered registry of pluggable filesystem drivers (only FAT16 is ever
// registered, but the dispatch is generic) and the POSIX-flavored
// fopen/fread/fseek/fstat/fclose surface every other kernel subsystem
// (the ELF loader, a process's own syscalls) is built on.
package fs

import (
	"gopheros/kernel"
	"gopheros/kernel/fs/disk"
)

// MaxFilesystems bounds the number of filesystem drivers that can be
// registered at once.
const MaxFilesystems = 12

// MaxFileDescriptors bounds the number of files open system-wide at once.
// Descriptor 0 is reserved to mean "no descriptor"; valid descriptors are
// indices 1..MaxFileDescriptors.
const MaxFileDescriptors = 512

// Mode is a file open mode.
type Mode int

// Only ModeRead is actually supported. ModeWrite and ModeAppend are the
// recognized "w"/"a" mode strings: FOpen returns 0 for them without calling
// the filesystem, and a filesystem's Open rejects them with ErrReadOnly.
const (
	ModeRead Mode = iota
	ModeWrite
	ModeAppend
	modeInvalid
)

// SeekMode selects the reference point for Seek.
type SeekMode int

const (
	SeekSet SeekMode = iota
	SeekCur
	SeekEnd
)

// Stat describes a file's size and flags.
type Stat struct {
	FileSize uint32
	ReadOnly bool
}

// Filesystem is the capability set a filesystem driver implements. It is
// intentionally small and stateless at the type level: per-disk state is
// bound to the disk by Resolve, and per-open state lives behind the opaque
// handle Open returns, which every other method receives back unexamined.
type Filesystem interface {
	// Name returns a short human-readable identifier (e.g. "FAT16").
	Name() string

	// Resolve reports whether this filesystem recognizes the on-disk
	// layout of d, binding any private per-disk state it needs as a side
	// effect of a successful resolve.
	Resolve(d *disk.Disk) *kernel.Error

	// Open resolves path within the filesystem previously bound to d and
	// returns an opaque per-open handle.
	Open(d *disk.Disk, path *PathPart, mode Mode) (interface{}, *kernel.Error)

	// Read reads nmemb records of size bytes each from handle into out,
	// returning the number of complete records read.
	Read(d *disk.Disk, handle interface{}, size, nmemb uint32, out []byte) (int, *kernel.Error)

	// Seek repositions handle per whence.
	Seek(handle interface{}, offset uint32, whence SeekMode) *kernel.Error

	// Stat fills in st for the file behind handle.
	Stat(d *disk.Disk, handle interface{}, st *Stat) *kernel.Error

	// Close releases any resources associated with handle.
	Close(handle interface{}) *kernel.Error
}

var registry [MaxFilesystems]Filesystem

var (
	errNoFreeSlot = &kernel.Error{Module: "fs", Message: "no free filesystem registry slot"}
)

// Register inserts fs into the first free registry slot. It is normally
// only called once per filesystem driver, at boot.
func Register(f Filesystem) *kernel.Error {
	for i := range registry {
		if registry[i] == nil {
			registry[i] = f
			return nil
		}
	}
	return errNoFreeSlot
}

// Resolve walks the registered filesystems in registration order and
// returns the first one that claims d, binding it to d as a side effect.
func Resolve(d *disk.Disk) (Filesystem, *kernel.Error) {
	for _, candidate := range registry {
		if candidate == nil {
			continue
		}
		if err := candidate.Resolve(d); err == nil {
			d.SetFilesystem(candidate)
			return candidate, nil
		}
	}
	return nil, kernel.ErrFSNotUs
}

// fileDescriptor is the dispatch layer's view of one open file: which
// filesystem and disk it belongs to, plus that filesystem's own opaque
// per-open handle.
type fileDescriptor struct {
	fs      Filesystem
	disk    *disk.Disk
	private interface{}
}

var descriptors [MaxFileDescriptors]*fileDescriptor

func newDescriptor() (int, *fileDescriptor) {
	for i := range descriptors {
		if descriptors[i] == nil {
			fd := &fileDescriptor{}
			descriptors[i] = fd
			return i + 1, fd
		}
	}
	return 0, nil
}

func getDescriptor(fd int) *fileDescriptor {
	if fd <= 0 || fd > MaxFileDescriptors {
		return nil
	}
	return descriptors[fd-1]
}

func freeDescriptor(fd int) {
	if fd <= 0 || fd > MaxFileDescriptors {
		return
	}
	descriptors[fd-1] = nil
}

// modeFromString resolves the C-style "r"/"w"/"a" mode string fopen
// accepts.
func modeFromString(s string) Mode {
	switch s {
	case "r":
		return ModeRead
	case "w":
		return ModeWrite
	case "a":
		return ModeAppend
	default:
		return modeInvalid
	}
}

// GetDisk resolves a drive number to a disk. It is a thin wrapper kept
// here (rather than imported directly from kernel/fs/disk by callers) so
// that tests can substitute a fake disk registry.
var GetDisk = disk.Get

// FOpen opens filename (e.g. "0:/bin/hello.elf") with the given C-style
// mode string and returns a positive file descriptor, or 0 on any
// failure. Per the spec, FOpen never returns a negative value: every
// internal error collapses to 0 at this boundary.
func FOpen(filename, modeStr string) int {
	root, err := ParsePath(filename)
	if err != nil || root.First == nil {
		return 0
	}

	d, err := GetDisk(root.DriveNo)
	if err != nil {
		return 0
	}

	fsImpl, _ := d.Filesystem().(Filesystem)
	if fsImpl == nil {
		return 0
	}

	mode := modeFromString(modeStr)
	if mode == modeInvalid {
		return 0
	}
	if mode != ModeRead {
		return 0
	}

	private, err := fsImpl.Open(d, root.First, mode)
	if err != nil {
		return 0
	}

	fd, desc := newDescriptor()
	if desc == nil {
		return 0
	}
	desc.fs = fsImpl
	desc.disk = d
	desc.private = private
	return fd
}

// FRead reads nmemb records of size bytes each from fd into out, returning
// the number of complete records read or a negative kernel.Error code via
// the second return value's presence.
func FRead(out []byte, size, nmemb uint32, fd int) (int, *kernel.Error) {
	if size == 0 || nmemb == 0 || fd < 1 {
		return 0, kernel.ErrIO
	}
	desc := getDescriptor(fd)
	if desc == nil {
		return 0, kernel.ErrInvalidArgument
	}
	return desc.fs.Read(desc.disk, desc.private, size, nmemb, out)
}

// FSeek repositions fd's cursor per whence.
func FSeek(fd int, offset uint32, whence SeekMode) *kernel.Error {
	desc := getDescriptor(fd)
	if desc == nil {
		return kernel.ErrIO
	}
	return desc.fs.Seek(desc.private, offset, whence)
}

// FStat fills st for fd.
func FStat(fd int, st *Stat) *kernel.Error {
	desc := getDescriptor(fd)
	if desc == nil {
		return kernel.ErrIO
	}
	return desc.fs.Stat(desc.disk, desc.private, st)
}

// FClose releases fd.
func FClose(fd int) *kernel.Error {
	desc := getDescriptor(fd)
	if desc == nil {
		return kernel.ErrIO
	}
	if err := desc.fs.Close(desc.private); err != nil {
		return err
	}
	freeDescriptor(fd)
	return nil
}
