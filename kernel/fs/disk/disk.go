// Package disk provides block-level access to the boot disk using the
// legacy ATA PIO interface (LBA28 addressing, ports 0x1F0-0x1F7).
package disk

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
)

// SectorSize is the size in bytes of a single disk sector.
const SectorSize = 512

const (
	portData       = 0x1F0
	portSectorCnt  = 0x1F2
	portLBALow     = 0x1F3
	portLBAMid     = 0x1F4
	portLBAHigh    = 0x1F5
	portDriveHead  = 0x1F6
	portCommand    = 0x1F7
	portStatus     = 0x1F7
	cmdReadSectors = 0x20
	statusDRQ      = 0x08
)

// the following functions are mocked by tests and are automatically inlined
// by the compiler.
var (
	out8Fn = cpu.Out8
	in8Fn  = cpu.In8
	in16Fn = cpu.In16
)

// Disk represents a single block device. Only one real disk (id 0) is ever
// present; the type exists so callers have a concrete value to thread
// through the filesystem layer.
//
// fs and fsPrivate hold the filesystem that claimed this disk during
// resolution and that filesystem's private per-disk state. Both are typed
// as interface{} so this package does not need to import the filesystem
// dispatch layer (kernel/fs) to store them; kernel/fs owns the concrete
// Filesystem type and type-asserts its way back in.
type Disk struct {
	id        int
	fs        interface{}
	fsPrivate interface{}
}

// Filesystem returns the filesystem bound to this disk by a prior
// successful Resolve, or nil if none has resolved it yet.
func (d *Disk) Filesystem() interface{} {
	return d.fs
}

// SetFilesystem binds the filesystem that claimed this disk.
func (d *Disk) SetFilesystem(fs interface{}) {
	d.fs = fs
}

// FSPrivate returns the filesystem's private per-disk state.
func (d *Disk) FSPrivate() interface{} {
	return d.fsPrivate
}

// SetFSPrivate stores the filesystem's private per-disk state.
func (d *Disk) SetFSPrivate(p interface{}) {
	d.fsPrivate = p
}

var (
	disk0 = &Disk{id: 0}

	errNoSuchDisk = &kernel.Error{Module: "disk", Message: "no such disk"}
)

// Init probes the disk hardware. There is exactly one disk in this kernel so
// this is a formality kept for symmetry with the boot sequence.
func Init() {}

// Get returns the disk with the given index, or errNoSuchDisk if index does
// not refer to a known disk.
func Get(index int) (*Disk, *kernel.Error) {
	if index != 0 {
		return nil, errNoSuchDisk
	}
	return disk0, nil
}

// ReadBlocks reads count consecutive sectors starting at lba into out, which
// must be at least count*SectorSize bytes long.
func (d *Disk) ReadBlocks(lba uint32, count int, out []byte) *kernel.Error {
	if d != disk0 {
		return kernel.ErrIO
	}
	return readSectors(lba, count, out)
}

// readSectors performs the LBA28 PIO read sequence: select the drive and
// starting sector, issue the read command, then poll DRQ and drain 256
// 16-bit words per sector.
func readSectors(lba uint32, count int, out []byte) *kernel.Error {
	out8Fn(portDriveHead, uint8(lba>>24)|0xE0)
	out8Fn(portSectorCnt, uint8(count))
	out8Fn(portLBALow, uint8(lba))
	out8Fn(portLBAMid, uint8(lba>>8))
	out8Fn(portLBAHigh, uint8(lba>>16))
	out8Fn(portCommand, cmdReadSectors)

	for sector := 0; sector < count; sector++ {
		for in8Fn(portStatus)&statusDRQ == 0 {
		}

		base := sector * SectorSize
		for i := 0; i < SectorSize; i += 2 {
			word := in16Fn(portData)
			out[base+i] = uint8(word)
			out[base+i+1] = uint8(word >> 8)
		}
	}

	return nil
}
