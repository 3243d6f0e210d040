// Package fat16 implements a read-only FAT16 filesystem driver: BPB
// parsing, case-insensitive 8.3 path resolution, and cluster-chain file
// I/O layered over the disk package's byte-addressable stream.
package fat16

import (
	"bytes"
	"encoding/binary"
	"strings"

	"gopheros/kernel"
	"gopheros/kernel/fs"
	"gopheros/kernel/fs/disk"
)

const (
	bpbSignature    = 0x29
	fatEntrySize    = 2
	badSectorEntry  = 0xFF7
	freeEntryMarker = 0xE5

	attrReadOnly     = 0x01
	attrSubdirectory = 0x10
)

// header is the on-disk BPB plus the FAT16 extended boot record, decoded
// field-by-field in wire order; encoding/binary.Read walks struct fields
// by reflection so the in-memory padding Go may insert between byte
// arrays and multi-byte integers never affects what gets parsed.
type header struct {
	ShortJmp          [3]byte
	OEMIdentifier     [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	FATCopies         uint8
	RootDirEntries    uint16
	NumberOfSectors   uint16
	MediaType         uint8
	SectorsPerFAT     uint16
	SectorsPerTrack   uint16
	NumberOfHeads     uint16
	HiddenSectors     uint32
	SectorsBig        uint32

	DriveNumber     uint8
	WinNTBit        uint8
	Signature       uint8
	VolumeID        uint32
	VolumeIDString  [11]byte
	SystemIDString  [8]byte
}

// directoryItem is a single 32-byte FAT16 directory entry.
type directoryItem struct {
	Filename           [8]byte
	Ext                [3]byte
	Attribute          uint8
	Reserved           uint8
	CreationTimeTenths uint8
	CreationTime       uint16
	CreationDate       uint16
	LastAccess         uint16
	HighCluster        uint16
	LastModTime        uint16
	LastModDate        uint16
	LowCluster         uint16
	FileSize           uint32
}

func (it directoryItem) firstCluster() uint32 {
	return uint32(it.HighCluster)<<16 | uint32(it.LowCluster)
}

// relativeName reconstructs the "NAME.EXT" form of a directory entry,
// trimming the trailing spaces the 8+3 fixed-width fields pad with.
func (it directoryItem) relativeName() string {
	name := strings.TrimRight(string(it.Filename[:]), " \x00")
	ext := strings.TrimRight(string(it.Ext[:]), " \x00")
	if ext == "" {
		return name
	}
	return name + "." + ext
}

func (it directoryItem) isDirectory() bool { return it.Attribute&attrSubdirectory != 0 }

// directory is a cached listing: every live entry in a FAT16 directory
// table (the root, or a loaded subdirectory), in on-disk order.
type directory struct {
	items      []directoryItem
	endSector  int
}

// itemKind distinguishes a resolved path entry that is a plain file from
// one that is a subdirectory.
type itemKind int

const (
	kindFile itemKind = iota
	kindDirectory
)

// item is the result of resolving one path; exactly one of file/dir is
// set, selected by kind.
type item struct {
	kind itemKind
	file *directoryItem
	dir  *directory
}

// fileDescriptor is the opaque handle fs.Filesystem.Open hands back.
type fileDescriptor struct {
	item *item
	pos  uint32
}

// stream is the minimal byte-addressable cursor fat16 needs; *disk.Stream
// satisfies it. Depending on this narrow interface (rather than the
// concrete type) is what lets tests substitute an in-memory disk image.
type stream interface {
	Seek(position int)
	Read(out []byte) *kernel.Error
}

// newStreamFn constructs a stream over a disk; tests override it to
// return a stream backed by a byte slice instead of real hardware ports.
var newStreamFn = func(d *disk.Disk) stream { return disk.NewStream(d) }

// private is the FAT16 driver's per-disk state: the decoded header, the
// cached root directory, and three independent streams so that reading a
// FAT entry, a cluster's data and a directory listing never clobber one
// another's cursor.
type private struct {
	hdr  header
	root directory

	clusterStream stream
	fatStream     stream
	dirStream     stream

	sectorSize int
}

func (p *private) clusterBytes() int {
	return int(p.hdr.SectorsPerCluster) * p.sectorSize
}

func (p *private) firstFATSector() int {
	return int(p.hdr.ReservedSectors)
}

func (p *private) clusterToSector(cluster uint32) int {
	return p.root.endSector + int(cluster-2)*int(p.hdr.SectorsPerCluster)
}

// FS implements fs.Filesystem for read-only FAT16 volumes.
type FS struct{}

// New returns a FAT16 filesystem driver ready to be passed to fs.Register.
func New() *FS { return &FS{} }

// Name implements fs.Filesystem.
func (*FS) Name() string { return "FAT16" }

// Resolve implements fs.Filesystem: it reads the BPB from sector 0 and
// claims the disk if the extended boot record carries the FAT16
// signature, caching the root directory listing as a side effect.
func (*FS) Resolve(d *disk.Disk) *kernel.Error {
	p := &private{sectorSize: disk.SectorSize}
	p.clusterStream = newStreamFn(d)
	p.fatStream = newStreamFn(d)
	p.dirStream = newStreamFn(d)

	headerStream := newStreamFn(d)
	var raw [512]byte
	if err := headerStream.Read(raw[:]); err != nil {
		return err
	}
	if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &p.hdr); err != nil {
		return kernel.ErrIO
	}
	if p.hdr.Signature != bpbSignature {
		return kernel.ErrFSNotUs
	}

	if err := loadRootDirectory(d, p); err != nil {
		return err
	}

	d.SetFSPrivate(p)
	return nil
}

func loadRootDirectory(d *disk.Disk, p *private) *kernel.Error {
	rootSector := int(p.hdr.FATCopies)*int(p.hdr.SectorsPerFAT) + int(p.hdr.ReservedSectors)
	rootSize := int(p.hdr.RootDirEntries) * 32
	totalSectors := rootSize / p.sectorSize
	if rootSize%p.sectorSize != 0 {
		totalSectors++
	}

	p.dirStream.Seek(rootSector * p.sectorSize)

	items, err := readDirectoryItems(p.dirStream, int(p.hdr.RootDirEntries))
	if err != nil {
		return err
	}

	p.root = directory{
		items:     items,
		endSector: rootSector + totalSectors,
	}
	return nil
}

// readDirectoryItems reads up to maxEntries 32-byte directory entries from
// s (already positioned at the start of the directory), stopping at a
// 0x00 filename byte (end of listing) and skipping 0xE5 (free) entries.
func readDirectoryItems(s stream, maxEntries int) ([]directoryItem, *kernel.Error) {
	items := make([]directoryItem, 0, maxEntries)
	var raw [32]byte
	for i := 0; i < maxEntries; i++ {
		if err := s.Read(raw[:]); err != nil {
			return nil, err
		}
		if raw[0] == 0x00 {
			break
		}
		if raw[0] == freeEntryMarker {
			continue
		}
		var it directoryItem
		if err := binary.Read(bytes.NewReader(raw[:]), binary.LittleEndian, &it); err != nil {
			return nil, kernel.ErrIO
		}
		items = append(items, it)
	}
	return items, nil
}

func loadSubdirectory(d *disk.Disk, p *private, parent *directoryItem) (*directory, *kernel.Error) {
	cluster := parent.firstCluster()
	sector := p.clusterToSector(cluster)

	s := newStreamFn(d)
	s.Seek(sector * p.sectorSize)

	maxEntries := p.clusterBytes() / 32
	items, err := readDirectoryItems(s, maxEntries)
	if err != nil {
		return nil, err
	}
	return &directory{items: items, endSector: p.root.endSector}, nil
}

func findInDirectory(dir *directory, name string) *directoryItem {
	for i := range dir.items {
		if strings.EqualFold(dir.items[i].relativeName(), name) {
			return &dir.items[i]
		}
	}
	return nil
}

// resolvePath walks part (and its siblings via Next) starting at the
// cached root directory, descending into subdirectories as needed.
func resolvePath(d *disk.Disk, p *private, part *fs.PathPart) (*item, *kernel.Error) {
	found := findInDirectory(&p.root, part.Name)
	if found == nil {
		return nil, kernel.ErrIO
	}

	cur, err := itemForDirectoryEntry(d, p, found)
	if err != nil {
		return nil, err
	}

	for next := part.Next; next != nil; next = next.Next {
		if cur.kind != kindDirectory {
			return nil, kernel.ErrIO
		}
		found = findInDirectory(cur.dir, next.Name)
		if found == nil {
			return nil, kernel.ErrIO
		}
		cur, err = itemForDirectoryEntry(d, p, found)
		if err != nil {
			return nil, err
		}
	}

	return cur, nil
}

func itemForDirectoryEntry(d *disk.Disk, p *private, entry *directoryItem) (*item, *kernel.Error) {
	if entry.isDirectory() {
		dir, err := loadSubdirectory(d, p, entry)
		if err != nil {
			return nil, err
		}
		return &item{kind: kindDirectory, dir: dir}, nil
	}
	copied := *entry
	return &item{kind: kindFile, file: &copied}, nil
}

// Open implements fs.Filesystem.
func (*FS) Open(d *disk.Disk, path *fs.PathPart, mode fs.Mode) (interface{}, *kernel.Error) {
	if mode != fs.ModeRead {
		return nil, kernel.ErrReadOnly
	}

	p, ok := d.FSPrivate().(*private)
	if !ok {
		return nil, kernel.ErrIO
	}

	resolved, err := resolvePath(d, p, path)
	if err != nil {
		return nil, err
	}

	return &fileDescriptor{item: resolved}, nil
}

// fatEntry reads the FAT table entry for cluster.
func fatEntry(p *private, cluster uint32) (uint16, *kernel.Error) {
	tablePos := p.firstFATSector() * p.sectorSize
	p.fatStream.Seek(tablePos + int(cluster)*fatEntrySize)

	var raw [2]byte
	if err := p.fatStream.Read(raw[:]); err != nil {
		return 0, err
	}
	return uint16(raw[0]) | uint16(raw[1])<<8, nil
}

// clusterForOffset follows the FAT chain starting at startCluster forward
// offset/clusterBytes links and returns the cluster that byte offset
// falls within.
func clusterForOffset(p *private, startCluster uint32, offset int) (uint32, *kernel.Error) {
	clusterAhead := offset / p.clusterBytes()
	cluster := startCluster

	for i := 0; i < clusterAhead; i++ {
		entry, err := fatEntry(p, cluster)
		if err != nil {
			return 0, err
		}
		switch entry {
		case 0x000, 0xFF0, 0xFF6, badSectorEntry, 0xFF8, 0xFFF:
			return 0, kernel.ErrIO
		}
		cluster = uint32(entry)
	}
	return cluster, nil
}

// readFromStream reads totalBytes starting at byte offset offset into a
// file whose data begins at startCluster, recursing across cluster
// boundaries one cluster at a time.
func readFromStream(d *disk.Disk, p *private, s stream, startCluster uint32, offset, totalBytes int, out []byte) *kernel.Error {
	cluster, err := clusterForOffset(p, startCluster, offset)
	if err != nil {
		return err
	}

	clusterBytes := p.clusterBytes()
	offsetInCluster := offset % clusterBytes
	sector := p.clusterToSector(cluster)
	startPos := sector*p.sectorSize + offsetInCluster

	toRead := totalBytes
	if toRead > clusterBytes-offsetInCluster {
		toRead = clusterBytes - offsetInCluster
	}

	s.Seek(startPos)
	if err := s.Read(out[:toRead]); err != nil {
		return err
	}

	remaining := totalBytes - toRead
	if remaining > 0 {
		return readFromStream(d, p, s, startCluster, offset+toRead, remaining, out[toRead:])
	}
	return nil
}

// Read implements fs.Filesystem.
func (*FS) Read(d *disk.Disk, handle interface{}, size, nmemb uint32, out []byte) (int, *kernel.Error) {
	desc := handle.(*fileDescriptor)
	if desc.item.kind != kindFile {
		return 0, kernel.ErrInvalidArgument
	}

	p, ok := d.FSPrivate().(*private)
	if !ok {
		return 0, kernel.ErrIO
	}

	cluster := desc.item.file.firstCluster()
	offset := int(desc.pos)

	for i := uint32(0); i < nmemb; i++ {
		dst := out[int(i)*int(size) : int(i+1)*int(size)]
		if err := readFromStream(d, p, p.clusterStream, cluster, offset, int(size), dst); err != nil {
			return int(i), err
		}
		offset += int(size)
		desc.pos += size
	}
	return int(nmemb), nil
}

// Seek implements fs.Filesystem.
func (*FS) Seek(handle interface{}, offset uint32, whence fs.SeekMode) *kernel.Error {
	desc := handle.(*fileDescriptor)
	if desc.item.kind != kindFile {
		return kernel.ErrInvalidArgument
	}
	if offset >= desc.item.file.FileSize {
		return kernel.ErrIO
	}

	switch whence {
	case fs.SeekSet:
		desc.pos = offset
	case fs.SeekCur:
		desc.pos += offset
	case fs.SeekEnd:
		return kernel.ErrUnimplemented
	default:
		return kernel.ErrInvalidArgument
	}
	return nil
}

// Stat implements fs.Filesystem.
func (*FS) Stat(d *disk.Disk, handle interface{}, st *fs.Stat) *kernel.Error {
	desc := handle.(*fileDescriptor)
	if desc.item.kind != kindFile {
		return kernel.ErrInvalidArgument
	}
	st.FileSize = desc.item.file.FileSize
	st.ReadOnly = desc.item.file.Attribute&attrReadOnly != 0
	return nil
}

// Close implements fs.Filesystem.
func (*FS) Close(handle interface{}) *kernel.Error {
	return nil
}
