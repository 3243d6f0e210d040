package fs

import (
	"gopheros/kernel"
	"strconv"
	"strings"
)

// MaxPath is the longest path string the kernel will parse, matching the
// fixed-size path buffers used throughout the original C filesystem code.
const MaxPath = 108

// PathPart is one '/'-separated component of a path below the drive
// letter, e.g. the "bin" in "0:/bin/hello.elf".
type PathPart struct {
	Name string
	Next *PathPart
}

// Path is the parsed form of a "D:/part1/part2/..." literal.
type Path struct {
	DriveNo int
	First   *PathPart
}

// ParsePath parses a path literal of the form "D:/name1/name2/...", where
// D is a single decimal digit identifying the drive. It returns
// ErrBadPath for anything that does not match that shape, including an
// input longer than MaxPath.
func ParsePath(path string) (*Path, *kernel.Error) {
	if len(path) > MaxPath {
		return nil, kernel.ErrBadPath
	}
	if len(path) < 3 || path[0] < '0' || path[0] > '9' || path[1] != ':' || path[2] != '/' {
		return nil, kernel.ErrBadPath
	}

	driveNo := int(path[0] - '0')
	rest := path[3:]

	root := &Path{DriveNo: driveNo}

	var head, tail *PathPart
	for _, segment := range strings.Split(rest, "/") {
		if segment == "" {
			continue
		}
		part := &PathPart{Name: segment}
		if head == nil {
			head = part
		} else {
			tail.Next = part
		}
		tail = part
	}

	root.First = head
	return root, nil
}

// Format reconstructs the literal path string, the inverse of ParsePath:
// ParsePath(s).Format() == s for any valid s.
func (p *Path) Format() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(p.DriveNo))
	b.WriteString(":/")
	for part := p.First; part != nil; part = part.Next {
		b.WriteString(part.Name)
		if part.Next != nil {
			b.WriteByte('/')
		}
	}
	return b.String()
}

// Parts returns the path's components as a plain slice, convenient for
// tests and for filesystems that want to walk them with a for-range loop.
func (p *Path) Parts() []string {
	var out []string
	for part := p.First; part != nil; part = part.Next {
		out = append(out, part.Name)
	}
	return out
}
