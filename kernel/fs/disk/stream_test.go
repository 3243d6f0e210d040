package disk

import (
	"bytes"
	"testing"
)

func mockSectors(t *testing.T, sectors map[uint32][]byte) {
	t.Helper()
	origOut8, origIn8, origIn16 := out8Fn, in8Fn, in16Fn
	t.Cleanup(func() {
		out8Fn, in8Fn, in16Fn = origOut8, origIn8, origIn16
	})

	var curLBA uint32
	out8Fn = func(port uint16, value uint8) {
		switch port {
		case portLBALow:
			curLBA = (curLBA &^ 0xFF) | uint32(value)
		case portLBAMid:
			curLBA = (curLBA &^ (0xFF << 8)) | uint32(value)<<8
		case portLBAHigh:
			curLBA = (curLBA &^ (0xFF << 16)) | uint32(value)<<16
		}
	}
	in8Fn = func(uint16) uint8 { return statusDRQ }

	var readIdx int
	in16Fn = func(uint16) uint16 {
		sector := sectors[curLBA]
		lo := sector[readIdx]
		hi := sector[readIdx+1]
		readIdx += 2
		if readIdx >= SectorSize {
			readIdx = 0
		}
		return uint16(lo) | uint16(hi)<<8
	}
}

func TestStreamReadWithinSector(t *testing.T) {
	sector := make([]byte, SectorSize)
	copy(sector, []byte("hello, disk!"))
	mockSectors(t, map[uint32][]byte{0: sector})

	d, _ := Get(0)
	s := NewStream(d)

	out := make([]byte, len("hello, disk!"))
	if err := s.Read(out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, []byte("hello, disk!")) {
		t.Fatalf("unexpected bytes: %q", out)
	}
	if s.Position() != len(out) {
		t.Fatalf("expected position %d; got %d", len(out), s.Position())
	}
}

func TestStreamReadCrossesSectorBoundary(t *testing.T) {
	sector0 := make([]byte, SectorSize)
	sector1 := make([]byte, SectorSize)
	for i := range sector0 {
		sector0[i] = 'A'
	}
	for i := range sector1 {
		sector1[i] = 'B'
	}
	mockSectors(t, map[uint32][]byte{0: sector0, 1: sector1})

	d, _ := Get(0)
	s := NewStream(d)
	s.Seek(SectorSize - 4)

	out := make([]byte, 8)
	if err := s.Read(out); err != nil {
		t.Fatalf("Read: %v", err)
	}

	exp := append(bytes.Repeat([]byte("A"), 4), bytes.Repeat([]byte("B"), 4)...)
	if !bytes.Equal(out, exp) {
		t.Fatalf("expected %q; got %q", exp, out)
	}
}
