// Package device defines the raw sector-addressable storage interface that
// wfslib's block layer reads and writes through. The device itself (a disk
// image, a USB stick, an MLC partition) is an external collaborator — this
// package only describes the contract and ships an in-memory implementation
// used by tests and by callers who want to work against a byte slice.
package device

import (
	"errors"
	"io"
)

// ErrReadOnly is returned by WriteSectors when the underlying device was opened
// read-only.
var ErrReadOnly = errors.New("device: storage is read-only")

// ErrOutOfRange is returned when a read or write falls outside the device.
var ErrOutOfRange = errors.New("device: sector range out of bounds")

// Device is the minimal sector-level contract the block layer needs from
// the raw storage backing a WFS volume. Implementations are expected to be
// fixed-sector-size, seekable, byte-addressable stores; everything above
// this interface (encryption, hashing, block sizing) lives in blockdevice.
type Device interface {
	// SectorSize returns the size in bytes of one addressable sector.
	SectorSize() int
	// SectorCount returns the total number of sectors on the device.
	SectorCount() int64
	// ReadSectors reads sectorCount sectors starting at sectorAddress into buf.
	// len(buf) must equal sectorCount*SectorSize().
	ReadSectors(sectorAddress int64, sectorCount int, buf []byte) error
	// WriteSectors writes len(buf)/SectorSize() sectors starting at
	// sectorAddress. Returns ErrReadOnly if the device cannot be written to.
	WriteSectors(sectorAddress int64, buf []byte) error
	// ReadOnly reports whether WriteSectors will always fail.
	ReadOnly() bool
}

// Memory is a Device backed by a byte slice, for tests and small tools that
// want to build or inspect a WFS image without a real file on disk.
type Memory struct {
	data       []byte
	sectorSize int
	readOnly   bool
}

// NewMemory allocates a zero-filled in-memory device of the given sector
// size and sector count.
func NewMemory(sectorSize int, sectorCount int64) *Memory {
	return &Memory{
		data:       make([]byte, int64(sectorSize)*sectorCount),
		sectorSize: sectorSize,
	}
}

// NewMemoryFromBytes wraps an existing buffer as a Memory device; the
// buffer's length must be a multiple of sectorSize.
func NewMemoryFromBytes(sectorSize int, data []byte) (*Memory, error) {
	if sectorSize <= 0 || len(data)%sectorSize != 0 {
		return nil, errors.New("device: data length is not a multiple of sector size")
	}
	return &Memory{data: data, sectorSize: sectorSize}, nil
}

func (m *Memory) SetReadOnly(ro bool) { m.readOnly = ro }

func (m *Memory) SectorSize() int { return m.sectorSize }

func (m *Memory) SectorCount() int64 { return int64(len(m.data)) / int64(m.sectorSize) }

func (m *Memory) ReadOnly() bool { return m.readOnly }

func (m *Memory) ReadSectors(sectorAddress int64, sectorCount int, buf []byte) error {
	start := sectorAddress * int64(m.sectorSize)
	length := int64(sectorCount) * int64(m.sectorSize)
	if start < 0 || length < 0 || start+length > int64(len(m.data)) {
		return ErrOutOfRange
	}
	if int64(len(buf)) != length {
		return errors.New("device: buffer size does not match requested sector count")
	}
	copy(buf, m.data[start:start+length])
	return nil
}

func (m *Memory) WriteSectors(sectorAddress int64, buf []byte) error {
	if m.readOnly {
		return ErrReadOnly
	}
	if len(buf)%m.sectorSize != 0 {
		return errors.New("device: write buffer is not a multiple of sector size")
	}
	start := sectorAddress * int64(m.sectorSize)
	end := start + int64(len(buf))
	if start < 0 || end > int64(len(m.data)) {
		return ErrOutOfRange
	}
	copy(m.data[start:end], buf)
	return nil
}

// Bytes exposes the raw backing buffer, mainly for tests that want to
// corrupt bytes directly to exercise hash-mismatch paths.
func (m *Memory) Bytes() []byte { return m.data }

var _ io.ReaderAt = (*readerAtDevice)(nil)

// readerAtDevice adapts a Device to io.ReaderAt at byte granularity, used by
// recovery helpers that want to read raw bytes without going through the
// sector-count contract directly.
type readerAtDevice struct {
	d Device
}

func AsReaderAt(d Device) io.ReaderAt { return readerAtDevice{d: d} }

func (r readerAtDevice) ReadAt(p []byte, off int64) (int, error) {
	ss := r.d.SectorSize()
	firstSector := off / int64(ss)
	lastSector := (off + int64(len(p)) + int64(ss) - 1) / int64(ss)
	buf := make([]byte, (lastSector-firstSector)*int64(ss))
	if err := r.d.ReadSectors(firstSector, int(lastSector-firstSector), buf); err != nil {
		return 0, err
	}
	skip := off - firstSector*int64(ss)
	n := copy(p, buf[skip:])
	return n, nil
}
