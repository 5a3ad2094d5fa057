// Package subblock implements the buddy allocator that lays out
// variable-size nodes inside a single metadata block (spec §4.5): the
// directory trie's parent-tree and leaf-tree nodes, and any other
// node-shaped record a metadata block carries, are placed by this
// allocator rather than by a separate on-disk free list.
//
// Grounded on the free-list bookkeeping style of util/bitmap (index-based
// free tracking inside a fixed-size region) generalized to a classic
// power-of-two buddy scheme, per spec §4.5.
package subblock

import (
	"encoding/binary"
	"errors"
)

const (
	// MinLog2/MaxLog2 bound the buddy size classes: 8 bytes .. 1024 bytes.
	MinLog2 = 3
	MaxLog2 = 10
	// NumClasses is the number of power-of-two size classes.
	NumClasses = MaxLog2 - MinLog2 + 1

	freeSentinel = 0xFEDC
	nilOffset    = 0xFFFF

	// entrySize is the serialized size of a free-list entry: a 2-byte
	// sentinel, 2-byte next offset, 2-byte prev offset, 1-byte size class.
	entrySize = 7
)

var (
	// ErrInvalidSize is returned for a size outside [1, 1<<MaxLog2].
	ErrInvalidSize = errors.New("subblock: invalid allocation size")
	// ErrNoSpace is returned when no free block of a sufficient class
	// (and none large enough to split) is available.
	ErrNoSpace = errors.New("subblock: no space in block")
	// ErrCorrupted is returned when a free-list walk encounters an entry
	// whose sentinel does not match, signalling on-disk corruption.
	ErrCorrupted = errors.New("subblock: free-list entry corrupted")
)

// Allocator is a buddy allocator whose entire state — free-list heads and
// the free entries themselves — lives inside buf. Two Allocator values
// wrapping the same bytes (e.g. across a block reload) observe identical
// state; nothing is cached outside buf except the in-memory head-pointer
// mirror refreshed by New/Load.
type Allocator struct {
	buf      []byte
	headsOff int // offset of the persisted 8*uint16 head-pointer table
	reserved int // bytes reserved for the header at offset 0

	heads [NumClasses]uint16
}

// reservedSize rounds headerSize plus the head-pointer table up to a
// tileable boundary: a single size class when it fits within 1024 bytes,
// otherwise a run of maximum-class blocks.
func reservedSize(headerSize int) int {
	need := headerSize + 2*NumClasses
	log2 := MinLog2
	for log2 < MaxLog2 && (1<<uint(log2)) < need {
		log2++
	}
	size := 1 << uint(log2)
	for size < need {
		size += 1 << uint(MaxLog2)
	}
	return size
}

// New initializes a fresh allocator over buf: the header (headerSize
// bytes, meant to hold the caller's MetadataBlockHeader plus any
// extra-header fields) plus this allocator's own head-pointer table are
// reserved as an allocated region at offset 0, and every remaining byte is
// tiled into free blocks of the largest class that fits at each position.
func New(buf []byte, headerSize int) *Allocator {
	a := &Allocator{buf: buf, headsOff: headerSize, reserved: reservedSize(headerSize)}
	for i := range a.heads {
		a.heads[i] = nilOffset
	}
	offset := a.reserved
	for offset < len(buf) {
		log2 := MaxLog2
		for log2 > MinLog2 {
			size := 1 << uint(log2)
			if offset%size == 0 && offset+size <= len(buf) {
				break
			}
			log2--
		}
		a.pushFree(offset, log2)
		offset += 1 << uint(log2)
	}
	return a
}

// Load wraps an already-initialized block's bytes, reading the persisted
// head-pointer table back into memory rather than re-tiling.
func Load(buf []byte, headerSize int) *Allocator {
	a := &Allocator{buf: buf, headsOff: headerSize, reserved: reservedSize(headerSize)}
	for i := range a.heads {
		a.heads[i] = binary.BigEndian.Uint16(buf[a.headsOff+2*i : a.headsOff+2*i+2])
	}
	return a
}

// ReservedSize returns the number of bytes occupied by the header and
// this allocator's own bookkeeping at offset 0.
func (a *Allocator) ReservedSize() int { return a.reserved }

func sizeClassFor(size int) (int, bool) {
	if size <= 0 {
		return 0, false
	}
	log2 := MinLog2
	for log2 < MaxLog2 && (1<<uint(log2)) < size {
		log2++
	}
	if 1<<uint(log2) < size {
		return 0, false
	}
	return log2, true
}

func (a *Allocator) persistHeads() {
	for i, h := range a.heads {
		binary.BigEndian.PutUint16(a.buf[a.headsOff+2*i:a.headsOff+2*i+2], h)
	}
}

func (a *Allocator) readEntry(offset uint16) (next, prev uint16, class uint8, err error) {
	b := a.buf[offset : offset+entrySize]
	if binary.BigEndian.Uint16(b[0:2]) != freeSentinel {
		return 0, 0, 0, ErrCorrupted
	}
	return binary.BigEndian.Uint16(b[2:4]), binary.BigEndian.Uint16(b[4:6]), b[6], nil
}

func (a *Allocator) writeEntry(offset, next, prev uint16, class uint8) {
	b := a.buf[offset : offset+entrySize]
	binary.BigEndian.PutUint16(b[0:2], freeSentinel)
	binary.BigEndian.PutUint16(b[2:4], next)
	binary.BigEndian.PutUint16(b[4:6], prev)
	b[6] = class
}

// pushFree inserts offset, of the given size class, at the head of its
// free list.
func (a *Allocator) pushFree(offset, classLog2 int) {
	idx := classLog2 - MinLog2
	off, class := uint16(offset), uint8(classLog2)
	oldHead := a.heads[idx]
	a.writeEntry(off, oldHead, nilOffset, class)
	if oldHead != nilOffset {
		next, _, c, err := a.readEntry(oldHead)
		if err == nil {
			a.writeEntry(oldHead, next, off, c)
		}
	}
	a.heads[idx] = off
	a.persistHeads()
}

// popFree removes and returns the head of classLog2's free list. Callers
// must first confirm the list is non-empty.
func (a *Allocator) popFree(classLog2 int) int {
	idx := classLog2 - MinLog2
	head := a.heads[idx]
	next, _, _, err := a.readEntry(head)
	if err != nil {
		next = nilOffset
	}
	a.heads[idx] = next
	if next != nilOffset {
		if nnext, _, c, err := a.readEntry(next); err == nil {
			a.writeEntry(next, nnext, nilOffset, c)
		}
	}
	a.persistHeads()
	return int(head)
}

// removeFree unlinks offset from classLog2's free list if it is present
// there as a valid free entry, returning whether it was found. Used by
// Free to test and consume a candidate buddy.
func (a *Allocator) removeFree(offset uint16, classLog2 int) bool {
	next, prev, class, err := a.readEntry(offset)
	if err != nil || int(class) != classLog2 {
		return false
	}
	idx := classLog2 - MinLog2
	if prev != nilOffset {
		if pnext, pprev, pclass, err := a.readEntry(prev); err == nil {
			_ = pnext
			a.writeEntry(prev, next, pprev, pclass)
		}
	} else {
		a.heads[idx] = next
	}
	if next != nilOffset {
		if nnext, _, nclass, err := a.readEntry(next); err == nil {
			a.writeEntry(next, nnext, prev, nclass)
		}
	}
	a.persistHeads()
	return true
}

// Alloc reserves a block able to hold size bytes, rounding up to the
// nearest power-of-two size class, splitting a larger free block when the
// exact class has nothing free (spec §4.5).
func (a *Allocator) Alloc(size int) (int, error) {
	classLog2, ok := sizeClassFor(size)
	if !ok {
		return 0, ErrInvalidSize
	}
	return a.allocClass(classLog2)
}

func (a *Allocator) allocClass(classLog2 int) (int, error) {
	if a.heads[classLog2-MinLog2] != nilOffset {
		return a.popFree(classLog2), nil
	}
	if classLog2 == MaxLog2 {
		return 0, ErrNoSpace
	}
	parent, err := a.allocClass(classLog2 + 1)
	if err != nil {
		return 0, err
	}
	buddy := parent + (1 << uint(classLog2))
	a.pushFree(buddy, classLog2)
	return parent, nil
}

// Free returns a previously allocated block of size bytes to the pool,
// coalescing with its buddy at each level while the buddy is itself free,
// up to the maximum class (spec §4.5).
func (a *Allocator) Free(offset, size int) error {
	classLog2, ok := sizeClassFor(size)
	if !ok {
		return ErrInvalidSize
	}
	off := offset
	for classLog2 < MaxLog2 {
		buddy := off ^ (1 << uint(classLog2))
		if !a.removeFree(uint16(buddy), classLog2) {
			break
		}
		if buddy < off {
			off = buddy
		}
		classLog2++
	}
	a.pushFree(off, classLog2)
	return nil
}

// Shrink frees the trailing halves of a block as it shrinks from oldSize
// to newSize, both rounded to their size classes (spec §4.5).
func (a *Allocator) Shrink(offset, oldSize, newSize int) error {
	oldClass, ok := sizeClassFor(oldSize)
	if !ok {
		return ErrInvalidSize
	}
	newClass, ok := sizeClassFor(newSize)
	if !ok {
		return ErrInvalidSize
	}
	if newClass > oldClass {
		return ErrInvalidSize
	}
	for c := newClass; c < oldClass; c++ {
		a.pushFree(offset+(1<<uint(c)), c)
	}
	return nil
}

// CanAlloc reports whether Alloc(size) would succeed, without mutating
// any state.
func (a *Allocator) CanAlloc(size int) bool {
	classLog2, ok := sizeClassFor(size)
	if !ok {
		return false
	}
	for c := classLog2; c <= MaxLog2; c++ {
		if a.heads[c-MinLog2] != nilOffset {
			return true
		}
	}
	return false
}

// GetFreeBytes sums the size of every free block across all classes.
func (a *Allocator) GetFreeBytes() int {
	total := 0
	for i, head := range a.heads {
		classLog2 := MinLog2 + i
		off := head
		for off != nilOffset {
			next, _, _, err := a.readEntry(off)
			if err != nil {
				break
			}
			total += 1 << uint(classLog2)
			off = next
		}
	}
	return total
}
