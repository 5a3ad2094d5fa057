// Package file implements WFS's file storage engine (spec §4.7): the five
// graduated storage categories a file's bytes can live in, and the
// FileResizer that migrates a file between them as it grows and shrinks.
//
// Grounded on iso9660's fixed-size directory record + extent addressing
// (filesystem/iso9660/directory.go, directory_entry.go: a file's payload
// is one or more extent descriptors read without in-place mutation) for
// the read path's descriptor-then-load shape, generalized here to five
// graduated descriptor shapes instead of iso9660's single contiguous
// extent. The migration copy loop is grounded on the teacher's
// sync.CopyFileSystem chunked-copy idiom (copy in fixed-size chunks
// through an intermediate buffer rather than loading a whole file at
// once).
package file

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/allocator"
	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/directory"
)

// DataType categories (spec §4.7's five storage categories).
const (
	Inline = iota
	Single
	Large
	Cluster
	ExtendedCluster
)

// Per-category block-count limits (spec §4.7 "Storage invariants").
const (
	maxSingleBlocks = 5
	maxLargeBlocks  = 5
	maxClusters     = 4
)

// copyChunkSize is the migration copy loop's buffer size (spec §4.7 item
// 3: "copy the data in chunks of 64 KiB").
const copyChunkSize = 64 * 1024

const (
	singleLargeEntrySize = 4 + 20   // {u32 block_number, [20]byte hash}
	clusterEntrySize     = 4 + 8*20 // {u32 block_number, [8][20]byte hashes}
	extBlockPointerSize  = 4        // {u32 metadata_block_number}
)

var (
	// ErrInvalidOffset is returned by Read/write paths for an out-of-range
	// byte offset.
	ErrInvalidOffset = errors.New("file: offset out of range")
	// ErrFileDataCorrupted mirrors spec §7's FileDataCorrupted.
	ErrFileDataCorrupted = errors.New("file: data corrupted")
)

// File is one WFS file's payload (spec §4.7), addressed through the
// QuotaArea owning its blocks and the metadata block holding its
// Attributes record (needed to locate each data block's verifying hash
// slot, which lives inside that same Attributes record's tail).
type File struct {
	quota    *area.QuotaArea
	parent   *blockdevice.Block
	attrsOff int
	attrs    directory.Attributes
}

// Open wraps an existing file whose Attributes record sits at attrsOff
// inside parent (a directory leaf-tree metadata block).
func Open(quota *area.QuotaArea, parent *blockdevice.Block, attrsOff int, attrs directory.Attributes) *File {
	return &File{quota: quota, parent: parent, attrsOff: attrsOff, attrs: attrs}
}

// Attributes returns the file's current Attributes record; callers
// persist it back into the owning DirectoryMap after a Write/Resize.
func (f *File) Attributes() directory.Attributes { return f.attrs }

// Size returns the file's logical length (spec §3 "file_size").
func (f *File) Size() int64 { return int64(f.attrs.FileSizeOrQuotaCount) }

func (f *File) unitSize(category int) int64 {
	switch category {
	case Single:
		return 1 << f.quota.BlockSizeLog2()
	case Large:
		return 1 << f.quota.LargeBlockSizeLog2()
	default: // Cluster, ExtendedCluster
		return 1 << f.quota.ClusterBlockSizeLog2()
	}
}

// inlineCapacity is the largest inline payload this file's current
// filename can share a sub-block allocation with (spec §4.7 category 0's
// trigger, "metadata_payload_capacity"): the directory leaf block's
// largest buddy-allocator size class, minus the fixed Attributes prefix
// and this name's case bitmap.
func (f *File) inlineCapacity() int64 {
	bmLen := (int(f.attrs.FilenameLength) + 7) / 8
	cap := maxAttributesRecordSize - directory.FixedAttributesSize - bmLen
	if cap < 0 {
		return 0
	}
	return int64(cap)
}

const maxAttributesRecordSize = 1 << 10 // subblock.MaxLog2

func blocksNeeded(size, unit int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + unit - 1) / unit
}

// targetCategory picks the lowest-capacity category able to hold size
// bytes under filenameLen's inline budget (spec §4.7's category table).
func (f *File) targetCategory(size int64) int {
	if size <= f.inlineCapacity() {
		return Inline
	}
	if blocksNeeded(size, f.unitSize(Single)) <= maxSingleBlocks {
		return Single
	}
	if blocksNeeded(size, f.unitSize(Large)) <= maxLargeBlocks {
		return Large
	}
	if blocksNeeded(size, f.unitSize(Cluster)) <= maxClusters {
		return Cluster
	}
	return ExtendedCluster
}

// sizeOnDiskFor returns the allocated byte count a given (category, size)
// pair would occupy (spec §4.7 "Storage invariants": size_on_disk ==
// blocks*block_size except Category 0 where it equals file_size).
func (f *File) sizeOnDiskFor(category int, size int64) int64 {
	if category == Inline {
		return size
	}
	unit := f.unitSize(category)
	return blocksNeeded(size, unit) * unit
}

// Read fills p from the file's logical content starting at offset,
// dispatching by storage category (spec §4.7 "Reading at byte offset o").
func (f *File) Read(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ErrInvalidOffset
	}
	remaining := f.Size() - offset
	if remaining <= 0 {
		return 0, nil
	}
	n := int64(len(p))
	if n > remaining {
		n = remaining
	}
	switch f.attrs.Category {
	case Inline:
		copy(p[:n], f.attrs.Tail[offset:offset+n])
		return int(n), nil
	case Single, Large:
		return f.readBlocks(p[:n], offset, int(f.attrs.Category))
	case Cluster:
		return f.readCluster(p[:n], offset, f.attrs.Tail, f.tailBase(), f.parent)
	case ExtendedCluster:
		return f.readExtendedCluster(p[:n], offset)
	}
	return 0, ErrFileDataCorrupted
}

// tailBase is the byte offset, inside f.parent's own buffer, where this
// file's Attributes tail begins: past the fixed prefix and case bitmap.
func (f *File) tailBase() int {
	return f.attrsOff + directory.FixedAttributesSize + (int(f.attrs.FilenameLength)+7)/8
}

func (f *File) readBlocks(p []byte, offset int64, category int) (int, error) {
	unit := f.unitSize(category)
	blockType := allocator.Single
	if category == Large {
		blockType = allocator.Large
	}
	base := f.tailBase()
	read := 0
	for read < len(p) {
		idx := (offset + int64(read)) / unit
		inBlock := (offset + int64(read)) % unit
		entryOff := int(idx) * singleLargeEntrySize
		if entryOff+singleLargeEntrySize > len(f.attrs.Tail) {
			return read, ErrFileDataCorrupted
		}
		blockNumber := binary.BigEndian.Uint32(f.attrs.Tail[entryOff : entryOff+4])
		hashRef := blockdevice.HashRef{Parent: f.parent, Offset: base + entryOff + 4}
		b, err := f.quota.LoadDataBlock(blockNumber, blockType, hashRef, false, true)
		if err != nil {
			return read, fmt.Errorf("file: read block %d: %w", blockNumber, err)
		}
		n := copy(p[read:], b.Bytes()[inBlock:])
		b.Release()
		read += n
	}
	return read, nil
}

// readCluster resolves offset within a single cluster entry's contiguous
// range (spec §4.7 category 3): parent/hashBase locate the entry's 4-byte
// block number and verifying hash inside hashParent's buffer (f.parent for
// a plain Category-3 file, or an extended-cluster metadata block for
// Category 4), loaded and verified as one whole-cluster block (see
// DESIGN.md for why only the entry's first of eight hash slots is used).
func (f *File) readCluster(p []byte, offset int64, tail []byte, hashBase int, hashParent *blockdevice.Block) (int, error) {
	unit := f.unitSize(Cluster)
	read := 0
	for read < len(p) {
		idx := (offset + int64(read)) / unit
		inBlock := (offset + int64(read)) % unit
		entryOff := int(idx) * clusterEntrySize
		if entryOff+clusterEntrySize > len(tail) {
			return read, ErrFileDataCorrupted
		}
		blockNumber := binary.BigEndian.Uint32(tail[entryOff : entryOff+4])
		hashRef := blockdevice.HashRef{Parent: hashParent, Offset: hashBase + entryOff + 4}
		b, err := f.quota.LoadDataBlock(blockNumber, allocator.Cluster, hashRef, false, true)
		if err != nil {
			return read, fmt.Errorf("file: read cluster %d: %w", blockNumber, err)
		}
		n := copy(p[read:], b.Bytes()[inBlock:])
		b.Release()
		read += n
	}
	return read, nil
}

// readExtendedCluster adds one more indirection level (spec §4.7 category
// 4): the Attributes tail holds metadata block numbers, each containing a
// packed array of cluster entries in the same shape readCluster expects.
func (f *File) readExtendedCluster(p []byte, offset int64) (int, error) {
	clusterUnit := f.unitSize(Cluster)
	perExtBlock := f.clusterEntriesPerExtBlock()
	read := 0
	for read < len(p) {
		globalClusterIdx := (offset + int64(read)) / clusterUnit
		extIdx := int(globalClusterIdx) / perExtBlock
		localClusterIdx := int(globalClusterIdx) % perExtBlock
		ptrOff := extIdx * extBlockPointerSize
		if ptrOff+extBlockPointerSize > len(f.attrs.Tail) {
			return read, ErrFileDataCorrupted
		}
		extBlockNum := binary.BigEndian.Uint32(f.attrs.Tail[ptrOff : ptrOff+4])
		extBlock, err := f.quota.LoadDirectory(extBlockNum)
		if err != nil {
			return read, err
		}
		clusterOff := area.MetadataBlockHeaderSize + localClusterIdx*clusterEntrySize
		buf := extBlock.Bytes()
		if clusterOff+clusterEntrySize > len(buf) {
			return read, ErrFileDataCorrupted
		}
		localOffset := (offset + int64(read)) % clusterUnit
		n, err := f.readCluster(p[read:minInt(len(p), read+int(clusterUnit-localOffset))], localOffset, buf[clusterOff:clusterOff+clusterEntrySize], clusterOff, extBlock)
		if err != nil {
			return read, err
		}
		extBlock.Release()
		read += n
	}
	return read, nil
}

func (f *File) clusterEntriesPerExtBlock() int {
	blockSize := 1 << f.quota.BlockSizeLog2()
	n := (blockSize - area.MetadataBlockHeaderSize) / clusterEntrySize
	if n > 48 {
		n = 48
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Write overwrites the file's content starting at offset. offset+len(p)
// must not exceed the file's current size on disk; callers grow the file
// with EnsureSize first (spec §4.7: writes never implicitly resize).
func (f *File) Write(p []byte, offset int64) (int, error) {
	if offset < 0 || offset+int64(len(p)) > f.Size() {
		return 0, ErrInvalidOffset
	}
	return f.writeRaw(int(f.attrs.Category), f.attrs.Tail, f.parent, p, offset)
}

// writeRaw stores buf at offset into storage already allocated for
// category (tail/hashParent describe that storage), dispatching exactly
// like Read but through the mutable side of blockdevice.Block.
func (f *File) writeRaw(category int, tail []byte, hashParent *blockdevice.Block, buf []byte, offset int64) (int, error) {
	if category == Inline {
		copy(tail[offset:offset+int64(len(buf))], buf)
		return len(buf), nil
	}
	if category == ExtendedCluster {
		return f.writeExtendedCluster(buf, offset, tail)
	}
	unit := f.unitSize(category)
	entrySize := singleLargeEntrySize
	blockType := allocator.Single
	base := f.tailBase()
	if hashParent != f.parent {
		// an extended-cluster metadata block: tail starts right after its
		// header, the same base readExtendedCluster hands readCluster.
		base = area.MetadataBlockHeaderSize
	}
	if category == Large {
		blockType = allocator.Large
	}
	if category == Cluster {
		entrySize = clusterEntrySize
		blockType = allocator.Cluster
	}
	written := 0
	for written < len(buf) {
		idx := (offset + int64(written)) / unit
		inBlock := (offset + int64(written)) % unit
		entryOff := int(idx) * entrySize
		if entryOff+entrySize > len(tail) {
			return written, ErrFileDataCorrupted
		}
		blockNumber := binary.BigEndian.Uint32(tail[entryOff : entryOff+4])
		hashRef := blockdevice.HashRef{Parent: hashParent, Offset: base + entryOff + 4}
		b, err := f.quota.LoadDataBlock(blockNumber, blockType, hashRef, false, false)
		if err != nil {
			return written, fmt.Errorf("file: write block %d: %w", blockNumber, err)
		}
		n := copy(b.Mutable()[inBlock:], buf[written:])
		if err := b.Flush(); err != nil {
			b.Release()
			return written, err
		}
		b.Release()
		// keep tail's hash slot in step with the one Flush stored in hashParent.
		copy(tail[entryOff+4:entryOff+4+blockdevice.HashSize], hashParent.Bytes()[base+entryOff+4:])
		written += n
	}
	return written, nil
}

func (f *File) writeExtendedCluster(buf []byte, offset int64, tail []byte) (int, error) {
	clusterUnit := f.unitSize(Cluster)
	perExtBlock := f.clusterEntriesPerExtBlock()
	written := 0
	for written < len(buf) {
		globalClusterIdx := (offset + int64(written)) / clusterUnit
		extIdx := int(globalClusterIdx) / perExtBlock
		localClusterIdx := int(globalClusterIdx) % perExtBlock
		ptrOff := extIdx * extBlockPointerSize
		if ptrOff+extBlockPointerSize > len(tail) {
			return written, ErrFileDataCorrupted
		}
		extBlockNum := binary.BigEndian.Uint32(tail[ptrOff : ptrOff+4])
		extBlock, err := f.quota.LoadDirectory(extBlockNum)
		if err != nil {
			return written, err
		}
		localOffset := (offset + int64(written)) % clusterUnit
		chunk := buf[written:minInt(len(buf), written+int(clusterUnit-localOffset))]
		n, err := f.writeRaw(Cluster, extBlock.Bytes()[area.MetadataBlockHeaderSize:], extBlock, chunk, int64(localClusterIdx)*clusterUnit+localOffset)
		if err != nil {
			extBlock.Release()
			return written, err
		}
		extBlock.Release()
		written += n
	}
	return written, nil
}

// allocateCategory reserves fresh storage for size bytes in category,
// returning the new Attributes tail. Data blocks are only reserved here,
// not written; migrate writes every byte of them (copied data, then
// zeros) before they are read.
func (f *File) allocateCategory(category int, size int64) ([]byte, error) {
	switch category {
	case Inline:
		return make([]byte, size), nil
	case Single, Large:
		blockType := allocator.Single
		if category == Large {
			blockType = allocator.Large
		}
		n := int(blocksNeeded(size, f.unitSize(category)))
		tail := make([]byte, n*singleLargeEntrySize)
		for i := 0; i < n; i++ {
			ext, err := f.quota.AllocDataBlocks(1, blockType)
			if err != nil {
				return nil, fmt.Errorf("file: alloc %d: %w", category, err)
			}
			binary.BigEndian.PutUint32(tail[i*singleLargeEntrySize:], ext.BlockNumber)
		}
		return tail, nil
	case Cluster:
		n := int(blocksNeeded(size, f.unitSize(Cluster)))
		tail := make([]byte, n*clusterEntrySize)
		for i := 0; i < n; i++ {
			ext, err := f.quota.AllocDataBlocks(1, allocator.Cluster)
			if err != nil {
				return nil, fmt.Errorf("file: alloc cluster: %w", err)
			}
			binary.BigEndian.PutUint32(tail[i*clusterEntrySize:], ext.BlockNumber)
		}
		return tail, nil
	case ExtendedCluster:
		clusters := int(blocksNeeded(size, f.unitSize(Cluster)))
		perExtBlock := f.clusterEntriesPerExtBlock()
		extBlocks := (clusters + perExtBlock - 1) / perExtBlock
		if extBlocks == 0 {
			extBlocks = 1
		}
		tail := make([]byte, extBlocks*extBlockPointerSize)
		remaining := clusters
		for i := 0; i < extBlocks; i++ {
			blockNum, err := f.quota.AllocMetadataBlock()
			if err != nil {
				return nil, fmt.Errorf("file: alloc ext-cluster block: %w", err)
			}
			binary.BigEndian.PutUint32(tail[i*extBlockPointerSize:], blockNum)
			// newBlockFlag=true: blockNum was just reserved by the
			// allocator and never written, so there is no hash to check
			// yet (LoadDirectory would wrongly demand one).
			extBlock, err := f.quota.LoadMetadataBlock(blockNum, true, false)
			if err != nil {
				return nil, err
			}
			n := remaining
			if n > perExtBlock {
				n = perExtBlock
			}
			for j := 0; j < n; j++ {
				entryOff := area.MetadataBlockHeaderSize + j*clusterEntrySize
				ext, err := f.quota.AllocDataBlocks(1, allocator.Cluster)
				if err != nil {
					extBlock.Release()
					return nil, fmt.Errorf("file: alloc cluster: %w", err)
				}
				binary.BigEndian.PutUint32(extBlock.Mutable()[entryOff:], ext.BlockNumber)
			}
			if err := extBlock.Flush(); err != nil {
				extBlock.Release()
				return nil, err
			}
			extBlock.Release()
			remaining -= n
		}
		return tail, nil
	}
	return nil, ErrFileDataCorrupted
}

// freeCategory returns every block category's storage describes to the
// quota's allocator (spec §4.7 migration step 3, "free the old blocks").
func (f *File) freeCategory(category int, tail []byte) error {
	switch category {
	case Inline:
		return nil
	case Single, Large:
		for off := 0; off+singleLargeEntrySize <= len(tail); off += singleLargeEntrySize {
			blockNumber := binary.BigEndian.Uint32(tail[off : off+4])
			if err := f.quota.DeleteBlocks(blockNumber, 1); err != nil {
				return err
			}
		}
		return nil
	case Cluster:
		for off := 0; off+clusterEntrySize <= len(tail); off += clusterEntrySize {
			blockNumber := binary.BigEndian.Uint32(tail[off : off+4])
			if err := f.quota.DeleteBlocks(blockNumber, 1); err != nil {
				return err
			}
		}
		return nil
	case ExtendedCluster:
		for off := 0; off+extBlockPointerSize <= len(tail); off += extBlockPointerSize {
			extBlockNum := binary.BigEndian.Uint32(tail[off : off+4])
			extBlock, err := f.quota.LoadDirectory(extBlockNum)
			if err != nil {
				return err
			}
			buf := extBlock.Bytes()
			for co := area.MetadataBlockHeaderSize; co+clusterEntrySize <= len(buf); co += clusterEntrySize {
				blockNumber := binary.BigEndian.Uint32(buf[co : co+4])
				if blockNumber != 0 {
					if err := f.quota.DeleteBlocks(blockNumber, 1); err != nil {
						extBlock.Release()
						return err
					}
				}
			}
			extBlock.Release()
			if err := f.quota.DeleteBlocks(extBlockNum, 1); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// Resize grows or shrinks the file to newSize bytes, migrating between
// storage categories when required (spec §4.7's FileResizer):
//  1. pick the target category for newSize;
//  2. if the category and size_on_disk are unchanged, it's a no-op past
//     updating the logical size (and, for Category 0, the inline tail);
//  3. otherwise allocate fresh target storage, copy min(oldSize,newSize)
//     bytes across in copyChunkSize chunks, zero-fill any extension, and
//     free the old storage.
func (f *File) Resize(newSize int64) error {
	if newSize < 0 {
		return ErrInvalidOffset
	}
	oldSize := f.Size()
	targetCat := f.targetCategory(newSize)
	newSizeOnDisk := f.sizeOnDiskFor(targetCat, newSize)
	if targetCat == int(f.attrs.Category) && newSizeOnDisk == int64(f.attrs.SizeOnDisk) {
		if targetCat == Inline {
			tail := make([]byte, newSize)
			copy(tail, f.attrs.Tail)
			f.attrs.Tail = tail
			f.attrs.FileSizeOrQuotaCount = uint32(newSize)
			return nil
		}
		growing := newSize > oldSize
		f.attrs.FileSizeOrQuotaCount = uint32(newSize)
		if growing {
			if err := f.zeroFill(oldSize, newSize); err != nil {
				return err
			}
		}
		return nil
	}
	return f.migrate(targetCat, oldSize, newSize, newSizeOnDisk)
}

func (f *File) zeroFill(from, to int64) error {
	zeros := make([]byte, copyChunkSize)
	for off := from; off < to; off += copyChunkSize {
		n := copyChunkSize
		if int64(n) > to-off {
			n = int(to - off)
		}
		if _, err := f.Write(zeros[:n], off); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) migrate(targetCat int, oldSize, newSize, newSizeOnDisk int64) error {
	oldCat, oldTail := int(f.attrs.Category), f.attrs.Tail
	newTail, err := f.allocateCategory(targetCat, newSize)
	if err != nil {
		return err
	}
	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	buf := make([]byte, copyChunkSize)
	for off := int64(0); off < copySize; off += copyChunkSize {
		n := int64(copyChunkSize)
		if off+n > copySize {
			n = copySize - off
		}
		if _, err := f.Read(buf[:n], off); err != nil {
			return fmt.Errorf("file: migrate read at %d: %w", off, err)
		}
		if _, err := f.writeRaw(targetCat, newTail, f.parent, buf[:n], off); err != nil {
			return fmt.Errorf("file: migrate write at %d: %w", off, err)
		}
	}
	zeros := make([]byte, copyChunkSize)
	for off := copySize; off < newSize; off += copyChunkSize {
		n := int64(copyChunkSize)
		if off+n > newSize {
			n = newSize - off
		}
		if _, err := f.writeRaw(targetCat, newTail, f.parent, zeros[:n], off); err != nil {
			return fmt.Errorf("file: migrate zero-fill at %d: %w", off, err)
		}
	}
	if err := f.freeCategory(oldCat, oldTail); err != nil {
		return fmt.Errorf("file: migrate free old storage: %w", err)
	}
	f.attrs.Category = uint8(targetCat)
	f.attrs.SizeOnDisk = uint32(newSizeOnDisk)
	f.attrs.FileSizeOrQuotaCount = uint32(newSize)
	f.attrs.Tail = newTail
	return nil
}

// EnsureSize grows the file to at least n bytes, a no-op if it is already
// that large or larger.
func (f *File) EnsureSize(n int64) error {
	if n <= f.Size() {
		return nil
	}
	return f.Resize(n)
}

// Truncate sets the file's size to exactly n bytes.
func (f *File) Truncate(n int64) error {
	return f.Resize(n)
}
