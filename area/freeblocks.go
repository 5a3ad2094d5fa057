package area

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/allocator"
)

// ErrAllocatorTooFragmented is returned when an area's live free-extent
// count no longer fits in the single allocator-root block this core
// persists into (see the package doc comment on persistAllocator).
var ErrAllocatorTooFragmented = errors.New("area: free-blocks allocator state too fragmented to persist in one block")

// allocatorRecordHeaderSize is {free_blocks_count u64, always_one u32,
// cache_head u32, cache_count u32, extent_count u32} ahead of the flat
// extent array, per the layout persistAllocator documents below.
const allocatorRecordHeaderSize = 24
const allocatorExtentRecordSize = 8 // {block_number u32, blocks_count u32}

// persistAllocator serializes the area's live free-blocks allocator into
// area-block BlockAllocatorRoot.
//
// Spec §6 describes the real on-disk shape as a free-blocks allocator
// header followed by an EPTree of FTreesBlocks, each its own metadata
// block, chained by block number as the tree grows (spec §4.4). This core
// does not implement that multi-block chained layout; instead it flattens
// the allocator's current FreeBlocksTree() into one block: a small fixed
// header (spec §6's four allocator-header fields, plus an explicit extent
// count) followed by a packed array of {block_number, blocks_count}
// pairs. This is a deliberate, documented simplification — it round-trips
// exactly through Open/Create for any area whose live free-extent count
// fits in one block (ample for every area this core's own tests and the
// `wfs` package construct), but ErrAllocatorTooFragmented is returned
// rather than silently truncating state once it doesn't. See DESIGN.md.
func (a *Area) persistAllocator() error {
	if a.alloc == nil {
		return nil
	}
	extents, cacheHead, cacheCount := a.alloc.Snapshot()
	buf := a.allocBlock.Mutable()[MetadataBlockHeaderSize:]
	capacity := (len(buf) - allocatorRecordHeaderSize) / allocatorExtentRecordSize
	if len(extents) > capacity {
		return fmt.Errorf("area: persist allocator: %w (have %d extents, room for %d)", ErrAllocatorTooFragmented, len(extents), capacity)
	}
	h := a.alloc.Header()
	binary.BigEndian.PutUint64(buf[0:8], h.FreeBlocksCount)
	binary.BigEndian.PutUint32(buf[8:12], h.AlwaysOne)
	binary.BigEndian.PutUint32(buf[12:16], cacheHead)
	binary.BigEndian.PutUint32(buf[16:20], cacheCount)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(extents)))
	off := allocatorRecordHeaderSize
	for _, e := range extents {
		binary.BigEndian.PutUint32(buf[off:off+4], e.BlockNumber)
		binary.BigEndian.PutUint32(buf[off+4:off+8], e.BlocksCount)
		off += allocatorExtentRecordSize
	}
	return nil
}

// loadAllocator reconstructs a FreeBlocksAllocator from area-block
// BlockAllocatorRoot's persisted extent list (the inverse of
// persistAllocator).
func loadAllocator(buf []byte) (*allocator.FreeBlocksAllocator, uint32, uint32, error) {
	buf = buf[MetadataBlockHeaderSize:]
	cacheHead := binary.BigEndian.Uint32(buf[12:16])
	cacheCount := binary.BigEndian.Uint32(buf[16:20])
	count := int(binary.BigEndian.Uint32(buf[20:24]))
	off := allocatorRecordHeaderSize
	extents := make([]allocator.Extent, count)
	for i := 0; i < count; i++ {
		extents[i] = allocator.Extent{
			BlockNumber: binary.BigEndian.Uint32(buf[off : off+4]),
			BlocksCount: binary.BigEndian.Uint32(buf[off+4 : off+8]),
		}
		off += allocatorExtentRecordSize
	}
	alloc, err := allocator.Restore(extents, cacheHead, cacheCount)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("area: load allocator: %w", err)
	}
	return alloc, cacheHead, cacheCount, nil
}
