// Package allocator implements the two-level free-space B+-tree described
// in spec §4.4: an EPTree (extent-pointer tree) over regions of an area's
// address space, each region backed by an FTreesBlock of 7 size-bucketed
// FTrees, plus the FreeBlocksTree/FreeBlocksTreeBucket read views and the
// alloc/free/scan protocol built on top of them.
package allocator

import (
	"errors"
	"sort"
)

// ErrCorrupted is returned when the allocator's invariants (spec invariant
// 2/3) are observed to be violated by a caller-supplied extent.
var ErrCorrupted = errors.New("allocator: free-blocks allocator structure corrupted")

// ErrNoSpace is returned when no extent satisfying a request exists.
var ErrNoSpace = errors.New("allocator: no space left")

// Header mirrors spec §6's free-blocks allocator header:
// {free_blocks_count, always_one=1, cache_head, cache_count}.
type Header struct {
	FreeBlocksCount uint64
	AlwaysOne       uint32
	CacheHead       uint32
	CacheCount      uint32
}

// regionSizeLog2Blocks partitions an area's address space into fixed-size
// regions, each owned by one EPTree leaf / FTreesBlock. This is the
// resolution of an Open Question spec §9 leaves ambiguous (the exact
// region-partitioning scheme is not specified); see DESIGN.md.
const regionSizeLog2Blocks = 20 // 1Mi area-blocks per region

// BlocksCacheSizeLog2 names the fast-path cache size (spec §4.4 step 4).
// Alloc does not consult it: the allocator never promotes free runs into
// the cache, which is only ever filled by Restore.
const BlocksCacheSizeLog2 = 4 // up to 16 blocks

// FreeBlocksAllocator is the per-area free-space manager: EPTree + region
// FTreesBlocks + the small fast-path single-block cache.
type FreeBlocksAllocator struct {
	header Header
	ep     *EPTree
	blocks map[uint32]*FTreesBlock
	nextID uint32

	// cache is a contiguous run of area-blocks satisfying single-block
	// metadata allocations without a tree traversal (spec §4.4 item 1).
	cacheHead  uint32
	cacheCount uint32

	// allocatedExtents is the slot for spec §4.4's "allocated_extents"
	// bookkeeping. It is never incremented: the in-memory trees take no
	// area-blocks for their own nodes.
	allocatedExtents uint64
}

// New creates an empty allocator (no free space registered yet); callers
// typically follow with one or more AddFreeBlocks calls covering the
// area's usable range.
func New() *FreeBlocksAllocator {
	return &FreeBlocksAllocator{
		header: Header{AlwaysOne: 1},
		ep:     newEPTree(),
		blocks: make(map[uint32]*FTreesBlock),
	}
}

func (a *FreeBlocksAllocator) regionStart(blockNumber uint32) uint32 {
	return (blockNumber >> regionSizeLog2Blocks) << regionSizeLog2Blocks
}

// regionFor returns (creating if needed) the FTreesBlock responsible for
// blockNumber's region.
func (a *FreeBlocksAllocator) regionFor(blockNumber uint32) *FTreesBlock {
	start := a.regionStart(blockNumber)
	id, ok := a.ep.Find(start)
	if ok {
		return a.blocks[id]
	}
	a.nextID++
	id = a.nextID
	fb := newFTreesBlock()
	a.blocks[id] = fb
	a.ep.Insert(start, id)
	return fb
}

// regionsTouching returns every FTreesBlock whose region could contain
// extents touching [start,end), for neighbour searches near a region
// boundary (in practice always just one or two regions).
func (a *FreeBlocksAllocator) regionsTouching(start, end uint32) []*FTreesBlock {
	seen := map[uint32]*FTreesBlock{}
	for _, b := range []uint32{start, end} {
		rs := a.regionStart(b)
		if id, ok := a.ep.Find(rs); ok {
			seen[rs] = a.blocks[id]
		}
	}
	out := make([]*FTreesBlock, 0, len(seen))
	for _, fb := range seen {
		out = append(out, fb)
	}
	return out
}

// Header returns a snapshot of the allocator's on-disk header fields.
func (a *FreeBlocksAllocator) Header() Header {
	h := a.header
	h.FreeBlocksCount = a.freeBlocksCount()
	h.CacheHead, h.CacheCount = a.cacheHead, a.cacheCount
	return h
}

func (a *FreeBlocksAllocator) freeBlocksCount() uint64 {
	var total uint64
	for _, fb := range a.blocks {
		for _, bucket := range fb.Buckets {
			for _, e := range bucket.Extents() {
				total += uint64(e.BlocksCount)
			}
		}
	}
	return total + uint64(a.cacheCount)
}

// AddFreeBlocks returns a previously allocated extent to the free pool,
// coalescing with any touching neighbour extents (spec §4.4 "Free
// protocol"). Extents stay in strictly increasing order, but a merged
// extent longer than one FTree entry can hold is stored by insertExtent
// as several touching pieces, so touching extents can remain.
func (a *FreeBlocksAllocator) AddFreeBlocks(ext Extent) error {
	if ext.BlocksCount == 0 {
		return nil
	}
	merged := ext
	for _, fb := range a.regionsTouching(merged.BlockNumber, merged.End()) {
		for _, bucket := range fb.Buckets {
			if prev, ok := bucket.FindLE(merged.BlockNumber); ok && prev.End() == merged.BlockNumber {
				bucket.Remove(prev.BlockNumber)
				merged = Extent{BlockNumber: prev.BlockNumber, BlocksCount: prev.BlocksCount + merged.BlocksCount}
			}
		}
	}
	for _, fb := range a.regionsTouching(merged.BlockNumber, merged.End()) {
		for _, bucket := range fb.Buckets {
			if next, ok := bucket.Find(merged.End()); ok {
				bucket.Remove(next.BlockNumber)
				merged.BlocksCount += next.BlocksCount
			}
		}
	}
	return a.insertExtent(merged)
}

// insertExtent stores ext as one or more consecutive pieces, each placed
// in the bucket bucketForSize picks for the remaining length (spec §4.4
// step 3). A piece is one unit of that bucket, or up to 16 units in the
// largest bucket, since an FTree entry holds at most 16 units.
func (a *FreeBlocksAllocator) insertExtent(ext Extent) error {
	for ext.BlocksCount > 0 {
		bucket, length := chooseBucketForInsert(ext.BlocksCount)
		fb := a.regionFor(ext.BlockNumber)
		if !fb.Buckets[bucket].Insert(ext.BlockNumber, length) {
			return ErrCorrupted
		}
		ext.BlockNumber += length
		ext.BlocksCount -= length
	}
	return nil
}

func chooseBucketForInsert(count uint32) (int, uint32) {
	b := bucketForSize(count)
	units := count / kSizeBuckets[b]
	if units > 16 {
		units = 16
	}
	return b, units * kSizeBuckets[b]
}

// Alloc reserves count contiguous area-blocks aligned to blockType's
// natural unit, per spec §4.4's allocation protocol.
func (a *FreeBlocksAllocator) Alloc(count uint32, blockType BlockType, useCache bool) (Extent, error) {
	if useCache && blockType == Single && a.cacheCount > 0 {
		blk := a.cacheHead
		a.cacheHead++
		a.cacheCount--
		return Extent{BlockNumber: blk, BlocksCount: 1}, nil
	}

	startBucket, ok := bucketAtLeast(count)
	if !ok {
		startBucket = numBuckets - 1
	}
	align := blockType.AlignmentBlocks()
	var best Extent
	found := false
	var bestBucketFB *FTreesBlock
	var bestBucket int
	for b := startBucket; b < numBuckets && !found; b++ {
		for _, fb := range a.blocks {
			// count+align-1 blocks always hold an aligned run of count.
			if ext, ok := fb.Buckets[b].FindAtLeast(count + align - 1); ok {
				best, found, bestBucketFB, bestBucket = ext, true, fb, b
				break
			}
		}
	}
	if !found {
		return Extent{}, ErrNoSpace
	}
	bestBucketFB.Buckets[bestBucket].Remove(best.BlockNumber)

	allocStart := best.BlockNumber
	if align > 1 {
		allocStart = ((allocStart + align - 1) / align) * align
	}
	result := Extent{BlockNumber: allocStart, BlocksCount: count}

	if allocStart > best.BlockNumber {
		if err := a.insertExtent(Extent{BlockNumber: best.BlockNumber, BlocksCount: allocStart - best.BlockNumber}); err != nil {
			return Extent{}, err
		}
	}
	tailStart := allocStart + count
	if tailEnd := best.End(); tailEnd > tailStart {
		if err := a.insertExtent(Extent{BlockNumber: tailStart, BlocksCount: tailEnd - tailStart}); err != nil {
			return Extent{}, err
		}
	}
	return result, nil
}

// AllocAreaBlocks greedily assigns the largest available extent not
// exceeding the remaining need, repeatedly, until count blocks have been
// reserved, per spec §4.4's area-scale allocation. Fails only if total
// free space is insufficient.
func (a *FreeBlocksAllocator) AllocAreaBlocks(count uint32, blockType BlockType) ([]Extent, error) {
	var fragments []Extent
	remaining := count
	for remaining > 0 {
		ext, ok := a.largestAtMost(remaining)
		if all := a.FreeBlocksTree(); !ok && len(all) > 0 {
			// every extent is larger than the need: split the first one.
			ext, ok = all[0], true
		}
		if !ok {
			// release whatever we already pulled before failing.
			for _, f := range fragments {
				_ = a.AddFreeBlocks(f)
			}
			return nil, ErrNoSpace
		}
		take := ext
		fb := a.regionFor(ext.BlockNumber)
		fb.Buckets[bucketForSize(ext.BlocksCount)].Remove(ext.BlockNumber)
		if take.BlocksCount > remaining {
			tail := Extent{BlockNumber: ext.BlockNumber + remaining, BlocksCount: take.BlocksCount - remaining}
			take.BlocksCount = remaining
			if err := a.insertExtent(tail); err != nil {
				return nil, err
			}
		}
		fragments = append(fragments, take)
		remaining -= take.BlocksCount
	}
	return fragments, nil
}

func (a *FreeBlocksAllocator) largestAtMost(limit uint32) (Extent, bool) {
	var best Extent
	found := false
	for _, fb := range a.blocks {
		for _, bucket := range fb.Buckets {
			for _, e := range bucket.Extents() {
				if e.BlocksCount <= limit && (!found || e.BlocksCount > best.BlocksCount) {
					best, found = e, true
				}
			}
		}
	}
	return best, found
}

// FreeBlocksTree returns every free extent across every bucket and region,
// in ascending block-number order (spec §4.4 "FreeBlocksTree").
func (a *FreeBlocksAllocator) FreeBlocksTree() []Extent {
	var all []Extent
	for _, fb := range a.blocks {
		for _, bucket := range fb.Buckets {
			all = append(all, bucket.Extents()...)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BlockNumber < all[j].BlockNumber })
	return all
}

// FreeBlocksTreeBucket returns every free extent in bucket i alone, in
// ascending block-number order (spec §4.4 "FreeBlocksTreeBucket").
func (a *FreeBlocksAllocator) FreeBlocksTreeBucket(i int) []Extent {
	var all []Extent
	for _, fb := range a.blocks {
		all = append(all, fb.Buckets[i].Extents()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].BlockNumber < all[j].BlockNumber })
	return all
}

// EPTree exposes the top-level extent-pointer tree, mainly for tests that
// want to observe its depth directly (spec S6).
func (a *FreeBlocksAllocator) EPTree() *EPTree { return a.ep }

// Snapshot returns every free extent this allocator currently tracks (in
// ascending block-number order) plus its single-block cache run, enough
// to reconstruct an equivalent allocator via Restore. Used by area.Area
// to persist and reload free-space state across Open/Create instead of
// fabricating it.
func (a *FreeBlocksAllocator) Snapshot() (extents []Extent, cacheHead, cacheCount uint32) {
	return a.FreeBlocksTree(), a.cacheHead, a.cacheCount
}

// Restore rebuilds an allocator from extents and a cache run previously
// produced by Snapshot.
func Restore(extents []Extent, cacheHead, cacheCount uint32) (*FreeBlocksAllocator, error) {
	a := New()
	for _, ext := range extents {
		if err := a.insertExtent(ext); err != nil {
			return nil, err
		}
	}
	a.cacheHead, a.cacheCount = cacheHead, cacheCount
	return a, nil
}
