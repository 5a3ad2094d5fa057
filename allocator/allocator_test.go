package allocator

import (
	"testing"
)

func TestAllocatorBasicAllocAndFree(t *testing.T) {
	a := New()
	if err := a.AddFreeBlocks(Extent{BlockNumber: 100, BlocksCount: 64}); err != nil {
		t.Fatalf("AddFreeBlocks: %v", err)
	}
	if got := a.Header().FreeBlocksCount; got != 64 {
		t.Fatalf("free blocks count = %d, want 64", got)
	}

	ext, err := a.Alloc(8, Single, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ext.BlocksCount != 8 {
		t.Fatalf("alloc length = %d, want 8", ext.BlocksCount)
	}
	if ext.BlockNumber < 100 || ext.End() > 164 {
		t.Fatalf("alloc %+v out of donated range", ext)
	}
	if got := a.Header().FreeBlocksCount; got != 56 {
		t.Fatalf("free blocks count after alloc = %d, want 56", got)
	}

	if err := a.AddFreeBlocks(ext); err != nil {
		t.Fatalf("AddFreeBlocks return: %v", err)
	}
	if got := a.Header().FreeBlocksCount; got != 64 {
		t.Fatalf("free blocks count after return = %d, want 64", got)
	}
}

func TestAllocatorCoalescesTouchingNeighbours(t *testing.T) {
	a := New()
	if err := a.AddFreeBlocks(Extent{BlockNumber: 0, BlocksCount: 4}); err != nil {
		t.Fatal(err)
	}
	if err := a.AddFreeBlocks(Extent{BlockNumber: 4, BlocksCount: 4}); err != nil {
		t.Fatal(err)
	}
	all := a.FreeBlocksTree()
	if len(all) != 1 {
		t.Fatalf("expected a single merged extent, got %+v", all)
	}
	if all[0].BlockNumber != 0 || all[0].BlocksCount != 8 {
		t.Fatalf("merged extent = %+v, want {0 8}", all[0])
	}
}

func TestAllocatorRespectsBlockTypeAlignment(t *testing.T) {
	a := New()
	if err := a.AddFreeBlocks(Extent{BlockNumber: 3, BlocksCount: 64}); err != nil {
		t.Fatal(err)
	}
	ext, err := a.Alloc(8, Large, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ext.BlockNumber%8 != 0 {
		t.Fatalf("large-block alloc %+v is not 8-aligned", ext)
	}
}

func TestAllocatorBucketPlacement(t *testing.T) {
	a := New()
	// one extent per bucket unit size, each placed far enough apart to
	// avoid coalescing into a neighbouring bucket's extent.
	for i, unit := range kSizeBuckets {
		start := uint32(i) * 1000
		if err := a.AddFreeBlocks(Extent{BlockNumber: start, BlocksCount: unit}); err != nil {
			t.Fatalf("AddFreeBlocks bucket %d: %v", i, err)
		}
	}
	for i, unit := range kSizeBuckets {
		bucket := a.FreeBlocksTreeBucket(i)
		if len(bucket) != 1 {
			t.Fatalf("bucket %d has %d extents, want 1", i, len(bucket))
		}
		if bucket[0].BlocksCount != unit {
			t.Fatalf("bucket %d extent length = %d, want %d", i, bucket[0].BlocksCount, unit)
		}
	}
}

func TestAllocatorAllocAreaBlocksFragments(t *testing.T) {
	a := New()
	// three disjoint, non-touching donations of differing sizes.
	if err := a.AddFreeBlocks(Extent{BlockNumber: 0, BlocksCount: 16}); err != nil {
		t.Fatal(err)
	}
	if err := a.AddFreeBlocks(Extent{BlockNumber: 100, BlocksCount: 8}); err != nil {
		t.Fatal(err)
	}
	if err := a.AddFreeBlocks(Extent{BlockNumber: 200, BlocksCount: 4}); err != nil {
		t.Fatal(err)
	}

	frags, err := a.AllocAreaBlocks(20, Single)
	if err != nil {
		t.Fatalf("AllocAreaBlocks: %v", err)
	}
	var total uint32
	for _, f := range frags {
		total += f.BlocksCount
	}
	if total != 20 {
		t.Fatalf("fragments total = %d, want 20", total)
	}
}

func TestAllocatorNoSpace(t *testing.T) {
	a := New()
	if err := a.AddFreeBlocks(Extent{BlockNumber: 0, BlocksCount: 4}); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(100, Single, false); err != ErrNoSpace {
		t.Fatalf("Alloc over-request: err = %v, want ErrNoSpace", err)
	}
}

func TestAllocatorSingleBlockCache(t *testing.T) {
	a := New()
	a.cacheHead, a.cacheCount = 500, 4
	ext, err := a.Alloc(1, Single, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ext.BlockNumber != 500 || ext.BlocksCount != 1 {
		t.Fatalf("cache alloc = %+v, want {500 1}", ext)
	}
	if a.cacheCount != 3 || a.cacheHead != 501 {
		t.Fatalf("cache state after alloc = head %d count %d", a.cacheHead, a.cacheCount)
	}
}

// TestEPTreeGrows exercises the extent-pointer tree's own growth, matching
// the shape of S6's large-key-count scenario: enough distinct region keys
// force repeated leaf/parent splits and the tree's depth increases.
func TestEPTreeGrows(t *testing.T) {
	ep := newEPTree()
	if got := ep.Depth(); got != 1 {
		t.Fatalf("empty EPTree depth = %d, want 1", got)
	}
	const regions = 400
	for i := uint32(0); i < regions; i++ {
		ep.Insert(i<<regionSizeLog2Blocks, i+1)
	}
	if got := ep.Len(); got != regions {
		t.Fatalf("EPTree len = %d, want %d", got, regions)
	}
	if got := ep.Depth(); got <= 1 {
		t.Fatalf("EPTree depth after %d inserts = %d, want > 1", regions, got)
	}
	for i := uint32(0); i < regions; i++ {
		child, ok := ep.Find(i << regionSizeLog2Blocks)
		if !ok || child != i+1 {
			t.Fatalf("EPTree.Find(%d) = (%d,%v), want (%d,true)", i, child, ok, i+1)
		}
	}
}

// TestAllocatorSpansMultipleRegions checks that an allocator whose free
// extents straddle more than one EPTree region still allocates and frees
// correctly, exercising regionFor's lazy region creation.
func TestAllocatorSpansMultipleRegions(t *testing.T) {
	a := New()
	const regionBlocks = 1 << regionSizeLog2Blocks
	if err := a.AddFreeBlocks(Extent{BlockNumber: regionBlocks - 32, BlocksCount: 64}); err != nil {
		t.Fatal(err)
	}
	if got := a.ep.Len(); got < 1 {
		t.Fatalf("expected at least one region registered, got %d", got)
	}
	ext, err := a.Alloc(16, Single, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if ext.BlockNumber < regionBlocks-32 || ext.End() > regionBlocks+32 {
		t.Fatalf("alloc %+v outside donated range", ext)
	}
}
