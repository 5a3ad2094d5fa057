package area

import (
	"fmt"

	"github.com/koolkdev/wfslib-sub000/allocator"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
)

// QuotaArea is an Area that additionally owns a directory tree: it is the
// area instantiated whenever an `is_quota` directory entry is opened
// (spec §3), including the root area itself.
type QuotaArea struct {
	*Area
}

// OpenQuota loads an existing quota area.
func OpenQuota(bd *blockdevice.BlockDevice, firstDeviceBlock uint64, blockSizeLog2 uint, deviceIV uint32, encrypted bool) (*QuotaArea, error) {
	a, err := Open(bd, firstDeviceBlock, blockSizeLog2, deviceIV, encrypted)
	if err != nil {
		return nil, err
	}
	return &QuotaArea{Area: a}, nil
}

// CreateQuota initializes a brand-new quota area from a set of parent-area
// fragments: the header is written, the root directory block (area-block
// 3) is written zero-filled with a valid hash so LoadRootDirectory can
// verify it, the other reserved blocks stay unwritten, and the embedded
// allocator is
// seeded to cover exactly the non-reserved blocks (spec §4.3's
// `QuotaArea.Create`).
//
// The literal "list of parent-area fragments" input is simplified here to
// a single contiguous donation (firstDeviceBlock, blocksCount): the
// multi-fragment case is recorded in the header's Fragments field for
// bookkeeping, but this core only ever allocates quota areas from one
// contiguous parent-area extent (no fragmentation of the backing blocks
// themselves), which is sufficient for every scenario in spec §8.
func CreateQuota(bd *blockdevice.BlockDevice, firstDeviceBlock uint64, blocksCount uint32, blockSizeLog2 uint, areaIV, deviceIV uint32, depth uint32, fragments []Fragment, encrypted bool) (*QuotaArea, error) {
	a, err := Create(bd, firstDeviceBlock, blocksCount, blockSizeLog2, areaIV, deviceIV, depth, AreaTypeQuota, encrypted)
	if err != nil {
		return nil, err
	}
	if len(fragments) > 0 {
		a.meta.Fragments = fragments
		a.writeHeader()
	}
	rootDir, err := a.LoadMetadataBlock(BlockRootDirectory, true, false)
	if err != nil {
		return nil, err
	}
	err = rootDir.Flush()
	rootDir.Release()
	if err != nil {
		return nil, err
	}
	return &QuotaArea{Area: a}, nil
}

// GetFreeBlocksAllocator returns the allocator rooted at area-block 1
// (spec §4.3).
func (q *QuotaArea) GetFreeBlocksAllocator() (*allocator.FreeBlocksAllocator, error) {
	return q.allocatorFor()
}

// LoadRootDirectory loads the metadata block holding the root directory
// (area-block 3). It returns the raw metadata Block; the directory
// package interprets its bytes as a DirectoryMap root node.
func (q *QuotaArea) LoadRootDirectory() (*blockdevice.Block, error) {
	b, err := q.LoadMetadataBlock(BlockRootDirectory, false, true)
	if err != nil {
		return nil, fmt.Errorf("area: load root directory: %w", err)
	}
	return b, nil
}

// LoadDirectory loads a non-root directory's metadata block by its
// area-block number, as named by a parent directory's Attributes record.
func (q *QuotaArea) LoadDirectory(blockNumber uint32) (*blockdevice.Block, error) {
	b, err := q.LoadMetadataBlock(blockNumber, false, true)
	if err != nil {
		return nil, fmt.Errorf("area: load directory %d: %w", blockNumber, err)
	}
	return b, nil
}

// GetShadowDirectory1/2 load the two reserved-but-unused shadow directory
// slots (area-blocks 4/5). Per spec §9's resolved Open Question, nothing
// in this core ever writes them; these accessors exist for completeness
// and recovery tooling.
func (q *QuotaArea) GetShadowDirectory1() (*blockdevice.Block, error) {
	return q.LoadMetadataBlock(BlockShadowDirectory1, false, false)
}

func (q *QuotaArea) GetShadowDirectory2() (*blockdevice.Block, error) {
	return q.LoadMetadataBlock(BlockShadowDirectory2, false, false)
}
