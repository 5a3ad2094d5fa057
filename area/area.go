package area

import (
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/allocator"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
)

var (
	// ErrHeaderCorrupted mirrors spec §7's AreaHeaderCorrupted.
	ErrHeaderCorrupted = errors.New("area: header corrupted")
	// ErrNoSpace mirrors spec §7's NoSpace, raised when the area's own
	// allocator cannot satisfy a request.
	ErrNoSpace = allocator.ErrNoSpace
)

// metadataHashOffset is where a metadata block's own SHA-1 lives, per
// spec §6's MetadataBlockHeader (u32 block_flags, u8[20] sha1_hash).
const metadataHashOffset = 4

// MetadataBlockHeaderSize is the fixed prefix (spec §6) before an area
// header or any other per-block payload begins.
const MetadataBlockHeaderSize = 24

// Area is a contiguous range of device blocks of uniform size, with its
// own IV and free-blocks allocator (spec §4.3). QuotaArea specializes it
// with a directory tree; TransactionsArea leaves its range opaque.
type Area struct {
	bd *blockdevice.BlockDevice

	header   *blockdevice.Block
	meta     Header
	deviceIV uint32 // wfs-device-level IV this area's IV is XORed against

	firstDeviceBlock uint64 // device block number, in this area's own block units
	encrypted        bool

	alloc      *allocator.FreeBlocksAllocator
	allocBlock *blockdevice.Block // BlockAllocatorRoot, backing alloc's persisted state
}

// Open loads an existing area whose header lives at device block
// firstDeviceBlock (in blockSizeLog2 units).
func Open(bd *blockdevice.BlockDevice, firstDeviceBlock uint64, blockSizeLog2 uint, deviceIV uint32, encrypted bool) (*Area, error) {
	a := &Area{bd: bd, deviceIV: deviceIV, firstDeviceBlock: firstDeviceBlock, encrypted: encrypted}
	iv := a.ivFor(BlockHeader, blockSizeLog2)
	b, err := bd.LoadMetadataBlock(firstDeviceBlock, blockSizeLog2, iv, encrypted, metadataHashOffset, false, true)
	if err != nil {
		return nil, fmt.Errorf("area: open header at device block %d: %w", firstDeviceBlock, err)
	}
	a.header = b
	a.meta = Unmarshal(b.Bytes()[MetadataBlockHeaderSize:])
	return a, nil
}

// Create initializes a brand-new area: a fresh header block, a
// FreeBlocksAllocator covering every block past ReservedBlockCount and
// persisted into block 1, and the other reserved blocks left zeroed
// (callers populate block 3's root directory through the higher layers).
func Create(bd *blockdevice.BlockDevice, firstDeviceBlock uint64, blocksCount uint32, blockSizeLog2 uint, areaIV, deviceIV uint32, depth uint32, areaType uint8, encrypted bool) (*Area, error) {
	a := &Area{bd: bd, deviceIV: deviceIV, firstDeviceBlock: firstDeviceBlock, encrypted: encrypted}
	iv := a.ivFor(BlockHeader, blockSizeLog2)
	b, err := bd.LoadMetadataBlock(firstDeviceBlock, blockSizeLog2, iv, encrypted, metadataHashOffset, true, false)
	if err != nil {
		return nil, fmt.Errorf("area: create header at device block %d: %w", firstDeviceBlock, err)
	}
	a.header = b
	a.meta = Header{
		IV:                   areaIV,
		BlocksCount:          blocksCount,
		RootDirBlock:         BlockRootDirectory,
		Shadow1Block:         BlockShadowDirectory1,
		Shadow2Block:         BlockShadowDirectory2,
		Depth:                depth,
		BlockSizeLog2:        uint8(blockSizeLog2),
		LargeBlockSizeLog2:   uint8(blockSizeLog2 + 3),
		ClusterBlockSizeLog2: uint8(blockSizeLog2 + 6),
		AreaType:             areaType,
	}
	a.writeHeader()

	allocBlock, err := a.LoadMetadataBlock(BlockAllocatorRoot, true, false)
	if err != nil {
		return nil, fmt.Errorf("area: create allocator root block: %w", err)
	}
	a.allocBlock = allocBlock

	a.alloc = allocator.New()
	if blocksCount > ReservedBlockCount {
		if err := a.alloc.AddFreeBlocks(allocator.Extent{
			BlockNumber: ReservedBlockCount,
			BlocksCount: blocksCount - ReservedBlockCount,
		}); err != nil {
			return nil, fmt.Errorf("area: seed allocator: %w", err)
		}
	}
	if err := a.persistAllocator(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Area) writeHeader() {
	a.meta.Marshal(a.header.Mutable()[MetadataBlockHeaderSize:])
}

// BlockSizeLog2 returns log2 of this area's metadata block size (one
// Single unit, spec §3).
func (a *Area) BlockSizeLog2() uint { return uint(a.meta.BlockSizeLog2) }

// LargeBlockSizeLog2 returns log2 of one Large unit (spec §3: 8 Single).
func (a *Area) LargeBlockSizeLog2() uint { return uint(a.meta.LargeBlockSizeLog2) }

// ClusterBlockSizeLog2 returns log2 of one Cluster unit (spec §3: 8 Large).
func (a *Area) ClusterBlockSizeLog2() uint { return uint(a.meta.ClusterBlockSizeLog2) }

// BlocksCount returns the area's size, in its own block units.
func (a *Area) BlocksCount() uint32 { return a.meta.BlocksCount }

// Depth returns the area's nesting depth (0 for the root area).
func (a *Area) Depth() uint32 { return a.meta.Depth }

// IV returns the area's own header IV, the value a child quota area
// opened beneath this one XORs against as its deviceIV (spec §4.3's
// "iv derivation is centralized" formula, package wfs's GetDirectory).
func (a *Area) IV() uint32 { return a.meta.IV }

// Encrypted reports whether this area's blocks are AES-CBC encrypted.
func (a *Area) Encrypted() bool { return a.encrypted }

// BlockDevice returns the BlockDevice this area's blocks are stored
// through, so a nested QuotaArea opened beneath it can share the same
// cache (spec invariant 1: "at most one live Block per absolute device
// block number").
func (a *Area) BlockDevice() *blockdevice.BlockDevice { return a.bd }

// DeviceBlockFor maps an area-relative block number to the absolute
// device block number, in this area's own block size class. Package wfs
// uses this to locate a nested quota area's header block, named by a
// parent directory entry's DirectoryBlockNumber (spec §3: "loading [an
// is_quota directory] instantiates a nested QuotaArea").
func (a *Area) DeviceBlockFor(areaBlockNumber uint32) uint64 {
	return a.areaBlockToDeviceBlock(areaBlockNumber)
}

// ivFor computes the per-block IV for areaBlockNumber at the given size
// class, per spec §4.3's "IV derivation is centralized in WfsDevice"
// formula: the area-block number shifted by Physical minus the sector
// size log2. sizeClassLog2 does not enter the result.
func (a *Area) ivFor(areaBlockNumber uint32, sizeClassLog2 uint) uint32 {
	shift := blockdevice.PhysicalLog2 - a.bd.SectorSizeLog2()
	return (a.meta.IV ^ a.deviceIV) + (areaBlockNumber << shift)
}

// areaBlockToDeviceBlock maps an area-relative block number to an
// absolute device block number, both expressed in the area's own block
// size class. Because an Area's blocks are all the same size (spec §3),
// this reduces to a flat offset from the area's first device block.
func (a *Area) areaBlockToDeviceBlock(areaBlockNumber uint32) uint64 {
	return a.firstDeviceBlock + uint64(areaBlockNumber)
}

// LoadMetadataBlock loads the metadata block at areaBlockNumber, within
// this area's own block size class (spec §4.3).
func (a *Area) LoadMetadataBlock(areaBlockNumber uint32, newBlock bool, checkHash bool) (*blockdevice.Block, error) {
	sizeLog2 := uint(a.meta.BlockSizeLog2)
	dev := a.areaBlockToDeviceBlock(areaBlockNumber)
	iv := a.ivFor(areaBlockNumber, sizeLog2)
	b, err := a.bd.LoadMetadataBlock(dev, sizeLog2, iv, a.encrypted, metadataHashOffset, newBlock, checkHash)
	if err != nil {
		return nil, fmt.Errorf("area: load metadata block %d: %w", areaBlockNumber, err)
	}
	return b, nil
}

// log2Alignment returns log2 of the area-block multiple a BlockType
// occupies (0/3/6 for Single/Large/Cluster), per spec §3.
func log2Alignment(t allocator.BlockType) uint {
	switch t {
	case allocator.Large:
		return 3
	case allocator.Cluster:
		return 6
	default:
		return 0
	}
}

// LoadDataBlock loads the data block of the given type starting at
// areaBlockNumber (which must be aligned to the type's natural unit),
// using hashRef to locate its hash in a parent metadata block (spec §4.3).
func (a *Area) LoadDataBlock(areaBlockNumber uint32, blockType allocator.BlockType, hashRef blockdevice.HashRef, newBlock bool, checkHash bool) (*blockdevice.Block, error) {
	align := log2Alignment(blockType)
	sizeLog2 := uint(a.meta.BlockSizeLog2) + align
	dev := a.areaBlockToDeviceBlock(areaBlockNumber) >> align
	iv := a.ivFor(areaBlockNumber, sizeLog2)
	b, err := a.bd.LoadDataBlock(dev, sizeLog2, iv, a.encrypted, hashRef, newBlock, checkHash)
	if err != nil {
		return nil, fmt.Errorf("area: load data block %d: %w", areaBlockNumber, err)
	}
	return b, nil
}

// allocatorFor returns the area's resident free-blocks allocator,
// loading it from its persisted on-disk state (area-block
// BlockAllocatorRoot, see persistAllocator) on first use. An area freshly
// made by Create already has one in memory; an area reached via Open
// reads back exactly the extents persistAllocator last wrote — it never
// fabricates free-space state from BlocksCount, so Alloc*/DeleteBlocks on
// a reopened area cannot hand out blocks a prior session already
// committed to live data (spec invariant 3).
func (a *Area) allocatorFor() (*allocator.FreeBlocksAllocator, error) {
	if a.alloc != nil {
		return a.alloc, nil
	}
	if a.allocBlock == nil {
		b, err := a.LoadMetadataBlock(BlockAllocatorRoot, false, true)
		if err != nil {
			return nil, fmt.Errorf("area: load allocator root block: %w", err)
		}
		a.allocBlock = b
	}
	alloc, _, _, err := loadAllocator(a.allocBlock.Bytes())
	if err != nil {
		return nil, err
	}
	a.alloc = alloc
	return a.alloc, nil
}

// AllocMetadataBlock reserves one area-block sized for a metadata block.
func (a *Area) AllocMetadataBlock() (uint32, error) {
	alloc, err := a.allocatorFor()
	if err != nil {
		return 0, err
	}
	ext, err := alloc.Alloc(1, allocator.Single, true)
	if err != nil {
		return 0, fmt.Errorf("area: alloc metadata block: %w", err)
	}
	if err := a.persistAllocator(); err != nil {
		return 0, err
	}
	return ext.BlockNumber, nil
}

// AllocDataBlocks reserves count area-blocks aligned to blockType's unit.
func (a *Area) AllocDataBlocks(count uint32, blockType allocator.BlockType) (allocator.Extent, error) {
	alloc, err := a.allocatorFor()
	if err != nil {
		return allocator.Extent{}, err
	}
	ext, err := alloc.Alloc(count, blockType, false)
	if err != nil {
		return allocator.Extent{}, fmt.Errorf("area: alloc data blocks: %w", err)
	}
	if err := a.persistAllocator(); err != nil {
		return allocator.Extent{}, err
	}
	return ext, nil
}

// AllocAreaBlocks reserves count area-blocks, possibly as several
// fragments, per spec §4.4's greedy largest-first protocol.
func (a *Area) AllocAreaBlocks(count uint32, blockType allocator.BlockType) ([]allocator.Extent, error) {
	alloc, err := a.allocatorFor()
	if err != nil {
		return nil, err
	}
	frags, err := alloc.AllocAreaBlocks(count, blockType)
	if err != nil {
		return nil, fmt.Errorf("area: alloc area blocks: %w", err)
	}
	if err := a.persistAllocator(); err != nil {
		return nil, err
	}
	return frags, nil
}

// DeleteBlocks returns a previously allocated range to this area's
// allocator.
func (a *Area) DeleteBlocks(blockNumber, count uint32) error {
	alloc, err := a.allocatorFor()
	if err != nil {
		return err
	}
	if err := alloc.AddFreeBlocks(allocator.Extent{BlockNumber: blockNumber, BlocksCount: count}); err != nil {
		return fmt.Errorf("area: delete blocks: %w", err)
	}
	return a.persistAllocator()
}

// Flush persists the area's header block and allocator-root block if
// dirty.
func (a *Area) Flush() error {
	if err := a.header.Flush(); err != nil {
		return err
	}
	if a.allocBlock != nil {
		return a.allocBlock.Flush()
	}
	return nil
}

// Release drops this Area's strong reference to its header block.
func (a *Area) Release() {
	a.header.Release()
}
