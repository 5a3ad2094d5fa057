package area

import (
	"testing"

	"github.com/koolkdev/wfslib-sub000/allocator"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/device"
)

func newTestBD(t *testing.T) *blockdevice.BlockDevice {
	t.Helper()
	mem := device.NewMemory(512, 4096) // 2 MiB
	return blockdevice.New(blockdevice.Config{Device: mem, SectorSizeLog2: 9})
}

func TestCreateAndOpenRoundTrip(t *testing.T) {
	bd := newTestBD(t)
	const blocksCount = 200
	created, err := Create(bd, 0, blocksCount, blockdevice.PhysicalLog2, 0xAABBCCDD, 0x11223344, 0, AreaTypeQuota, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := created.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	created.Release()

	opened, err := Open(bd, 0, blockdevice.PhysicalLog2, 0x11223344, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.BlocksCount() != blocksCount {
		t.Fatalf("BlocksCount = %d, want %d", opened.BlocksCount(), blocksCount)
	}
	if opened.meta.IV != 0xAABBCCDD {
		t.Fatalf("area IV = %#x, want %#x", opened.meta.IV, 0xAABBCCDD)
	}
}

func TestAreaAllocAndLoadDataBlock(t *testing.T) {
	bd := newTestBD(t)
	a, err := Create(bd, 0, 512, blockdevice.PhysicalLog2, 1, 2, 0, AreaTypeQuota, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	metaBlock, err := a.AllocMetadataBlock()
	if err != nil {
		t.Fatalf("AllocMetadataBlock: %v", err)
	}
	if metaBlock < ReservedBlockCount {
		t.Fatalf("allocated metadata block %d overlaps reserved range", metaBlock)
	}

	ext, err := a.AllocDataBlocks(8, allocator.Large)
	if err != nil {
		t.Fatalf("AllocDataBlocks: %v", err)
	}
	if ext.BlockNumber%8 != 0 {
		t.Fatalf("large-block extent %+v is not 8-aligned", ext)
	}

	metaBlk, err := a.LoadMetadataBlock(metaBlock, true, false)
	if err != nil {
		t.Fatalf("LoadMetadataBlock: %v", err)
	}
	hashParent := metaBlk
	dataBlk, err := a.LoadDataBlock(ext.BlockNumber, allocator.Large, blockdevice.HashRef{Parent: hashParent, Offset: 100}, true, false)
	if err != nil {
		t.Fatalf("LoadDataBlock: %v", err)
	}
	dataBlk.Mutable()[0] = 0x42
	if err := dataBlk.Flush(); err != nil {
		t.Fatalf("Flush data block: %v", err)
	}
	if !hashParent.Dirty() && hashParent.Bytes()[100] == 0 && hashParent.Bytes()[119] == 0 {
		t.Fatal("parent hash slot never populated by data block flush")
	}
}

func TestQuotaAreaReservedBlocksRoundTrip(t *testing.T) {
	bd := newTestBD(t)
	q, err := CreateQuota(bd, 0, 64, blockdevice.PhysicalLog2, 5, 6, 1, nil, false)
	if err != nil {
		t.Fatalf("CreateQuota: %v", err)
	}
	root, err := q.LoadRootDirectory()
	if err != nil {
		t.Fatalf("LoadRootDirectory: %v", err)
	}
	root.Mutable()[50] = 0x7
	if err := root.Flush(); err != nil {
		t.Fatalf("Flush root directory: %v", err)
	}

	a, err := q.GetFreeBlocksAllocator()
	if err != nil {
		t.Fatalf("GetFreeBlocksAllocator: %v", err)
	}
	if a.Header().FreeBlocksCount != 64-ReservedBlockCount {
		t.Fatalf("allocator free blocks = %d, want %d", a.Header().FreeBlocksCount, 64-ReservedBlockCount)
	}
}

func TestAreaIVVariesByBlock(t *testing.T) {
	bd := newTestBD(t)
	a, err := Create(bd, 0, 100, blockdevice.PhysicalLog2, 9, 10, 0, AreaTypeQuota, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iv0 := a.ivFor(0, uint(a.meta.BlockSizeLog2))
	iv1 := a.ivFor(1, uint(a.meta.BlockSizeLog2))
	if iv0 == iv1 {
		t.Fatal("IV did not vary between area-block 0 and 1")
	}
}
