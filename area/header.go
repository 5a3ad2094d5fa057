// Package area implements the area hierarchy (spec §4.3): the root area
// covering the whole device, nested quota areas, and the opaque
// transactions area, plus area-relative block addressing and IV
// derivation on top of the blockdevice layer.
package area

import "encoding/binary"

// Area type tags, per spec §6's WfsAreaHeader.area_type field.
const (
	AreaTypeTransactions = 0
	AreaTypeQuota        = 1
)

// Reserved area-block numbers common to every area (spec §3).
const (
	BlockHeader           = 0
	BlockAllocatorRoot    = 1
	BlockInitialFTrees    = 2
	BlockRootDirectory    = 3
	BlockShadowDirectory1 = 4
	BlockShadowDirectory2 = 5
	ReservedBlockCount    = 6
)

// Fragment names one contiguous run of blocks, in the parent area's block
// units, contributed to a child area at creation time (spec §4.3's
// "list of parent-area fragments").
type Fragment struct {
	BlockNumber uint32
	BlocksCount uint32
}

const (
	fragmentSize    = 8 // {u32 block_number, u32 blocks_count}
	fragmentCap     = 8
	fixedFieldsSize = 32 // everything in Header before the fragment array

	// HeaderSize is WfsAreaHeader's on-disk size (spec §6): 32 bytes of
	// fixed fields followed by 8 fragment descriptors.
	HeaderSize = fixedFieldsSize + fragmentCap*fragmentSize // 0x60
)

// Header mirrors WfsAreaHeader (spec §6). WfsQuotaAreaHeader, the
// 0xF08-byte sibling holding up to 480 fragment descriptors for areas
// fragmented across many parent-area runs, is not implemented: nothing in
// this core ever creates an area from more than fragmentCap fragments (see
// DESIGN.md), so Header's 8-fragment capacity is the only variant needed.
type Header struct {
	IV                     uint32
	BlocksCount            uint32
	RootDirBlock           uint32 // conventionally BlockRootDirectory
	Shadow1Block           uint32 // conventionally BlockShadowDirectory1
	Shadow2Block           uint32 // conventionally BlockShadowDirectory2
	Depth                  uint32
	BlockSizeLog2          uint8
	LargeBlockSizeLog2     uint8
	ClusterBlockSizeLog2   uint8
	AreaType               uint8
	RemainderBlocksCount   uint32
	FragmentsLog2BlockSize uint8
	Fragments              []Fragment
}

// Marshal serializes h into buf, which must be at least HeaderSize bytes,
// truncating or zero-padding the fragment list to fragmentCap entries.
//
// AreaType and FragmentsLog2BlockSize share byte 27 (low/high nibble):
// area_type only ever needs one bit, so packing the two keeps the fixed
// portion of the header at exactly 32 bytes ahead of the fragment array.
func (h Header) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.IV)
	binary.BigEndian.PutUint32(buf[4:8], h.BlocksCount)
	binary.BigEndian.PutUint32(buf[8:12], h.RootDirBlock)
	binary.BigEndian.PutUint32(buf[12:16], h.Shadow1Block)
	binary.BigEndian.PutUint32(buf[16:20], h.Shadow2Block)
	binary.BigEndian.PutUint32(buf[20:24], h.Depth)
	buf[24] = h.BlockSizeLog2
	buf[25] = h.LargeBlockSizeLog2
	buf[26] = h.ClusterBlockSizeLog2
	buf[27] = (h.AreaType & 0x0F) | (h.FragmentsLog2BlockSize << 4)
	binary.BigEndian.PutUint32(buf[28:32], h.RemainderBlocksCount)
	off := fixedFieldsSize
	for i := 0; i < fragmentCap; i++ {
		var f Fragment
		if i < len(h.Fragments) {
			f = h.Fragments[i]
		}
		binary.BigEndian.PutUint32(buf[off:off+4], f.BlockNumber)
		binary.BigEndian.PutUint32(buf[off+4:off+8], f.BlocksCount)
		off += fragmentSize
	}
}

// Unmarshal parses a Header out of buf, which must be at least HeaderSize
// bytes.
func Unmarshal(buf []byte) Header {
	var h Header
	h.IV = binary.BigEndian.Uint32(buf[0:4])
	h.BlocksCount = binary.BigEndian.Uint32(buf[4:8])
	h.RootDirBlock = binary.BigEndian.Uint32(buf[8:12])
	h.Shadow1Block = binary.BigEndian.Uint32(buf[12:16])
	h.Shadow2Block = binary.BigEndian.Uint32(buf[16:20])
	h.Depth = binary.BigEndian.Uint32(buf[20:24])
	h.BlockSizeLog2 = buf[24]
	h.LargeBlockSizeLog2 = buf[25]
	h.ClusterBlockSizeLog2 = buf[26]
	h.AreaType = buf[27] & 0x0F
	h.FragmentsLog2BlockSize = buf[27] >> 4
	h.RemainderBlocksCount = binary.BigEndian.Uint32(buf[28:32])
	off := fixedFieldsSize
	h.Fragments = make([]Fragment, 0, fragmentCap)
	for i := 0; i < fragmentCap; i++ {
		bn := binary.BigEndian.Uint32(buf[off : off+4])
		bc := binary.BigEndian.Uint32(buf[off+4 : off+8])
		if bn != 0 || bc != 0 {
			h.Fragments = append(h.Fragments, Fragment{BlockNumber: bn, BlocksCount: bc})
		}
		off += fragmentSize
	}
	return h
}
