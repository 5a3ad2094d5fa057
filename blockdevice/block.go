package blockdevice

import (
	"fmt"
)

// HashRef locates the 20-byte SHA-1 slot that verifies a block's contents,
// per spec §3's "Hash reference" type. A nil Parent means the hash lives at
// Offset inside the block's own payload (a metadata block, self-hashing).
// A non-nil Parent means the hash lives at Offset inside Parent's payload
// (a data block, whose hash is kept by the metadata block that owns it).
type HashRef struct {
	Parent *Block
	Offset int
}

func (h HashRef) selfHashed() bool { return h.Parent == nil }

// Block owns the decrypted payload buffer for one device block (spec §4.2).
// At most one live Block exists per absolute device block number at a time;
// BlockDevice enforces this via its cache.
type Block struct {
	bd *BlockDevice

	blockNumber uint64
	sizeLog2    uint
	iv          uint32
	encrypted   bool
	hashRef     HashRef

	data     []byte
	dirty    bool
	detached bool
}

// newBlock constructs an unread Block descriptor; callers must call Fetch
// to populate its payload from the device, or Resize+mark dirty for a
// brand-new block that has never existed on disk.
func newBlock(bd *BlockDevice, blockNumber uint64, sizeLog2 uint, iv uint32, encrypted bool, hashRef HashRef) *Block {
	return &Block{
		bd:          bd,
		blockNumber: blockNumber,
		sizeLog2:    sizeLog2,
		iv:          iv,
		encrypted:   encrypted,
		hashRef:     hashRef,
		data:        make([]byte, 1<<sizeLog2),
	}
}

// LoadMetadataBlock returns the live Block for blockNumber if cached, or
// constructs, fetches, and caches a new one. Metadata blocks are self-hashed
// at hashOffset (conventionally 4, per spec §6's MetadataBlockHeader).
func (bd *BlockDevice) LoadMetadataBlock(blockNumber uint64, sizeLog2 uint, iv uint32, encrypted bool, hashOffset int, newBlockFlag bool, checkHash bool) (*Block, error) {
	if b, ok := bd.GetFromCache(blockNumber); ok {
		bd.acquire(b)
		return b, nil
	}
	b := newBlock(bd, blockNumber, sizeLog2, iv, encrypted, HashRef{Offset: hashOffset})
	if !newBlockFlag {
		if err := b.Fetch(checkHash); err != nil {
			return nil, err
		}
	} else {
		b.dirty = true
	}
	bd.acquire(b)
	return b, nil
}

// LoadDataBlock is the data-block analogue of LoadMetadataBlock: the hash
// lives in a parent metadata block rather than the block's own payload.
func (bd *BlockDevice) LoadDataBlock(blockNumber uint64, sizeLog2 uint, iv uint32, encrypted bool, hashRef HashRef, newBlockFlag bool, checkHash bool) (*Block, error) {
	if b, ok := bd.GetFromCache(blockNumber); ok {
		bd.acquire(b)
		return b, nil
	}
	b := newBlock(bd, blockNumber, sizeLog2, iv, encrypted, hashRef)
	if !newBlockFlag {
		if err := b.Fetch(checkHash); err != nil {
			return nil, err
		}
	} else {
		b.dirty = true
	}
	bd.acquire(b)
	return b, nil
}

// Fetch pulls the block's sectors from the underlying device, decrypting
// as needed. When checkHash is true and the computed hash does not match
// the hash this block's HashRef points at, Fetch returns ErrBadHash; the
// payload is still populated so recovery paths (which pass checkHash=false)
// can inspect it regardless.
func (b *Block) Fetch(checkHash bool) error {
	hash, hashSlotOffset := b.expectedHash()
	// a self-hashed block's expected hash is only known once its payload
	// has been read, so that check runs after ReadBlock.
	selfCheck := checkHash && b.hashRef.selfHashed()
	ok, err := b.bd.ReadBlock(b.blockNumber, b.sizeLog2, b.data, hash, b.iv, b.encrypted, checkHash && !selfCheck, hashSlotOffset)
	if err != nil {
		return err
	}
	if selfCheck {
		hash, _ = b.expectedHash()
		ok = hashWithMaskedSlot(b.data, hashSlotOffset) == hash
	}
	if checkHash && !ok {
		return fmt.Errorf("blockdevice: block %d: %w", b.blockNumber, ErrBadHash)
	}
	return nil
}

// expectedHash returns the hash this block should currently verify against,
// and the slot offset to mask when self-hashing (-1 for data blocks).
func (b *Block) expectedHash() ([HashSize]byte, int) {
	if b.hashRef.selfHashed() {
		var h [HashSize]byte
		copy(h[:], b.data[b.hashRef.Offset:b.hashRef.Offset+HashSize])
		return h, b.hashRef.Offset
	}
	var h [HashSize]byte
	copy(h[:], b.hashRef.Parent.data[b.hashRef.Offset:b.hashRef.Offset+HashSize])
	return h, -1
}

// Flush writes the block back to the device if dirty. Metadata blocks
// recompute their own hash in place; data blocks compute their hash and
// store it into the parent block (flushing the parent too, since the
// parent's payload just changed), per spec §4.2.
func (b *Block) Flush() error {
	if !b.dirty {
		return nil
	}
	if b.hashRef.selfHashed() {
		if _, err := b.bd.WriteBlock(b.blockNumber, b.sizeLog2, b.data, b.hashRef.Offset, b.iv, b.encrypted, true); err != nil {
			return err
		}
	} else {
		h := hashWithMaskedSlot(b.data, -1)
		parent := b.hashRef.Parent
		copy(parent.data[b.hashRef.Offset:b.hashRef.Offset+HashSize], h[:])
		parent.dirty = true
		if err := parent.Flush(); err != nil {
			return err
		}
		if _, err := b.bd.WriteBlock(b.blockNumber, b.sizeLog2, b.data, -1, b.iv, b.encrypted, false); err != nil {
			return err
		}
	}
	b.dirty = false
	return nil
}

// Resize rounds newSize up to the device sector size and zero-extends (or
// truncates) the payload buffer to match.
func (b *Block) Resize(newSize int) {
	ss := 1 << b.bd.sectorSizeLog2
	rounded := ((newSize + ss - 1) / ss) * ss
	if rounded == len(b.data) {
		return
	}
	data := make([]byte, rounded)
	copy(data, b.data)
	b.data = data
	b.dirty = true
}

// Detach marks the block as no longer belonging to the cache, so a newly
// allocated block can reuse its device block number (directory splits do
// this when a metadata block is logically replaced).
func (b *Block) Detach() {
	b.detached = true
	b.bd.RemoveFromCache(b.blockNumber)
}

// Release drops this handle's strong reference, evicting the block from
// the cache once no handle remains (see DESIGN.md for why this is explicit
// rather than GC weak-reference based).
func (b *Block) Release() {
	if b.detached {
		return
	}
	b.bd.release(b.blockNumber)
}

// BlockNumber returns the absolute device block number this Block occupies.
func (b *Block) BlockNumber() uint64 { return b.blockNumber }

// SizeLog2 returns log2 of this block's size in bytes.
func (b *Block) SizeLog2() uint { return b.sizeLog2 }

// Bytes returns the block's payload for reading. Callers must not retain
// slices across a Resize.
func (b *Block) Bytes() []byte { return b.data }

// Mutable returns the block's payload for writing and marks it dirty.
func (b *Block) Mutable() []byte {
	b.dirty = true
	return b.data
}

// Dirty reports whether the block has unflushed changes.
func (b *Block) Dirty() bool { return b.dirty }

// MarkDirty explicitly flags the block dirty without returning the buffer,
// used when a caller mutated Bytes() through an aliased slice.
func (b *Block) MarkDirty() { b.dirty = true }
