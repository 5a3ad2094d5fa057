// Package blockdevice implements the per-block encryption, hashing, and
// caching layer sitting directly above the raw sector device (spec §4.1,
// §4.2). It has no notion of areas, directories, or files — only of
// numbered, fixed-size, optionally encrypted and hashed blocks.
package blockdevice

import (
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/device"
)

// Block size class logs, per spec §3.
const (
	PhysicalLog2 = 12 // 4 KiB
	LogicalLog2  = 13 // 8 KiB
)

var (
	// ErrBadHash is returned by Fetch/ReadBlock when hash verification fails.
	ErrBadHash = errors.New("blockdevice: hash verification failed")
	// ErrReadOnly mirrors device.ErrReadOnly at this layer's boundary.
	ErrReadOnly = device.ErrReadOnly
)

// Config describes how a BlockDevice should interpret the raw device under it.
type Config struct {
	Device         device.Device
	Key            *[KeySize]byte // nil disables encryption device-wide
	SectorSizeLog2 uint           // log2 of the Basic sector size (>= 9)
}

// BlockDevice routes logical block numbers to sectors, encrypts/decrypts,
// hashes/verifies, and memoizes live Block objects so that at most one
// in-memory copy of any device block exists at a time (spec invariant 1).
//
// BlockDevice is not safe for concurrent use; spec §5 mandates a single
// logical writer and leaves serialization to the caller.
type BlockDevice struct {
	dev            device.Device
	key            *[KeySize]byte
	sectorSizeLog2 uint

	cache map[uint64]*cacheEntry
}

type cacheEntry struct {
	block    *Block
	refCount int
}

// New creates a BlockDevice over the given raw device and configuration.
func New(cfg Config) *BlockDevice {
	return &BlockDevice{
		dev:            cfg.Device,
		key:            cfg.Key,
		sectorSizeLog2: cfg.SectorSizeLog2,
		cache:          make(map[uint64]*cacheEntry),
	}
}

func (bd *BlockDevice) sectorSize() int { return 1 << bd.sectorSizeLog2 }

// SectorSizeLog2 returns log2 of the Basic sector size this device was
// configured with, needed by the area layer's IV-derivation formula.
func (bd *BlockDevice) SectorSizeLog2() uint { return bd.sectorSizeLog2 }

// Encrypted reports whether this device was configured with a key.
func (bd *BlockDevice) Encrypted() bool { return bd.encrypted() }

func (bd *BlockDevice) encrypted() bool { return bd.key != nil }

// blockToSectors converts an absolute device block number and size class
// into the (sectorAddress, sectorCount) pair needed to address the raw
// device, per spec §3's area-block-to-device-block formula generalized to
// absolute blocks.
func (bd *BlockDevice) blockToSectors(blockNumber uint64, sizeClassLog2 uint) (int64, int) {
	shift := sizeClassLog2 - bd.sectorSizeLog2
	return int64(blockNumber) << shift, 1 << shift
}

// padToSectorSize returns data, zero-extended so its length is a multiple
// of the sector size, per spec §4.1 ("zero-padded to sector size").
func (bd *BlockDevice) padToSectorSize(data []byte) []byte {
	ss := bd.sectorSize()
	if len(data)%ss == 0 {
		return data
	}
	padded := make([]byte, (len(data)/ss+1)*ss)
	copy(padded, data)
	return padded
}

// WriteBlock writes data (already sized to the block's size class) to the
// device at blockNumber. hashSlotOffset >= 0 means data is a self-hashing
// metadata block whose hash lives at that offset inside data itself;
// hashSlotOffset < 0 means the caller owns hash storage (data blocks, whose
// hash lives in a parent metadata block) and recalcHash is ignored.
//
// When recalcHash is set, the SHA-1 of the sector-padded, hash-slot-masked
// payload is written into the slot before encryption. When encrypt is set
// and the device has a key configured, the payload is AES-128-CBC encrypted
// using the IV built from (sectorCount, sectorSize, iv, totalSectors)
// before being written to sectors.
func (bd *BlockDevice) WriteBlock(blockNumber uint64, sizeClassLog2 uint, data []byte, hashSlotOffset int, iv uint32, encrypt bool, recalcHash bool) ([HashSize]byte, error) {
	var writtenHash [HashSize]byte
	if bd.dev.ReadOnly() {
		return writtenHash, fmt.Errorf("blockdevice: write block %d: %w", blockNumber, ErrReadOnly)
	}

	padded := bd.padToSectorSize(data)
	if recalcHash && hashSlotOffset >= 0 {
		h := hashWithMaskedSlot(padded, hashSlotOffset)
		copy(padded[hashSlotOffset:hashSlotOffset+HashSize], h[:])
		writtenHash = h
	}

	out := padded
	if encrypt && bd.encrypted() {
		_, sectorCount := bd.blockToSectors(blockNumber, sizeClassLog2)
		civ := buildIV(sectorCount, bd.sectorSize(), iv, bd.dev.SectorCount())
		enc, err := encryptCBC(*bd.key, civ, padded)
		if err != nil {
			return writtenHash, fmt.Errorf("blockdevice: encrypt block %d: %w", blockNumber, err)
		}
		out = enc
	}

	sectorAddress, _ := bd.blockToSectors(blockNumber, sizeClassLog2)
	if err := bd.dev.WriteSectors(sectorAddress, out); err != nil {
		return writtenHash, fmt.Errorf("blockdevice: write block %d: %w", blockNumber, err)
	}
	return writtenHash, nil
}

// ReadBlock reads a block's sectors into dataOut (sized to the block's
// size class, rounded to sector size), decrypting in place when the device
// is encrypted. When checkHash is set, the decrypted payload's SHA-1 (with
// hashSlotOffset masked to 0xFF, if >= 0) is compared against hash; a
// mismatch returns ok=false rather than an error, leaving the caller to
// decide whether that is fatal (spec §4.1).
func (bd *BlockDevice) ReadBlock(blockNumber uint64, sizeClassLog2 uint, dataOut []byte, hash [HashSize]byte, iv uint32, encrypt bool, checkHash bool, hashSlotOffset int) (ok bool, err error) {
	sectorAddress, sectorCount := bd.blockToSectors(blockNumber, sizeClassLog2)
	raw := make([]byte, sectorCount*bd.sectorSize())
	if err := bd.dev.ReadSectors(sectorAddress, sectorCount, raw); err != nil {
		return false, fmt.Errorf("blockdevice: read block %d: %w", blockNumber, err)
	}

	payload := raw
	if encrypt && bd.encrypted() {
		civ := buildIV(sectorCount, bd.sectorSize(), iv, bd.dev.SectorCount())
		dec, err := decryptCBC(*bd.key, civ, raw)
		if err != nil {
			return false, fmt.Errorf("blockdevice: decrypt block %d: %w", blockNumber, err)
		}
		payload = dec
	}

	if checkHash {
		got := hashWithMaskedSlot(payload, hashSlotOffset)
		if got != hash {
			copy(dataOut, payload[:len(dataOut)])
			return false, nil
		}
	}
	copy(dataOut, payload[:len(dataOut)])
	return true, nil
}

// GetFromCache returns the live Block for blockNumber, if one exists.
func (bd *BlockDevice) GetFromCache(blockNumber uint64) (*Block, bool) {
	e, ok := bd.cache[blockNumber]
	if !ok {
		return nil, false
	}
	return e.block, true
}

// AddToCache installs b in the cache. Installing a block that is already
// cached is a no-op (callers are expected to have checked GetFromCache
// first, per the single-instance-per-block invariant).
func (bd *BlockDevice) AddToCache(b *Block) {
	if _, ok := bd.cache[b.blockNumber]; ok {
		return
	}
	bd.cache[b.blockNumber] = &cacheEntry{block: b}
}

// RemoveFromCache drops blockNumber from the cache unconditionally.
func (bd *BlockDevice) RemoveFromCache(blockNumber uint64) {
	delete(bd.cache, blockNumber)
}

// acquire increments the strong-reference count for blockNumber, installing
// block into the cache if this is its first reference. Mirrors spec §5's
// "Creation/lookup of a Block is atomic w.r.t. a single-threaded caller"
// and §3's "removed from cache when the last strong reference drops",
// implemented with explicit refcounting rather than GC weak pointers (see
// DESIGN.md).
func (bd *BlockDevice) acquire(block *Block) {
	e, ok := bd.cache[block.blockNumber]
	if !ok {
		e = &cacheEntry{block: block}
		bd.cache[block.blockNumber] = e
	}
	e.refCount++
}

// release decrements the strong-reference count for blockNumber, evicting
// it from the cache once the count reaches zero.
func (bd *BlockDevice) release(blockNumber uint64) {
	e, ok := bd.cache[blockNumber]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(bd.cache, blockNumber)
	}
}

// FlushAll flushes every live dirty block in the cache.
func (bd *BlockDevice) FlushAll() error {
	for _, e := range bd.cache {
		if err := e.block.Flush(); err != nil {
			return err
		}
	}
	return nil
}
