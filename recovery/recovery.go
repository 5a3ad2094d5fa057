// Package recovery implements spec §4.9's two recovery modes as pure,
// testable functions (REDESIGN FLAG "Sector/IV XOR recovery", spec §9):
// recovering an unknown device's sector geometry and per-block IV from a
// single metadata block, and recognizing/reconstructing a /usr directory
// that has lost its WfsDeviceHeader.
//
// Grounded on original_source/src/recovery.cpp's
// RestoreMetadataBlockIVParameters and OpenUsrDirectoryWithoutWfsHeader,
// adapted to this core's own IV layout (blockdevice/crypto.go's buildIV)
// rather than the original's: both exploit the same AES-CBC property, that
// the IV is only mixed into the first decrypted plaintext block, so
// decrypting under the all-zero IV instead of the true one yields exactly
// truePlaintext[0:16] XOR trueIV for those 16 bytes and leaves the rest of
// the block correctly decrypted.
package recovery

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // wire format mandates SHA-1, not a choice we get to make
	"encoding/binary"
	"errors"
)

var (
	// ErrShortBlock is returned when a caller supplies fewer than 16 bytes
	// (one AES block) of plaintext or ciphertext to recover against.
	ErrShortBlock = errors.New("recovery: block shorter than one AES block")
	// ErrNotUsrDevice is returned by GetUsrRecoveredDevice when the block at
	// UsrDirectoryBlockNumber does not look like a directory tree root.
	ErrNotUsrDevice = errors.New("recovery: block does not look like /usr")
)

// DecryptFirstBlockWithZeroIV AES-128-CBC decrypts src under an all-zero
// IV instead of src's true per-block IV. It is the entry point into the
// XOR trick: callers feed its output, together with the plaintext they
// already know or can compute (typically a recomputed SHA-1 over the
// correctly-decrypted tail of the same block), into RecoverDeviceParams.
func DecryptFirstBlockWithZeroIV(key [16]byte, src []byte) ([]byte, error) {
	if len(src) < aes.BlockSize {
		return nil, ErrShortBlock
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	var zeroIV [16]byte
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, zeroIV[:]).CryptBlocks(dst, src)
	return dst, nil
}

// RecoveredGeometry is the triple spec §4.9's detect-device-params mode
// exists to produce: the per-block IV (spec's area_iv, XORed against the
// device-level IV the same way area.Area.ivFor does), and the sector
// geometry blockdevice/crypto.go's buildIV mixes in alongside it.
type RecoveredGeometry struct {
	BlockIV      uint32 // area.Header.IV ^ device IV, i.e. buildIV's word[1]
	SectorsCount uint32 // device.Device.SectorCount(), buildIV's word[2]
	SectorSize   uint32 // 1 << blockdevice.SectorSizeLog2, buildIV's word[3]
}

// RecoverDeviceParams recovers RecoveredGeometry from a block that was
// decrypted under the all-zero IV (decryptedWithZeroIV,
// DecryptFirstBlockWithZeroIV's output) instead of its true IV, given the
// block's known 16-byte plaintext prefix (knownPlaintextPrefix): for a
// MetadataBlockHeader this is the block_flags word (known from context —
// callers recovering an area header already know they are looking at one)
// followed by the first 12 bytes of the block's SHA-1, recomputed with the
// hash slot masked exactly as blockdevice.hashWithMaskedSlot does, over the
// block's tail (bytes 16 and up decrypt correctly regardless of IV, so the
// hash is computable before the IV itself is known).
//
// This is spec §9's "Sector/IV XOR recovery" REDESIGN FLAG, codified as the
// pure function it asks for: recover_params(first_block_ciphertext,
// computed_hash, assumed_iv_fields) -> (sector_size, sector_count,
// area_iv). buildIV's word[0] (sectorCount*sectorSize for this one block)
// is recovered too and used only as a self-consistency check, since
// dividing it by the recovered SectorSize must reproduce this block's own
// size class.
func RecoverDeviceParams(decryptedWithZeroIV, knownPlaintextPrefix []byte, blockByteLen int) (RecoveredGeometry, error) {
	if len(decryptedWithZeroIV) < 16 || len(knownPlaintextPrefix) < 16 {
		return RecoveredGeometry{}, ErrShortBlock
	}
	var ivWords [4]uint32
	for i := 0; i < 4; i++ {
		garbled := binary.BigEndian.Uint32(decryptedWithZeroIV[i*4 : i*4+4])
		known := binary.BigEndian.Uint32(knownPlaintextPrefix[i*4 : i*4+4])
		ivWords[i] = garbled ^ known
	}
	sectorCountTimesSize, blockIV, sectorsCount, sectorSize := ivWords[0], ivWords[1], ivWords[2], ivWords[3]
	if sectorSize == 0 || sectorSize&(sectorSize-1) != 0 {
		return RecoveredGeometry{}, ErrInconsistentGeometry
	}
	if blockByteLen > 0 && int(sectorCountTimesSize) != blockByteLen {
		return RecoveredGeometry{}, ErrInconsistentGeometry
	}
	return RecoveredGeometry{BlockIV: blockIV, SectorsCount: sectorsCount, SectorSize: sectorSize}, nil
}

// ErrInconsistentGeometry is returned when a recovered SectorSize is not a
// power of two, or the recovered word[0] does not reproduce the block's own
// known byte length — either means the supplied knownPlaintextPrefix was
// wrong (usually: the hash was computed over the wrong masked slot).
var ErrInconsistentGeometry = errors.New("recovery: recovered geometry is inconsistent")

// HashWithMaskedSlot mirrors blockdevice's unexported hashWithMaskedSlot so
// recovery can compute the same "hash slot filled with 0xFF" digest a
// caller needs as RecoverDeviceParams's knownPlaintextPrefix tail, without
// importing blockdevice (which would need a live, correctly-configured
// BlockDevice to do it — exactly what recovery is trying to bootstrap
// without).
func HashWithMaskedSlot(data []byte, hashSlotOffset int) [20]byte {
	if hashSlotOffset < 0 {
		return sha1.Sum(data) //nolint:gosec
	}
	scratch := make([]byte, len(data))
	copy(scratch, data)
	for i := 0; i < 20; i++ {
		scratch[hashSlotOffset+i] = 0xFF
	}
	return sha1.Sum(scratch) //nolint:gosec
}
