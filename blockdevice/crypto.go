package blockdevice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // wire format mandates SHA-1, not a choice we get to make
	"encoding/binary"
)

// KeySize is the AES-128 key size WFS volumes are encrypted with.
const KeySize = 16

// HashSize is the size in bytes of a SHA-1 digest, the unit WFS stores
// block hashes in.
const HashSize = sha1.Size

// buildIV assembles the 16-byte CBC initialization vector used for one
// sector transfer, per spec §4.1: four big-endian 32-bit words
// [sectorCount*sectorSize, blockIV, totalSectorsOnDevice, sectorSize].
// Coupling the IV to device geometry means the same logical block encrypts
// differently depending on where in the device layout it sits.
func buildIV(sectorCount, sectorSize int, blockIV uint32, totalSectors int64) [16]byte {
	var iv [16]byte
	binary.BigEndian.PutUint32(iv[0:4], uint32(sectorCount*sectorSize))
	binary.BigEndian.PutUint32(iv[4:8], blockIV)
	binary.BigEndian.PutUint32(iv[8:12], uint32(totalSectors))
	binary.BigEndian.PutUint32(iv[12:16], uint32(sectorSize))
	return iv
}

// encryptCBC AES-128-CBC encrypts src into a freshly allocated buffer using
// the given key and IV. len(src) must be a multiple of aes.BlockSize.
func encryptCBC(key [KeySize]byte, iv [16]byte, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(dst, src)
	return dst, nil
}

// decryptCBC is the inverse of encryptCBC, decrypting src into a freshly
// allocated buffer.
func decryptCBC(key [KeySize]byte, iv [16]byte, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(dst, src)
	return dst, nil
}

// hashWithMaskedSlot computes the SHA-1 digest of data, after replacing the
// hashSlotOffset:hashSlotOffset+HashSize span with 0xFF filler, so that a
// freshly zeroed block has a well-defined hash. hashSlotOffset < 0 means
// "no slot to mask" (used for data blocks, whose hash lives elsewhere).
func hashWithMaskedSlot(data []byte, hashSlotOffset int) [HashSize]byte {
	if hashSlotOffset < 0 {
		return sha1.Sum(data) //nolint:gosec
	}
	scratch := make([]byte, len(data))
	copy(scratch, data)
	for i := 0; i < HashSize; i++ {
		scratch[hashSlotOffset+i] = 0xFF
	}
	return sha1.Sum(scratch) //nolint:gosec
}
