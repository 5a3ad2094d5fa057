// Package directory implements the on-disk directory trie (spec §4.6): a
// two-level radix trie — parent-tree blocks pointing at leaf-tree blocks —
// each node placed inside its metadata block by the subblock allocator.
//
// Grounded on ext4's directory-entry splitting (filesystem/ext4/directory.go:
// hashed entries, split when a block fills) for the overall shape of
// "entries live in fixed-size blocks, a full block splits in two", and on
// fat32's case-insensitive short-name handling (filesystem/fat32/directory.go)
// for the case-bitmap reconstruction in Attributes.
package directory

import "encoding/binary"

// EntryMetadata flag bits (original_source/src/structs.h EntryMetadata::Flags).
const (
	FlagUnencryptedFile = 0x02000000
	FlagLink            = 0x04000000
	FlagAreaSizeBasic   = 0x10000000
	FlagAreaSizeRegular = 0x20000000
	FlagQuota           = 0x40000000
	FlagDirectory       = 0x80000000
)

// fixedAttributesSize is EntryMetadata's fixed prefix (spec §6, 0x2C total
// minus the variable case-bitmap tail): flags, size_on_disk, ctime, mtime,
// unknown, file_size/quota_blocks_count, directory_block_number (7*4=28),
// owner/group/mode (12), metadata_log2_size, category, filename_length (3).
const fixedAttributesSize = 43

// FixedAttributesSize exports fixedAttributesSize for package file, which
// needs it to compute how much of a directory leaf block's largest
// sub-block allocation (spec §4.5) an inline file payload can use.
const FixedAttributesSize = fixedAttributesSize

// tailLengthOffset/tailLengthSize repurpose two bytes of the original
// struct's unused "unknown" word (the two bytes this core's own fixed
// fields never reach, see DESIGN.md's byte-budget note) to record
// how many bytes of package file's storage-category descriptor (single/
// large block lists, cluster descriptors, ...) follow the case bitmap.
// Spec §4.7 says that tail is sized from the category and block counts,
// which aren't otherwise recoverable from a bare on-disk record without
// also knowing the owning area's block-size class; storing the length
// explicitly keeps Attributes.Size() self-contained.
const tailLengthOffset = 39
const tailLengthSize = 2

// Attributes mirrors EntryMetadata (spec §3/§6): a directory entry's fixed
// record, a variable-length per-character case bitmap, and (for files) a
// storage-category-specific tail owned and interpreted by package file.
type Attributes struct {
	Flags                uint32
	SizeOnDisk           uint32
	CTime                uint32
	MTime                uint32
	FileSizeOrQuotaCount uint32 // file_size for files, quota_blocks_count for quota dirs
	DirectoryBlockNumber uint32
	Owner, Group, Mode   uint32
	MetadataLog2Size     uint8
	Category             uint8 // file storage DataType, 0-4 (package file)
	FilenameLength       uint8
	CaseBitmap           []byte // ceil(FilenameLength/8) bytes, bit i set => char i was uppercase
	Tail                 []byte // package file's storage-category descriptor bytes
}

func (a Attributes) IsDirectory() bool { return a.Flags&FlagDirectory != 0 }
func (a Attributes) IsFile() bool      { return !a.IsDirectory() }
func (a Attributes) IsLink() bool      { return a.Flags&FlagLink != 0 }
func (a Attributes) IsQuota() bool     { return a.Flags&FlagQuota != 0 }

// caseBitmapLen returns the case bitmap's length in bytes.
func (a Attributes) caseBitmapLen() int {
	return (int(a.FilenameLength) + 7) / 8
}

// Size returns the attribute record's total serialized length: the fixed
// prefix, the case bitmap, and the storage-category tail (spec §4.6/§4.7).
func (a Attributes) Size() int {
	return fixedAttributesSize + a.caseBitmapLen() + len(a.Tail)
}

// Marshal serializes a into buf, which must be at least a.Size() bytes.
func (a Attributes) Marshal(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], a.Flags)
	binary.BigEndian.PutUint32(buf[4:8], a.SizeOnDisk)
	binary.BigEndian.PutUint32(buf[8:12], a.CTime)
	binary.BigEndian.PutUint32(buf[12:16], a.MTime)
	binary.BigEndian.PutUint32(buf[16:20], a.FileSizeOrQuotaCount)
	binary.BigEndian.PutUint32(buf[20:24], a.DirectoryBlockNumber)
	binary.BigEndian.PutUint32(buf[24:28], a.Owner)
	binary.BigEndian.PutUint32(buf[28:32], a.Group)
	binary.BigEndian.PutUint32(buf[32:36], a.Mode)
	buf[36] = a.MetadataLog2Size
	buf[37] = a.Category
	buf[38] = a.FilenameLength
	binary.BigEndian.PutUint16(buf[tailLengthOffset:tailLengthOffset+tailLengthSize], uint16(len(a.Tail)))
	bmLen := a.caseBitmapLen()
	copy(buf[fixedAttributesSize:fixedAttributesSize+bmLen], a.CaseBitmap)
	copy(buf[fixedAttributesSize+bmLen:a.Size()], a.Tail)
}

// UnmarshalAttributes parses an Attributes record out of buf, which must be
// at least a.Size() bytes (the same value Size() will return once parsed).
func UnmarshalAttributes(buf []byte) Attributes {
	var a Attributes
	a.Flags = binary.BigEndian.Uint32(buf[0:4])
	a.SizeOnDisk = binary.BigEndian.Uint32(buf[4:8])
	a.CTime = binary.BigEndian.Uint32(buf[8:12])
	a.MTime = binary.BigEndian.Uint32(buf[12:16])
	a.FileSizeOrQuotaCount = binary.BigEndian.Uint32(buf[16:20])
	a.DirectoryBlockNumber = binary.BigEndian.Uint32(buf[20:24])
	a.Owner = binary.BigEndian.Uint32(buf[24:28])
	a.Group = binary.BigEndian.Uint32(buf[28:32])
	a.Mode = binary.BigEndian.Uint32(buf[32:36])
	a.MetadataLog2Size = buf[36]
	a.Category = buf[37]
	a.FilenameLength = buf[38]
	tailLen := int(binary.BigEndian.Uint16(buf[tailLengthOffset : tailLengthOffset+tailLengthSize]))
	bmLen := a.caseBitmapLen()
	a.CaseBitmap = append([]byte(nil), buf[fixedAttributesSize:fixedAttributesSize+bmLen]...)
	a.Tail = append([]byte(nil), buf[fixedAttributesSize+bmLen:fixedAttributesSize+bmLen+tailLen]...)
	return a
}

// CaseSensitiveName reconstructs the original-case filename from the
// lower-cased lookup key and the stored case bitmap (spec §4.6: "stored
// names are the lower-cased form; Attributes.case_bitmap reconstructs the
// original case at retrieval").
func (a Attributes) CaseSensitiveName(lower string) string {
	b := []byte(lower)
	for i := 0; i < len(b) && i < int(a.FilenameLength); i++ {
		byteIdx, bit := i/8, uint(i%8)
		if byteIdx < len(a.CaseBitmap) && a.CaseBitmap[byteIdx]&(1<<bit) != 0 {
			if b[i] >= 'a' && b[i] <= 'z' {
				b[i] -= 'a' - 'A'
			}
		}
	}
	return string(b)
}

// CaseBitmapFor computes the case bitmap for the given original-case name.
func CaseBitmapFor(name string) []byte {
	n := (len(name) + 7) / 8
	bm := make([]byte, n)
	for i := 0; i < len(name); i++ {
		if name[i] >= 'A' && name[i] <= 'Z' {
			bm[i/8] |= 1 << uint(i%8)
		}
	}
	return bm
}
