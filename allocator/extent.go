package allocator

// Extent is a half-open range [BlockNumber, BlockNumber+BlocksCount) of
// area-relative blocks, per spec §3's "Free extent".
type Extent struct {
	BlockNumber uint32
	BlocksCount uint32
}

func (e Extent) End() uint32 { return e.BlockNumber + e.BlocksCount }

// kSizeBuckets maps a bucket index (0..6) to the area-block count of one
// unit in that bucket: 1, 2, 4, 8, 16, 32, 64. Per spec §4.4.
var kSizeBuckets = [7]uint32{1, 2, 4, 8, 16, 32, 64}

const numBuckets = len(kSizeBuckets)

// bucketForSize returns the largest bucket index whose unit size is <=
// count, used to classify an extent of the given length for storage.
func bucketForSize(count uint32) int {
	idx := 0
	for i, sz := range kSizeBuckets {
		if sz <= count {
			idx = i
		} else {
			break
		}
	}
	return idx
}

// bucketAtLeast returns the smallest bucket index whose unit size is >=
// count, used to pick a fit for allocation requests.
func bucketAtLeast(count uint32) (int, bool) {
	for i, sz := range kSizeBuckets {
		if sz >= count {
			return i, true
		}
	}
	return 0, false
}

// nibbleToLength converts a bucket's packed 4-bit "length class nibble"
// back to an extent length in area-blocks, per spec §4.4: length =
// (nibble+1) << kSizeBuckets[bucket] — note kSizeBuckets holds block
// counts, not logs, so the shift becomes a multiplication by the unit.
func nibbleToLength(bucket int, nibble uint8) uint32 {
	return uint32(nibble+1) * kSizeBuckets[bucket]
}

// lengthToNibble is the inverse of nibbleToLength: count must be an exact
// multiple of the bucket unit size, in [1,16] units.
func lengthToNibble(bucket int, count uint32) (uint8, bool) {
	unit := kSizeBuckets[bucket]
	if count == 0 || count%unit != 0 {
		return 0, false
	}
	units := count / unit
	if units < 1 || units > 16 {
		return 0, false
	}
	return uint8(units - 1), true
}

// BlockType distinguishes the natural alignment a caller wants for an
// allocation, per spec §4.4's Single/Large/Cluster data-block multiples.
type BlockType int

const (
	Single BlockType = iota
	Large
	Cluster
)

// AlignmentBlocks returns how many area-blocks one unit of t occupies.
func (t BlockType) AlignmentBlocks() uint32 {
	switch t {
	case Large:
		return 8
	case Cluster:
		return 64
	default:
		return 1
	}
}
