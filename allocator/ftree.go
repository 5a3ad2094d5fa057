package allocator

// FTree is one of the seven parallel per-size-bucket B+-trees living
// inside a metadata block (spec §4.4). Its leaf values are 4-bit "length
// class nibbles": an extent's length is (nibble+1) * kSizeBuckets[bucket].
// Keys are the first area-block of each free extent in this bucket.
type FTree struct {
	bucket int
	tree   *bpTree[uint8]
}

// newFTree builds an empty FTree for the given bucket index (0..6), with
// leaf capacity 7 and parent capacity 5/6 per spec §4.4.
func newFTree(bucket int) *FTree {
	return &FTree{bucket: bucket, tree: newBPTree[uint8](7, 5)}
}

func (f *FTree) Len() int { return f.tree.Len() }

func (f *FTree) Bucket() int { return f.bucket }

// Insert records a free extent of the given length (must be an exact
// multiple of this bucket's unit size, in [1,16] units).
func (f *FTree) Insert(blockNumber, length uint32) bool {
	nibble, ok := lengthToNibble(f.bucket, length)
	if !ok {
		return false
	}
	f.tree.Insert(blockNumber, nibble)
	return true
}

// Remove deletes the extent starting at blockNumber, if present.
func (f *FTree) Remove(blockNumber uint32) bool { return f.tree.Remove(blockNumber) }

// Find returns the extent starting exactly at blockNumber, if present.
func (f *FTree) Find(blockNumber uint32) (Extent, bool) {
	nibble, ok := f.tree.Find(blockNumber)
	if !ok {
		return Extent{}, false
	}
	return Extent{BlockNumber: blockNumber, BlocksCount: nibbleToLength(f.bucket, nibble)}, true
}

// FindLE returns the extent with the largest start <= blockNumber.
func (f *FTree) FindLE(blockNumber uint32) (Extent, bool) {
	key, nibble, ok := f.tree.FindLE(blockNumber)
	if !ok {
		return Extent{}, false
	}
	return Extent{BlockNumber: key, BlocksCount: nibbleToLength(f.bucket, nibble)}, true
}

// Extents returns every extent in this bucket, in ascending key order.
func (f *FTree) Extents() []Extent {
	entries := f.tree.All()
	out := make([]Extent, len(entries))
	for i, e := range entries {
		out[i] = Extent{BlockNumber: e.Key, BlocksCount: nibbleToLength(f.bucket, e.Value)}
	}
	return out
}

// FindAtLeast scans this bucket for the first extent (in key order) whose
// length is >= count, used by the allocation walk in spec §4.4 step 2.
func (f *FTree) FindAtLeast(count uint32) (Extent, bool) {
	var found Extent
	ok := false
	f.tree.Iterate(func(key uint32, nibble uint8) bool {
		length := nibbleToLength(f.bucket, nibble)
		if length >= count {
			found = Extent{BlockNumber: key, BlocksCount: length}
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// FTreesBlock bundles the 7 FTrees that share one metadata block, per
// spec §4.4's "FTrees" term.
type FTreesBlock struct {
	Buckets [numBuckets]*FTree
}

func newFTreesBlock() *FTreesBlock {
	fb := &FTreesBlock{}
	for i := range fb.Buckets {
		fb.Buckets[i] = newFTree(i)
	}
	return fb
}
