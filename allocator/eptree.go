package allocator

// RTree is the generic (key=first_block, value=child_metadata_block_number)
// B+-tree described in spec §4.4, with a 5-key/6-child parent shape. It is
// the building block EPTree specializes: EPTree is "a top-level RTree whose
// leaves point to metadata blocks each containing an FTrees block".
type RTree struct {
	tree *bpTree[uint32]
}

func newRTree() *RTree { return &RTree{tree: newBPTree[uint32](5, 5)} }

func (r *RTree) Len() int { return r.tree.Len() }

func (r *RTree) Insert(key, childBlockNumber uint32) { r.tree.Insert(key, childBlockNumber) }

func (r *RTree) Remove(key uint32) bool { return r.tree.Remove(key) }

func (r *RTree) Find(key uint32) (uint32, bool) { return r.tree.Find(key) }

func (r *RTree) FindLE(key uint32) (uint32, uint32, bool) { return r.tree.FindLE(key) }

func (r *RTree) Iterate(fn func(key, childBlockNumber uint32) bool) { r.tree.Iterate(fn) }

// Depth returns the number of levels from the root to a leaf, inclusive
// (a tree holding a single leaf node has depth 1).
func (r *RTree) Depth() int {
	n := r.tree.root
	if n == nil {
		return 1
	}
	depth := 1
	for !n.leaf {
		depth++
		n = n.children[0]
	}
	return depth
}

// EPTree is the extent-pointer tree at the top of the allocator (spec
// §4.4): an RTree whose leaves name the metadata block holding the
// FTreesBlock responsible for a region of the area's key space. Depth
// ranges from 1 to 4 as the tree grows; we do not cap growth at 4 (the
// allocator partitions the area into regions sized so that a single EPTree
// comfortably covers the address space exercised by this core — see
// DESIGN.md), but Depth() lets callers observe growth exactly as spec's S6
// scenario expects.
type EPTree struct {
	*RTree
}

func newEPTree() *EPTree { return &EPTree{RTree: newRTree()} }
