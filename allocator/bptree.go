package allocator

// bpNode is one node of a small, fixed-fanout B+-tree kept in memory for
// the lifetime of an open area and flushed to its backing metadata blocks
// on demand. FTree, RTree and EPTree (ftree.go, eptree.go) are
// all instances of this shape with different leaf value types and
// capacities, mirroring spec §4.4's description of three
// differently-specialized B+-trees sharing the same node layout.
//
// Grounded on the B+-tree-shaped inline/index extent structure in
// filesystem/ext4/extent.go: a small fixed-capacity array of keys that
// grows into an index (parent) layer once a leaf overflows.
type bpNode[V any] struct {
	leaf bool

	keys     []uint32     // sorted ascending
	children []*bpNode[V] // len(children) == len(keys)+1, parent nodes only
	values   []V          // len(values) == len(keys), leaf nodes only
	next     *bpNode[V]   // sibling chain across leaves, for iteration
}

// bpTree is a generic ordered map keyed by uint32 with bounded fanout.
type bpTree[V any] struct {
	leafCap   int // max keys per leaf before it splits
	parentCap int // max keys per parent before it splits (children = keys+1)
	root      *bpNode[V]
	size      int
}

func newBPTree[V any](leafCap, parentCap int) *bpTree[V] {
	return &bpTree[V]{leafCap: leafCap, parentCap: parentCap}
}

func (t *bpTree[V]) Len() int { return t.size }

func (t *bpTree[V]) Empty() bool { return t.root == nil || len(t.root.keys) == 0 }

// Find returns the value stored at key, if present.
func (t *bpTree[V]) Find(key uint32) (V, bool) {
	var zero V
	if t.root == nil {
		return zero, false
	}
	n := t.root
	for !n.leaf {
		i := upperBound(n.keys, key)
		n = n.children[i]
	}
	i := lowerBound(n.keys, key)
	if i < len(n.keys) && n.keys[i] == key {
		return n.values[i], true
	}
	return zero, false
}

// FindLE returns the entry with the largest key <= key (the nearest
// predecessor), used by non-exact lookups and by neighbour-coalescing.
func (t *bpTree[V]) FindLE(key uint32) (uint32, V, bool) {
	var zero V
	if t.root == nil {
		return 0, zero, false
	}
	n := t.root
	for !n.leaf {
		i := upperBound(n.keys, key)
		n = n.children[i]
	}
	i := lowerBound(n.keys, key)
	if i < len(n.keys) && n.keys[i] == key {
		return n.keys[i], n.values[i], true
	}
	if i == 0 {
		// predecessor may live in an earlier leaf; we keep no
		// back-pointers, so fall back to a linear scan from the start.
		var prevKey uint32
		var prevVal V
		found := false
		t.Iterate(func(k uint32, v V) bool {
			if k >= key {
				return false
			}
			prevKey, prevVal, found = k, v, true
			return true
		})
		return prevKey, prevVal, found
	}
	return n.keys[i-1], n.values[i-1], true
}

// Iterate walks all entries in ascending key order, stopping early if fn
// returns false.
func (t *bpTree[V]) Iterate(fn func(key uint32, value V) bool) {
	if t.root == nil {
		return
	}
	n := t.root
	for !n.leaf {
		n = n.children[0]
	}
	for n != nil {
		for i, k := range n.keys {
			if !fn(k, n.values[i]) {
				return
			}
		}
		n = n.next
	}
}

// All collects every entry in ascending order.
func (t *bpTree[V]) All() []bpEntry[V] {
	out := make([]bpEntry[V], 0, t.size)
	t.Iterate(func(k uint32, v V) bool {
		out = append(out, bpEntry[V]{Key: k, Value: v})
		return true
	})
	return out
}

type bpEntry[V any] struct {
	Key   uint32
	Value V
}

// Insert adds or overwrites the value at key.
func (t *bpTree[V]) Insert(key uint32, value V) {
	if t.root == nil {
		t.root = &bpNode[V]{leaf: true}
	}
	if t.insertNode(t.root, key, value) {
		t.size++
	}
	if t.overflowed(t.root) {
		t.rootSplit()
	}
}

func (t *bpTree[V]) overflowed(n *bpNode[V]) bool {
	if n.leaf {
		return len(n.keys) > t.leafCap
	}
	return len(n.keys) > t.parentCap
}

// insertNode inserts into the subtree rooted at n. When the targeted child
// overflows as a result, it is split and the new separator key/sibling are
// threaded into n directly (classic top-down-safe B+-tree insertion).
// Returns whether a new key was added (false if an existing key's value
// was merely overwritten).
func (t *bpTree[V]) insertNode(n *bpNode[V], key uint32, value V) bool {
	if n.leaf {
		i := lowerBound(n.keys, key)
		if i < len(n.keys) && n.keys[i] == key {
			n.values[i] = value
			return false
		}
		n.keys = insertAt(n.keys, i, key)
		n.values = insertAtV(n.values, i, value)
		return true
	}
	i := upperBound(n.keys, key)
	child := n.children[i]
	added := t.insertNode(child, key, value)
	if t.overflowed(child) {
		sep, right := t.splitNode(child)
		n.keys = insertAt(n.keys, i, sep)
		n.children = insertAtNode(n.children, i+1, right)
	}
	return added
}

// rootSplit grows the tree by one level when the root itself overflowed.
func (t *bpTree[V]) rootSplit() {
	old := t.root
	mid, right := t.splitNode(old)
	newRoot := &bpNode[V]{
		leaf:     false,
		keys:     []uint32{mid},
		children: []*bpNode[V]{old, right},
	}
	t.root = newRoot
}

// splitNode splits an overflowing node in half (leaf) or at the index
// parentSplitPivot returns (parent; reused for all parent nodes since
// FTree/RTree/EPTree parents share the 5-key/6-child shape). Returns the separator key to place in the parent and the
// new right-hand sibling.
func (t *bpTree[V]) splitNode(n *bpNode[V]) (uint32, *bpNode[V]) {
	if n.leaf {
		mid := (len(n.keys) + 1) / 2
		right := &bpNode[V]{
			leaf:   true,
			keys:   append([]uint32{}, n.keys[mid:]...),
			values: append([]V{}, n.values[mid:]...),
			next:   n.next,
		}
		n.keys = n.keys[:mid]
		n.values = n.values[:mid]
		n.next = right
		return right.keys[0], right
	}
	pivot := parentSplitPivot(len(n.keys))
	right := &bpNode[V]{
		leaf:     false,
		keys:     append([]uint32{}, n.keys[pivot+1:]...),
		children: append([]*bpNode[V]{}, n.children[pivot+1:]...),
	}
	mid := n.keys[pivot]
	n.keys = n.keys[:pivot]
	n.children = n.children[:pivot+1]
	return mid, right
}

// parentSplitPivot picks the split index from the overflowing node's key
// count alone: 3 for at most 3 keys, otherwise 4. A 5-key/6-child parent
// splits once it holds 6 keys, so it always splits at 4; the position of
// the key that caused the overflow is not consulted.
func parentSplitPivot(keyCount int) int {
	switch {
	case keyCount <= 3:
		return 3
	default:
		return 4
	}
}

// Remove deletes key, returning whether it was present. Underflow is not
// rebalanced across siblings (spec §4.4 notes deletions coalesce empty
// nodes and return them to the allocator; our in-memory trees simply drop
// emptied leaves from the parent, which is sufficient since area-local
// trees are rebuilt/compacted by directory.erase-style callers rather than
// kept permanently near-empty).
func (t *bpTree[V]) Remove(key uint32) bool {
	if t.root == nil {
		return false
	}
	removed := t.remove(t.root, key)
	if removed {
		t.size--
	}
	if !t.root.leaf && len(t.root.children) == 1 {
		t.root = t.root.children[0]
	}
	return removed
}

func (t *bpTree[V]) remove(n *bpNode[V], key uint32) bool {
	if n.leaf {
		i := lowerBound(n.keys, key)
		if i >= len(n.keys) || n.keys[i] != key {
			return false
		}
		n.keys = append(n.keys[:i], n.keys[i+1:]...)
		n.values = append(n.values[:i], n.values[i+1:]...)
		return true
	}
	i := upperBound(n.keys, key)
	child := n.children[i]
	removed := t.remove(child, key)
	if removed && child.leaf && len(child.keys) == 0 && len(n.children) > 1 {
		// drop the emptied leaf and its separator key
		if i > 0 {
			n.children[i-1].next = child.next
			n.keys = append(n.keys[:i-1], n.keys[i:]...)
		} else if len(n.keys) > 0 {
			n.keys = n.keys[1:]
		}
		n.children = append(n.children[:i], n.children[i+1:]...)
	}
	return removed
}

func lowerBound(keys []uint32, key uint32) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] < key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func upperBound(keys []uint32, key uint32) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] <= key {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func insertAt(s []uint32, i int, v uint32) []uint32 {
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertAtV[V any](s []V, i int, v V) []V {
	var zero V
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func insertAtNode[V any](s []*bpNode[V], i int, v *bpNode[V]) []*bpNode[V] {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
