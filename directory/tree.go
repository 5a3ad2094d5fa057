package directory

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/koolkdev/wfslib-sub000/subblock"
)

var (
	// ErrNotFound is returned by Find/Erase when the key does not exist.
	ErrNotFound = errors.New("directory: key not found")
	// ErrBlockFull is returned by insert when the block's sub-block
	// allocator cannot place a new or grown node; the caller (DirectoryMap)
	// responds by splitting the block (spec §4.6).
	ErrBlockFull = errors.New("directory: block full")
)

// treeHeaderSize is DirectoryTreeHeader (spec §6): {root offset u16,
// records_count u16}.
const treeHeaderSize = 4

const nilNodeOffset = 0xFFFF

// blockTree manages one compressed trie — a parent-tree or leaf-tree —
// embedded in a single metadata block, its nodes placed by the block's
// subblock allocator (spec §4.6). leafValueSize distinguishes the two: 2
// bytes for a leaf-tree's in-block attribute offset, 4 bytes for a
// parent-tree's child area-block number.
type blockTree struct {
	alloc         *subblock.Allocator
	buf           []byte
	treeHeaderOff int
	leafValueSize int
}

func newBlockTree(buf []byte, headerOff int, leafValueSize int) *blockTree {
	a := subblock.New(buf, headerOff+treeHeaderSize)
	t := &blockTree{alloc: a, buf: buf, treeHeaderOff: headerOff, leafValueSize: leafValueSize}
	t.setRootOffset(nilNodeOffset)
	t.setRecordsCount(0)
	return t
}

func loadBlockTree(buf []byte, headerOff int, leafValueSize int) *blockTree {
	a := subblock.Load(buf, headerOff+treeHeaderSize)
	return &blockTree{alloc: a, buf: buf, treeHeaderOff: headerOff, leafValueSize: leafValueSize}
}

func (t *blockTree) rootOffset() uint16 {
	return binary.BigEndian.Uint16(t.buf[t.treeHeaderOff : t.treeHeaderOff+2])
}

func (t *blockTree) setRootOffset(off uint16) {
	binary.BigEndian.PutUint16(t.buf[t.treeHeaderOff:t.treeHeaderOff+2], off)
}

// RecordsCount is the number of distinct keys stored in this block's trie
// (spec §4.6: "a directory's entry count is the sum of leaf counts across
// all its leaf-tree blocks").
func (t *blockTree) RecordsCount() int {
	return int(binary.BigEndian.Uint16(t.buf[t.treeHeaderOff+2 : t.treeHeaderOff+4]))
}

func (t *blockTree) setRecordsCount(n int) {
	binary.BigEndian.PutUint16(t.buf[t.treeHeaderOff+2:t.treeHeaderOff+4], uint16(n))
}

func (t *blockTree) readNode(off uint16) node {
	size := peekNodeShape(t.buf, off, t.leafValueSize)
	return unmarshalNode(t.buf[off:int(off)+size], t.leafValueSize)
}

func (t *blockTree) allocNode(n node) (uint16, error) {
	size := n.allocSize(t.leafValueSize)
	off, err := t.alloc.Alloc(size)
	if err != nil {
		return 0, ErrBlockFull
	}
	marshalNode(n, t.buf[off:off+size], t.leafValueSize)
	return uint16(off), nil
}

func (t *blockTree) freeNode(off uint16) {
	size := peekNodeShape(t.buf, off, t.leafValueSize)
	_ = t.alloc.Free(int(off), size)
}

// writeChildPointer patches a single child offset in place, used when a
// subtree update doesn't change its parent's key count (so the parent's
// own allocation is untouched).
func (t *blockTree) writeChildPointer(parentOff uint16, idx int, childOff uint16) {
	n := t.readNode(parentOff)
	// children are reverse-packed at the very end of the node's
	// allocation (the optional leaf value sits further back, before
	// them), so children[idx]'s byte position only depends on the node's
	// end and how many children follow it.
	size := n.allocSize(t.leafValueSize)
	end := int(parentOff) + size
	pos := end - 2*(len(n.children)-idx)
	binary.BigEndian.PutUint16(t.buf[pos:pos+2], childOff)
}

// find descends the trie looking up key, returning its leaf value.
func (t *blockTree) find(key []byte) (uint32, bool) {
	if t.rootOffset() == nilNodeOffset {
		return 0, false
	}
	off := t.rootOffset()
	remaining := key
	for {
		n := t.readNode(off)
		m := commonPrefixLen(n.prefix, remaining)
		if m < len(n.prefix) {
			return 0, false
		}
		remaining = remaining[m:]
		if len(remaining) == 0 {
			if n.hasLeaf {
				return n.leaf, true
			}
			return 0, false
		}
		idx := findKeyIndex(n.keys, remaining[0])
		if idx < 0 {
			return 0, false
		}
		off = n.children[idx]
		remaining = remaining[1:]
	}
}

// findPredecessor returns the value of the lexicographically largest key
// that is <= target — used at the parent-tree level to route an insert or
// lookup to the correct child leaf-tree block (spec §4.6: "on prefix
// mismatch... returns... the nearest predecessor"). Implemented as a full
// scan over the (typically small, one-per-child-block) pivot set rather
// than a predecessor-aware trie walk; see DESIGN.md.
func (t *blockTree) findPredecessor(target []byte) (uint32, bool) {
	var bestKey []byte
	var bestVal uint32
	found := false
	t.iterate(func(key []byte, value uint32) bool {
		if bytes.Compare(key, target) <= 0 {
			if !found || bytes.Compare(key, bestKey) > 0 {
				bestKey = append([]byte(nil), key...)
				bestVal = value
				found = true
			}
		}
		return true
	})
	if !found {
		// target precedes every pivot; route to the smallest-keyed child.
		t.iterate(func(key []byte, value uint32) bool {
			if !found || bytes.Compare(key, bestKey) < 0 {
				bestKey = append([]byte(nil), key...)
				bestVal = value
				found = true
			}
			return true
		})
	}
	return bestVal, found
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// insert places key -> value in the trie, returning whether this created a
// new record (false if it replaced an existing one's value). Fails with
// ErrBlockFull if the block has no room, leaving the tree unmodified up to
// the point of failure — callers must be prepared to abandon the whole
// operation and split the block.
func (t *blockTree) insert(key []byte, value uint32) (isNew bool, err error) {
	if t.rootOffset() == nilNodeOffset {
		off, err := t.allocNode(node{prefix: key, hasLeaf: true, leaf: value})
		if err != nil {
			return false, err
		}
		t.setRootOffset(off)
		t.setRecordsCount(1)
		return true, nil
	}
	newRoot, isNew, err := t.insertAt(t.rootOffset(), key, value)
	if err != nil {
		return false, err
	}
	if newRoot != t.rootOffset() {
		t.setRootOffset(newRoot)
	}
	if isNew {
		t.setRecordsCount(t.RecordsCount() + 1)
	}
	return isNew, nil
}

func (t *blockTree) insertAt(off uint16, key []byte, value uint32) (newOff uint16, isNew bool, err error) {
	n := t.readNode(off)
	cp := commonPrefixLen(n.prefix, key)

	if cp == len(n.prefix) {
		remaining := key[cp:]
		if len(remaining) == 0 {
			wasLeaf := n.hasLeaf
			if wasLeaf {
				// same shape, just patch the leaf value in place.
				n.leaf = value
				marshalNode(n, t.buf[off:int(off)+n.allocSize(t.leafValueSize)], t.leafValueSize)
				return off, false, nil
			}
			n.hasLeaf = true
			n.leaf = value
			newOff, err := t.allocNode(n)
			if err != nil {
				return 0, false, err
			}
			t.freeNode(off)
			return newOff, true, nil
		}
		c := remaining[0]
		if idx := findKeyIndex(n.keys, c); idx >= 0 {
			childOff, isNew, err := t.insertAt(n.children[idx], remaining[1:], value)
			if err != nil {
				return 0, false, err
			}
			if childOff != n.children[idx] {
				t.writeChildPointer(off, idx, childOff)
			}
			return off, isNew, nil
		}
		leafOff, err := t.allocNode(node{prefix: remaining[1:], hasLeaf: true, leaf: value})
		if err != nil {
			return 0, false, err
		}
		newKeys, newChildren := insertSorted(n.keys, n.children, c, leafOff)
		n.keys, n.children = newKeys, newChildren
		newOff, err := t.allocNode(n)
		if err != nil {
			return 0, false, err
		}
		t.freeNode(off)
		return newOff, true, nil
	}

	// Prefix diverges at cp: split n into a branch node at the divergence
	// point plus a continuation node carrying the rest of n's old content.
	cont := node{prefix: n.prefix[cp+1:], keys: n.keys, children: n.children, hasLeaf: n.hasLeaf, leaf: n.leaf}
	contOff, err := t.allocNode(cont)
	if err != nil {
		return 0, false, err
	}
	var branch node
	if cp == len(key) {
		branch = node{prefix: n.prefix[:cp], keys: []byte{n.prefix[cp]}, children: []uint16{contOff}, hasLeaf: true, leaf: value}
	} else {
		leafOff, err := t.allocNode(node{prefix: key[cp+1:], hasLeaf: true, leaf: value})
		if err != nil {
			return 0, false, err
		}
		keys, children := insertSorted([]byte{n.prefix[cp]}, []uint16{contOff}, key[cp], leafOff)
		branch = node{prefix: n.prefix[:cp], keys: keys, children: children}
	}
	branchOff, err := t.allocNode(branch)
	if err != nil {
		return 0, false, err
	}
	t.freeNode(off)
	return branchOff, true, nil
}

// erase removes key from the trie.
func (t *blockTree) erase(key []byte) error {
	if t.rootOffset() == nilNodeOffset {
		return ErrNotFound
	}
	newRoot, erased, err := t.eraseAt(t.rootOffset(), key)
	if err != nil {
		return err
	}
	if !erased {
		return ErrNotFound
	}
	if newRoot == nilNodeOffset {
		t.setRootOffset(nilNodeOffset)
	} else if newRoot != t.rootOffset() {
		t.setRootOffset(newRoot)
	}
	t.setRecordsCount(t.RecordsCount() - 1)
	return nil
}

// eraseAt returns the (possibly-merged, possibly-freed-to-nil) offset to
// install in the parent, and whether a key was actually removed.
func (t *blockTree) eraseAt(off uint16, key []byte) (newOff uint16, erased bool, err error) {
	n := t.readNode(off)
	cp := commonPrefixLen(n.prefix, key)
	if cp < len(n.prefix) {
		return off, false, nil
	}
	remaining := key[cp:]
	if len(remaining) == 0 {
		if !n.hasLeaf {
			return off, false, nil
		}
		n.hasLeaf = false
		n.leaf = 0
		return t.rewriteAfterErase(off, n)
	}
	c := remaining[0]
	idx := findKeyIndex(n.keys, c)
	if idx < 0 {
		return off, false, nil
	}
	childNewOff, erased, err := t.eraseAt(n.children[idx], remaining[1:])
	if err != nil || !erased {
		return off, erased, err
	}
	if childNewOff == nilNodeOffset {
		// drop the key entirely
		newKeys := append(append([]byte(nil), n.keys[:idx]...), n.keys[idx+1:]...)
		newChildren := append(append([]uint16(nil), n.children[:idx]...), n.children[idx+1:]...)
		n.keys, n.children = newKeys, newChildren
		return t.rewriteAfterErase(off, n)
	}
	if childNewOff != n.children[idx] {
		t.writeChildPointer(off, idx, childNewOff)
	}
	return off, true, nil
}

// rewriteAfterErase reallocates n (its shape changed) and, if n is now a
// childless singleton with no leaf of its own but exactly one child, merges
// that child back up by concatenating prefixes — spec §4.6's erase
// invariant.
func (t *blockTree) rewriteAfterErase(off uint16, n node) (uint16, bool, error) {
	if !n.hasLeaf && len(n.keys) == 0 {
		t.freeNode(off)
		return nilNodeOffset, true, nil
	}
	if !n.hasLeaf && len(n.keys) == 1 {
		child := t.readNode(n.children[0])
		merged := node{
			prefix:   concatPrefix(n.prefix, n.keys[0], child.prefix),
			keys:     child.keys,
			children: child.children,
			hasLeaf:  child.hasLeaf,
			leaf:     child.leaf,
		}
		mergedOff, err := t.allocNode(merged)
		if err != nil {
			// leave unmerged rather than fail the erase outright.
			newOff, err2 := t.allocNode(n)
			if err2 != nil {
				return 0, false, err2
			}
			t.freeNode(off)
			return newOff, true, nil
		}
		t.freeNode(n.children[0])
		t.freeNode(off)
		return mergedOff, true, nil
	}
	newOff, err := t.allocNode(n)
	if err != nil {
		return 0, false, err
	}
	t.freeNode(off)
	return newOff, true, nil
}

func concatPrefix(prefix []byte, edge byte, childPrefix []byte) []byte {
	out := make([]byte, 0, len(prefix)+1+len(childPrefix))
	out = append(out, prefix...)
	out = append(out, edge)
	out = append(out, childPrefix...)
	return out
}

// iterate walks every key -> value pair in lexicographic order.
func (t *blockTree) iterate(fn func(key []byte, value uint32) bool) {
	if t.rootOffset() == nilNodeOffset {
		return
	}
	t.walk(t.rootOffset(), nil, fn)
}

func (t *blockTree) walk(off uint16, prefix []byte, fn func([]byte, uint32) bool) bool {
	n := t.readNode(off)
	full := append(append([]byte(nil), prefix...), n.prefix...)
	if n.hasLeaf {
		if !fn(full, n.leaf) {
			return false
		}
	}
	for i, c := range n.keys {
		childPrefix := append(append([]byte(nil), full...), c)
		if !t.walk(n.children[i], childPrefix, fn) {
			return false
		}
	}
	return true
}
