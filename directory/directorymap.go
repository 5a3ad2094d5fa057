package directory

import (
	"bytes"
	"errors"
	"strings"

	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
)

// ErrNoSpace is returned when an insert cannot be satisfied even after
// splitting, or when the parent-tree level itself would need a further
// split — this core supports one parent-tree level over many leaf-tree
// blocks (see DESIGN.md); deeper recursive parent splitting is out of
// scope.
var ErrNoSpace = errors.New("directory: no space for entry")

// kindOffset holds this package's own block-kind tag (leaf-tree vs
// parent-tree), placed right after the shared MetadataBlockHeader and
// before DirectoryTreeHeader. Spec §6 models the same fact via
// MetadataBlockHeader's DIRECTORY_LEAF_TREE/DIRECTORY_ROOT_TREE flag bits;
// this core tracks it with a dedicated tag byte instead of reaching into
// blockdevice's block-flags word, which blockdevice does not expose.
const kindOffset = area.MetadataBlockHeaderSize
const dirHeaderOff = area.MetadataBlockHeaderSize + 1

const (
	kindLeaf   = 0
	kindParent = 1
)

func leafValueSizeFor(kind byte) int {
	if kind == kindParent {
		return 4
	}
	return 2
}

// DirectoryMap is the case-insensitive name->Attributes mapping rooted at
// one metadata block (spec §4.6). The root starts as a single leaf-tree
// block; the first time it overflows it is converted in place into a
// parent-tree pointing at two fresh leaf-tree blocks, and subsequent
// overflowing leaf blocks split the same way under the (unchanged) parent.
type DirectoryMap struct {
	quota *area.QuotaArea
	root  *blockdevice.Block
}

// Open wraps an already-initialized root block.
func Open(quota *area.QuotaArea, root *blockdevice.Block) *DirectoryMap {
	return &DirectoryMap{quota: quota, root: root}
}

// Init formats root as a fresh, empty leaf-tree block.
func Init(quota *area.QuotaArea, root *blockdevice.Block) *DirectoryMap {
	buf := root.Mutable()
	buf[kindOffset] = kindLeaf
	newBlockTree(buf, dirHeaderOff, leafValueSizeFor(kindLeaf))
	return &DirectoryMap{quota: quota, root: root}
}

func loadTree(b *blockdevice.Block) (*blockTree, byte) {
	kind := b.Bytes()[kindOffset]
	return loadBlockTree(b.Mutable(), dirHeaderOff, leafValueSizeFor(kind)), kind
}

// Size is the directory's total entry count, summed across leaf-tree
// blocks (spec §4.6).
func (m *DirectoryMap) Size() (int, error) {
	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		return tree.RecordsCount(), nil
	}
	total := 0
	var walkErr error
	tree.iterate(func(_ []byte, childBlock uint32) bool {
		child, err := m.quota.LoadDirectory(childBlock)
		if err != nil {
			walkErr = err
			return false
		}
		childTree, _ := loadTree(child)
		total += childTree.RecordsCount()
		return true
	})
	return total, walkErr
}

// Find looks up name case-insensitively and returns its Attributes.
func (m *DirectoryMap) Find(name string) (Attributes, error) {
	key := []byte(strings.ToLower(name))
	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		return findInLeaf(m.root, tree, key)
	}
	childNum, ok := tree.findPredecessor(key)
	if !ok {
		return Attributes{}, ErrNotFound
	}
	child, err := m.quota.LoadDirectory(childNum)
	if err != nil {
		return Attributes{}, err
	}
	childTree, _ := loadTree(child)
	return findInLeaf(child, childTree, key)
}

func findInLeaf(b *blockdevice.Block, tree *blockTree, key []byte) (Attributes, error) {
	off, ok := tree.find(key)
	if !ok {
		return Attributes{}, ErrNotFound
	}
	return UnmarshalAttributes(b.Bytes()[off:]), nil
}

// FindWithLocation is Find, but also returns the leaf-tree block and the
// byte offset within it where the record's fixed prefix starts. Package
// file needs both to address a file's own storage-category tail for
// hashing (blockdevice.HashRef{Parent, Offset}); Find alone only returns a
// detached copy of the parsed Attributes. Callers must re-resolve the
// location after any mutation that can change the record's serialized
// size (Insert may relocate it to a fresh sub-block allocation) — the
// returned block/offset are only valid until the next Insert/Erase on
// this directory.
func (m *DirectoryMap) FindWithLocation(name string) (*blockdevice.Block, int, Attributes, error) {
	key := []byte(strings.ToLower(name))
	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		return findWithLocationInLeaf(m.root, tree, key)
	}
	childNum, ok := tree.findPredecessor(key)
	if !ok {
		return nil, 0, Attributes{}, ErrNotFound
	}
	child, err := m.quota.LoadDirectory(childNum)
	if err != nil {
		return nil, 0, Attributes{}, err
	}
	childTree, _ := loadTree(child)
	return findWithLocationInLeaf(child, childTree, key)
}

func findWithLocationInLeaf(b *blockdevice.Block, tree *blockTree, key []byte) (*blockdevice.Block, int, Attributes, error) {
	off, ok := tree.find(key)
	if !ok {
		return nil, 0, Attributes{}, ErrNotFound
	}
	return b, int(off), UnmarshalAttributes(b.Bytes()[off:]), nil
}

// Insert adds or updates name -> attrs (spec §4.6).
func (m *DirectoryMap) Insert(name string, attrs Attributes) error {
	key := []byte(strings.ToLower(name))
	attrs.FilenameLength = uint8(len(name))
	attrs.CaseBitmap = CaseBitmapFor(name)

	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		if err := m.insertIntoLeaf(m.root, tree, key, attrs); err != nil {
			if err == ErrBlockFull {
				return m.splitRootAndInsert(key, attrs)
			}
			return err
		}
		return nil
	}

	childNum, ok := tree.findPredecessor(key)
	if !ok {
		return m.createFirstChildAndInsert(tree, key, attrs)
	}
	child, err := m.quota.LoadDirectory(childNum)
	if err != nil {
		return err
	}
	childTree, _ := loadTree(child)
	if err := m.insertIntoLeaf(child, childTree, key, attrs); err != nil {
		if err == ErrBlockFull {
			return m.splitChildAndInsert(tree, childNum, child, childTree, key, attrs)
		}
		return err
	}
	return nil
}

func (m *DirectoryMap) insertIntoLeaf(b *blockdevice.Block, tree *blockTree, key []byte, attrs Attributes) error {
	sz := attrs.Size()
	if existingOff, ok := tree.find(key); ok {
		off := int(existingOff)
		oldSz := UnmarshalAttributes(b.Bytes()[off:]).Size()
		if sz == oldSz {
			attrs.Marshal(b.Mutable()[off : off+sz])
			return nil
		}
		newOff, err := tree.alloc.Alloc(sz)
		if err != nil {
			return ErrBlockFull
		}
		attrs.Marshal(b.Mutable()[newOff : newOff+sz])
		_ = tree.alloc.Free(off, oldSz)
		_, err = tree.insert(key, uint32(newOff))
		return err
	}
	off, err := tree.alloc.Alloc(sz)
	if err != nil {
		return ErrBlockFull
	}
	attrs.Marshal(b.Mutable()[off : off+sz])
	if _, err := tree.insert(key, uint32(off)); err != nil {
		_ = tree.alloc.Free(off, sz)
		return err
	}
	return nil
}

// Erase removes name case-insensitively.
func (m *DirectoryMap) Erase(name string) error {
	key := []byte(strings.ToLower(name))
	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		return m.eraseFromLeaf(m.root, tree, key)
	}
	childNum, ok := tree.findPredecessor(key)
	if !ok {
		return ErrNotFound
	}
	child, err := m.quota.LoadDirectory(childNum)
	if err != nil {
		return err
	}
	childTree, _ := loadTree(child)
	return m.eraseFromLeaf(child, childTree, key)
}

func (m *DirectoryMap) eraseFromLeaf(b *blockdevice.Block, tree *blockTree, key []byte) error {
	off, ok := tree.find(key)
	if !ok {
		return ErrNotFound
	}
	sz := UnmarshalAttributes(b.Bytes()[off:]).Size()
	if err := tree.erase(key); err != nil {
		return err
	}
	return tree.alloc.Free(int(off), sz)
}

// Iterate walks every entry in lexicographic key order, stopping early if
// fn returns false.
func (m *DirectoryMap) Iterate(fn func(name string, attrs Attributes) bool) error {
	tree, kind := loadTree(m.root)
	if kind == kindLeaf {
		iterateLeaf(m.root, tree, fn)
		return nil
	}
	var walkErr error
	tree.iterate(func(_ []byte, childNum uint32) bool {
		child, err := m.quota.LoadDirectory(childNum)
		if err != nil {
			walkErr = err
			return false
		}
		childTree, _ := loadTree(child)
		return iterateLeaf(child, childTree, fn)
	})
	return walkErr
}

func iterateLeaf(b *blockdevice.Block, tree *blockTree, fn func(string, Attributes) bool) bool {
	cont := true
	tree.iterate(func(key []byte, value uint32) bool {
		attrs := UnmarshalAttributes(b.Bytes()[value:])
		cont = fn(attrs.CaseSensitiveName(string(key)), attrs)
		return cont
	})
	return cont
}

type rawEntry struct {
	key []byte
	off int
	raw []byte
}

func collectEntries(b *blockdevice.Block, tree *blockTree) []rawEntry {
	var out []rawEntry
	tree.iterate(func(key []byte, value uint32) bool {
		sz := UnmarshalAttributes(b.Bytes()[value:]).Size()
		raw := append([]byte(nil), b.Bytes()[int(value):int(value)+sz]...)
		out = append(out, rawEntry{key: append([]byte(nil), key...), off: int(value), raw: raw})
		return true
	})
	return out
}

func (m *DirectoryMap) allocLeafBlock() (uint32, *blockdevice.Block, *blockTree, error) {
	num, err := m.quota.AllocMetadataBlock()
	if err != nil {
		return 0, nil, nil, err
	}
	b, err := m.quota.LoadMetadataBlock(num, true, false)
	if err != nil {
		return 0, nil, nil, err
	}
	buf := b.Mutable()
	buf[kindOffset] = kindLeaf
	t := newBlockTree(buf, dirHeaderOff, leafValueSizeFor(kindLeaf))
	return num, b, t, nil
}

// splitRootAndInsert converts the root from a single overflowing leaf-tree
// block into a parent-tree pointing at two fresh leaf-tree blocks holding
// the lower/upper halves of its former contents (spec §4.6: "Init a fresh
// leaf-tree block, rebalance half the entries across it, and insert a
// parent-tree pointer at the level above").
func (m *DirectoryMap) splitRootAndInsert(key []byte, attrs Attributes) error {
	rootTree, _ := loadTree(m.root)
	entries := collectEntries(m.root, rootTree)
	if len(entries) == 0 {
		return ErrNoSpace
	}
	mid := len(entries) / 2
	if mid == 0 {
		mid = 1
	}

	leftNum, leftBlock, leftTree, err := m.allocLeafBlock()
	if err != nil {
		return err
	}
	rightNum, rightBlock, rightTree, err := m.allocLeafBlock()
	if err != nil {
		return err
	}
	for _, e := range entries[:mid] {
		off, err := leftTree.alloc.Alloc(len(e.raw))
		if err != nil {
			return ErrNoSpace
		}
		copy(leftBlock.Mutable()[off:], e.raw)
		if _, err := leftTree.insert(e.key, uint32(off)); err != nil {
			return ErrNoSpace
		}
	}
	for _, e := range entries[mid:] {
		off, err := rightTree.alloc.Alloc(len(e.raw))
		if err != nil {
			return ErrNoSpace
		}
		copy(rightBlock.Mutable()[off:], e.raw)
		if _, err := rightTree.insert(e.key, uint32(off)); err != nil {
			return ErrNoSpace
		}
	}

	// the left pivot must not exceed key, which may land in the left block.
	leftPivot := entries[0].key
	if bytes.Compare(key, leftPivot) < 0 {
		leftPivot = key
	}
	buf := m.root.Mutable()
	buf[kindOffset] = kindParent
	pt := newBlockTree(buf, dirHeaderOff, leafValueSizeFor(kindParent))
	if _, err := pt.insert(leftPivot, leftNum); err != nil {
		return ErrNoSpace
	}
	if mid < len(entries) {
		if _, err := pt.insert(entries[mid].key, rightNum); err != nil {
			return ErrNoSpace
		}
	}

	if mid >= len(entries) || bytes.Compare(key, entries[mid].key) < 0 {
		return m.insertIntoLeaf(leftBlock, leftTree, key, attrs)
	}
	return m.insertIntoLeaf(rightBlock, rightTree, key, attrs)
}

// splitChildAndInsert splits an overflowing leaf-tree child in two under an
// already-existing parent-tree root: the child keeps its lower half in
// place (so the parent's existing pivot for it stays valid) and a fresh
// block takes the upper half, with a new pivot registered for it.
func (m *DirectoryMap) splitChildAndInsert(rootTree *blockTree, oldNum uint32, oldBlock *blockdevice.Block, oldTree *blockTree, key []byte, attrs Attributes) error {
	entries := collectEntries(oldBlock, oldTree)
	if len(entries) == 0 {
		return ErrNoSpace
	}
	mid := len(entries) / 2
	if mid == 0 {
		mid = 1
	}
	if mid >= len(entries) {
		return ErrNoSpace
	}

	newNum, newBlock, newTree, err := m.allocLeafBlock()
	if err != nil {
		return err
	}
	for _, e := range entries[mid:] {
		off, err := newTree.alloc.Alloc(len(e.raw))
		if err != nil {
			return ErrNoSpace
		}
		copy(newBlock.Mutable()[off:], e.raw)
		if _, err := newTree.insert(e.key, uint32(off)); err != nil {
			return ErrNoSpace
		}
	}
	// rebuild the old block from its lower half: erasing entries one by one
	// from a full block can itself need space the block does not have.
	oldTree = newBlockTree(oldBlock.Mutable(), dirHeaderOff, leafValueSizeFor(kindLeaf))
	for _, e := range entries[:mid] {
		off, err := oldTree.alloc.Alloc(len(e.raw))
		if err != nil {
			return ErrNoSpace
		}
		copy(oldBlock.Mutable()[off:], e.raw)
		if _, err := oldTree.insert(e.key, uint32(off)); err != nil {
			return ErrNoSpace
		}
	}

	if _, err := rootTree.insert(entries[mid].key, newNum); err != nil {
		return ErrNoSpace
	}

	if bytes.Compare(key, entries[mid].key) < 0 {
		return m.insertIntoLeaf(oldBlock, oldTree, key, attrs)
	}
	return m.insertIntoLeaf(newBlock, newTree, key, attrs)
}

// createFirstChildAndInsert handles a key for which the parent-tree has
// no pivot at or below it (an empty parent-tree, or a key that sorts
// before every existing pivot): the key gets a fresh leaf-tree block of
// its own, registered under the key itself as its pivot.
func (m *DirectoryMap) createFirstChildAndInsert(rootTree *blockTree, key []byte, attrs Attributes) error {
	num, b, t, err := m.allocLeafBlock()
	if err != nil {
		return err
	}
	if err := m.insertIntoLeaf(b, t, key, attrs); err != nil {
		return err
	}
	_, err = rootTree.insert(key, num)
	return err
}
