package directory

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/device"
)

func newTestQuota(t *testing.T) *area.QuotaArea {
	t.Helper()
	mem := device.NewMemory(512, 8192) // 4 MiB
	bd := blockdevice.New(blockdevice.Config{Device: mem, SectorSizeLog2: 9})
	q, err := area.CreateQuota(bd, 0, 900, blockdevice.PhysicalLog2, 1, 2, 0, nil, false)
	if err != nil {
		t.Fatalf("CreateQuota: %v", err)
	}
	return q
}

func attrsFor(name string) Attributes {
	return Attributes{Flags: 0, SizeOnDisk: uint32(len(name)), FileSizeOrQuotaCount: uint32(len(name))}
}

func TestDirectoryMapFindInsertErase(t *testing.T) {
	q := newTestQuota(t)
	root, err := q.LoadRootDirectory()
	if err != nil {
		t.Fatalf("LoadRootDirectory: %v", err)
	}
	m := Init(q, root)

	names := []string{"README.txt", "src", "Makefile", "a", "ZZZ"}
	for _, n := range names {
		if err := m.Insert(n, attrsFor(n)); err != nil {
			t.Fatalf("Insert(%q): %v", n, err)
		}
	}

	size, err := m.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != len(names) {
		t.Fatalf("Size = %d, want %d", size, len(names))
	}

	got, err := m.Find("readme.txt")
	if err != nil {
		t.Fatalf("Find (lowercased): %v", err)
	}
	if got.SizeOnDisk != uint32(len("README.txt")) {
		t.Fatalf("Find returned wrong attributes: %+v", got)
	}

	if err := m.Erase("src"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := m.Find("src"); err != ErrNotFound {
		t.Fatalf("Find after erase = %v, want ErrNotFound", err)
	}
	size, err = m.Size()
	if err != nil {
		t.Fatalf("Size after erase: %v", err)
	}
	if size != len(names)-1 {
		t.Fatalf("Size after erase = %d, want %d", size, len(names)-1)
	}
}

func TestDirectoryMapCaseInsensitiveRoundTrip(t *testing.T) {
	q := newTestQuota(t)
	root, err := q.LoadRootDirectory()
	if err != nil {
		t.Fatalf("LoadRootDirectory: %v", err)
	}
	m := Init(q, root)

	if err := m.Insert("MixedCase.Go", attrsFor("MixedCase.Go")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	var gotName string
	if err := m.Iterate(func(name string, _ Attributes) bool {
		gotName = name
		return true
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if gotName != "MixedCase.Go" {
		t.Fatalf("CaseSensitiveName round trip = %q, want %q", gotName, "MixedCase.Go")
	}
}

func TestDirectoryMapIterationIsSorted(t *testing.T) {
	q := newTestQuota(t)
	root, err := q.LoadRootDirectory()
	if err != nil {
		t.Fatalf("LoadRootDirectory: %v", err)
	}
	m := Init(q, root)

	names := []string{"delta", "alpha", "charlie", "bravo", "echo"}
	for _, n := range names {
		if err := m.Insert(n, attrsFor(n)); err != nil {
			t.Fatalf("Insert(%q): %v", n, err)
		}
	}
	var seen []string
	if err := m.Iterate(func(name string, _ Attributes) bool {
		seen = append(seen, name)
		return true
	}); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie", "delta", "echo"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("iteration order = %v, want %v", seen, want)
		}
	}
}

// TestDirectoryMapSurvivesBlockSplit inserts enough entries to overflow a
// single metadata block's sub-block allocator, forcing the root to convert
// from a leaf-tree into a parent-tree over several leaf-tree children
// (spec §4.6), and checks every entry is still reachable afterward. Scaled
// down from spec §8's S1 property (100000 keys) to a count that reliably
// forces at least one split within this test's block size.
func TestDirectoryMapSurvivesBlockSplit(t *testing.T) {
	q := newTestQuota(t)
	root, err := q.LoadRootDirectory()
	if err != nil {
		t.Fatalf("LoadRootDirectory: %v", err)
	}
	m := Init(q, root)

	const n = 300
	names := make([]string, n)
	for i := 0; i < n; i++ {
		names[i] = fmt.Sprintf("file_%05d", i)
	}
	rand.New(rand.NewSource(1)).Shuffle(n, func(i, j int) { names[i], names[j] = names[j], names[i] })

	for _, name := range names {
		if err := m.Insert(name, attrsFor(name)); err != nil {
			t.Fatalf("Insert(%q): %v", name, err)
		}
	}

	size, err := m.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != n {
		t.Fatalf("Size = %d, want %d", size, n)
	}

	for i := 0; i < n; i += 17 {
		name := fmt.Sprintf("file_%05d", i)
		if _, err := m.Find(name); err != nil {
			t.Fatalf("Find(%q) after split: %v", name, err)
		}
	}

	count := 0
	if err := m.Iterate(func(string, Attributes) bool { count++; return true }); err != nil {
		t.Fatalf("Iterate: %v", err)
	}
	if count != n {
		t.Fatalf("Iterate visited %d entries, want %d", count, n)
	}
}
