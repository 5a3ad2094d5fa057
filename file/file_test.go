package file

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/device"
	"github.com/koolkdev/wfslib-sub000/directory"
)

func newTestQuota(t *testing.T) *area.QuotaArea {
	t.Helper()
	mem := device.NewMemory(512, 16384) // 8 MiB
	bd := blockdevice.New(blockdevice.Config{Device: mem, SectorSizeLog2: 9})
	q, err := area.CreateQuota(bd, 0, 1800, blockdevice.PhysicalLog2, 1, 2, 0, nil, false)
	if err != nil {
		t.Fatalf("CreateQuota: %v", err)
	}
	return q
}

// newTestFile wraps a fresh Attributes record in a metadata block of its
// own, standing in for the leaf-tree block a real DirectoryMap entry would
// live in (spec §4.7 only cares that parent/attrsOff locate a hash-capable
// buffer, not that it is a full directory record).
func newTestFile(t *testing.T, q *area.QuotaArea, name string) *File {
	t.Helper()
	num, err := q.AllocMetadataBlock()
	if err != nil {
		t.Fatalf("AllocMetadataBlock: %v", err)
	}
	parent, err := q.LoadMetadataBlock(num, true, false)
	if err != nil {
		t.Fatalf("LoadMetadataBlock: %v", err)
	}
	attrs := directory.Attributes{
		FilenameLength: uint8(len(name)),
		CaseBitmap:     directory.CaseBitmapFor(name),
	}
	return Open(q, parent, area.MetadataBlockHeaderSize+16, attrs)
}

func writeReadRoundTrip(t *testing.T, f *File, size int64) {
	t.Helper()
	if err := f.EnsureSize(size); err != nil {
		t.Fatalf("EnsureSize(%d): %v", size, err)
	}
	if f.Size() != size {
		t.Fatalf("Size = %d, want %d", f.Size(), size)
	}
	if size == 0 {
		return
	}
	want := make([]byte, size)
	rand.New(rand.NewSource(size)).Read(want)
	if _, err := f.Write(want, 0); err != nil {
		t.Fatalf("Write at size %d: %v", size, err)
	}
	got := make([]byte, size)
	n, err := f.Read(got, 0)
	if err != nil {
		t.Fatalf("Read at size %d: %v", size, err)
	}
	if int64(n) != size {
		t.Fatalf("Read returned %d bytes, want %d", n, size)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch at size %d", size)
	}
}

// TestFileCategoryMigration exercises seed scenario S4 (spec §8): growing
// a file walks it through every storage category in turn, and content
// written before each migration survives the copy.
func TestFileCategoryMigration(t *testing.T) {
	q := newTestQuota(t)
	f := newTestFile(t, q, "growing.bin")

	sizes := []int64{
		0,
		64,
		600,
		f.unitSize(Single) * 3,
		f.unitSize(Large) * 4,
		f.unitSize(Cluster) * 3,
		f.unitSize(Cluster) * 9,
	}
	wantCategories := []int{Inline, Inline, Inline, Single, Large, Cluster, ExtendedCluster}

	for i, sz := range sizes {
		writeReadRoundTrip(t, f, sz)
		if got := int(f.Attributes().Category); sz > 0 && got != wantCategories[i] {
			t.Fatalf("size %d: category = %d, want %d", sz, got, wantCategories[i])
		}
	}
}

func TestFileShrinkBackToInline(t *testing.T) {
	q := newTestQuota(t)
	f := newTestFile(t, q, "shrink.bin")

	big := f.unitSize(Large) * 4
	writeReadRoundTrip(t, f, big)
	if f.Attributes().Category == Inline {
		t.Fatalf("expected a non-inline category at size %d", big)
	}

	if err := f.Truncate(8); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if f.Attributes().Category != Inline {
		t.Fatalf("Category after truncating to 8 bytes = %d, want Inline", f.Attributes().Category)
	}
	if f.Size() != 8 {
		t.Fatalf("Size after truncate = %d, want 8", f.Size())
	}
}

// TestFileResizeNoOpSameCategory covers spec §4.7 migration step 2: a
// Resize that lands on the same category and size_on_disk must not
// reallocate or disturb existing storage.
func TestFileResizeNoOpSameCategory(t *testing.T) {
	q := newTestQuota(t)
	f := newTestFile(t, q, "same.bin")
	writeReadRoundTrip(t, f, 4096)

	before := f.Attributes()
	if err := f.Resize(f.Size()); err != nil {
		t.Fatalf("no-op Resize: %v", err)
	}
	after := f.Attributes()
	if before.Category != after.Category || before.SizeOnDisk != after.SizeOnDisk {
		t.Fatalf("no-op Resize changed storage: before=%+v after=%+v", before, after)
	}

	got := make([]byte, 4096)
	if _, err := f.Read(got, 0); err != nil {
		t.Fatalf("Read after no-op Resize: %v", err)
	}
}

func TestFileReadPastEndOfFile(t *testing.T) {
	q := newTestQuota(t)
	f := newTestFile(t, q, "short.bin")
	if err := f.EnsureSize(10); err != nil {
		t.Fatalf("EnsureSize: %v", err)
	}
	buf := make([]byte, 32)
	n, err := f.Read(buf, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 {
		t.Fatalf("Read past end of file returned %d bytes, want 5", n)
	}
}
