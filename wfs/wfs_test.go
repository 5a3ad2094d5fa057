package wfs

import (
	"bytes"
	"testing"

	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/device"
)

func newTestDevice(t *testing.T) device.Device {
	t.Helper()
	// 8 KiB blocks over a 512-byte-sector device: a few thousand blocks is
	// enough for the small trees these tests build.
	return device.NewMemory(512, 32768)
}

func TestCreateOpenRoundTrip(t *testing.T) {
	dev := newTestDevice(t)

	w, err := Create(dev, CreateOptions{DeviceType: DeviceTypeMLC, BlockSizeLog2: blockdevice.LogicalLog2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.RootDirectory().CreateDirectory("usr"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	w.Release()

	reopened, err := Open(dev, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Release()

	dir, err := reopened.GetDirectory("usr")
	if err != nil {
		t.Fatalf("GetDirectory(usr): %v", err)
	}
	if !dir.IsDirectory() {
		t.Fatalf("expected usr to be a directory")
	}
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	dev := newTestDevice(t)

	w, err := Create(dev, CreateOptions{BlockSizeLog2: blockdevice.LogicalLog2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Release()

	root := w.RootDirectory()
	f, err := root.CreateFile("hello.txt")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	want := []byte("hello, wfs")
	if _, err := f.Write(want, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, len(want))
	f2, err := root.GetFile("hello.txt")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if _, err := f2.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}

	size, err := f2.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != int64(len(want)) {
		t.Fatalf("Size = %d, want %d", size, len(want))
	}
}

func TestFileGrowsAcrossCategories(t *testing.T) {
	dev := newTestDevice(t)
	w, err := Create(dev, CreateOptions{BlockSizeLog2: blockdevice.LogicalLog2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Release()

	root := w.RootDirectory()
	f, err := root.CreateFile("big.bin")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	const size = 64 * 1024
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	if _, err := f.Write(pattern, 0); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, size)
	if _, err := f.Read(got, 0); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, pattern) {
		t.Fatalf("round trip mismatch after growth across categories")
	}

	if err := f.Truncate(10); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	shrunk := make([]byte, 10)
	if _, err := f.Read(shrunk, 0); err != nil {
		t.Fatalf("Read after truncate: %v", err)
	}
	if !bytes.Equal(shrunk, pattern[:10]) {
		t.Fatalf("Truncate lost prefix bytes: got %v, want %v", shrunk, pattern[:10])
	}
}

func TestLinkTarget(t *testing.T) {
	dev := newTestDevice(t)
	w, err := Create(dev, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Release()

	root := w.RootDirectory()
	link, err := root.CreateLink("shortcut", "/usr/target")
	if err != nil {
		t.Fatalf("CreateLink: %v", err)
	}
	target, err := link.Target()
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	if target != "/usr/target" {
		t.Fatalf("Target = %q, want %q", target, "/usr/target")
	}

	entry, err := root.GetEntry("shortcut")
	if err != nil {
		t.Fatalf("GetEntry: %v", err)
	}
	if !entry.IsLink() {
		t.Fatalf("expected shortcut to be a link")
	}
}

func TestGetEntryNotFound(t *testing.T) {
	dev := newTestDevice(t)
	w, err := Create(dev, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Release()

	if _, err := w.GetEntry("nope"); err == nil {
		t.Fatalf("expected error for missing entry")
	}
}

func TestRemove(t *testing.T) {
	dev := newTestDevice(t)
	w, err := Create(dev, CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer w.Release()

	root := w.RootDirectory()
	if _, err := root.CreateFile("gone.txt"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if err := root.Remove("gone.txt"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := root.GetFile("gone.txt"); err == nil {
		t.Fatalf("expected GetFile to fail after Remove")
	}
}
