package blockdevice

import (
	"bytes"
	"testing"

	"github.com/koolkdev/wfslib-sub000/device"
)

func newTestBD(t *testing.T, encrypted bool) *BlockDevice {
	t.Helper()
	dev := device.NewMemory(512, 2048)
	cfg := Config{Device: dev, SectorSizeLog2: 9}
	if encrypted {
		var key [KeySize]byte
		copy(key[:], []byte("0123456789abcdef"))
		cfg.Key = &key
	}
	return New(cfg)
}

func TestMetadataBlockRoundTrip(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		bd := newTestBD(t, encrypted)
		b, err := bd.LoadMetadataBlock(1, PhysicalLog2, 0x1234, encrypted, 4, true, true)
		if err != nil {
			t.Fatalf("load new block: %v", err)
		}
		payload := b.Mutable()
		copy(payload[24:], []byte("hello wfs"))
		if err := b.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		b.Release()

		b2, err := bd.LoadMetadataBlock(1, PhysicalLog2, 0x1234, encrypted, 4, false, true)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if !bytes.HasPrefix(b2.Bytes()[24:], []byte("hello wfs")) {
			t.Fatalf("payload mismatch after round trip: %q", b2.Bytes()[24:40])
		}
	}
}

func TestCacheUniqueness(t *testing.T) {
	bd := newTestBD(t, false)
	b1, err := bd.LoadMetadataBlock(5, PhysicalLog2, 0, false, 4, true, true)
	if err != nil {
		t.Fatal(err)
	}
	b2, err := bd.LoadMetadataBlock(5, PhysicalLog2, 0, false, 4, false, true)
	if err != nil {
		t.Fatal(err)
	}
	if b1 != b2 {
		t.Fatal("expected the same Block instance for the same block number")
	}
}

func TestBadHashDetected(t *testing.T) {
	bd := newTestBD(t, false)
	b, err := bd.LoadMetadataBlock(2, PhysicalLog2, 0, false, 4, true, true)
	if err != nil {
		t.Fatal(err)
	}
	b.Mutable()
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	b.Release()

	// corrupt the on-disk bytes directly, bypassing the cache.
	mem := bd.dev.(*device.Memory)
	raw := mem.Bytes()
	raw[2<<PhysicalLog2+100] ^= 0xFF

	bd.RemoveFromCache(2)
	if _, err := bd.LoadMetadataBlock(2, PhysicalLog2, 0, false, 4, false, true); err == nil {
		t.Fatal("expected bad hash error")
	}
}

func TestDataBlockHashInParent(t *testing.T) {
	bd := newTestBD(t, false)
	parent, err := bd.LoadMetadataBlock(10, PhysicalLog2, 0, false, 4, true, true)
	if err != nil {
		t.Fatal(err)
	}
	data, err := bd.LoadDataBlock(11, PhysicalLog2, 0, false, HashRef{Parent: parent, Offset: 100}, true, true)
	if err != nil {
		t.Fatal(err)
	}
	copy(data.Mutable(), bytes.Repeat([]byte{0x42}, 100))
	if err := data.Flush(); err != nil {
		t.Fatal(err)
	}
	allZero := true
	for _, c := range parent.Bytes()[100:120] {
		if c != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("expected parent hash slot to be populated")
	}
}
