package subblock

import "testing"

func TestAllocFreeRestoresInitialState(t *testing.T) {
	buf := make([]byte, 8192)
	a := New(buf, 0)
	snapshot := append([]byte(nil), buf...)

	var offsets [4]int
	for i := range offsets {
		off, err := a.Alloc(1024)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		offsets[i] = off
	}
	// free in the exact reverse of allocation order: with a single
	// stack-ordered free list per size class (no inter-class coalescing
	// above the top class), this is what restores the identical byte
	// layout spec S5 describes. Freeing in an unrelated order still
	// returns all the space, but not necessarily with identical bytes,
	// since free-list link order is order-dependent.
	order := []int{3, 2, 1, 0}
	for _, i := range order {
		if err := a.Free(offsets[i], 1024); err != nil {
			t.Fatalf("Free %d: %v", i, err)
		}
	}

	if got := a.GetFreeBytes(); got != len(buf)-a.ReservedSize() {
		t.Fatalf("free bytes after full release = %d, want %d", got, len(buf)-a.ReservedSize())
	}
	for i, b := range buf {
		if b != snapshot[i] {
			t.Fatalf("buf[%d] = %#x after alloc/free cycle, want %#x (pre-alloc snapshot)", i, b, snapshot[i])
		}
	}
}

func TestAllocSplitsLargerBlock(t *testing.T) {
	buf := make([]byte, 1024)
	a := New(buf, 8)
	off, err := a.Alloc(16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if off < a.ReservedSize() {
		t.Fatalf("alloc offset %d overlaps reserved header (%d bytes)", off, a.ReservedSize())
	}
	if !a.CanAlloc(8) {
		t.Fatal("CanAlloc(8) = false after splitting a 1024-byte block, want true")
	}
}

func TestCanAllocWithoutMutating(t *testing.T) {
	buf := make([]byte, 64)
	a := New(buf, 0)
	before := a.GetFreeBytes()
	if !a.CanAlloc(8) {
		t.Fatal("CanAlloc(8) = false, want true")
	}
	if after := a.GetFreeBytes(); after != before {
		t.Fatalf("CanAlloc mutated free bytes: %d -> %d", before, after)
	}
}

func TestAllocNoSpace(t *testing.T) {
	buf := make([]byte, 32)
	a := New(buf, 0)
	for {
		if _, err := a.Alloc(8); err != nil {
			break
		}
	}
	if _, err := a.Alloc(8); err != ErrNoSpace {
		t.Fatalf("Alloc after exhaustion: err = %v, want ErrNoSpace", err)
	}
}

func TestShrinkFreesTrailingHalves(t *testing.T) {
	buf := make([]byte, 1024)
	a := New(buf, 0)
	off, err := a.Alloc(128)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	before := a.GetFreeBytes()
	if err := a.Shrink(off, 128, 32); err != nil {
		t.Fatalf("Shrink: %v", err)
	}
	after := a.GetFreeBytes()
	if after <= before {
		t.Fatalf("free bytes after Shrink = %d, want > %d", after, before)
	}
}

func TestLoadRecoversHeadsFromBuf(t *testing.T) {
	buf := make([]byte, 512)
	a := New(buf, 0)
	off, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	reloaded := Load(buf, 0)
	if got := reloaded.GetFreeBytes(); got != a.GetFreeBytes() {
		t.Fatalf("reloaded free bytes = %d, want %d", got, a.GetFreeBytes())
	}
	if err := reloaded.Free(off, 64); err != nil {
		t.Fatalf("Free via reloaded allocator: %v", err)
	}
}
