package kheap

import (
	"testing"
	"unsafe"

	"mazarin/internal/mem/pmm"
)

// fakeFrames hands out page-sized host buffers instead of real physical
// frames, the same substitution pmm_test.go makes for zeroPageFn: kheap's
// block headers are plain Go structs overlaid via unsafe.Pointer, so any
// addressable, non-overlapping memory works for exercising the chain logic
// on a host test machine.
type fakeFrames struct {
	bufs [][]byte
}

func (f *fakeFrames) alloc() (uint64, bool) {
	buf := make([]byte, pmm.PageSize)
	f.bufs = append(f.bufs, buf)
	return uint64(uintptr(unsafe.Pointer(&buf[0]))), true
}

func (f *fakeFrames) exhausted() (uint64, bool) { return 0, false }

// withFakeHeap installs a fresh fake frame source and resets heap state,
// returning the frame source so individual tests can exhaust it.
func withFakeHeap(t *testing.T) *fakeFrames {
	t.Helper()
	f := &fakeFrames{}
	restore := SetFrameAllocator(f.alloc)
	t.Cleanup(restore)
	freeListHead = nil
	heapStart = nil
	heapEnd = nil
	if !expandHeap(pmm.PageSize * 4) {
		t.Fatal("initial expandHeap failed against fake allocator")
	}
	return f
}

func TestInitProvisionsFreeSpace(t *testing.T) {
	withFakeHeap(t)
	if FreeBytes() == 0 {
		t.Fatal("FreeBytes() == 0 after Init-equivalent expansion")
	}
}

func TestKmallocReturnsDistinctZeroedRegions(t *testing.T) {
	withFakeHeap(t)

	a, ok := Kmalloc(64)
	if !ok {
		t.Fatal("Kmalloc(64) failed")
	}
	b, ok := Kmalloc(64)
	if !ok {
		t.Fatal("Kmalloc(64) failed")
	}
	if a == b {
		t.Fatalf("two live allocations returned the same address 0x%x", a)
	}

	p := (*[64]byte)(unsafe.Pointer(uintptr(a)))
	for i, v := range p {
		if v != 0 {
			t.Fatalf("byte %d of fresh allocation is %d, want 0", i, v)
		}
	}
}

func TestKmallocZeroSizeFails(t *testing.T) {
	withFakeHeap(t)
	if _, ok := Kmalloc(0); ok {
		t.Fatal("Kmalloc(0) succeeded, want failure")
	}
}

func TestKmallocAlignsToPointerSize(t *testing.T) {
	withFakeHeap(t)
	ptr, ok := Kmalloc(3)
	if !ok {
		t.Fatal("Kmalloc(3) failed")
	}
	if ptr%pointerAlign != 0 {
		t.Fatalf("payload 0x%x is not %d-byte aligned", ptr, pointerAlign)
	}
}

func TestKfreeThenReallocRestoresFreeBytes(t *testing.T) {
	withFakeHeap(t)
	before := FreeBytes()

	ptr, ok := Kmalloc(128)
	if !ok {
		t.Fatal("Kmalloc(128) failed")
	}
	Kfree(ptr)

	if FreeBytes() != before {
		t.Fatalf("FreeBytes() = %d after alloc+free, want %d (P4 round trip)", FreeBytes(), before)
	}
}

func TestKfreeNullIsNoOp(t *testing.T) {
	withFakeHeap(t)
	before := FreeBytes()
	Kfree(0)
	if FreeBytes() != before {
		t.Fatalf("Kfree(0) changed FreeBytes(): got %d, want %d", FreeBytes(), before)
	}
}

func TestDoubleFreeIsRejected(t *testing.T) {
	withFakeHeap(t)
	ptr, ok := Kmalloc(32)
	if !ok {
		t.Fatal("Kmalloc(32) failed")
	}
	Kfree(ptr)
	afterFirst := FreeBytes()
	Kfree(ptr) // double free, must be a no-op
	if FreeBytes() != afterFirst {
		t.Fatalf("double free changed FreeBytes(): got %d, want %d", FreeBytes(), afterFirst)
	}
}

func TestSplitLeavesRemainderOnFreeList(t *testing.T) {
	withFakeHeap(t)
	before := FreeBytes()

	ptr, ok := Kmalloc(64)
	if !ok {
		t.Fatal("Kmalloc(64) failed")
	}

	b := blockFromPayload(ptr)
	if b.size != 64 {
		t.Fatalf("allocated block size = %d, want 64", b.size)
	}
	// Splitting must have happened: the remaining free space is smaller than
	// before by exactly the consumed block (payload + header), not by a
	// whole page.
	consumed := before - FreeBytes()
	if consumed != 64+headerSize {
		t.Fatalf("consumed %d bytes of free space, want %d (64 payload + %d header)", consumed, 64+headerSize, headerSize)
	}
}

func TestForwardAndBackwardCoalesceRebuildsOneBlock(t *testing.T) {
	withFakeHeap(t)

	a, ok := Kmalloc(32)
	if !ok {
		t.Fatal("Kmalloc(32) failed")
	}
	b, ok := Kmalloc(32)
	if !ok {
		t.Fatal("Kmalloc(32) failed")
	}
	c, ok := Kmalloc(32)
	if !ok {
		t.Fatal("Kmalloc(32) failed")
	}
	// d buffers c from the large free remainder left over from the initial
	// split, so freeing c only has b as a coalescing candidate.
	if _, ok := Kmalloc(32); !ok {
		t.Fatal("Kmalloc(32) failed")
	}

	before := FreeBytes()
	Kfree(a)
	Kfree(c)
	Kfree(b) // middle block: should coalesce with both neighbors

	after := FreeBytes()
	want := before + 3*32 + 2*headerSize
	if after != want {
		t.Fatalf("FreeBytes() after freeing all three = %d, want %d", after, want)
	}

	merged := blockFromPayload(a)
	if !merged.isFree {
		t.Fatal("merged block is not marked free")
	}
	if merged.size != 3*32+2*headerSize {
		t.Fatalf("merged block size = %d, want %d", merged.size, 3*32+2*headerSize)
	}
}

func TestKmallocFailsWhenFramesExhausted(t *testing.T) {
	freeListHead = nil
	heapStart = nil
	heapEnd = nil

	restore := SetFrameAllocator((&fakeFrames{}).exhausted)
	defer restore()

	// No free block can satisfy this, and expansion has no frames to draw
	// from, so the whole allocation must fail rather than panic or loop.
	if _, ok := Kmalloc(128); ok {
		t.Fatal("Kmalloc succeeded against an exhausted frame source")
	}
}

func TestPhysicalChainWalksConsistently(t *testing.T) {
	withFakeHeap(t)
	Kmalloc(16)
	Kmalloc(16)

	var forward []*block
	for cur := heapStart; cur != nil; cur = cur.next {
		forward = append(forward, cur)
	}
	if len(forward) == 0 {
		t.Fatal("physical chain is empty")
	}
	if forward[len(forward)-1] != heapEnd {
		t.Fatal("walking next from heapStart does not reach heapEnd")
	}

	var backward []*block
	for cur := heapEnd; cur != nil; cur = cur.prev {
		backward = append(backward, cur)
	}
	if len(backward) != len(forward) {
		t.Fatalf("backward walk visited %d blocks, forward visited %d", len(backward), len(forward))
	}
	for i := range forward {
		if forward[i] != backward[len(backward)-1-i] {
			t.Fatal("backward walk is not the exact reverse of the forward walk")
		}
	}
}
