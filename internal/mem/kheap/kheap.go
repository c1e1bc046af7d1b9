// Package kheap implements the kernel heap: a physical-order doubly linked
// chain of blocks with a separate, head-inserted doubly linked free list,
// first-fit allocation, splitting, and bidirectional coalescing. It expands
// on demand by pulling frames from internal/mem/pmm.
package kheap

import (
	"unsafe"

	"mazarin/internal/console"
	"mazarin/internal/mem/pmm"
)

// block is the heap block header, embedded in-place at the start of every
// block's memory (§3, §9's "headers live in the payload itself" choice).
type block struct {
	size     uint64
	isFree   bool
	next     *block
	prev     *block
	nextFree *block
	prevFree *block
}

var headerSize = uint64(unsafe.Sizeof(block{}))

// minBlockSize is the smallest remainder worth splitting off (§4.4).
func minBlockSize() uint64 { return 2 * headerSize }

// pointerAlign is the allocation granularity kmalloc rounds up to (§4.4,
// H5): sizeof(pointer).
const pointerAlign = uint64(unsafe.Sizeof(uintptr(0)))

var (
	freeListHead *block
	heapStart    *block
	heapEnd      *block
)

// allocFrameFn is pmm.AllocFrame by default. It is a package variable, not
// a direct call, so tests can supply frames backed by ordinary host memory
// instead of the fixed physical window pmm manages — the same seam
// console.SetMMIO and pmm.SetZeroPageFn provide for their own hardware
// boundaries.
var allocFrameFn = pmm.AllocFrame

// SetFrameAllocator substitutes the frame source for host tests, mirroring
// gopher-os's vmm.SetFrameAllocator indirection over its early allocator.
func SetFrameAllocator(alloc func() (uint64, bool)) (restore func()) {
	prev := allocFrameFn
	allocFrameFn = alloc
	return func() { allocFrameFn = prev }
}

func blockAt(addr uint64) *block          { return (*block)(unsafe.Pointer(uintptr(addr))) }
func addrOf(b *block) uint64              { return uint64(uintptr(unsafe.Pointer(b))) }
func payloadAddr(b *block) uint64         { return addrOf(b) + headerSize }
func blockFromPayload(ptr uint64) *block  { return blockAt(ptr - headerSize) }

// physicallyAdjacent reports whether next begins exactly where prev's
// payload ends — the only condition under which two blocks may coalesce
// (H4, and the adjacency check §9 flags as missing from a naive
// reimplementation of expand_heap).
func physicallyAdjacent(prev, next *block) bool {
	return addrOf(prev)+headerSize+prev.size == addrOf(next)
}

func addToFreeList(b *block) {
	b.isFree = true
	b.nextFree = freeListHead
	b.prevFree = nil
	if freeListHead != nil {
		freeListHead.prevFree = b
	}
	freeListHead = b
}

func removeFromFreeList(b *block) {
	if b.prevFree != nil {
		b.prevFree.nextFree = b.nextFree
	} else {
		freeListHead = b.nextFree
	}
	if b.nextFree != nil {
		b.nextFree.prevFree = b.prevFree
	}
	b.nextFree = nil
	b.prevFree = nil
	b.isFree = false
}

func zeroPayload(b *block) {
	p := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(payloadAddr(b)))), b.size)
	for i := range p {
		p[i] = 0
	}
}

// expandOnePage acquires a single frame from the allocator and appends it
// to the physical chain, then runs it through the same coalesce merge
// Kfree uses. allocFrameFn is a linear bit-scan from bit 0 (pmm.go), so a
// freshly initialized bitmap hands out strictly contiguous frames — every
// appended page, not just the first one of a given expandHeap call, can
// land genuinely address-adjacent to the chain's previous tail and must be
// checked and merged accordingly, or H4 ("no two physically adjacent
// blocks are both free") breaks across a multi-page expansion.
func expandOnePage() bool {
	addr, ok := allocFrameFn()
	if !ok {
		console.Puts("kheap: out of physical frames during expansion\n")
		return false
	}

	b := blockAt(addr)
	b.size = pmm.PageSize - headerSize
	b.isFree = true
	b.next = nil
	b.nextFree = nil
	b.prevFree = nil

	if oldEnd := heapEnd; oldEnd != nil {
		b.prev = oldEnd
		oldEnd.next = b
	} else {
		heapStart = b
		b.prev = nil
	}
	heapEnd = b

	addToFreeList(coalesce(b))
	return true
}

// expandHeap acquires enough frames to cover minBytes (including one
// block header) and links each into the heap, one page at a time (§4.4),
// coalescing every page against the chain it joins.
func expandHeap(minBytes uint64) bool {
	pages := (minBytes + headerSize + pmm.PageSize - 1) / pmm.PageSize
	if pages == 0 {
		pages = 1
	}
	for i := uint64(0); i < pages; i++ {
		if !expandOnePage() {
			return false
		}
	}
	return true
}

// Init resets the heap and asks expandHeap for 16 KiB (§4.4); counting the
// block header, that rounds up to five pages (20 KiB).
func Init() {
	freeListHead = nil
	heapStart = nil
	heapEnd = nil
	if !expandHeap(pmm.PageSize * 4) {
		console.Puts("kheap: initial expansion failed\n")
	}
}

func firstFit(size uint64) *block {
	for cur := freeListHead; cur != nil; cur = cur.nextFree {
		if cur.size >= size {
			return cur
		}
	}
	return nil
}

// Kmalloc allocates size bytes, returning the payload address and true on
// success. Returns (0, false) on size == 0 or exhaustion (§4.4, P8).
func Kmalloc(size uint64) (uint64, bool) {
	if size == 0 {
		return 0, false
	}
	size = (size + pointerAlign - 1) &^ (pointerAlign - 1)

	chosen := firstFit(size)
	if chosen == nil {
		if !expandHeap(size + headerSize) {
			console.Puts("kheap: allocation failed, out of memory\n")
			return 0, false
		}
		chosen = firstFit(size)
		if chosen == nil {
			console.Puts("kheap: no suitable block after expansion\n")
			return 0, false
		}
	}

	removeFromFreeList(chosen)

	if chosen.size >= size+minBlockSize() {
		newAddr := addrOf(chosen) + headerSize + size
		newBlock := blockAt(newAddr)
		newBlock.size = chosen.size - size - headerSize
		newBlock.next = chosen.next
		newBlock.prev = chosen
		if chosen.next != nil {
			chosen.next.prev = newBlock
		} else {
			heapEnd = newBlock
		}
		chosen.size = size
		chosen.next = newBlock
		addToFreeList(newBlock)
	}

	chosen.isFree = false
	zeroPayload(chosen)
	return payloadAddr(chosen), true
}

// coalesce merges b with an immediately following and/or preceding free
// block, but only when truly address-adjacent (H4). Returns the block the
// merge settled on (b itself if nothing merged, or its predecessor if a
// backward merge happened).
func coalesce(b *block) *block {
	cur := b

	if cur.next != nil && cur.next.isFree && physicallyAdjacent(cur, cur.next) {
		next := cur.next
		console.Puts("kheap: coalescing forward 0x")
		console.PutHex64(addrOf(cur))
		console.Puts(" + 0x")
		console.PutHex64(addrOf(next))
		console.Puts("\n")
		removeFromFreeList(next)
		cur.size += next.size + headerSize
		cur.next = next.next
		if cur.next != nil {
			cur.next.prev = cur
		}
		if heapEnd == next {
			heapEnd = cur
		}
	}

	if cur.prev != nil && cur.prev.isFree && physicallyAdjacent(cur.prev, cur) {
		prev := cur.prev
		console.Puts("kheap: coalescing backward 0x")
		console.PutHex64(addrOf(prev))
		console.Puts(" + 0x")
		console.PutHex64(addrOf(cur))
		console.Puts("\n")
		removeFromFreeList(prev)
		prev.size += cur.size + headerSize
		prev.next = cur.next
		if cur.next != nil {
			cur.next.prev = prev
		}
		if heapEnd == cur {
			heapEnd = prev
		}
		cur = prev
	}

	return cur
}

// Kfree releases ptr, which must have come from Kmalloc. A null ptr is a
// no-op; a double free is logged and ignored (§4.4, §7, P8).
func Kfree(ptr uint64) {
	if ptr == 0 {
		return
	}
	b := blockFromPayload(ptr)
	if b.isFree {
		console.Puts("kheap: double free\n")
		return
	}
	b.isFree = true
	addToFreeList(coalesce(b))
}

// FreeBytes sums the payload sizes of every block on the free list — used
// by tests to check P4 (kmalloc/kfree round-trips restore it).
func FreeBytes() uint64 {
	var total uint64
	for cur := freeListHead; cur != nil; cur = cur.nextFree {
		total += cur.size
	}
	return total
}
