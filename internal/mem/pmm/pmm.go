// Package pmm implements the physical frame allocator: a single bitmap over
// a fixed, page-aligned physical window, tracking used/free frames with no
// backing OS. It is the foundation internal/mem/kheap builds on.
package pmm

import (
	"unsafe"

	"mazarin/internal/console"
)

// Geometry of the manageable physical window (§3).
const (
	PageSize       = 4096
	RAMBase        = 0x40000000
	ManageableSize = 1 << 30 // 1 GiB
	TotalFrames    = ManageableSize / PageSize
	bitmapBytes    = TotalFrames / 8
)

// BootParams mirrors the boot-parameter block consumed by frame_alloc_init
// (§6). Init does not parse the memory-map fields: it reads only
// KernelPhysStart and KernelPhysEnd, and falls back to the linker-exported
// kernel boundary symbols when params itself is nil.
type BootParams struct {
	UEFIMemoryMap   unsafe.Pointer
	MapSize         uint64
	MapDescSize     uint64
	MapDescVersion  uint32
	KernelPhysStart uint64
	KernelPhysEnd   uint64
}

// _kernel_start and _kernel_end are provided by the linker script; taking
// their address (not their contents — these are zero-sized) gives the
// kernel image's physical bounds.
var (
	_kernel_start [0]byte
	_kernel_end   [0]byte
)

// bitmap holds one bit per frame; bit i set means frame i is used. It is an
// ordinary package variable, placed wherever the Go linker puts package
// state; it is not placed in the _pmm_bitmap_start.._pmm_bitmap_end region.
// Init reserves the frames it occupies by its own address. As ordinary
// package state it is also exactly what host-side tests need, with no MMIO
// indirection required.
var bitmap [bitmapBytes]byte

var (
	totalMemory          uint64
	freeMemory           uint64
	highestUsableAddress uint64
)

// zeroPageFn zeroes the 4 KiB frame at addr. It is a package-level variable,
// not a direct loop over a raw pointer, because on real hardware addr is a
// physical address in the identity map but on a host test machine it is
// not — tests substitute a fake backing buffer, the same seam
// console.SetMMIO provides for UART registers and gopher-os's
// bitmap_allocator_test.go provides via its make([]byte, ...) physMem fake.
var zeroPageFn = zeroPage

//go:nosplit
func zeroPage(addr uint64) {
	p := (*[PageSize]byte)(unsafe.Pointer(uintptr(addr)))
	for i := range p {
		p[i] = 0
	}
}

// SetZeroPageFn substitutes the frame-zeroing primitive for host tests.
func SetZeroPageFn(fn func(addr uint64)) (restore func()) {
	prev := zeroPageFn
	zeroPageFn = fn
	return func() { zeroPageFn = prev }
}

func testBit(i uint64) bool { return bitmap[i/8]&(1<<(i%8)) != 0 }
func setBit(i uint64)       { bitmap[i/8] |= 1 << (i % 8) }
func clearBit(i uint64)     { bitmap[i/8] &^= 1 << (i % 8) }

// frameRange converts [base, base+size) into a clipped, inclusive frame
// index range within the manageable window, rounding base down and
// base+size up (§4.3). ok is false when the range touches no manageable
// frame at all.
func frameRange(base, size uint64) (start, end uint64, ok bool) {
	if base >= RAMBase {
		start = (base - RAMBase) / PageSize
	} else {
		start = 0
	}
	endAddr := base + size
	if endAddr <= RAMBase {
		return 0, 0, false
	}
	end = (endAddr - 1 - RAMBase) / PageSize

	if start >= TotalFrames {
		return 0, 0, false
	}
	if end >= TotalFrames {
		end = TotalFrames - 1
	}
	if start > end {
		return 0, 0, false
	}
	return start, end, true
}

// markRangeUsed rounds [base, base+size) to whole frames and marks each as
// used. Counters only move on a real free->used transition, making repeat
// calls idempotent (§4.3).
func markRangeUsed(base, size uint64) {
	start, end, ok := frameRange(base, size)
	if !ok {
		return
	}
	console.Puts("pmm: marking used 0x")
	console.PutHex64(base)
	console.Puts(" - 0x")
	console.PutHex64(base + size)
	console.Puts(" (frames ")
	console.PutUint64(start)
	console.Puts("-")
	console.PutUint64(end)
	console.Puts(")\n")
	for i := start; i <= end; i++ {
		if !testBit(i) {
			setBit(i)
			if totalMemory >= PageSize {
				totalMemory -= PageSize
			}
			if freeMemory >= PageSize {
				freeMemory -= PageSize
			}
		}
	}
}

// markRangeFree rounds [base, base+size) to whole frames and marks each as
// free. Counters only move on a real used->free transition; highest usable
// address advances monotonically (I3, P7).
func markRangeFree(base, size uint64) {
	start, end, ok := frameRange(base, size)
	if !ok {
		return
	}
	console.Puts("pmm: marking free 0x")
	console.PutHex64(base)
	console.Puts(" - 0x")
	console.PutHex64(base + size)
	console.Puts(" (frames ")
	console.PutUint64(start)
	console.Puts("-")
	console.PutUint64(end)
	console.Puts(")\n")
	for i := start; i <= end; i++ {
		if testBit(i) {
			totalMemory += PageSize
			freeMemory += PageSize
			if addr := RAMBase + (i+1)*PageSize; addr > highestUsableAddress {
				highestUsableAddress = addr
			}
		}
		clearBit(i)
	}
}

// Init resets and initializes the allocator per §4.3: zero the counters,
// mark the whole bitmap used, free the manageable window, then reserve the
// kernel image and the bitmap's own storage.
func Init(params *BootParams) {
	totalMemory = 0
	freeMemory = 0
	highestUsableAddress = RAMBase

	for i := range bitmap {
		bitmap[i] = 0xFF
	}

	var kernelStart, kernelEnd uint64
	if params != nil {
		kernelStart, kernelEnd = params.KernelPhysStart, params.KernelPhysEnd
	} else {
		kernelStart = uint64(uintptr(unsafe.Pointer(&_kernel_start)))
		kernelEnd = uint64(uintptr(unsafe.Pointer(&_kernel_end)))
	}

	markRangeFree(RAMBase, ManageableSize)
	markRangeUsed(kernelStart, kernelEnd-kernelStart)
	markRangeUsed(uint64(uintptr(unsafe.Pointer(&bitmap[0]))), bitmapBytes)

	console.Puts("pmm: total=")
	console.PutUint64(totalMemory)
	console.Puts(" free=")
	console.PutUint64(freeMemory)
	console.Puts(" highest=0x")
	console.PutHex64(highestUsableAddress)
	console.Puts("\n")
}

// AllocFrame linearly scans from bit 0 for the first free frame (§4.3). On
// a hit it sets the bit, decrements freeMemory, zeroes the frame, and
// returns its base address. ok is false when no frame is free.
//
//go:nosplit
func AllocFrame() (addr uint64, ok bool) {
	for i := uint64(0); i < TotalFrames; i++ {
		if !testBit(i) {
			setBit(i)
			freeMemory -= PageSize
			addr = RAMBase + i*PageSize
			zeroPageFn(addr)
			return addr, true
		}
	}
	console.Puts("pmm: out of physical frames\n")
	return 0, false
}

// FreeFrame validates addr and, if it currently names a used frame, clears
// its bit and restores freeMemory. Violations are logged and are a no-op;
// FreeFrame never panics (§4.3, §7).
//
//go:nosplit
func FreeFrame(addr uint64) {
	if addr == 0 {
		return
	}
	if addr < RAMBase || addr >= RAMBase+ManageableSize {
		console.Puts("pmm: free of out-of-range address 0x")
		console.PutHex64(addr)
		console.Puts("\n")
		return
	}
	if addr%PageSize != 0 {
		console.Puts("pmm: free of unaligned address 0x")
		console.PutHex64(addr)
		console.Puts("\n")
		return
	}
	idx := (addr - RAMBase) / PageSize
	if !testBit(idx) {
		console.Puts("pmm: double free at 0x")
		console.PutHex64(addr)
		console.Puts("\n")
		return
	}
	clearBit(idx)
	freeMemory += PageSize
}

// TotalMemory returns the manageable capacity reserved for allocation
// (manageable window minus the kernel image and bitmap storage).
func TotalMemory() uint64 { return totalMemory }

// FreeMemory returns the currently unallocated portion of TotalMemory.
func FreeMemory() uint64 { return freeMemory }

// HighestUsableAddress returns the highest address ever observed free
// during Init; it is non-decreasing (I3, P7).
func HighestUsableAddress() uint64 { return highestUsableAddress }
