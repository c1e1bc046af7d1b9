// The kernel entry point and initialization sequencing (C5). This file
// composes internal/console, internal/kernel, internal/mem/pmm and
// internal/mem/kheap in the order the boot assembly shim expects; the shim
// itself, section relocation, the TUI, and the interactive shell are all
// external collaborators this core only exposes thin interfaces to.
package main

import (
	"unsafe"

	"mazarin/internal/console"
	"mazarin/internal/kernel"
	"mazarin/internal/mem/kheap"
	"mazarin/internal/mem/pmm"
)

// Linker-provided section boundaries (§6), taken by address only — these
// markers are never written through. Each is declared as a zero-sized
// array whose address the linker script fixes.
var (
	_kernel_start [0]byte
	_text_end     [0]byte
	_rodata_start [0]byte
	_rodata_end   [0]byte
	_rodata_load  [0]byte
	_data_start   [0]byte
	_data_end     [0]byte
	_data_load    [0]byte
	_bss_start    [0]byte
	_bss_end      [0]byte
)

func symAddr(p *[0]byte) uint64 { return uint64(uintptr(unsafe.Pointer(p))) }

func printSection(label string, start, end uint64) {
	console.Puts(label)
	console.Puts("0x")
	console.PutHex64(start)
	console.Puts(" to 0x")
	console.PutHex64(end)
	console.Puts("\n")
}

func printLoadedSection(label string, start, end, load uint64) {
	printSection(label, start, end)
	console.Puts("    load: 0x")
	console.PutHex64(load)
	console.Puts("\n")
}

// printBootBanner identifies the kernel and dumps the section layout the
// linker produced. Folded in from kernel_main's boundary report (§12): the
// symbols are already a required external interface, and printing them is
// free diagnostic value at the one point in the system they're available.
func printBootBanner(params *pmm.BootParams) {
	console.Puts("mazarin kernel starting...\n")
	console.Puts("kernel loaded at physical address: 0x")
	if params != nil {
		console.PutHex64(params.KernelPhysStart)
	} else {
		console.PutHex64(0)
	}
	console.Puts("\n")

	console.Puts("memory sections:\n")
	printSection("  .text:   ", symAddr(&_kernel_start), symAddr(&_text_end))
	printLoadedSection("  .rodata: ", symAddr(&_rodata_start), symAddr(&_rodata_end), symAddr(&_rodata_load))
	printLoadedSection("  .data:   ", symAddr(&_data_start), symAddr(&_data_end), symAddr(&_data_load))
	printSection("  .bss:    ", symAddr(&_bss_start), symAddr(&_bss_end))
}

// tuiInit is a thin stand-in for the text UI subsystem, which this core
// treats as an external collaborator (§1): no real TUI is implemented
// here. It always reports failure so boot continues without it, matching
// kernel_main's "continue without TUI for now" path.
func tuiInit() bool {
	console.Puts("tui: not implemented, continuing without it\n")
	return false
}

// shellLoop is a minimal stand-in for the interactive debug shell, another
// external collaborator (§1) whose only contract with this core is the
// console/PMM/KHEAP APIs in §6. It never returns on real hardware.
func shellLoop() {
	console.Puts("shell: stand-in active, echoing input\n")
	for {
		console.Putc(console.GetcBlocking())
	}
}

// shellLoopFn is a package variable, not a direct call to shellLoop, so
// host tests can observe boot sequencing without blocking forever — the
// same seam console.SetMMIO and pmm.SetZeroPageFn provide for hardware.
var shellLoopFn = shellLoop

// SetShellLoopFn substitutes the consumer loop entered at the end of boot.
func SetShellLoopFn(fn func()) (restore func()) {
	prev := shellLoopFn
	shellLoopFn = fn
	return func() { shellLoopFn = prev }
}

// KernelMain is called from the boot assembly shim once the CPU is in EL1
// with a valid stack and BSS cleared. No subsystem here is ever
// re-initialized (§4.5).
//
//go:nosplit
//go:noinline
func KernelMain(params *pmm.BootParams) {
	console.Init()
	printBootBanner(params)

	console.Puts("initializing physical memory manager...\n")
	pmm.Init(params)

	console.Puts("initializing kernel heap allocator...\n")
	kheap.Init()

	console.Puts("initializing TUI subsystem...\n")
	tuiInit()

	console.Puts("starting shell...\n")
	shellLoopFn()

	console.Puts("kernel halting.\n")
	kernel.Halt()
}

// main exists only so the Go toolchain's c-archive/freestanding build does
// not discard KernelMain as unreachable; the boot shim calls KernelMain
// directly and main never runs on real hardware.
func main() {
	KernelMain(nil)
}
