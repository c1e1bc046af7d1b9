package kernel

import (
	_ "unsafe"

	"mazarin/internal/console"
)

// haltFn is called after Panic has printed its banner. It is a package
// variable — not a direct `wfi` loop — so tests can substitute a
// non-spinning stub, the same indirection gopher-os uses for cpuHaltFn in
// kernel/panic.go.
var haltFn = haltForever

// errRuntimePanic is reused across calls to Panic(string) / Panic(error) so
// reporting a panic never allocates, matching gopher-os's errRuntimePanic.
var errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

// Panic masks DAIF, prints the supplied error, and halts the CPU in a wfi
// loop. Calls to Panic never return (§4.2, §7): it is the sole
// irrecoverable state in the core.
//
//go:nosplit
func Panic(e interface{}) {
	maskInterrupts()

	var err *Error
	switch v := e.(type) {
	case nil:
		// no error payload; print the banner only.
	case *Error:
		err = v
	case string:
		errRuntimePanic.Message = v
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = v.Error()
		err = errRuntimePanic
	default:
		errRuntimePanic.Message = "panic with unrecognized value"
		err = errRuntimePanic
	}

	console.Puts("\n-----------------------------------\n")
	if err != nil {
		console.Puts("[")
		console.Puts(err.Module)
		console.Puts("] unrecoverable error: ")
		console.Puts(err.Message)
		console.Puts("\n")
	}
	console.Puts("*** kernel panic: system halted ***\n-----------------------------------\n")

	haltFn()
}

//go:linkname maskInterrupts daifset_all
//go:nosplit
func maskInterrupts()

//go:linkname wfi wfi
//go:nosplit
func wfi()

// haltForever masks nothing further (Panic already did) and spins on wfi,
// per §4.2's panic contract: "enters wfi loop forever. No return."
//
//go:nosplit
func haltForever() {
	for {
		wfi()
	}
}

// Halt performs a clean, non-error halt: mask interrupts and spin on wfi,
// with no panic banner. Used when a subsystem finishes normally and control
// must not return (§4.5: the boot sequence halts if the shell loop ever
// returns).
//
//go:nosplit
func Halt() {
	maskInterrupts()
	haltFn()
}

// SetHaltFn substitutes the post-panic halt loop, the same way
// console.SetMMIO substitutes real MMIO: so host-side tests — in this
// package and in any package that calls Panic — can exercise panic paths
// without hanging the test process in a real wfi loop.
func SetHaltFn(fn func()) (restore func()) {
	prev := haltFn
	haltFn = fn
	return func() { haltFn = prev }
}
