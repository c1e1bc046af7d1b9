// Package exceptions decodes and dispatches the four AArch64 exception
// classes (synchronous, IRQ, FIQ, SError). The vector table itself lives in
// assembly and is an external collaborator (§6); this package is what that
// assembly calls into once it has saved the register frame, mirroring
// mazarin's exceptions.go split between vector-table asm and Go dispatch.
package exceptions

import (
	"unsafe"

	"mazarin/internal/bitfield"
	"mazarin/internal/console"
	"mazarin/internal/kernel"
)

// SavedRegisters mirrors the stack frame built by the exception-vector
// assembly: x0..x30, then SPSR_EL1, ELR_EL1, SP_EL0. Field order is
// load-bearing (§3) — the assembly side and this struct must agree
// byte-for-byte.
type SavedRegisters struct {
	Regs    [31]uint64
	SPSREL1 uint64
	ELREL1  uint64
	SPEL0   uint64
}

// Compile-time assertion that SavedRegisters is exactly 31*8 + 3*8 = 272
// bytes, per §9's "assembly-coupled struct layout" note. Either array below
// has a negative length (a compile error) if the size ever drifts.
const savedRegistersSizeDiff = int(unsafe.Sizeof(SavedRegisters{})) - 272

var _ [savedRegistersSizeDiff]struct{}
var _ [-savedRegistersSizeDiff]struct{}

// esrFields mirrors the ESR_EL1 layout: ISS in bits[24:0], IL in bit 25,
// EC in bits[31:26]. Declared in that order so bitfield.Pack/Unpack, which
// assign bit offsets in field-declaration order starting at 0, land on the
// real register layout without any explicit shift arithmetic.
type esrFields struct {
	ISS uint32 `bitfield:",25"`
	IL  bool   `bitfield:",1"`
	EC  uint8  `bitfield:",6"`
}

var esrConfig = &bitfield.Config{NumBits: 32}

// Exception classes this dispatcher treats specially; every other EC is
// fatal (§4.2).
const (
	ecBRK64 = 0x3C // BRK instruction execution in AArch64 state
	ecSVC64 = 0x15 // SVC instruction execution in AArch64 state
)

// ecInfo names an exception class and whether FAR_EL1 is meaningful for it.
type ecInfo struct {
	name     string
	farValid bool
}

// ecTable merges spec.md's summary table with exceptions.c's fuller switch
// (original_source), plus the AArch32-coprocessor-trap and HVC/SMC classes
// mazarin's own constant list names but exceptions.c omits. Values follow
// the real ARMv8 EC encoding; entries absent from both sources are left out
// rather than guessed at.
var ecTable = map[uint8]ecInfo{
	0x00: {"unknown reason", false},
	0x01: {"trapped WFI or WFE", false},
	0x03: {"trapped MCR/MRC access (CP14)", false},
	0x04: {"trapped MCRR/MRRC access (CP14)", false},
	0x05: {"trapped MCR/MRC access (CP15)", false},
	0x06: {"trapped MCRR/MRRC access (CP15)", false},
	0x0E: {"illegal execution state", false},
	0x11: {"SVC instruction execution in AArch32 state", false},
	0x15: {"SVC instruction execution in AArch64 state", false},
	0x16: {"HVC instruction execution in AArch64 state", false},
	0x17: {"SMC instruction execution in AArch64 state", false},
	0x18: {"trapped MSR, MRS or system instruction execution in AArch64 state", false},
	0x19: {"access to SVE functionality trapped", false},
	0x20: {"instruction abort from a lower exception level (AArch32)", true},
	0x21: {"instruction abort from a lower exception level (AArch64)", true},
	0x22: {"PC alignment fault exception", false},
	0x23: {"instruction abort from current exception level", true},
	0x24: {"data abort from a lower exception level (AArch32)", true},
	0x25: {"data abort from a lower exception level (AArch64)", true},
	0x26: {"SP alignment fault exception", false},
	0x27: {"data abort from current exception level", true},
	0x28: {"trapped floating-point exception (AArch32)", false},
	0x2C: {"trapped floating-point exception (AArch64)", false},
	0x30: {"SError interrupt", false},
	0x31: {"breakpoint exception from a lower exception level (AArch32)", false},
	0x32: {"breakpoint exception from a lower exception level (AArch64)", false},
	0x34: {"step exception from a lower exception level (AArch32)", false},
	0x35: {"step exception from a lower exception level (AArch64)", false},
	0x38: {"watchpoint exception from a lower exception level (AArch32)", false},
	0x39: {"watchpoint exception from a lower exception level (AArch64)", false},
	ecBRK64: {"BRK instruction execution in AArch64 state", false},
}

func ecName(ec uint8) ecInfo {
	if info, ok := ecTable[ec]; ok {
		return info
	}
	return ecInfo{"unhandled exception class", false}
}

// decodeESR splits esr into its EC and ISS fields via the bitfield package
// instead of ad hoc shifts (§4.2).
func decodeESR(esr uint64) (ec uint8, iss uint32) {
	var f esrFields
	if err := bitfield.Unpack(&f, esr, esrConfig); err != nil {
		kernel.Panic("malformed ESR decode")
	}
	return f.EC, f.ISS
}

var (
	readESRFn = readESR
	readFARFn = readFAR
)

//go:linkname readESR read_esr_el1
//go:nosplit
func readESR() uint64

//go:linkname readFAR read_far_el1
//go:nosplit
func readFAR() uint64

// SetRegisterReaders substitutes the system-register reads with host
// functions for testing, the same indirection console.SetMMIO provides for
// UART registers.
func SetRegisterReaders(esr, far func() uint64) (restore func()) {
	prevESR, prevFAR := readESRFn, readFARFn
	readESRFn, readFARFn = esr, far
	return func() { readESRFn, readFARFn = prevESR, prevFAR }
}

var (
	errUnhandledSync = &kernel.Error{Module: "exceptions", Message: "unhandled synchronous exception"}
	errFIQ           = &kernel.Error{Module: "exceptions", Message: "FIQ handling not implemented"}
	errSError        = &kernel.Error{Module: "exceptions", Message: "SError handling not implemented"}
)

// HandleSynchronous implements the synchronous dispatcher (§4.2): decode
// ESR_EL1, log the exception class (and FAR_EL1 when meaningful), then
// either resume past a continuable BRK/SVC or panic.
//
//go:nosplit
func HandleSynchronous(regs *SavedRegisters) {
	esr := readESRFn()
	ec, iss := decodeESR(esr)
	info := ecName(ec)

	console.Puts("\n--- synchronous exception ---\n")
	console.Puts("ESR_EL1: 0x")
	console.PutHex64(esr)
	console.Puts(" EC: 0x")
	console.PutHex64(uint64(ec))
	console.Puts(" ISS: 0x")
	console.PutHex64(uint64(iss))
	console.Puts("\n")
	console.Puts("ELR_EL1: 0x")
	console.PutHex64(regs.ELREL1)
	console.Puts("\n")
	console.Puts("Type: ")
	console.Puts(info.name)
	console.Puts("\n")
	if info.farValid {
		console.Puts("FAR_EL1: 0x")
		console.PutHex64(readFARFn())
		console.Puts("\n")
	}

	switch ec {
	case ecBRK64:
		console.Puts("BRK: resuming past breakpoint\n")
		regs.ELREL1 += 4
	case ecSVC64:
		imm := uint16(iss & 0xFFFF)
		console.Puts("SVC: imm=0x")
		console.PutHex64(uint64(imm))
		console.Puts(", resuming\n")
		regs.ELREL1 += 4
	default:
		kernel.Panic(errUnhandledSync)
	}
}

// HandleIRQ logs and returns: no GIC is wired in the core (§4.2, §5), so
// every IRQ is presently a no-op from the dispatcher's point of view.
//
//go:nosplit
func HandleIRQ(regs *SavedRegisters) {
	console.Puts("\n--- IRQ ---\n(no GIC driver wired)\n")
}

// HandleFIQ panics; FIQ handling is not implemented (§4.2).
//
//go:nosplit
func HandleFIQ(regs *SavedRegisters) {
	console.Puts("\n--- FIQ ---\n")
	kernel.Panic(errFIQ)
}

// HandleSError panics; SError handling is not implemented (§4.2).
//
//go:nosplit
func HandleSError(regs *SavedRegisters) {
	esr := readESRFn()
	console.Puts("\n--- SError ---\nESR_EL1: 0x")
	console.PutHex64(esr)
	console.Puts("\n")
	kernel.Panic(errSError)
}
