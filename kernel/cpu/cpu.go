// Package cpu exposes the privileged CPU primitives used by the memory
// management and scheduling code: interrupt masking, halting, TLB maintenance
// and access to the paging registers.
package cpu

var (
	// The following functions are replaced by an Emulator when the kernel
	// code runs as a regular process.
	enableInterruptsFn  = enableInterrupts
	disableInterruptsFn = disableInterrupts
	haltFn              = halt
	flushTLBEntryFn     = flushTLBEntry
	switchPDTFn         = switchPDT
	activePDTFn         = activePDT
	readCR2Fn           = readCR2
	readFlagsFn         = readFlags
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() { enableInterruptsFn() }

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() { disableInterruptsFn() }

// InterruptsEnabled returns true if the CPU currently accepts maskable
// interrupts.
func InterruptsEnabled() bool { return readFlagsFn()&flagInterruptEnable != 0 }

// Halt stops instruction execution until the next interrupt arrives.
func Halt() { haltFn() }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) { flushTLBEntryFn(virtAddr) }

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) { switchPDTFn(pdtPhysAddr) }

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr { return activePDTFn() }

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 { return readCR2Fn() }
