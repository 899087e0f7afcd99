package cpu

// Emulator is an in-memory model of the CPU state that the kernel core
// touches. Installing an Emulator redirects all privileged primitives to it
// which allows the memory manager and scheduler to run inside a regular
// process (e.g. under go test).
type Emulator struct {
	// InterruptsEnabled tracks the IF flag.
	InterruptsEnabled bool

	// CR2 holds the faulting address reported to page-fault handlers.
	CR2 uint64

	// CR3 holds the physical address of the active page directory.
	CR3 uintptr

	// CR3Loads counts the number of writes to CR3.
	CR3Loads int

	// TLBFlushes counts the number of single-entry TLB flushes.
	TLBFlushes int

	// HaltCount counts the number of Halt calls.
	HaltCount int

	prev primitives
}

type primitives struct {
	enableInterrupts  func()
	disableInterrupts func()
	halt              func()
	flushTLBEntry     func(uintptr)
	switchPDT         func(uintptr)
	activePDT         func() uintptr
	readCR2           func() uint64
	readFlags         func() uint64
}

// Emulate installs a new Emulator with interrupts enabled and returns it.
// Callers must invoke Restore to reinstate the previous primitives.
func Emulate() *Emulator {
	e := &Emulator{
		InterruptsEnabled: true,
		prev: primitives{
			enableInterrupts:  enableInterruptsFn,
			disableInterrupts: disableInterruptsFn,
			halt:              haltFn,
			flushTLBEntry:     flushTLBEntryFn,
			switchPDT:         switchPDTFn,
			activePDT:         activePDTFn,
			readCR2:           readCR2Fn,
			readFlags:         readFlagsFn,
		},
	}

	enableInterruptsFn = func() { e.InterruptsEnabled = true }
	disableInterruptsFn = func() { e.InterruptsEnabled = false }
	haltFn = func() { e.HaltCount++ }
	flushTLBEntryFn = func(uintptr) { e.TLBFlushes++ }
	switchPDTFn = func(addr uintptr) {
		e.CR3 = addr
		e.CR3Loads++
	}
	activePDTFn = func() uintptr { return e.CR3 }
	readCR2Fn = func() uint64 { return e.CR2 }
	readFlagsFn = func() uint64 {
		if e.InterruptsEnabled {
			return flagInterruptEnable
		}
		return 0
	}

	return e
}

// Restore reinstates the primitives that were active before Emulate was
// called.
func (e *Emulator) Restore() {
	enableInterruptsFn = e.prev.enableInterrupts
	disableInterruptsFn = e.prev.disableInterrupts
	haltFn = e.prev.halt
	flushTLBEntryFn = e.prev.flushTLBEntry
	switchPDTFn = e.prev.switchPDT
	activePDTFn = e.prev.activePDT
	readCR2Fn = e.prev.readCR2
	readFlagsFn = e.prev.readFlags
}
