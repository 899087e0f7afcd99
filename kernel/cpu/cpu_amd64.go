package cpu

// flagInterruptEnable is the IF bit of the RFLAGS register.
const flagInterruptEnable = 1 << 9

// The following functions are implemented in assembly. They execute
// privileged instructions and will fault if invoked outside ring 0; callers
// go through the exported wrappers so that an Emulator can replace them.

func enableInterrupts()

func disableInterrupts()

func halt()

func flushTLBEntry(virtAddr uintptr)

func switchPDT(pdtPhysAddr uintptr)

func activePDT() uintptr

func readCR2() uint64

func readFlags() uint64
