// Package sync provides the non-preemptible region guard used to protect the
// shared state of the memory manager and the scheduler.
//
// The kernel runs on a single logical CPU so the only source of concurrency is
// an interrupt preempting the running code. Masking interrupts for the
// duration of a mutation is therefore sufficient to make it atomic. Guards
// nest: each Enter records whether interrupts were enabled and the matching
// Exit only re-enables them if they were enabled when the guard was taken. This
// keeps interrupt handlers (which are entered with interrupts masked) from
// accidentally unmasking interrupts before they return.
package sync

import "gopherkern/kernel/cpu"

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableFn           = cpu.DisableInterrupts
	enableFn            = cpu.EnableInterrupts
)

// IRQState captures the interrupt flag at the time a guard was entered.
type IRQState bool

// Enter masks interrupts and returns the previous interrupt state which must
// be passed to the matching call to Exit.
//
//go:nosplit
func Enter() IRQState {
	enabled := interruptsEnabledFn()
	if enabled {
		disableFn()
	}
	return IRQState(enabled)
}

// Exit restores the interrupt state captured by Enter.
//
//go:nosplit
func Exit(state IRQState) {
	if state {
		enableFn()
	}
}

// InGuard returns true if interrupts are currently masked. The scheduler
// checks it before switching tasks.
func InGuard() bool {
	return !interruptsEnabledFn()
}
