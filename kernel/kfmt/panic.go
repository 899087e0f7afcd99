package kfmt

import (
	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
)

// panicSeparator frames the report printed by Panic.
const panicSeparator = "\n-----------------------------------\n"

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// errRuntimePanic carries the message of panics raised by the Go runtime
	// or with a plain string or error value.
	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic reports e on the output sink, masks interrupts and halts the CPU.
// The kernel's fatal paths call panic with a *kernel.Error; on bare metal
// runtime.gopanic lands here so such calls never unwind.
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	Printf(panicSeparator)
	if cause := panicCause(e); cause != nil {
		Printf("[%s] unrecoverable error: %s\n", cause.Module, cause.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf(panicSeparator)

	cpu.DisableInterrupts()
	cpuHaltFn()
}

// panicCause maps a panic value to the error that Panic reports. Values
// other than errors and strings yield nil.
func panicCause(e interface{}) *kernel.Error {
	switch t := e.(type) {
	case *kernel.Error:
		return t
	case string:
		errRuntimePanic.Message = t
	case error:
		errRuntimePanic.Message = t.Error()
	default:
		return nil
	}

	return errRuntimePanic
}

// panicString is the landing point for runtime.throw.
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
