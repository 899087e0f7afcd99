// Package gate routes CPU exceptions and hardware interrupts to the kernel
// handlers registered for them. The low-level entry stubs that save the
// register state and acknowledge the interrupt controller belong to the
// platform bring-up code; they call Dispatch with interrupts masked.
package gate

import (
	"io"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions or the IRQ number
	// for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// IRQBase is the vector where the remapped PIC lines start.
	IRQBase = InterruptNumber(32)

	// TimerIRQ is raised by the programmable interval timer (IRQ0).
	TimerIRQ = IRQBase
)

var errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "no handler registered for interrupt"}

// Table maps interrupt numbers to handlers.
type Table struct {
	handlers [256]func(*Registers)
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. Registering a nil handler removes any
// existing handler.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler func(*Registers)) {
	t.handlers[intNumber] = handler
}

// Handler returns the handler registered for intNumber or nil.
func (t *Table) Handler(intNumber InterruptNumber) func(*Registers) {
	return t.handlers[intNumber]
}

// Dispatch invokes the handler registered for intNumber. An interrupt
// without a handler is fatal.
func (t *Table) Dispatch(intNumber InterruptNumber, regs *Registers) {
	if handler := t.handlers[intNumber]; handler != nil {
		handler(regs)
		return
	}

	kfmt.Printf("\nUnhandled interrupt %d (info: 0x%x)\n\nRegisters:\n", uint8(intNumber), regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	panic(errUnhandledInterrupt)
}
