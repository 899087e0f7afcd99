package vmm

import (
	"gopherkern/kernel"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/gate"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
)

var (
	// readCR2Fn is mocked by tests and is automatically inlined by the
	// compiler.
	readCR2Fn = cpu.ReadCR2
)

// InstallFaultHandlers registers the page fault and general protection
// fault handlers with the interrupt table.
func (m *Manager) InstallFaultHandlers(table *gate.Table) {
	table.HandleInterrupt(gate.PageFaultException, m.pageFaultHandler)
	table.HandleInterrupt(gate.GPFException, m.generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails.
func (m *Manager) pageFaultHandler(regs *gate.Registers) {
	m.handlePageFault(uintptr(readCR2Fn()), regs.Info, regs)
}

// HandlePageFault resolves a fault at faultAddress. If the address falls
// inside a demand-zero region and the fault was caused by a read or write to
// a non-present page, a zeroed frame is mapped in place and the faulting
// instruction can be retried. Any other fault is fatal.
//
// Faults on kernel addresses are resolved using the kernel regions; all
// other faults are resolved using the regions of the active address space.
func (m *Manager) HandlePageFault(faultAddress uintptr, errorCode uint64) {
	m.handlePageFault(faultAddress, errorCode, nil)
}

func (m *Manager) handlePageFault(faultAddress uintptr, errorCode uint64, regs *gate.Registers) {
	space := m.active
	if space == nil || mm.IsKernelAddress(faultAddress) {
		space = m.kernelSpace
	}

	region, ok := space.RegionFor(faultAddress)
	if !ok || region.Policy != FaultDemandZero || errorCode&(faultPresent|faultInstructionFetch|faultReservedBit) != 0 {
		m.nonRecoverablePageFault(faultAddress, errorCode, regs, errUnrecoverableFault)
		return
	}

	if _, err := space.MapZeroed(mm.PageFromAddress(faultAddress), region.Flags); err != nil {
		m.nonRecoverablePageFault(faultAddress, errorCode, regs, err)
	}

	// Fault recovered; retry the instruction that caused the fault
}

func (m *Manager) nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode&faultReservedBit != 0:
		kfmt.Printf("page table has reserved bit set")
	case errorCode&faultInstructionFetch != 0:
		kfmt.Printf("instruction fetch")
	case errorCode&(faultPresent|faultWrite) == 0:
		kfmt.Printf("read from non-present page")
	case errorCode&(faultPresent|faultWrite) == faultPresent:
		kfmt.Printf("page protection violation (read)")
	case errorCode&(faultPresent|faultWrite) == faultWrite:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}
	if errorCode&faultUser != 0 {
		kfmt.Printf(" in user-mode")
	}
	kfmt.Printf(" (error code: 0x%x)\n", errorCode)

	space := m.active
	if space == nil || mm.IsKernelAddress(faultAddress) {
		space = m.kernelSpace
	}

	if region, ok := space.RegionFor(faultAddress); ok {
		kfmt.Printf("Region: [0x%16x - 0x%16x] %s (%s)\n", region.Start, region.End, region.Kind.String(), region.Policy.String())
	} else {
		kfmt.Printf("Region: none\n")
	}

	if m.taskID != nil {
		kfmt.Printf("Task: %d\n", m.taskID.CurrentTaskID())
	}

	if regs != nil {
		kfmt.Printf("\nRegisters:\n")
		regs.DumpTo(kfmt.GetOutputSink())
	}

	panic(err)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func (m *Manager) generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	if m.taskID != nil {
		kfmt.Printf("Task: %d\n", m.taskID.CurrentTaskID())
	}
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}
