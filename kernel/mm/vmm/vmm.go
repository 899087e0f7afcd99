// Package vmm manages virtual address spaces: it builds the kernel page
// tables, creates and destroys task-private address spaces, installs and
// removes mappings and resolves page faults.
package vmm

import (
	"gopherkern/kernel"
	"gopherkern/kernel/boot"
	"gopherkern/kernel/cpu"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

// MaxAddressSpaces is the number of address spaces (including the kernel
// address space) that can be live at the same time.
const MaxAddressSpaces = 128

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	// ErrTooManyAddressSpaces is returned when all address space slots are in use.
	ErrTooManyAddressSpaces = &kernel.Error{Module: "vmm", Message: "too many address spaces"}

	// ErrAddressSpaceActive is returned when destroying the active address space.
	ErrAddressSpaceActive = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}

	errDestroyKernelSpace = &kernel.Error{Module: "vmm", Message: "attempt to destroy the kernel address space"}
	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// kernelEntries lists the top-level entries whose page tables are created
// when the kernel address space is built. Since every address space copies
// these entries, mappings added below them become visible everywhere.
var kernelEntries = [...]uintptr{
	mm.DirectMapBase >> 39 & (entriesPerTable - 1),
	mm.KernelHeapBase >> 39 & (entriesPerTable - 1),
	mm.KernelStacksBase >> 39 & (entriesPerTable - 1),
	mm.KernelImageBase >> 39 & (entriesPerTable - 1),
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame)
}

// TaskIdentifier reports the id of the task that is currently running. It
// is used to annotate fatal page fault reports.
type TaskIdentifier interface {
	CurrentTaskID() uint64
}

// Manager owns all address spaces.
type Manager struct {
	frames FrameAllocator
	taskID TaskIdentifier

	kernelSpace *AddressSpace
	active      *AddressSpace

	spaces [MaxAddressSpaces]AddressSpace
}

// Init builds the kernel address space and activates it. The kernel address
// space maps the kernel image at mm.KernelImageBase and all usable physical
// memory at mm.DirectMapBase.
func (m *Manager) Init(frames FrameAllocator, info *boot.Info) *kernel.Error {
	m.frames = frames
	m.active = nil

	root, err := frames.AllocFrame()
	if err != nil {
		return err
	}
	mm.ClearFrame(root)

	m.kernelSpace = &m.spaces[0]
	*m.kernelSpace = AddressSpace{mgr: m, root: root, inUse: true, kernel: true}

	// Pre-allocate the second level tables for the kernel areas
	rootTable := tableAt(root)
	for _, entryIndex := range kernelEntries {
		tableFrame, err := frames.AllocFrame()
		if err != nil {
			return err
		}
		mm.ClearFrame(tableFrame)

		rootTable[entryIndex].SetFrame(tableFrame)
		rootTable[entryIndex].SetFlags(FlagPresent | FlagRW)
	}

	if err = m.mapKernelImage(info); err != nil {
		return err
	}

	if err = m.mapPhysicalMemory(info); err != nil {
		return err
	}

	m.SwitchTo(m.kernelSpace)
	kfmt.Printf("[vmm] kernel address space ready (root table at 0x%x)\n", root.Address())
	return nil
}

func (m *Manager) mapKernelImage(info *boot.Info) *kernel.Error {
	if info.KernelEnd <= info.KernelStart {
		return nil
	}

	var (
		startFrame = mm.FrameFromAddress(info.KernelStart)
		endFrame   = mm.FrameFromAddress(info.KernelEnd - 1)
		flags      = FlagPresent | FlagRW | FlagGlobal
	)

	for frame := startFrame; frame <= endFrame; frame++ {
		page := mm.PageFromAddress(mm.KernelImageBase + frame.Address())
		if err := m.kernelSpace.Map(page, frame, flags); err != nil {
			return err
		}
	}

	return m.kernelSpace.AddRegion(Region{
		Start:  mm.KernelImageBase + startFrame.Address(),
		End:    mm.KernelImageBase + (endFrame + 1).Address(),
		Kind:   KernelCode,
		Policy: FaultFixed,
		Flags:  flags,
	})
}

func (m *Manager) mapPhysicalMemory(info *boot.Info) *kernel.Error {
	var (
		err   *kernel.Error
		flags = FlagPresent | FlagRW | FlagGlobal | FlagNoExecute
	)

	info.VisitUsable(func(region boot.MemoryRegion) bool {
		startFrame := mm.FrameFromAddress(mm.RoundUpToPage(uintptr(region.PhysAddress)))
		endFrame := mm.FrameFromAddress(mm.RoundDownToPage(uintptr(region.End())))

		for frame := startFrame; frame < endFrame; frame++ {
			page := mm.PageFromAddress(mm.DirectMapBase + frame.Address())
			if err = m.kernelSpace.Map(page, frame, flags); err != nil {
				return false
			}
		}
		return true
	})

	if err != nil {
		return err
	}

	return m.kernelSpace.AddRegion(Region{
		Start:  mm.DirectMapBase,
		End:    mm.DirectMapBase + mm.RoundUpToPage(uintptr(info.HighestUsableAddress())),
		Kind:   DirectMap,
		Policy: FaultFixed,
		Flags:  flags,
	})
}

// SetTaskIdentifier registers the source of task ids used in fault reports.
func (m *Manager) SetTaskIdentifier(taskID TaskIdentifier) {
	m.taskID = taskID
}

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace {
	return m.kernelSpace
}

// Active returns the address space whose page tables are loaded.
func (m *Manager) Active() *AddressSpace {
	return m.active
}

// LiveAddressSpaces returns the number of address spaces in use, including
// the kernel address space.
func (m *Manager) LiveAddressSpaces() int {
	var count int
	for i := range m.spaces {
		if m.spaces[i].inUse {
			count++
		}
	}
	return count
}

// CreateAddressSpace allocates a new top-level page table and copies in the
// kernel mappings that are shared by all address spaces.
func (m *Manager) CreateAddressSpace() (*AddressSpace, *kernel.Error) {
	state := sync.Enter()
	defer sync.Exit(state)

	var as *AddressSpace
	for i := 1; i < len(m.spaces); i++ {
		if !m.spaces[i].inUse {
			as = &m.spaces[i]
			break
		}
	}

	if as == nil {
		return nil, ErrTooManyAddressSpaces
	}

	root, err := m.frames.AllocFrame()
	if err != nil {
		return nil, err
	}
	mm.ClearFrame(root)

	var (
		kernelTable = tableAt(m.kernelSpace.root)
		table       = tableAt(root)
	)
	copy(table[firstKernelEntry:], kernelTable[firstKernelEntry:])

	*as = AddressSpace{mgr: m, root: root, inUse: true}
	return as, nil
}

// propagateKernelEntry copies a newly created top-level kernel entry to all
// private address spaces.
func (m *Manager) propagateKernelEntry(entryIndex uintptr, entry pageTableEntry) {
	for i := 1; i < len(m.spaces); i++ {
		if m.spaces[i].inUse {
			tableAt(m.spaces[i].root)[entryIndex] = entry
		}
	}
}

// SwitchTo loads the page tables of as into the CPU unless as is already
// active.
func (m *Manager) SwitchTo(as *AddressSpace) {
	state := sync.Enter()
	defer sync.Exit(state)

	if m.active == as {
		return
	}

	m.active = as
	switchPDTFn(as.root.Address())
}

// Destroy releases a private address space. The frames backing pages inside
// regions that own their frames (demand-zero, lazy and stack regions) are
// returned to the frame allocator together with all page tables in the
// private half. Destroying the kernel address space is a fatal error.
func (m *Manager) Destroy(as *AddressSpace) *kernel.Error {
	if as.kernel {
		kfmt.Printf("[vmm] refusing to destroy the kernel address space\n")
		panic(errDestroyKernelSpace)
	}

	state := sync.Enter()
	defer sync.Exit(state)

	if as == m.active {
		return ErrAddressSpaceActive
	}

	m.releaseTable(as, 0, as.root, 0)
	m.frames.FreeFrame(as.root)

	*as = AddressSpace{}
	return nil
}

// releaseTable recursively releases the private part of a page table
// hierarchy. baseAddr is the first virtual address covered by table.
func (m *Manager) releaseTable(as *AddressSpace, level uint8, table mm.Frame, baseAddr uintptr) {
	entries := tableAt(table)

	lastEntry := entriesPerTable
	if level == 0 {
		lastEntry = firstKernelEntry
	}

	for index := 0; index < lastEntry; index++ {
		pte := entries[index]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		entryAddr := canonical(baseAddr + uintptr(index)<<pageLevelShifts[level])
		if level == pageLevels-1 {
			if region, ok := as.RegionFor(entryAddr); ok && region.ownsFrames() {
				m.frames.FreeFrame(pte.Frame())
			}
			continue
		}

		m.releaseTable(as, level+1, pte.Frame(), entryAddr)
		m.frames.FreeFrame(pte.Frame())
	}
}
