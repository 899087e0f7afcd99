package vmm

import (
	"unsafe"

	"gopherkern/kernel"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the page is already mapped.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	// ErrNotKernelAddress is returned when the kernel address space is
	// asked to operate on an address in the lower half.
	ErrNotKernelAddress = &kernel.Error{Module: "vmm", Message: "address does not belong to the kernel half of the address space"}

	// ErrNotUserAddress is returned when a private address space is asked
	// to register a region in the shared kernel half.
	ErrNotUserAddress = &kernel.Error{Module: "vmm", Message: "address does not belong to the task-private half of the address space"}

	errNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "non-canonical virtual address"}
	errNoHugePageSupport   = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// AddressSpace owns a page table hierarchy. The lower half of the hierarchy
// is private to the address space while the upper half is shared with the
// kernel address space: every top-level kernel entry points to the same
// lower level tables.
type AddressSpace struct {
	mgr *Manager

	// root is the physical frame that holds the top-level page table.
	root mm.Frame

	inUse  bool
	kernel bool

	regions     [MaxRegions]Region
	regionCount int
}

// Root returns the frame holding the top-level page table.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// IsKernel returns true if this is the kernel address space.
func (as *AddressSpace) IsKernel() bool {
	return as.kernel
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. The walker must ensure that the entry it is handed for the
// upper levels is present before returning true.
//
// Kernel addresses are always resolved using the kernel page tables.
func (as *AddressSpace) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := as.root
	if mm.IsKernelAddress(virtAddr) {
		tableFrame = as.mgr.kernelSpace.root
	}

	for level := uint8(0); level < pageLevels; level++ {
		pte := &tableAt(tableFrame)[tableIndex(virtAddr, level)]
		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableFrame = pte.Frame()
	}
}

// checkRange validates that [first, last] lies entirely inside the half of
// the address space that this address space manages.
func (as *AddressSpace) checkRange(first, last uintptr) *kernel.Error {
	switch {
	case mm.IsKernelAddress(first) && mm.IsKernelAddress(last):
		if !as.kernel {
			return ErrNotUserAddress
		}
	case mm.IsUserAddress(first) && mm.IsUserAddress(last):
		if as.kernel {
			return ErrNotKernelAddress
		}
	default:
		return errNonCanonicalAddress
	}

	return nil
}

// checkAddress validates virtAddr for page table updates. Private address
// spaces may update kernel mappings; the change is visible to all address
// spaces.
func (as *AddressSpace) checkAddress(virtAddr uintptr) *kernel.Error {
	switch {
	case mm.IsKernelAddress(virtAddr):
		return nil
	case mm.IsUserAddress(virtAddr):
		if as.kernel {
			return ErrNotKernelAddress
		}
		return nil
	default:
		return errNonCanonicalAddress
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Calls to Map allocate missing page tables at each paging level
// using the manager's frame allocator. Map returns ErrAlreadyMapped if the
// page is already mapped; use Remap to replace an existing mapping.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	_, err := as.install(page, frame, flags, false)
	return err
}

// Remap behaves like Map but replaces any existing mapping for page. It
// returns the frame that previously backed the page or mm.InvalidFrame if
// the page was not mapped. The previous frame is not released.
func (as *AddressSpace) Remap(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	return as.install(page, frame, flags, true)
}

func (as *AddressSpace) install(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, replace bool) (mm.Frame, *kernel.Error) {
	virtAddr := page.Address()
	if err := as.checkAddress(virtAddr); err != nil {
		return mm.InvalidFrame, err
	}

	state := sync.Enter()
	defer sync.Exit(state)

	var (
		err       *kernel.Error
		prevFrame = mm.InvalidFrame
	)

	as.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				if !replace {
					err = ErrAlreadyMapped
					return false
				}
				prevFrame = pte.Frame()
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			as.flushTLBEntry(virtAddr)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = as.mgr.frames.AllocFrame()
			if err != nil {
				return false
			}

			mm.ClearFrame(newTableFrame)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			if pteLevel == 0 && mm.IsKernelAddress(virtAddr) {
				as.mgr.propagateKernelEntry(tableIndex(virtAddr, 0), *pte)
			}
		}

		return true
	})

	return prevFrame, err
}

// Unmap removes the mapping for page and returns the frame that was backing
// it. The frame is not released; the caller decides whether to return it to
// the frame allocator. Page tables that become empty are released, with the
// exception of the tables that hold the top-level kernel entries which are
// shared by every address space.
func (as *AddressSpace) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	virtAddr := page.Address()
	if err := as.checkAddress(virtAddr); err != nil {
		return mm.InvalidFrame, err
	}

	state := sync.Enter()
	defer sync.Exit(state)

	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
		path  [pageLevels]*pageTableEntry
	)

	as.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel != pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		path[pteLevel] = pte
		return true
	})

	if err != nil {
		return mm.InvalidFrame, err
	}

	frame = path[pageLevels-1].Frame()
	*path[pageLevels-1] = 0
	as.flushTLBEntry(virtAddr)

	// Release the tables that became empty starting from the lowest level.
	// The table that holds path[level] is pointed to by path[level-1].
	lowestFreeLevel := uint8(1)
	if mm.IsKernelAddress(virtAddr) {
		lowestFreeLevel = 2
	}

	for level := uint8(pageLevels - 1); level >= lowestFreeLevel; level-- {
		parent := path[level-1]
		if !tableAt(parent.Frame()).isEmpty() {
			break
		}

		as.mgr.frames.FreeFrame(parent.Frame())
		*parent = 0
	}

	return frame, nil
}

// UnmapAndFree removes the mapping for page and returns the backing frame to
// the frame allocator.
func (as *AddressSpace) UnmapAndFree(page mm.Page) *kernel.Error {
	frame, err := as.Unmap(page)
	if err != nil {
		return err
	}

	as.mgr.frames.FreeFrame(frame)
	return nil
}

// MapZeroed allocates a frame, clears it and maps it to page.
func (as *AddressSpace) MapZeroed(page mm.Page, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	frame, err := as.mgr.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	mm.ClearFrame(frame)
	if err = as.Map(page, frame, flags); err != nil {
		as.mgr.frames.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	return frame, nil
}

// pteForAddress returns the final page table entry that correspond to a
// particular virtual address. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (as *AddressSpace) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	if err := as.checkAddress(virtAddr); err != nil {
		return nil, err
	}

	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	as.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// Translate returns the physical frame that backs the supplied virtual
// address or ErrInvalidMapping if the address is not mapped.
func (as *AddressSpace) Translate(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return pte.Frame(), nil
}

// PhysAddr returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) PhysAddr(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := as.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Lookup returns the frame and flags for a mapped page.
func (as *AddressSpace) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := as.pteForAddress(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return pte.Frame(), pte.Flags(), nil
}

// Pointer returns a pointer through which the kernel can access the memory
// mapped at virtAddr regardless of which address space is currently active.
// The pointer is only valid up to the end of the page that contains
// virtAddr.
func (as *AddressSpace) Pointer(virtAddr uintptr) (unsafe.Pointer, *kernel.Error) {
	physAddr, err := as.PhysAddr(virtAddr)
	if err != nil {
		return nil, err
	}

	return unsafe.Pointer(mm.PhysToVirt(physAddr)), nil
}

// flushTLBEntry invalidates the cached translation for virtAddr if it can be
// cached by the CPU: either the address space is active or the address
// belongs to the shared kernel half.
func (as *AddressSpace) flushTLBEntry(virtAddr uintptr) {
	if mm.IsKernelAddress(virtAddr) || as == as.mgr.active {
		flushTLBEntryFn(virtAddr)
	}
}
