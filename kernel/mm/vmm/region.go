package vmm

import (
	"io"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

// MaxRegions is the number of regions that can be registered with a single
// address space.
const MaxRegions = 16

var (
	// ErrRegionOverlap is returned when a region overlaps an existing region.
	ErrRegionOverlap = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}

	// ErrTooManyRegions is returned when the region table of an address
	// space is full.
	ErrTooManyRegions = &kernel.Error{Module: "vmm", Message: "region table is full"}

	// ErrNoSuchRegion is returned when removing a region that does not exist.
	ErrNoSuchRegion = &kernel.Error{Module: "vmm", Message: "no region starts at the supplied address"}

	errInvalidRegion = &kernel.Error{Module: "vmm", Message: "region bounds must be page-aligned and non-empty"}
)

// RegionKind describes the purpose of a Region.
type RegionKind uint8

// The supported region kinds.
const (
	KernelCode RegionKind = iota
	KernelData
	DirectMap
	KernelHeap
	TaskStack
	Lazy
)

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case KernelCode:
		return "kernel code"
	case KernelData:
		return "kernel data"
	case DirectMap:
		return "direct map"
	case KernelHeap:
		return "kernel heap"
	case TaskStack:
		return "task stack"
	case Lazy:
		return "lazy"
	default:
		return "unknown"
	}
}

// FaultPolicy defines how a page fault inside a Region is resolved.
type FaultPolicy uint8

const (
	// FaultFixed regions are mapped eagerly; a fault inside them is fatal.
	FaultFixed FaultPolicy = iota

	// FaultDemandZero regions are backed lazily by zeroed frames allocated
	// when a not-present page is first accessed.
	FaultDemandZero

	// FaultInvalid regions reserve address space that must never be
	// accessed.
	FaultInvalid
)

// String implements fmt.Stringer for FaultPolicy.
func (p FaultPolicy) String() string {
	switch p {
	case FaultFixed:
		return "fixed"
	case FaultDemandZero:
		return "demand-zero"
	case FaultInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Region describes a contiguous, page-aligned virtual range within an
// address space.
type Region struct {
	// Start is the first address in the region and End is the first
	// address past it.
	Start, End uintptr

	Kind   RegionKind
	Policy FaultPolicy

	// Flags are applied to pages mapped while resolving a fault.
	Flags PageTableEntryFlag
}

// Contains returns true if virtAddr falls inside the region.
func (r *Region) Contains(virtAddr uintptr) bool {
	return virtAddr >= r.Start && virtAddr < r.End
}

// Size returns the region length in bytes.
func (r *Region) Size() mm.Size {
	return mm.Size(r.End - r.Start)
}

// ownsFrames returns true if the frames backing the region are owned by the
// address space and must be released together with it.
func (r *Region) ownsFrames() bool {
	return r.Policy == FaultDemandZero || r.Kind == TaskStack || r.Kind == Lazy
}

// AddRegion registers a region with the address space. Regions in the kernel
// half can only be added to the kernel address space while regions in the
// lower half can only be added to task-private address spaces.
func (as *AddressSpace) AddRegion(region Region) *kernel.Error {
	if region.Start >= region.End || PageOffset(region.Start) != 0 || PageOffset(region.End) != 0 {
		return errInvalidRegion
	}

	if err := as.checkRange(region.Start, region.End-1); err != nil {
		return err
	}

	state := sync.Enter()
	defer sync.Exit(state)

	if as.regionCount == MaxRegions {
		return ErrTooManyRegions
	}

	// Keep the table sorted by start address
	insertAt := as.regionCount
	for i := 0; i < as.regionCount; i++ {
		if region.Start < as.regions[i].End && as.regions[i].Start < region.End {
			return ErrRegionOverlap
		}

		if insertAt == as.regionCount && region.End <= as.regions[i].Start {
			insertAt = i
		}
	}

	copy(as.regions[insertAt+1:as.regionCount+1], as.regions[insertAt:as.regionCount])
	as.regions[insertAt] = region
	as.regionCount++
	return nil
}

// RemoveRegion unregisters the region starting at start. Mappings inside the
// region are not affected.
func (as *AddressSpace) RemoveRegion(start uintptr) *kernel.Error {
	state := sync.Enter()
	defer sync.Exit(state)

	for i := 0; i < as.regionCount; i++ {
		if as.regions[i].Start != start {
			continue
		}

		copy(as.regions[i:as.regionCount-1], as.regions[i+1:as.regionCount])
		as.regionCount--
		as.regions[as.regionCount] = Region{}
		return nil
	}

	return ErrNoSuchRegion
}

// RegionFor returns the region that contains virtAddr. Lookups for kernel
// addresses are served by the kernel address space.
func (as *AddressSpace) RegionFor(virtAddr uintptr) (Region, bool) {
	space := as
	if mm.IsKernelAddress(virtAddr) {
		space = as.mgr.kernelSpace
	}

	for i := 0; i < space.regionCount; i++ {
		if space.regions[i].Contains(virtAddr) {
			return space.regions[i], true
		}
	}

	return Region{}, false
}

// Regions returns the regions registered with this address space ordered by
// start address. The returned slice must be treated as read-only.
func (as *AddressSpace) Regions() []Region {
	return as.regions[:as.regionCount]
}

// DumpRegions outputs the region table to w.
func (as *AddressSpace) DumpRegions(w io.Writer) {
	for i := 0; i < as.regionCount; i++ {
		r := &as.regions[i]
		kfmt.Fprintf(w, "[0x%16x - 0x%16x] %11s %11s %8dK\n", r.Start, r.End, r.Kind.String(), r.Policy.String(), uint64(r.Size()/mm.Kb))
	}
}
