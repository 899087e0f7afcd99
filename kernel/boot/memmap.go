// Package boot describes the information handed to the kernel core by the
// boot collaborator: the physical memory map, the location of the loaded
// kernel image and the kernel command line.
package boot

// MemoryEntryType defines the type of a MemoryRegion.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS once the ACPI tables have been parsed.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a physical memory range reported by the firmware.
type MemoryRegion struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Usable returns true if the kernel may hand out frames from this region.
func (r MemoryRegion) Usable() bool {
	return r.Type == MemAvailable && r.Length != 0
}

// End returns the first physical address past the end of the region.
func (r MemoryRegion) End() uint64 {
	return r.PhysAddress + r.Length
}

// Info bundles everything the boot collaborator supplies to the kernel core.
type Info struct {
	// MemoryMap is the ordered list of physical memory ranges.
	MemoryMap []MemoryRegion

	// KernelStart and KernelEnd are the physical addresses where the
	// kernel image (including boot structures) has been loaded. KernelEnd
	// is exclusive.
	KernelStart, KernelEnd uintptr

	// CmdLine holds the key/value pairs parsed from the kernel command line.
	CmdLine map[string]string
}

// VisitUsable invokes visitor for each usable region in the memory map. The
// visitor returns false to abort the scan.
func (info *Info) VisitUsable(visitor func(MemoryRegion) bool) {
	for _, region := range info.MemoryMap {
		if !region.Usable() {
			continue
		}

		if !visitor(region) {
			return
		}
	}
}

// HighestUsableAddress returns the first address past the last usable
// region in the memory map.
func (info *Info) HighestUsableAddress() uint64 {
	var highest uint64
	info.VisitUsable(func(region MemoryRegion) bool {
		if end := region.End(); end > highest {
			highest = end
		}
		return true
	})
	return highest
}
