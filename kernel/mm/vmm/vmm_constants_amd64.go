package vmm

const (
	// pageLevels is the depth of the amd64 page table hierarchy (P4 to P1).
	pageLevels = 4

	// entriesPerTable is the number of entries in a table at any level.
	// Each level consumes 9 bits of a virtual address.
	entriesPerTable = 512

	// ptePhysPageMask selects bits 12-51 of an entry which hold the
	// physical address of the next table or of the mapped frame.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// firstKernelEntry is the first P4 slot of the shared kernel half.
	firstKernelEntry = entriesPerTable / 2
)

// pageLevelShifts holds, per level, the position of the table index bits
// inside a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// Entry flags as defined by the amd64 paging structures.
const (
	FlagPresent PageTableEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThroughCaching
	FlagDoNotCache
	FlagAccessed
	FlagDirty

	// FlagHugePage marks a P3 or P2 entry that maps a 1G or 2M page
	// directly. Mappings of this kind are never created by the kernel.
	FlagHugePage

	// FlagGlobal keeps the translation cached across CR3 reloads. It is
	// only used for kernel-half mappings.
	FlagGlobal

	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// Page fault error code bits pushed by the CPU.
const (
	faultPresent          = 1 << 0
	faultWrite            = 1 << 1
	faultUser             = 1 << 2
	faultReservedBit      = 1 << 3
	faultInstructionFetch = 1 << 4
)
