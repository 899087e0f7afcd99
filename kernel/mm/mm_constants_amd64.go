package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)

// The kernel owns the upper half of the canonical 48-bit address space and
// carves it into fixed areas, one per top-level page table slot. Every
// address space shares the page tables for these slots.
const (
	// UserSpaceEnd is the first address past the task-private half.
	UserSpaceEnd = uintptr(0x0000800000000000)

	// KernelSpaceStart is the first address of the shared kernel half.
	KernelSpaceStart = uintptr(0xffff800000000000)

	// DirectMapBase is where all physical memory is mapped (P4 slot 256).
	DirectMapBase = uintptr(0xffff800000000000)

	// KernelHeapBase is the start of the kernel heap region (P4 slot 384).
	KernelHeapBase = uintptr(0xffffc00000000000)

	// RuntimeArenaBase is the start of the address range handed to the Go
	// allocator. It shares P4 slot 384 with the kernel heap.
	RuntimeArenaBase = uintptr(0xffffc04000000000)

	// RuntimeArenaSize is the size of the Go allocator arena.
	RuntimeArenaSize = uintptr(1 << 38)

	// KernelStacksBase is the start of the kernel stack area (P4 slot 400).
	KernelStacksBase = uintptr(0xffffc80000000000)

	// KernelImageBase is the virtual address where the kernel image is
	// mapped (P4 slot 511, the top 2G of the address space).
	KernelImageBase = uintptr(0xffffffff80000000)

	// KernelAreaSize is the size of the virtual range covered by a single
	// top-level page table entry.
	KernelAreaSize = uintptr(1 << 39)
)
