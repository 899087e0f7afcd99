package pmm

import (
	"gopherkern/kernel"
	"gopherkern/kernel/boot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame. Allocations are tracked via an internal counter that contains
// the last allocated frame. Frames that overlap the kernel image are never
// handed out.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks are handed over to the bitmap allocator which flags them as
// reserved.
type bootMemAllocator struct {
	info *boot.Info

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// Frames overlapping the kernel image; kernelEndFrame is inclusive.
	kernelStartFrame, kernelEndFrame mm.Frame
	hasKernelImage                   bool
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(info *boot.Info) {
	alloc.info = info
	alloc.allocCount = 0
	alloc.lastAllocFrame = 0

	alloc.hasKernelImage = info.KernelEnd > info.KernelStart
	if alloc.hasKernelImage {
		alloc.kernelStartFrame = mm.FrameFromAddress(info.KernelStart)
		alloc.kernelEndFrame = mm.FrameFromAddress(info.KernelEnd - 1)
	}
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var foundFrame = mm.InvalidFrame

	alloc.info.VisitUsable(func(region boot.MemoryRegion) bool {
		regionStartFrame, regionEndFrame, ok := regionFrames(region)
		if !ok {
			return true
		}

		// Ignore already allocated regions
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionEndFrame {
			return true
		}

		// The last allocated frame will be either pointing to a
		// previous region or will point inside this region. In the
		// first case (or if this is the first allocation) we select
		// the start frame for this region. In the latter case we
		// select the next available frame.
		candidate := regionStartFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame >= regionStartFrame {
			candidate = alloc.lastAllocFrame + 1
		}

		if alloc.hasKernelImage && candidate >= alloc.kernelStartFrame && candidate <= alloc.kernelEndFrame {
			candidate = alloc.kernelEndFrame + 1
		}

		if candidate > regionEndFrame {
			return true
		}

		foundFrame = candidate
		return false
	})

	if !foundFrame.Valid() {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocFrame = foundFrame
	return foundFrame, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	for _, region := range alloc.info.MemoryMap {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Usable() {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.info.KernelStart, alloc.info.KernelEnd)
}

// regionFrames returns the first and last frame that are fully contained in
// region. Reported addresses may not be page-aligned; the start address is
// rounded up and the end address is rounded down. The returned flag is false
// if the region does not contain a single whole frame.
func regionFrames(region boot.MemoryRegion) (mm.Frame, mm.Frame, bool) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	endFrame := mm.Frame((region.End() & ^pageSizeMinus1) >> mm.PageShift)

	if endFrame <= startFrame {
		return 0, 0, false
	}

	return startFrame, endFrame - 1, true
}
