// Package mmtest provides simulated physical memory for running the memory
// manager inside a regular process.
package mmtest

import (
	"unsafe"

	"gopherkern/kernel/boot"
	"gopherkern/kernel/mm"
)

// RAM is a page-aligned buffer that stands in for the machine's physical
// memory. While a RAM is installed, mm.PhysToVirt resolves physical addresses
// to offsets inside the buffer, so page tables, allocator bitmaps, heap
// headers and task stacks are real bytes that the code under test reads and
// writes.
type RAM struct {
	// Info describes the simulated machine to the kernel core.
	Info boot.Info

	buf        []byte
	base       uintptr
	prevOffset uintptr
}

// Region returns a memory map entry.
func Region(start, length uint64, typ boot.MemoryEntryType) boot.MemoryRegion {
	return boot.MemoryRegion{PhysAddress: start, Length: length, Type: typ}
}

// New allocates enough memory to back every region in memMap and installs it
// as the direct map. Callers must invoke Release once they are done.
func New(memMap []boot.MemoryRegion, kernelStart, kernelEnd uintptr) *RAM {
	var size uint64
	for _, region := range memMap {
		if end := region.End(); end > size {
			size = end
		}
	}
	size = uint64(mm.RoundUpToPage(uintptr(size)))

	ram := &RAM{
		Info: boot.Info{
			MemoryMap:   memMap,
			KernelStart: kernelStart,
			KernelEnd:   kernelEnd,
			CmdLine:     map[string]string{},
		},
		buf: make([]byte, size+uint64(mm.PageSize)),
	}

	// Fill with junk so code that forgets to clear memory is caught
	for i := range ram.buf {
		ram.buf[i] = 0xf0
	}

	ram.base = mm.RoundUpToPage(uintptr(unsafe.Pointer(&ram.buf[0])))
	ram.prevOffset = mm.SetDirectMapOffset(ram.base)
	return ram
}

// Standard returns a RAM instance modelled after a small PC: the first MiB is
// reserved, the kernel image occupies kernelFrames frames at 1MiB and is
// followed by usableFrames frames of available memory. A reserved hole is
// appended after the usable region so the allocator sees a non-contiguous
// map.
func Standard(kernelFrames, usableFrames int) *RAM {
	const lowMem = 1 * mm.Mb

	var (
		kernelStart = uintptr(lowMem)
		kernelEnd   = kernelStart + uintptr(kernelFrames)*mm.PageSize
		usableLen   = uint64(kernelFrames+usableFrames) * uint64(mm.PageSize)
	)

	return New([]boot.MemoryRegion{
		Region(0, uint64(lowMem), boot.MemReserved),
		Region(uint64(lowMem), usableLen, boot.MemAvailable),
		Region(uint64(lowMem)+usableLen, uint64(mm.PageSize), boot.MemReserved),
	}, kernelStart, kernelEnd)
}

// Release uninstalls the simulated memory and restores the previous direct
// map.
func (r *RAM) Release() {
	mm.SetDirectMapOffset(r.prevOffset)
}

// Size returns the amount of simulated physical memory in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.buf)) - mm.PageSize
}

// Bytes returns a slice aliasing size bytes of physical memory starting at
// physAddr.
func (r *RAM) Bytes(physAddr, size uintptr) []byte {
	off := r.base - uintptr(unsafe.Pointer(&r.buf[0])) + physAddr
	return r.buf[off : off+size]
}

// Contains returns true if virtAddr points inside the simulated memory.
func (r *RAM) Contains(virtAddr uintptr) bool {
	return virtAddr >= r.base && virtAddr < r.base+r.Size()
}
