// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The Go allocator obtains memory through a small set of runtime hooks. On
// bare metal the redirects tool patches those hooks so they land on the
// functions in this file which carve the memory out of a dedicated region of
// the kernel address space.
package goruntime

import (
	"sync/atomic"
	"unsafe"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
)

var (
	errArenaExhausted = &kernel.Error{Module: "goruntime", Message: "runtime arena exhausted"}
	errNotInitialized = &kernel.Error{Module: "goruntime", Message: "runtime arena not initialized"}

	// arena tracks the state of the region that backs the Go allocator.
	arena struct {
		space *vmm.AddressSpace

		// next is the first address that has not been reserved yet.
		next, limit uintptr
	}
)

// Init registers the runtime arena with the kernel address space. Pages that
// the Go allocator reserves through sysReserve/sysMap are backed with zeroed
// frames on first access by the demand-zero fault handler; sysAlloc backs
// its pages right away.
func Init(kernelSpace *vmm.AddressSpace) *kernel.Error {
	if err := kernelSpace.AddRegion(vmm.Region{
		Start:  mm.RuntimeArenaBase,
		End:    mm.RuntimeArenaBase + mm.RuntimeArenaSize,
		Kind:   vmm.KernelData,
		Policy: vmm.FaultDemandZero,
		Flags:  vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute,
	}); err != nil {
		return err
	}

	arena.space = kernelSpace
	arena.next = mm.RuntimeArenaBase
	arena.limit = mm.RuntimeArenaBase + mm.RuntimeArenaSize

	kfmt.Printf("[goruntime] arena at 0x%x (%dG)\n", mm.RuntimeArenaBase, uint64(mm.RuntimeArenaSize>>30))
	return nil
}

// Reserved returns the number of bytes of the arena handed to the Go
// allocator so far.
func Reserved() mm.Size {
	if arena.space == nil {
		return 0
	}
	return mm.Size(arena.next - mm.RuntimeArenaBase)
}

// reserve carves size bytes (rounded up to a page) out of the arena. It
// returns 0 if the arena cannot satisfy the request.
//
//go:nosplit
func reserve(size uintptr) uintptr {
	state := sync.Enter()
	defer sync.Exit(state)

	size = mm.RoundUpToPage(size)
	if arena.space == nil || size > arena.limit-arena.next {
		return 0
	}

	addr := arena.next
	arena.next += size
	return addr
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if arena.space == nil {
		panic(errNotInitialized)
	}

	regionStartAddr := reserve(size)
	if regionStartAddr == 0 {
		panic(errArenaExhausted)
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMap makes a previously reserved range usable. The arena is a
// demand-zero region so there is nothing to map; frames are allocated when
// the pages are first touched.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	if size == 0 {
		return
	}

	if addr := uintptr(virtAddr); addr < mm.RuntimeArenaBase || addr+size > arena.next {
		panic(errArenaExhausted)
	}

	atomic.AddUint64(sysStat, uint64(mm.RoundUpToPage(size)))
}

// sysAlloc reserves enough phsysical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	regionStartAddr := reserve(size)
	if regionStartAddr == 0 {
		return nil
	}

	var (
		mapFlags  = vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute
		pageCount = mm.RoundUpToPage(size) >> mm.PageShift
		firstPage = mm.PageFromAddress(regionStartAddr)
	)

	for i := uintptr(0); i < pageCount; i++ {
		if _, err := arena.space.MapZeroed(firstPage+mm.Page(i), mapFlags); err != nil {
			for ; i > 0; i-- {
				_ = arena.space.UnmapAndFree(firstPage + mm.Page(i-1))
			}
			return nil
		}
	}

	atomic.AddUint64(sysStat, uint64(pageCount<<mm.PageShift))
	return unsafe.Pointer(regionStartAddr)
}

// sysFree releases the frames backing a range previously obtained through
// sysAlloc or sysReserve/sysMap. The address range itself is not recycled.
//
// This function replaces runtime.sysFree.
//
//go:redirect-from runtime.sysFree
//go:nosplit
func sysFree(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	if size == 0 {
		return
	}

	var (
		pageCount = mm.RoundUpToPage(size) >> mm.PageShift
		firstPage = mm.PageFromAddress(uintptr(virtAddr))
	)

	for i := uintptr(0); i < pageCount; i++ {
		// Pages that were never touched have no backing frame
		_ = arena.space.UnmapAndFree(firstPage + mm.Page(i))
	}

	atomic.AddUint64(sysStat, ^uint64(pageCount<<mm.PageShift-1))
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    uint64
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysAlloc(0, &stat)
	sysFree(zeroPtr, 0, &stat)
}
