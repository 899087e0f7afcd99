// Package kheap implements the kernel heap: a first-fit allocator for
// variable sized kernel objects that lives in a dedicated virtual region of
// the kernel address space. Block headers are stored in-band and are
// validated on every free so corruption is detected instead of propagated.
package kheap

import (
	"io"
	"unsafe"

	"gopherkern/kernel"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/mm/vmm"
	"gopherkern/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when an allocation cannot be served even
	// after growing the heap to its maximum size.
	ErrOutOfMemory = &kernel.Error{Module: "kheap", Message: "out of memory"}

	// ErrInvalidSize is returned for zero-sized allocations and for invalid
	// heap sizes.
	ErrInvalidSize = &kernel.Error{Module: "kheap", Message: "invalid size"}

	errDoubleFree      = &kernel.Error{Module: "kheap", Message: "block is already free"}
	errCorruptedHeader = &kernel.Error{Module: "kheap", Message: "heap block header is corrupted"}
	errInvalidPointer  = &kernel.Error{Module: "kheap", Message: "pointer does not refer to a heap block"}
)

// pageFlags are applied to the pages backing the heap.
const pageFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagGlobal | vmm.FlagNoExecute

// Stats summarizes heap usage. Byte counts include block headers.
type Stats struct {
	// Total is the number of backed bytes and Max is the size the heap
	// may grow to.
	Total, Max mm.Size

	Free, Allocated mm.Size

	Blocks, FreeBlocks int
}

// Heap is a kernel heap instance.
type Heap struct {
	as *vmm.AddressSpace

	// base is the address of the first block and end is the first address
	// past the backed part of the heap. The heap may grow up to limit.
	base, end, limit uintptr

	// freeHead points to the lowest free block; last points to the block
	// that ends at end.
	freeHead uintptr
	last     uintptr
}

// Init backs the first initial bytes of the heap region at base and
// registers the region with the address space. The heap may later grow up
// to maxSize bytes.
func (h *Heap) Init(as *vmm.AddressSpace, base uintptr, initial, maxSize mm.Size) *kernel.Error {
	initial = mm.Size(mm.RoundUpToPage(uintptr(initial)))
	maxSize = mm.Size(mm.RoundDownToPage(uintptr(maxSize)))
	if initial == 0 || initial > maxSize || mm.RoundDownToPage(base) != base {
		return ErrInvalidSize
	}

	*h = Heap{as: as, base: base, end: base, limit: base + uintptr(maxSize)}

	if err := as.AddRegion(vmm.Region{
		Start:  h.base,
		End:    h.limit,
		Kind:   vmm.KernelHeap,
		Policy: vmm.FaultFixed,
		Flags:  pageFlags,
	}); err != nil {
		return err
	}

	state := sync.Enter()
	defer sync.Exit(state)

	if err := h.grow(uintptr(initial)); err != nil {
		_ = as.RemoveRegion(h.base)
		return err
	}

	kfmt.Printf("[kheap] heap at 0x%x: %dK backed, %dK max\n", h.base, uint64(initial/mm.Kb), uint64(maxSize/mm.Kb))
	return nil
}

// Alloc reserves a block with room for at least size bytes and returns the
// address of its payload. Payload addresses are 32-byte aligned. The heap
// grows when no free block is large enough.
func (h *Heap) Alloc(size mm.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	if size > mm.Size(h.limit-h.base) {
		return 0, ErrOutOfMemory
	}

	need := alignUp(uintptr(size) + headerSize)

	state := sync.Enter()
	defer sync.Exit(state)

	block := h.findFit(need)
	if block == 0 {
		if err := h.growFor(need); err != nil {
			return 0, err
		}

		if block = h.findFit(need); block == 0 {
			h.fatal(errCorruptedHeader, h.last)
		}
	}

	hdr := h.header(block)
	if rem := uintptr(hdr.size) - need; rem >= minBlockSize {
		// Split; the remainder takes the place of block in the free list
		split := block + need
		splitHdr := h.header(split)
		*splitHdr = blockHeader{magic: blockMagic, state: blockFree, size: uint64(rem), prevSize: uint64(need)}
		splitHdr.seal()

		h.replaceFree(block, split)
		h.setPrevSize(split)
		if h.last == block {
			h.last = split
		}

		hdr.size = uint64(need)
	} else {
		h.unlinkFree(block)
	}

	hdr.state = blockAllocated
	hdr.seal()

	return block + headerSize, nil
}

// Free releases a block returned by Alloc and merges it with any free
// neighbour. Freeing an address that does not refer to a live block is a
// fatal error.
func (h *Heap) Free(addr uintptr) {
	state := sync.Enter()
	defer sync.Exit(state)

	block := h.validateBlock(addr)
	hdr := h.header(block)

	if next := block + uintptr(hdr.size); next != h.end {
		if nextHdr := h.header(next); nextHdr.state == blockFree {
			// Absorb next; block takes its place in the free list
			h.replaceFree(next, block)
			hdr.size += nextHdr.size
			nextHdr.poison()
			if h.last == next {
				h.last = block
			}
		} else {
			h.insertFree(block)
		}
	} else {
		h.insertFree(block)
	}

	hdr.state = blockFree
	hdr.seal()

	if hdr.prevSize != 0 {
		prev := block - uintptr(hdr.prevSize)
		if prevHdr := h.header(prev); prevHdr.state == blockFree {
			h.unlinkFree(block)
			prevHdr.size += hdr.size
			prevHdr.seal()
			hdr.poison()
			if h.last == block {
				h.last = prev
			}
			block = prev
		}
	}

	h.setPrevSize(block)
}

// validateBlock checks that addr is the payload address of an allocated
// block and returns the block address. Any violation is fatal.
func (h *Heap) validateBlock(addr uintptr) uintptr {
	if addr < h.base+headerSize || addr >= h.end || (addr-h.base)%blockAlign != 0 {
		h.fatal(errInvalidPointer, addr)
	}

	block := addr - headerSize
	hdr := h.header(block)

	switch {
	case hdr.magic == poisonMagic:
		h.fatal(errDoubleFree, addr)
	case hdr.magic != blockMagic:
		h.fatal(errInvalidPointer, addr)
	case hdr.checksum != hdr.computeChecksum():
		h.fatal(errCorruptedHeader, addr)
	case hdr.state == blockFree:
		h.fatal(errDoubleFree, addr)
	case hdr.state != blockAllocated:
		h.fatal(errCorruptedHeader, addr)
	}

	if !h.linkedToNeighbours(block, hdr) {
		h.fatal(errCorruptedHeader, addr)
	}

	return block
}

// linkedToNeighbours checks that the size fields of hdr agree with the
// headers of the adjacent blocks.
func (h *Heap) linkedToNeighbours(block uintptr, hdr *blockHeader) bool {
	size := uintptr(hdr.size)
	if size < minBlockSize || size%blockAlign != 0 || size > h.end-block {
		return false
	}

	if next := block + size; next != h.end {
		if nextHdr := h.header(next); !nextHdr.valid() || nextHdr.prevSize != hdr.size {
			return false
		}
	}

	switch {
	case hdr.prevSize == 0:
		return block == h.base
	case uintptr(hdr.prevSize) > block-h.base:
		return false
	}

	prevHdr := h.header(block - uintptr(hdr.prevSize))
	return prevHdr.valid() && prevHdr.size == hdr.prevSize
}

// findFit returns the lowest free block that can hold need bytes or 0.
func (h *Heap) findFit(need uintptr) uintptr {
	for block := h.freeHead; block != 0; block = h.links(block).next {
		if uintptr(h.header(block).size) >= need {
			return block
		}
	}

	return 0
}

// growFor extends the heap so that its tail can hold a block of need bytes.
func (h *Heap) growFor(need uintptr) *kernel.Error {
	if tail := h.header(h.last); tail.state == blockFree {
		need -= uintptr(tail.size)
	}

	return h.grow(mm.RoundUpToPage(need))
}

// grow maps size more bytes at the end of the heap and adds them to the
// tail block.
func (h *Heap) grow(size uintptr) *kernel.Error {
	if size > h.limit-h.end {
		return ErrOutOfMemory
	}

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		if _, err := h.as.MapZeroed(mm.PageFromAddress(h.end+offset), pageFlags); err != nil {
			for ; offset > 0; offset -= mm.PageSize {
				_ = h.as.UnmapAndFree(mm.PageFromAddress(h.end + offset - mm.PageSize))
			}
			return ErrOutOfMemory
		}
	}

	oldEnd := h.end
	h.end += size

	if h.last != 0 {
		if tail := h.header(h.last); tail.state == blockFree {
			tail.size += uint64(size)
			tail.seal()
			return nil
		}
	}

	hdr := h.header(oldEnd)
	*hdr = blockHeader{magic: blockMagic, state: blockFree, size: uint64(size)}
	if h.last != 0 {
		hdr.prevSize = h.header(h.last).size
	}
	hdr.seal()

	h.insertFree(oldEnd)
	h.last = oldEnd
	return nil
}

// setPrevSize updates the prevSize field of the block following block.
func (h *Heap) setPrevSize(block uintptr) {
	size := h.header(block).size
	if next := block + uintptr(size); next != h.end {
		nextHdr := h.header(next)
		nextHdr.prevSize = size
		nextHdr.seal()
	}
}

// insertFree adds block to the free list keeping it sorted by address.
func (h *Heap) insertFree(block uintptr) {
	var prev uintptr
	next := h.freeHead
	for next != 0 && next < block {
		prev, next = next, h.links(next).next
	}

	h.link(block, prev, next)
}

// replaceFree puts newBlock in the free list position of oldBlock.
func (h *Heap) replaceFree(oldBlock, newBlock uintptr) {
	links := *h.links(oldBlock)
	h.link(newBlock, links.prev, links.next)
}

func (h *Heap) link(block, prev, next uintptr) {
	*h.links(block) = freeLinks{prev: prev, next: next}

	if prev == 0 {
		h.freeHead = block
	} else {
		h.links(prev).next = block
	}

	if next != 0 {
		h.links(next).prev = block
	}
}

func (h *Heap) unlinkFree(block uintptr) {
	links := h.links(block)
	if links.prev == 0 {
		h.freeHead = links.next
	} else {
		h.links(links.prev).next = links.next
	}

	if links.next != 0 {
		h.links(links.next).prev = links.prev
	}
}

// header returns a pointer to the header of the block at addr. Headers never
// cross a page boundary.
func (h *Heap) header(block uintptr) *blockHeader {
	return (*blockHeader)(h.pointer(block))
}

func (h *Heap) links(block uintptr) *freeLinks {
	return (*freeLinks)(h.pointer(block + headerSize))
}

func (h *Heap) pointer(addr uintptr) unsafe.Pointer {
	ptr, err := h.as.Pointer(addr)
	if err != nil {
		h.fatal(err, addr)
	}

	return ptr
}

// Stats walks the heap and reports its usage.
func (h *Heap) Stats() Stats {
	state := sync.Enter()
	defer sync.Exit(state)

	stats := Stats{
		Total: mm.Size(h.end - h.base),
		Max:   mm.Size(h.limit - h.base),
	}

	for block := h.base; block < h.end; {
		hdr := h.header(block)
		stats.Blocks++
		if hdr.state == blockFree {
			stats.FreeBlocks++
			stats.Free += mm.Size(hdr.size)
		} else {
			stats.Allocated += mm.Size(hdr.size)
		}
		block += uintptr(hdr.size)
	}

	return stats
}

// Check verifies that the blocks exactly partition the backed part of the
// heap, that no two free blocks are adjacent and that the free list holds
// every free block in address order. A violation is fatal.
func (h *Heap) Check() {
	state := sync.Enter()
	defer sync.Exit(state)

	var (
		prevFree  bool
		freeCount int
		lastBlock uintptr
		block     = h.base
	)

	for block < h.end {
		hdr := h.header(block)
		if !hdr.valid() || !h.linkedToNeighbours(block, hdr) {
			h.fatal(errCorruptedHeader, block)
		}

		isFree := hdr.state == blockFree
		if isFree {
			if prevFree {
				h.fatal(errCorruptedHeader, block)
			}
			freeCount++
		}

		prevFree = isFree
		lastBlock = block
		block += uintptr(hdr.size)
	}

	if block != h.end || lastBlock != h.last {
		h.fatal(errCorruptedHeader, block)
	}

	var prev uintptr
	for free := h.freeHead; free != 0; free = h.links(free).next {
		if free <= prev || h.header(free).state != blockFree || h.links(free).prev != prev {
			h.fatal(errCorruptedHeader, free)
		}

		prev = free
		freeCount--
	}

	if freeCount != 0 {
		h.fatal(errCorruptedHeader, h.freeHead)
	}
}

// DumpBlocks writes the list of heap blocks to w.
func (h *Heap) DumpBlocks(w io.Writer) {
	state := sync.Enter()
	defer sync.Exit(state)

	for block := h.base; block < h.end; {
		hdr := h.header(block)
		stateName := "used"
		if hdr.state == blockFree {
			stateName = "free"
		}

		kfmt.Fprintf(w, "[0x%16x] %s %10d\n", block, stateName, hdr.size)
		block += uintptr(hdr.size)
	}
}

func (h *Heap) fatal(err *kernel.Error, addr uintptr) {
	kfmt.Printf("[kheap] %s (address: 0x%x)\n", err.Message, addr)
	panic(err)
}
