// Package pmm implements the physical frame allocator. The allocator
// inventories the usable memory ranges reported by the bootloader and hands
// out 4K frames using a lowest-address-first policy.
package pmm

import (
	"math"
	"math/bits"
	"unsafe"

	"gopherkern/kernel"
	"gopherkern/kernel/boot"
	"gopherkern/kernel/kfmt"
	"gopherkern/kernel/mm"
	"gopherkern/kernel/sync"
)

var (
	// ErrOutOfMemory is returned by AllocFrame when no free frames remain.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errNoUsableMemory  = &kernel.Error{Module: "pmm", Message: "no usable memory regions reported by the bootloader"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame does not belong to any memory pool"}
	errFreeReserved    = &kernel.Error{Module: "pmm", Message: "attempt to free a reserved frame"}
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// usedBitmap tracks used/free frames in the pool. A set bit indicates
	// that the frame is either allocated or reserved.
	usedBitmap []uint64

	// reservedBitmap flags frames that were reserved while bootstrapping
	// the allocator and can never be freed.
	reservedBitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint32

	// reservedFrames tracks the number of reserved frames across all pools.
	reservedFrames uint32

	// freeFrames tracks the number of free frames across all pools.
	freeFrames uint32

	// nextFree is a lower bound for the lowest free frame. Allocations
	// start scanning from this frame instead of the start of memory.
	nextFree mm.Frame

	pools []framePool

	bootMem bootMemAllocator
}

// Init sets up the allocator using the memory map and kernel image location
// supplied by the bootloader. A bootMemAllocator is used to reserve frames
// for storing the allocator bitmaps. Once the bitmaps are set up, the frames
// holding them and the frames overlapping the kernel image are flagged as
// reserved.
//
// The frames returned by the boot allocator are accessed through the direct
// physical memory map.
func (alloc *BitmapAllocator) Init(info *boot.Info) *kernel.Error {
	alloc.bootMem.init(info)
	alloc.bootMem.printMemoryMap()

	if err := alloc.setupPoolBitmaps(info); err != nil {
		return err
	}

	alloc.reserveKernelFrames(info)
	alloc.reserveEarlyAllocatorFrames(info)
	alloc.PrintStats()
	return nil
}

// setupPoolBitmaps uses the early allocator to reserve enough frames for
// storing the list of available pools and their bitmaps.
func (alloc *BitmapAllocator) setupPoolBitmaps(info *boot.Info) *kernel.Error {
	var (
		sizeofPool    = unsafe.Sizeof(framePool{})
		poolCount     uintptr
		requiredWords uintptr
	)

	// Detect available memory regions and calculate their pool bitmap
	// requirements.
	info.VisitUsable(func(region boot.MemoryRegion) bool {
		startFrame, endFrame, ok := regionFrames(region)
		if !ok {
			return true
		}

		poolCount++

		// Each bitmap needs one bit per frame rounded up to a multiple
		// of 64 bits; each pool keeps a used and a reserved bitmap.
		requiredWords += 2 * bitmapWords(startFrame, endFrame)
		return true
	})

	if poolCount == 0 {
		return errNoUsableMemory
	}

	requiredBytes := poolCount*sizeofPool + requiredWords<<3
	requiredPages := mm.Size(requiredBytes).Pages()

	// The allocator state is accessed as a contiguous block through the
	// direct map so we need a run of consecutive frames.
	var firstFrame, prevFrame mm.Frame
	for run := uintptr(0); run < requiredPages; run++ {
		frame, err := alloc.bootMem.AllocFrame()
		if err != nil {
			return err
		}

		if run != 0 && frame != prevFrame+1 {
			run = 0
		}
		if run == 0 {
			firstFrame = frame
		}

		prevFrame = frame
		mm.ClearFrame(frame)
	}

	stateAddr := mm.PhysToVirt(firstFrame.Address())
	alloc.pools = unsafe.Slice((*framePool)(unsafe.Pointer(stateAddr)), poolCount)
	alloc.totalFrames, alloc.freeFrames, alloc.reservedFrames = 0, 0, 0
	alloc.nextFree = 0

	// Run a second pass to initialize the bitmap slices for all pools
	bitmapAddr := stateAddr + poolCount*sizeofPool
	poolIndex := 0
	info.VisitUsable(func(region boot.MemoryRegion) bool {
		startFrame, endFrame, ok := regionFrames(region)
		if !ok {
			return true
		}

		words := bitmapWords(startFrame, endFrame)
		frameCount := uint32(endFrame - startFrame + 1)

		pool := &alloc.pools[poolIndex]
		pool.startFrame = startFrame
		pool.endFrame = endFrame
		pool.freeCount = frameCount
		pool.usedBitmap = unsafe.Slice((*uint64)(unsafe.Pointer(bitmapAddr)), words)
		pool.reservedBitmap = unsafe.Slice((*uint64)(unsafe.Pointer(bitmapAddr+words<<3)), words)

		// Bits past the end of the pool are permanently flagged as used
		// so the scanner never selects them.
		if tail := uint64(frameCount) & 63; tail != 0 {
			pool.usedBitmap[words-1] = math.MaxUint64 << tail
		}

		alloc.totalFrames += frameCount
		alloc.freeFrames += frameCount

		bitmapAddr += 2 * words << 3
		poolIndex++
		return true
	})

	// AllocFrame scans the pools in order so they must be sorted by
	// address even if the memory map is not. The heap is not available
	// yet so sort in place.
	for i := 1; i < len(alloc.pools); i++ {
		for j := i; j > 0 && alloc.pools[j].startFrame < alloc.pools[j-1].startFrame; j-- {
			alloc.pools[j], alloc.pools[j-1] = alloc.pools[j-1], alloc.pools[j]
		}
	}

	return nil
}

// reserveKernelFrames flags the frames overlapping the kernel image as
// reserved.
func (alloc *BitmapAllocator) reserveKernelFrames(info *boot.Info) {
	if info.KernelEnd <= info.KernelStart {
		return
	}

	lastFrame := mm.FrameFromAddress(info.KernelEnd - 1)
	for frame := mm.FrameFromAddress(info.KernelStart); frame <= lastFrame; frame++ {
		alloc.markReserved(frame)
	}
}

// reserveEarlyAllocatorFrames replays the allocations performed by the boot
// memory allocator and flags every frame it handed out as reserved.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames(info *boot.Info) {
	var replay bootMemAllocator
	replay.init(info)

	for i := uint64(0); i < alloc.bootMem.allocCount; i++ {
		frame, err := replay.AllocFrame()
		if err != nil {
			return
		}
		alloc.markReserved(frame)
	}
}

// markReserved flags frame as permanently reserved. Frames that do not
// belong to a pool are ignored.
func (alloc *BitmapAllocator) markReserved(frame mm.Frame) {
	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return
	}

	block, mask := bitPosition(pool, frame)
	if pool.reservedBitmap[block]&mask != 0 {
		return
	}

	pool.reservedBitmap[block] |= mask
	alloc.reservedFrames++

	if pool.usedBitmap[block]&mask == 0 {
		pool.usedBitmap[block] |= mask
		pool.freeCount--
		alloc.freeFrames--
	}
}

// poolForFrame returns the pool that contains frame or nil if the frame does
// not belong to any pool.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) *framePool {
	for poolIndex := range alloc.pools {
		if frame >= alloc.pools[poolIndex].startFrame && frame <= alloc.pools[poolIndex].endFrame {
			return &alloc.pools[poolIndex]
		}
	}

	return nil
}

// AllocFrame reserves the lowest-addressed free frame and returns it. If no
// free frames remain, AllocFrame returns ErrOutOfMemory.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	state := sync.Enter()
	defer sync.Exit(state)

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 || pool.endFrame < alloc.nextFree {
			continue
		}

		// Frames below the hint are known to be in use
		var startBit uint64
		if alloc.nextFree > pool.startFrame {
			startBit = uint64(alloc.nextFree - pool.startFrame)
		}

		for block := startBit >> 6; block < uint64(len(pool.usedBitmap)); block++ {
			word := pool.usedBitmap[block]
			if block == startBit>>6 {
				word |= (uint64(1) << (startBit & 63)) - 1
			}

			if word == math.MaxUint64 {
				continue
			}

			bit := uint64(bits.TrailingZeros64(^word))
			pool.usedBitmap[block] |= uint64(1) << bit
			pool.freeCount--
			alloc.freeFrames--

			frame := pool.startFrame + mm.Frame(block<<6+bit)
			alloc.nextFree = frame + 1
			return frame, nil
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame. Releasing a
// frame that is already free, a reserved frame or a frame that is not
// managed by the allocator indicates a corrupted kernel state and causes a
// kernel panic.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	state := sync.Enter()
	defer sync.Exit(state)

	pool := alloc.poolForFrame(frame)
	if pool == nil {
		alloc.fatal(frame, errFrameOutOfRange)
	}

	block, mask := bitPosition(pool, frame)
	switch {
	case pool.reservedBitmap[block]&mask != 0:
		alloc.fatal(frame, errFreeReserved)
	case pool.usedBitmap[block]&mask == 0:
		alloc.fatal(frame, errDoubleFree)
	}

	pool.usedBitmap[block] &^= mask
	pool.freeCount++
	alloc.freeFrames++

	if frame < alloc.nextFree {
		alloc.nextFree = frame
	}
}

func (alloc *BitmapAllocator) fatal(frame mm.Frame, err *kernel.Error) {
	kfmt.Printf("[pmm] unable to free frame 0x%x (phys address 0x%16x)\n", uintptr(frame), frame.Address())
	alloc.PrintStats()
	panic(err)
}

// IsAllocated returns true if frame is managed by the allocator and is
// either allocated or reserved.
func (alloc *BitmapAllocator) IsAllocated(frame mm.Frame) bool {
	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return false
	}

	block, mask := bitPosition(pool, frame)
	return pool.usedBitmap[block]&mask != 0
}

// IsReserved returns true if frame was permanently reserved during boot.
func (alloc *BitmapAllocator) IsReserved(frame mm.Frame) bool {
	pool := alloc.poolForFrame(frame)
	if pool == nil {
		return false
	}

	block, mask := bitPosition(pool, frame)
	return pool.reservedBitmap[block]&mask != 0
}

// TotalFrameCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrameCount() uint32 { return alloc.totalFrames }

// FreeFrameCount returns the number of frames available for allocation.
func (alloc *BitmapAllocator) FreeFrameCount() uint32 { return alloc.freeFrames }

// ReservedFrameCount returns the number of frames permanently reserved for
// the kernel image and the allocator state.
func (alloc *BitmapAllocator) ReservedFrameCount() uint32 { return alloc.reservedFrames }

// AllocatedFrameCount returns the number of frames handed out by AllocFrame
// that have not been freed yet.
func (alloc *BitmapAllocator) AllocatedFrameCount() uint32 {
	return alloc.totalFrames - alloc.freeFrames - alloc.reservedFrames
}

// PrintStats outputs the allocator frame counters.
func (alloc *BitmapAllocator) PrintStats() {
	kfmt.Printf(
		"[pmm] page stats: free: %d/%d (%d reserved, %d allocated)\n",
		alloc.freeFrames, alloc.totalFrames, alloc.reservedFrames, alloc.AllocatedFrameCount(),
	)
}

// bitmapWords returns the number of uint64 words needed to track the frames
// in [startFrame, endFrame].
func bitmapWords(startFrame, endFrame mm.Frame) uintptr {
	return (uintptr(endFrame-startFrame) + 1 + 63) >> 6
}

// bitPosition returns the bitmap word index and bit mask for frame.
func bitPosition(pool *framePool, frame mm.Frame) (uint64, uint64) {
	relFrame := uint64(frame - pool.startFrame)
	return relFrame >> 6, uint64(1) << (relFrame & 63)
}
