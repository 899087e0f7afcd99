package mm

import "unsafe"

// directMapOffset is the virtual address where physical address 0 is mapped.
// Every physical frame can be accessed at directMapOffset + frame.Address()
// without establishing a temporary mapping. It is overridden when the kernel
// runs as a regular process so that "physical" memory is backed by a buffer
// owned by the process.
var directMapOffset = DirectMapBase

// SetDirectMapOffset changes the virtual address used for accessing physical
// memory and returns the previous value.
func SetDirectMapOffset(offset uintptr) uintptr {
	prev := directMapOffset
	directMapOffset = offset
	return prev
}

// PhysToVirt returns the direct-map virtual address for physAddr.
func PhysToVirt(physAddr uintptr) uintptr {
	return directMapOffset + physAddr
}

// FramePointer returns a pointer to the start of frame's contents.
func FramePointer(frame Frame) unsafe.Pointer {
	return unsafe.Pointer(PhysToVirt(frame.Address()))
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, this function uses log2(size) copy calls which should
// give us a speed boost as page addresses are always aligned.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)

	// Set first element and make log2(size) optimized copies
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// ClearFrame zeroes the contents of a physical frame via the direct map.
func ClearFrame(frame Frame) {
	Memset(PhysToVirt(frame.Address()), 0, PageSize)
}
