// Package mm defines the types shared by the physical and virtual memory
// managers and provides access to physical memory through the kernel's
// direct map.
package mm

import "math"

// Frame is the index of a physical page.
type Frame uintptr

// InvalidFrame is the frame returned alongside an error by allocation and
// translation calls.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f refers to a frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of f.
func (f Frame) Address() uintptr {
	return uintptr(f) << PageShift
}

// FrameFromAddress returns the frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// Page is the index of a virtual page.
type Page uintptr

// Address returns the virtual address of the first byte of p.
func (p Page) Address() uintptr {
	return uintptr(p) << PageShift
}

// PageFromAddress returns the page containing virtAddr.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> PageShift)
}

// IsKernelAddress reports whether virtAddr lies in the kernel half, which
// every address space shares.
func IsKernelAddress(virtAddr uintptr) bool {
	return virtAddr >= KernelSpaceStart
}

// IsUserAddress reports whether virtAddr lies in the task-private half.
func IsUserAddress(virtAddr uintptr) bool {
	return virtAddr < UserSpaceEnd
}
