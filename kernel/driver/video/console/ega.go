package console

import "unsafe"

const (
	clearColor = Black
	clearChar  = byte(' ')

	// EgaPhysAddr is the physical address of the EGA text buffer.
	EgaPhysAddr = uintptr(0xb8000)

	// EgaWidth and EgaHeight are the dimensions of the 80x25 text mode.
	EgaWidth  = 80
	EgaHeight = 25
)

// Ega implements an EGA-compatible text console on top of a framebuffer
// holding one 16-bit cell (attribute in the high byte) per character.
type Ega struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init sets up the console. fbAddr is the virtual address through which the
// framebuffer can be accessed.
func (cons *Ega) Init(width, height uint16, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), int(width)*int(height))
}

// Clear blanks the cells of the rectangle at (x, y), clipped to the screen.
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		clr                  = uint16(MakeAttr(clearColor, clearColor))<<8 | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll shifts the screen contents by lines rows. The rows that are
// uncovered keep their previous contents.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := lines * cons.width

	switch dir {
	case Up:
		copy(cons.fb, cons.fb[offset:])
	case Down:
		copy(cons.fb[offset:], cons.fb[:len(cons.fb)-int(offset)])
	}
}

// Write stores ch with attribute attr at (x, y). Writes outside the
// screen are ignored.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}
