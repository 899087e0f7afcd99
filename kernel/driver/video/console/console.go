// Package console drives the text-mode screen that the kernel prints its
// diagnostics to.
package console

// Color is an entry of the 16-color text-mode palette.
type Color uint8

// Palette entries in hardware order.
const (
	Black Color = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// Attr is the attribute byte stored next to each character cell. The
// background color occupies the high nibble.
type Attr uint8

// MakeAttr packs a foreground and a background color into an Attr.
func MakeAttr(fg, bg Color) Attr {
	return Attr(bg&0xf)<<4 | Attr(fg&0xf)
}

// ScrollDir selects the direction in which Scroll moves the screen rows.
type ScrollDir uint8

const (
	// Up moves every row towards the top of the screen.
	Up ScrollDir = iota

	// Down moves every row towards the bottom of the screen.
	Down
)

// Device is a character-cell display addressed by column and row.
type Device interface {
	Dimensions() (width, height uint16)
	Clear(x, y, width, height uint16)
	Scroll(dir ScrollDir, lines uint16)
	Write(ch byte, attr Attr, x, y uint16)
}
