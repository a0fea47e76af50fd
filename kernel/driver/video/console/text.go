// Package console drives the memory mapped VGA text buffer.
package console

import (
	"reflect"
	"unsafe"
)

// Attr defines a color attribute.
type Attr uint16

// The set of colors that can be combined into an Attr.
const (
	Black Attr = iota
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

const (
	// TextBufferAddr is the physical address of the VGA text buffer. It is
	// identity mapped by the kernel page tables.
	TextBufferAddr = uintptr(0xb8000)

	// TextWidth and TextHeight are the dimensions of VGA text mode 3.
	TextWidth  = uint16(80)
	TextHeight = uint16(25)

	clearColor = Black
	clearChar  = byte(' ')
)

// Text is a console backed by a text mode frame buffer where each cell holds a
// character in its low byte and a color attribute in its high byte.
type Text struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init attaches the console to the width x height frame buffer at fbAddr.
func (cons *Text) Init(width, height uint16, fbAddr uintptr) {
	cons.width, cons.height = width, height

	cells := int(width) * int(height)
	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  cells,
		Cap:  cells,
		Data: fbAddr,
	}))
}

// Dimensions returns the console width and height in characters.
func (cons *Text) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Clear blanks the cells of the given rectangle. The rectangle is clipped to
// the console dimensions.
func (cons *Text) Clear(x, y, width, height uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}
	if width > cons.width-x {
		width = cons.width - x
	}
	if height > cons.height-y {
		height = cons.height - y
	}

	blank := (uint16(clearColor) << 8) | uint16(clearChar)
	for row := y; row < y+height; row++ {
		line := cons.fb[int(row)*int(cons.width):]
		for col := x; col < x+width; col++ {
			line[col] = blank
		}
	}
}

// ScrollUp moves the console contents up by lines rows. The rows at the
// bottom keep their previous contents.
func (cons *Text) ScrollUp(lines uint16) {
	if lines == 0 || lines >= cons.height {
		return
	}

	offset := int(lines) * int(cons.width)
	copy(cons.fb, cons.fb[offset:])
}

// Write places ch with the given attribute at (x, y). Writes outside the
// console are ignored.
func (cons *Text) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[int(y)*int(cons.width)+int(x)] = (uint16(attr) << 8) | uint16(ch)
}
