// Package tty implements a terminal on top of a text console that kfmt can
// use as its output sink.
package tty

import (
	"vmkernel/kernel/driver/video/console"
	"vmkernel/kernel/sync"
)

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black
	tabWidth  = 4
)

// Vt is a terminal that understands CR, LF, TAB and BS and scrolls once the
// cursor moves past the last line.
type Vt struct {
	lock sync.Spinlock

	// A concrete type is used as interface method calls need the Go
	// allocator which is not available during early boot.
	cons *console.Text

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// AttachTo links the terminal with the specified console and resets the
// cursor to the top-left corner.
func (t *Vt) AttachTo(cons *console.Text) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.curX, t.curY = 0, 0
	t.curAttr = (defaultBg << 4) | (defaultFg & 0xF)
}

// Clear clears the terminal.
func (t *Vt) Clear() {
	t.lock.Acquire()
	defer t.lock.Release()

	t.cons.Clear(0, 0, t.width, t.height)
	t.curX, t.curY = 0, 0
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.curX, t.curY
}

// SetPosition moves the cursor to (x, y), clipped to the terminal area.
func (t *Vt) SetPosition(x, y uint16) {
	t.lock.Acquire()
	defer t.lock.Release()

	if x >= t.width {
		x = t.width - 1
	}
	if y >= t.height {
		y = t.height - 1
	}

	t.curX, t.curY = x, y
}

// Write implements io.Writer.
func (t *Vt) Write(data []byte) (int, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for _, b := range data {
		switch b {
		case '\r':
			t.curX = 0
		case '\n':
			t.curX = 0
			t.lf()
		case '\b':
			if t.curX > 0 {
				t.curX--
			}
		case '\t':
			for pad := tabWidth - t.curX%tabWidth; pad > 0; pad-- {
				t.put(' ')
			}
		default:
			t.put(b)
		}
	}

	return len(data), nil
}

// put writes b at the cursor and advances it, wrapping to the next line.
func (t *Vt) put(b byte) {
	t.cons.Write(b, t.curAttr, t.curX, t.curY)
	if t.curX++; t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf advances the cursor by one line scrolling the terminal contents if the
// cursor is already on the last line.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.ScrollUp(1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
