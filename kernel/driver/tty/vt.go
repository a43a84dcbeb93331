// Package tty implements terminals on top of text mode consoles.
package tty

import (
	"wasmkernel/kernel/driver/video/console"
	"wasmkernel/kernel/sync"
)

const (
	defaultFg = console.LightGrey
	defaultBg = console.Black

	tabWidth = 8

	// Bytes outside the printable ASCII range are rendered as this glyph.
	replacementChar = byte('?')
)

// Vt implements a simple terminal that can process LF, CR and TAB
// characters. The terminal uses a console device for its output.
type Vt struct {
	lock sync.Spinlock
	cons console.Console

	width  uint16
	height uint16

	curX    uint16
	curY    uint16
	curAttr console.Attr
}

// NewVt returns a terminal that writes to cons. The console is cleared and
// the cursor placed at the top left corner.
func NewVt(cons console.Console) *Vt {
	t := &Vt{
		cons:    cons,
		curAttr: console.MakeAttr(defaultFg, defaultBg),
	}
	t.width, t.height = cons.Dimensions()
	t.cons.Clear(0, 0, t.width, t.height)

	return t
}

// Position returns the current cursor position (x, y).
func (t *Vt) Position() (uint16, uint16) {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.curX, t.curY
}

// setPosition sets the current cursor position to (x,y).
func (t *Vt) setPosition(x, y uint16) {
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
		switch {
		case b == '\r':
			t.curX = 0
		case b == '\n':
			t.curX = 0
			t.lf()
		case b == '\t':
			next := (t.curX/tabWidth + 1) * tabWidth
			if next > t.width {
				next = t.width
			}
			for n := next - t.curX; n > 0; n-- {
				t.put(' ')
			}
		case b < 0x20 || b > 0x7e:
			t.put(replacementChar)
		default:
			t.put(b)
		}
	}

	return len(data), nil
}

// put writes ch at the cursor and advances it, wrapping at the end of the
// line.
func (t *Vt) put(ch byte) {
	t.cons.Write(ch, t.curAttr, t.curX, t.curY)
	t.curX++
	if t.curX == t.width {
		t.curX = 0
		t.lf()
	}
}

// lf advances the y coordinate of the terminal cursor by one line scrolling
// the terminal contents if the end of the last terminal line is reached.
func (t *Vt) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}

	t.cons.Scroll(console.Up, 1)
	t.cons.Clear(0, t.height-1, t.width, 1)
}
