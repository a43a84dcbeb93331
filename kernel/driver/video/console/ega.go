package console

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
)

// Location and geometry of the text buffer set up by the firmware.
const (
	FramebufferAddr = 0xb8000
	DefaultWidth    = 80
	DefaultHeight   = 25
)

const (
	clearColor = Black
	clearChar  = byte(' ')
)

var errNoFramebuffer = &kernel.Error{Module: "console", Message: "framebuffer is not addressable"}

// Ega implements an EGA-compatible text console on top of a memory mapped
// framebuffer. Each cell is a character byte followed by an attribute byte.
type Ega struct {
	width  uint16
	height uint16

	fb []byte
}

// NewEga returns a console backed by the width x height cell framebuffer at
// fbAddr in mem.
func NewEga(mem mm.Memory, fbAddr uintptr, width, height uint16) (*Ega, *kernel.Error) {
	fb, ok := mem.Slice(fbAddr, uintptr(width)*uintptr(height)*2)
	if !ok {
		return nil, errNoFramebuffer
	}

	return &Ega{width: width, height: height, fb: fb}, nil
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	// clip rectangle
	if x >= cons.width || y >= cons.height {
		return
	}
	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	attr := MakeAttr(clearColor, clearColor)
	for row := y; row < y+height; row++ {
		for col := x; col < x+width; col++ {
			cons.put(col, row, clearChar, attr)
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction. The
// vacated lines keep their previous contents.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	offset := int(lines) * int(cons.width) * 2
	switch dir {
	case Up:
		copy(cons.fb, cons.fb[offset:])
	case Down:
		copy(cons.fb[offset:], cons.fb)
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}
	cons.put(x, y, ch, attr)
}

func (cons *Ega) put(x, y uint16, ch byte, attr Attr) {
	offset := (int(y)*int(cons.width) + int(x)) * 2
	cons.fb[offset] = ch
	cons.fb[offset+1] = byte(attr)
}
