// Package mm defines the types shared by the kernel's memory management
// packages: physical frames, virtual pages, block sizes and byte-level views
// over memory.
package mm

const (
	// PointerShift is log2(unsafe.Sizeof(uintptr(0))).
	PointerShift = 3

	// PageShift is log2(PageSize). Shifting an address right by PageShift
	// yields its page number.
	PageShift = 12

	// PageSize is the size of a physical frame and of a virtual page.
	PageSize = 1 << PageShift
)

// Size represents a memory block size in bytes.
type Size uintptr

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uintptr {
	return (uintptr(s) + PageSize - 1) >> PageShift
}

// AlignUp rounds addr up to the next multiple of align, which must be a
// power of 2.
func AlignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}

// AlignDown rounds addr down to a multiple of align, which must be a power
// of 2.
func AlignDown(addr, align uintptr) uintptr {
	return addr &^ (align - 1)
}
