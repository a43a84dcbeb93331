package heap

import "wasmkernel/kernel"

// Layout describes the size and alignment of a memory block. Align must be
// a non-zero power of 2; allocators reject other layouts.
type Layout struct {
	Size  uintptr
	Align uintptr
}

var errInvalidLayout = &kernel.Error{Module: "heap", Message: "layout alignment must be a non-zero power of 2"}

func (l Layout) valid() bool {
	return l.Align != 0 && l.Align&(l.Align-1) == 0
}

// Allocator is implemented by memory allocators that hand out blocks
// described by a Layout. A block must be freed with the layout it was
// allocated with.
type Allocator interface {
	// Alloc reserves a block. Its contents are undefined.
	Alloc(layout Layout) (uintptr, *kernel.Error)

	// AllocZeroed reserves a zero-filled block.
	AllocZeroed(layout Layout) (uintptr, *kernel.Error)

	// Realloc resizes the block at addr, moving it if needed. The first
	// min(layout.Size, newSize) bytes are preserved. On failure the original
	// block is left intact.
	Realloc(addr uintptr, layout Layout, newSize uintptr) (uintptr, *kernel.Error)

	// Free releases the block at addr.
	Free(addr uintptr, layout Layout)
}

var defaultAllocator Allocator

// SetDefault installs a as the kernel-wide allocator.
func SetDefault(a Allocator) {
	defaultAllocator = a
}

// Default returns the kernel-wide allocator installed by Init.
func Default() Allocator {
	return defaultAllocator
}
