// Package pmm implements the kernel's physical frame allocator.
package pmm

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
)

// frames is the kernel-wide frame allocator.
var frames FreeList

// Init registers the kernel-wide freelist as the frame source used by the
// vmm and heap packages. The list starts empty; regions are added with
// Reclaim.
func Init() {
	mm.SetFrameAllocator(AllocFrame, FreeFrame)
}

// Reclaim adds the frames of [base, base+length) to the kernel freelist.
func Reclaim(base, length uint64) {
	frames.Reclaim(base, length)
}

// AllocFrame takes a frame from the kernel freelist.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return frames.AllocFrame()
}

// FreeFrame returns a frame to the kernel freelist.
func FreeFrame(frame mm.Frame) {
	frames.FreeFrame(frame)
}

// FreeCount reports the number of frames on the kernel freelist.
func FreeCount() uint64 {
	return frames.FreeCount()
}
