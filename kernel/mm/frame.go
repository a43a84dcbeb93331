package mm

import (
	"math"

	"wasmkernel/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by frame allocators when they cannot satisfy a
// request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte in this frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing physAddr.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn returns a frame to the allocator that produced it.
type FrameReleaserFn func(Frame)

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the functions used by the vmm and heap code
// to obtain and return physical frames.
func SetFrameAllocator(allocFn FrameAllocatorFn, releaseFn FrameReleaserFn) {
	frameAllocator = allocFn
	frameReleaser = releaseFn
}

// AllocFrame allocates a physical frame using the registered allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// ReleaseFrame hands f back to the registered allocator. It is a no-op if
// no releaser is registered.
func ReleaseFrame(f Frame) {
	if frameReleaser != nil {
		frameReleaser(f)
	}
}
