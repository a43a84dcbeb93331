package pmm

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/sync"
)

var (
	// physMem provides access to the contents of physical frames. The boot
	// loader identity-maps physical memory so raw access works. Tests
	// replace it with an mm.Buffer.
	physMem mm.Memory = mm.RawMemory{}

	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
)

// FreeList is a physical frame allocator that threads a singly-linked list
// through the free frames themselves: the first word of each free frame
// holds the physical address of the next free frame, or 0 at the tail.
// Frames are handed out in LIFO order.
type FreeList struct {
	lock  sync.Spinlock
	head  uintptr
	count uint64
}

// Reclaim adds every page-aligned frame that lies entirely inside
// [base, base+length) to the list. Regions whose start is not page-aligned
// are rounded up to the next frame boundary.
func (l *FreeList) Reclaim(base, length uint64) {
	end := base + length
	if end < base {
		end = ^uint64(0)
	}

	l.lock.Acquire()
	for addr := (base + mm.PageSize - 1) &^ (mm.PageSize - 1); addr >= base && addr+mm.PageSize <= end; addr += mm.PageSize {
		// Frame 0 doubles as the list terminator.
		if addr == 0 {
			continue
		}
		l.push(uintptr(addr))
	}
	l.lock.Release()
}

// AllocFrame removes the most recently freed frame from the list. It returns
// mm.InvalidFrame and an error when the list is empty.
func (l *FreeList) AllocFrame() (mm.Frame, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.head == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	addr := l.head
	next, _ := mm.ReadUint64(physMem, addr)
	l.head = uintptr(next)
	l.count--

	return mm.FrameFromAddress(addr), nil
}

// FreeFrame returns frame to the list. The caller guarantees that the frame
// is unused and not already on the list.
func (l *FreeList) FreeFrame(frame mm.Frame) {
	l.lock.Acquire()
	l.push(frame.Address())
	l.lock.Release()
}

// FreeCount returns the number of frames on the list.
func (l *FreeList) FreeCount() uint64 {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.count
}

func (l *FreeList) push(addr uintptr) {
	mm.WriteUint64(physMem, addr, uint64(l.head))
	l.head = addr
	l.count++
}
