package heap

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/sync"
)

const (
	// granule is the allocation unit and the minimum block size. A free
	// block must be able to hold a holeHeader.
	granule = 16

	holeSizeOffset = 0
	holeNextOffset = 8
)

// ErrOutOfMemory is returned when no free block can satisfy a request.
var ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of memory"}

// Arena is a first-fit allocator over a contiguous window of a mm.Memory.
// Free blocks (holes) form a singly-linked list kept in address order. Each
// hole stores its size and the address of the next hole in its first 16
// bytes. Adjacent holes are merged when blocks are freed.
type Arena struct {
	lock sync.Spinlock
	mem  mm.Memory

	start, end uintptr

	// head is the address of the first hole or 0 if the arena is full.
	head uintptr
	used uintptr
}

// NewArena creates an Arena managing [start, start+size) in mem. The range
// is trimmed to granule boundaries. start must not be 0.
func NewArena(mem mm.Memory, start, size uintptr) *Arena {
	a := &Arena{
		mem:   mem,
		start: mm.AlignUp(start, granule),
		end:   mm.AlignDown(start+size, granule),
	}

	if a.end > a.start {
		a.writeHole(a.start, a.end-a.start, 0)
		a.head = a.start
	} else {
		a.end = a.start
	}

	return a
}

// Alloc implements Allocator.
func (a *Arena) Alloc(layout Layout) (uintptr, *kernel.Error) {
	if !layout.valid() {
		return 0, errInvalidLayout
	}

	size, align := blockSize(layout), layout.Align
	if align < granule {
		align = granule
	}

	a.lock.Acquire()
	defer a.lock.Release()

	var prev uintptr
	for hole := a.head; hole != 0; prev, hole = hole, a.holeNext(hole) {
		holeSize := a.holeSize(hole)
		holeEnd := hole + holeSize

		// Both hole and addr are granule aligned so any gap in front of
		// the block is large enough to remain a hole.
		addr := mm.AlignUp(hole, align)
		if addr < hole || addr+size < addr || addr+size > holeEnd {
			continue
		}

		next := a.holeNext(hole)
		if tail := addr + size; tail < holeEnd {
			a.writeHole(tail, holeEnd-tail, next)
			next = tail
		}

		if addr > hole {
			a.writeHole(hole, addr-hole, next)
		} else {
			a.link(prev, next)
		}

		a.used += size
		return addr, nil
	}

	return 0, ErrOutOfMemory
}

// AllocZeroed implements Allocator.
func (a *Arena) AllocZeroed(layout Layout) (uintptr, *kernel.Error) {
	addr, err := a.Alloc(layout)
	if err != nil {
		return 0, err
	}

	mm.Zero(a.mem, addr, blockSize(layout))
	return addr, nil
}

// Realloc implements Allocator.
func (a *Arena) Realloc(addr uintptr, layout Layout, newSize uintptr) (uintptr, *kernel.Error) {
	newLayout := Layout{Size: newSize, Align: layout.Align}
	if blockSize(newLayout) == blockSize(layout) {
		return addr, nil
	}

	newAddr, err := a.Alloc(newLayout)
	if err != nil {
		return 0, err
	}

	keep := layout.Size
	if newSize < keep {
		keep = newSize
	}

	if keep != 0 {
		src, _ := a.mem.Slice(addr, keep)
		dst, _ := a.mem.Slice(newAddr, keep)
		copy(dst, src)
	}

	a.Free(addr, layout)
	return newAddr, nil
}

// Free implements Allocator.
func (a *Arena) Free(addr uintptr, layout Layout) {
	size := blockSize(layout)

	a.lock.Acquire()
	defer a.lock.Release()

	var prev uintptr
	next := a.head
	for next != 0 && next < addr {
		prev, next = next, a.holeNext(next)
	}

	// Merge with the following hole.
	if next != 0 && addr+size == next {
		size += a.holeSize(next)
		next = a.holeNext(next)
	}

	// Merge with the preceding hole.
	if prev != 0 && prev+a.holeSize(prev) == addr {
		a.writeHole(prev, a.holeSize(prev)+size, next)
	} else {
		a.writeHole(addr, size, next)
		a.link(prev, addr)
	}

	a.used -= blockSize(layout)
}

// UsedBytes returns the number of bytes handed out by the arena.
func (a *Arena) UsedBytes() uintptr {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.used
}

// FreeBytes returns the number of bytes available for allocation.
func (a *Arena) FreeBytes() uintptr {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.end - a.start - a.used
}

// blockSize rounds the layout size up to the allocation granule.
func blockSize(layout Layout) uintptr {
	if layout.Size == 0 {
		return granule
	}
	return mm.AlignUp(layout.Size, granule)
}

// link points prev (or the list head if prev is 0) at next.
func (a *Arena) link(prev, next uintptr) {
	if prev == 0 {
		a.head = next
		return
	}
	mm.WriteUint64(a.mem, prev+holeNextOffset, uint64(next))
}

func (a *Arena) writeHole(addr, size, next uintptr) {
	mm.WriteUint64(a.mem, addr+holeSizeOffset, uint64(size))
	mm.WriteUint64(a.mem, addr+holeNextOffset, uint64(next))
}

func (a *Arena) holeSize(addr uintptr) uintptr {
	v, _ := mm.ReadUint64(a.mem, addr+holeSizeOffset)
	return uintptr(v)
}

func (a *Arena) holeNext(addr uintptr) uintptr {
	v, _ := mm.ReadUint64(a.mem, addr+holeNextOffset)
	return uintptr(v)
}
