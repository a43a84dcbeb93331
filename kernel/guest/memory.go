package guest

import (
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
)

const (
	// wasmPageSize is the size of a WebAssembly linear memory page.
	wasmPageSize = 1 << 16

	// linearMemoryAlign is the alignment of the kernel heap blocks that
	// back linear memories.
	linearMemoryAlign = 16
)

var errNoGuestMemory = &kernel.Error{Module: "guest", Message: "guest module does not export a linear memory"}

// linearMemory is an mm.Memory over the linear memory of the module that
// issued the current host call. Addresses are guest offsets.
type linearMemory struct {
	mem api.Memory
}

// bind switches the view to mem. Host functions call it on entry since the
// caller's memory is only known at call time.
func (m *linearMemory) bind(mem api.Memory) {
	m.mem = mem
}

// Slice implements mm.Memory. The returned view is invalidated when the
// memory grows.
func (m *linearMemory) Slice(addr, size uintptr) ([]byte, bool) {
	if m.mem == nil || addr > 0xffffffff || size > 0xffffffff {
		return nil, false
	}
	return m.mem.Read(uint32(addr), uint32(size))
}

// lazyArena is a heap.Allocator whose window is carved out of the guest
// memory on first use by growing it by a fixed number of pages. The window
// lies past everything the guest had when it started allocating, so it
// never overlaps the guest's static data or stack.
type lazyArena struct {
	mem   *linearMemory
	pages uint32
	arena *heap.Arena
}

func (a *lazyArena) get() (*heap.Arena, *kernel.Error) {
	if a.arena != nil {
		return a.arena, nil
	}
	if a.mem.mem == nil {
		return nil, errNoGuestMemory
	}

	prev, ok := a.mem.mem.Grow(a.pages)
	if !ok {
		return nil, heap.ErrOutOfMemory
	}

	start := uintptr(prev) * wasmPageSize
	size := uintptr(a.pages) * wasmPageSize

	// Offset 0 doubles as the NULL pointer.
	if start == 0 && size > 16 {
		start, size = 16, size-16
	}

	a.arena = heap.NewArena(a.mem, start, size)
	return a.arena, nil
}

func (a *lazyArena) Alloc(layout heap.Layout) (uintptr, *kernel.Error) {
	arena, err := a.get()
	if err != nil {
		return 0, err
	}
	return arena.Alloc(layout)
}

func (a *lazyArena) AllocZeroed(layout heap.Layout) (uintptr, *kernel.Error) {
	arena, err := a.get()
	if err != nil {
		return 0, err
	}
	return arena.AllocZeroed(layout)
}

func (a *lazyArena) Realloc(addr uintptr, layout heap.Layout, newSize uintptr) (uintptr, *kernel.Error) {
	arena, err := a.get()
	if err != nil {
		return 0, err
	}
	return arena.Realloc(addr, layout, newSize)
}

// Free releases a block. Blocks only exist once the window was created.
func (a *lazyArena) Free(addr uintptr, layout heap.Layout) {
	if a.arena != nil {
		a.arena.Free(addr, layout)
	}
}

// UsedBytes returns the number of bytes handed out to the guest.
func (a *lazyArena) UsedBytes() uintptr {
	if a.arena == nil {
		return 0
	}
	return a.arena.UsedBytes()
}

// heapAllocator is an experimental.MemoryAllocator that places guest linear
// memories in kernel heap blocks. mem must be the address space the
// allocator's blocks live in.
type heapAllocator struct {
	heap heap.Allocator
	mem  mm.Memory
}

// Allocate implements experimental.MemoryAllocator. Blocks are sized on
// demand so cap and max are ignored.
func (a heapAllocator) Allocate(_, _ uint64) experimental.LinearMemory {
	return &heapLinearMemory{heap: a.heap, mem: a.mem}
}

// heapLinearMemory is a linear memory stored in a single heap block that is
// moved when the memory grows.
type heapLinearMemory struct {
	heap heap.Allocator
	mem  mm.Memory

	addr uintptr
	size uintptr
}

func (m *heapLinearMemory) layout() heap.Layout {
	return heap.Layout{Size: m.size, Align: linearMemoryAlign}
}

// Reallocate implements experimental.LinearMemory. Bytes past the previous
// size are zeroed. It returns nil if the heap cannot hold size bytes.
func (m *heapLinearMemory) Reallocate(size uint64) []byte {
	if size == 0 && m.addr == 0 {
		return []byte{}
	}

	var (
		newSize = uintptr(size)
		addr    uintptr
		err     *kernel.Error
	)

	if m.addr == 0 {
		addr, err = m.heap.AllocZeroed(heap.Layout{Size: newSize, Align: linearMemoryAlign})
	} else {
		addr, err = m.heap.Realloc(m.addr, m.layout(), newSize)
		if err == nil && newSize > m.size {
			mm.Zero(m.mem, addr+m.size, newSize-m.size)
		}
	}
	if err != nil {
		return nil
	}
	m.addr, m.size = addr, newSize

	buf, ok := m.mem.Slice(addr, newSize)
	if !ok {
		return nil
	}
	return buf
}

// Free implements experimental.LinearMemory.
func (m *heapLinearMemory) Free() {
	if m.addr == 0 {
		return
	}
	m.heap.Free(m.addr, m.layout())
	m.addr, m.size = 0, 0
}
