package shim

import (
	"go.uber.org/zap"

	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
)

// byteLayout describes a malloc style block: no alignment constraint beyond
// what the allocator always provides.
func byteLayout(size uintptr) heap.Layout {
	return heap.Layout{Size: size, Align: 1}
}

// Malloc allocates size bytes and returns their address, or 0 if the
// allocator is exhausted.
func (s *Shim) Malloc(size uintptr) uintptr {
	s.lock.Acquire()
	defer s.lock.Release()

	layout := byteLayout(size)
	addr, err := s.cfg.Allocator.Alloc(layout)
	if err != nil {
		s.log.Debug("malloc failed", zap.Uintptr("size", size), zap.Error(err))
		return 0
	}

	s.records[addr] = layout
	return addr
}

// Calloc allocates a zeroed array of items elements of size bytes each. It
// returns 0 if the allocator is exhausted or the total size overflows.
func (s *Shim) Calloc(items, size uintptr) uintptr {
	total := items * size
	if size != 0 && total/size != items {
		return 0
	}

	s.lock.Acquire()
	defer s.lock.Release()

	layout := byteLayout(total)
	addr, err := s.cfg.Allocator.AllocZeroed(layout)
	if err != nil {
		s.log.Debug("calloc failed", zap.Uintptr("size", total), zap.Error(err))
		return 0
	}

	s.records[addr] = layout
	return addr
}

// Realloc resizes the block at ptr. A zero ptr allocates a zeroed block.
// On failure it returns 0 and leaves the original block untouched. An
// address that was not returned by the shim is a contract violation and
// panics.
func (s *Shim) Realloc(ptr, size uintptr) uintptr {
	s.lock.Acquire()
	defer s.lock.Release()

	newLayout := byteLayout(size)
	if ptr == 0 {
		addr, err := s.cfg.Allocator.AllocZeroed(newLayout)
		if err != nil {
			return 0
		}
		s.records[addr] = newLayout
		return addr
	}

	layout, ok := s.records[ptr]
	if !ok {
		panic(errUnknownAllocation)
	}

	addr, err := s.cfg.Allocator.Realloc(ptr, layout, size)
	if err != nil {
		s.log.Debug("realloc failed", zap.Uintptr("ptr", ptr), zap.Uintptr("size", size), zap.Error(err))
		return 0
	}

	delete(s.records, ptr)
	s.records[addr] = newLayout
	return addr
}

// Free releases the block at ptr. Freeing 0 is a no-op; freeing an address
// that was not returned by the shim is a contract violation and panics.
func (s *Shim) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	s.lock.Acquire()
	defer s.lock.Release()

	layout, ok := s.records[ptr]
	if !ok {
		panic(errUnknownAllocation)
	}

	delete(s.records, ptr)
	s.cfg.Allocator.Free(ptr, layout)
}

// ErrnoLocation returns the address of the errno cell. The cell is
// allocated on first use and lives as long as the shim.
func (s *Shim) ErrnoLocation() uintptr {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.errnoAddr == 0 {
		addr, err := s.cfg.Allocator.AllocZeroed(heap.Layout{Size: 4, Align: 4})
		if err != nil {
			panic(err)
		}
		s.errnoAddr = addr
	}

	return s.errnoAddr
}

// StackCheckFail is invoked by the guest when it detects stack corruption.
// It never returns.
func (s *Shim) StackCheckFail() {
	panic(errStackCheckFail)
}

// readCString returns the NUL terminated string at addr. Reading stops at
// the first unaddressable byte.
func readCString(mem mm.Memory, addr uintptr) []byte {
	var out []byte
	for ; ; addr++ {
		b, ok := mem.Slice(addr, 1)
		if !ok || b[0] == 0 {
			return out
		}
		out = append(out, b[0])
	}
}
