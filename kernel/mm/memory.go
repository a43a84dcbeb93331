package mm

import (
	"encoding/binary"
	"unsafe"
)

// Memory provides writable byte views over an address space. Kernel code
// uses RawMemory which addresses memory directly; guest code supplies a
// view bounded by the guest's linear memory.
type Memory interface {
	// Slice returns a view of size bytes starting at addr. Writes through
	// the returned slice update the underlying memory. The bool result is
	// false if the range is not addressable.
	Slice(addr, size uintptr) ([]byte, bool)
}

// RawMemory is the kernel's own address space.
type RawMemory struct{}

// Slice implements Memory. Address 0 is never addressable.
func (RawMemory) Slice(addr, size uintptr) ([]byte, bool) {
	if addr == 0 || addr+size < addr {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), true
}

// Buffer exposes a byte slice as a Memory whose first byte lives at Base.
type Buffer struct {
	Base uintptr
	Data []byte
}

// Slice implements Memory.
func (b *Buffer) Slice(addr, size uintptr) ([]byte, bool) {
	if addr < b.Base || addr+size < addr {
		return nil, false
	}
	off := addr - b.Base
	if off > uintptr(len(b.Data)) || size > uintptr(len(b.Data))-off {
		return nil, false
	}
	return b.Data[off : off+size : off+size], true
}

// ReadUint32 loads a little-endian 32-bit value from addr.
func ReadUint32(m Memory, addr uintptr) (uint32, bool) {
	b, ok := m.Slice(addr, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// WriteUint32 stores v at addr in little-endian order.
func WriteUint32(m Memory, addr uintptr, v uint32) bool {
	b, ok := m.Slice(addr, 4)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

// ReadUint64 loads a little-endian 64-bit value from addr.
func ReadUint64(m Memory, addr uintptr) (uint64, bool) {
	b, ok := m.Slice(addr, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// WriteUint64 stores v at addr in little-endian order.
func WriteUint64(m Memory, addr uintptr, v uint64) bool {
	b, ok := m.Slice(addr, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(b, v)
	return true
}

// Zero clears size bytes starting at addr.
func Zero(m Memory, addr, size uintptr) bool {
	b, ok := m.Slice(addr, size)
	if !ok {
		return false
	}
	for i := range b {
		b[i] = 0
	}
	return true
}
