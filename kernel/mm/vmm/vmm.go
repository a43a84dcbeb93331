// Package vmm manages the amd64 4-level page tables.
package vmm

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/mm"
)

var (
	// physMem provides access to page table frames. The boot loader
	// identity-maps physical memory so raw access works. Tests replace it
	// with an mm.Buffer.
	physMem mm.Memory = mm.RawMemory{}

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry which will fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrOutOfTables is returned by Map when an intermediate table is
	// missing and no frame can be obtained for it.
	ErrOutOfTables = &kernel.Error{Module: "vmm", Message: "unable to allocate page table"}

	// ErrInvalidMapping is returned by Translate for unmapped addresses.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errUnsupportedPageSize = &kernel.Error{Module: "vmm", Message: "only 4K pages can be mapped"}
)

func readEntry(table uintptr, index uintptr) pageTableEntry {
	v, _ := mm.ReadUint64(physMem, table+index<<mm.PointerShift)
	return pageTableEntry(v)
}

func writeEntry(table uintptr, index uintptr, pte pageTableEntry) {
	mm.WriteUint64(physMem, table+index<<mm.PointerShift, uint64(pte))
}
