package vmm

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
)

// Map installs a translation from the virtual page at virt to the physical
// frame at phys in the hierarchy rooted at the table at physical address
// root. Missing intermediate tables are created on demand.
//
// Only 4K pages are supported; any other size panics. When a table frame
// cannot be obtained the leaf is left untouched and ErrOutOfTables is
// returned. Tables created before the failure stay linked.
func Map(root, virt, phys uintptr, flags PageTableEntryFlag, size mm.Size) *kernel.Error {
	if size != mm.PageSize {
		panic(errUnsupportedPageSize)
	}

	table := root
	for level := pageLevels - 1; level > 0; level-- {
		if table = walkOrCreate(table, virt, level); table == 0 {
			return ErrOutOfTables
		}
	}

	writeEntry(table, tableIndex(virt, 0), makeEntry(phys, flags))
	flushTLBEntryFn(virt)
	return nil
}

// walkOrCreate returns the physical address of the table that the entry
// selected by virt at the given level points to. If the entry is not
// present a zero-filled frame is allocated and linked in with
// FlagPresent|FlagRW|FlagUserAccessible. It returns 0 if no frame is
// available or if the entry maps a huge page.
func walkOrCreate(table, virt uintptr, level int) uintptr {
	index := tableIndex(virt, level)
	pte := readEntry(table, index)

	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHugePage) {
			return 0
		}
		return pte.Address()
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return 0
	}

	next := frame.Address()
	mm.Zero(physMem, next, mm.PageSize)
	writeEntry(table, index, makeEntry(next, tableLinkFlags))
	return next
}
