package vmm

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint64

// pageTableEntry is a single entry of a page table at any level.
type pageTableEntry uint64

// HasFlags returns true if all of the given flags are set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// Flags returns every bit of the entry that is not part of the physical
// address.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint64(pte) &^ ptePhysPageMask)
}

// Address returns the physical address stored in the entry.
func (pte pageTableEntry) Address() uintptr {
	return uintptr(uint64(pte) & ptePhysPageMask)
}

// makeEntry builds an entry pointing to phys with the supplied flags.
func makeEntry(phys uintptr, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry((uint64(phys) & ptePhysPageMask) | uint64(flags))
}

// tableIndex returns the index into the table at the given level that
// virt selects: bits [12+9*level, 12+9*(level+1)).
func tableIndex(virt uintptr, level int) uintptr {
	return (virt >> (12 + pageLevelBits*uint(level))) & (entriesPerTable - 1)
}
