package vmm

import "wasmkernel/kernel"

// Translate returns the physical address that virt maps to in the
// hierarchy rooted at root, together with the flags of the entry that
// terminated the walk. Huge page mappings are resolved. No tables are
// created.
func Translate(root, virt uintptr) (uintptr, PageTableEntryFlag, *kernel.Error) {
	table := root
	for level := pageLevels - 1; level >= 0; level-- {
		pte := readEntry(table, tableIndex(virt, level))
		if !pte.HasFlags(FlagPresent) {
			return 0, 0, ErrInvalidMapping
		}

		if level == 0 || pte.HasFlags(FlagHugePage) {
			pageMask := uintptr(1)<<(12+pageLevelBits*uint(level)) - 1
			return (pte.Address() &^ pageMask) | (virt & pageMask), pte.Flags(), nil
		}

		table = pte.Address()
	}

	return 0, 0, ErrInvalidMapping
}
