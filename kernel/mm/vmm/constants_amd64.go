package vmm

const (
	// pageLevels is the number of paging levels used by the amd64 MMU
	// (PML4, PDPT, PD, PT).
	pageLevels = 4

	// pageLevelBits is the number of virtual address bits consumed by each
	// paging level.
	pageLevelBits = 9

	// entriesPerTable is the number of entries in a table at any level.
	entriesPerTable = 1 << pageLevelBits

	// ptePhysPageMask extracts the physical address stored in bits 12-51 of
	// a page table entry.
	ptePhysPageMask = uint64(0x000ffffffffff000)
)

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if ring 3 code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on a PDPT or PD entry that maps a 1G or 2M page
	// instead of pointing to a lower level table.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// when CR3 is reloaded.
	FlagGlobal

	// FlagNoExecute marks the page contents as non-executable.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// tableLinkFlags are applied to entries that point to a lower level table.
const tableLinkFlags = FlagPresent | FlagRW | FlagUserAccessible
