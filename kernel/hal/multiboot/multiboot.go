// Package multiboot reads the information structure that a multiboot2
// compliant boot loader passes to the kernel.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader precedes each tag. size covers the header and the payload but
// not the padding that aligns the next tag to 8 bytes.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader precedes the entries of the memory map tag.
type mmapHeader struct {
	entrySize    uint32
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown is reported as MemReserved.
	memUnknown
)

// String returns a human readable name for the entry type.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a physical memory region.
type MemoryMapEntry struct {
	PhysAddress uint64
	Length      uint64
	Type        MemoryEntryType
}

// MemRegionVisitor is invoked by VisitMemRegions for each memory region.
// It returns false to stop the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

var infoData uintptr

// SetInfoPtr sets the address of the multiboot information structure. It
// must be called before any other function in this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoRegion returns the extent [start, end) of the information structure
// so that it can be kept away from the frame allocator. Physical memory is
// identity mapped so the extent doubles as a physical range.
func InfoRegion() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}

	totalSize := *(*uint32)(unsafe.Pointer(infoData))
	return infoData, infoData + uintptr(totalSize)
}

// VisitMemRegions invokes visitor for each region of the boot loader's
// memory map. Unknown region types are reported as MemReserved. It returns
// false if the boot loader did not supply a memory map.
func VisitMemRegions(visitor MemRegionVisitor) bool {
	curPtr, size := findTagByType(tagMemoryMap)
	if curPtr == 0 {
		return false
	}

	hdr := (*mmapHeader)(unsafe.Pointer(curPtr))
	if hdr.entrySize == 0 {
		return true
	}

	var entry MemoryMapEntry
	endPtr := curPtr + uintptr(size)
	for curPtr += unsafe.Sizeof(*hdr); curPtr+uintptr(hdr.entrySize) <= endPtr; curPtr += uintptr(hdr.entrySize) {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			break
		}
	}

	return true
}

// CmdLine returns the kernel command line, or an empty string if the boot
// loader did not supply one. The returned string aliases the multiboot
// data.
func CmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	if curPtr == 0 || size == 0 {
		return ""
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size)
	n := 0
	for n < len(data) && data[n] != 0 {
		n++
	}

	return unsafe.String(&data[0], n)
}

// CmdLineValue looks up a space separated key=value pair on the kernel
// command line. A bare key yields an empty value.
func CmdLineValue(key string) (string, bool) {
	cmdLine := CmdLine()

	for start := 0; start < len(cmdLine); {
		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' {
			end++
		}

		word := cmdLine[start:end]
		if len(word) >= len(key) && word[:len(key)] == key {
			switch {
			case len(word) == len(key):
				return "", true
			case word[len(key)] == '=':
				return word[len(key)+1:], true
			}
		}

		start = end + 1
	}

	return "", false
}

// findTagByType scans the multiboot info data for a tag of the given type.
// It returns the address of the tag payload and the payload length, or
// (0, 0) if the tag is not present.
func findTagByType(tagType tagType) (uintptr, uint32) {
	if infoData == 0 {
		return 0, 0
	}

	curPtr := infoData + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagMbSectionEnd {
			return 0, 0
		}

		if hdr.tagType == tagType {
			return curPtr + 8, hdr.size - 8
		}

		// Tags start at 8-byte aligned addresses.
		curPtr += uintptr((hdr.size + 7) &^ 7)
	}
}
