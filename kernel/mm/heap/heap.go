// Package heap bootstraps the kernel heap from the boot loader's memory map
// and provides the allocator that serves it.
package heap

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/hal/multiboot"
	"wasmkernel/kernel/kfmt"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/pmm"
	"wasmkernel/kernel/mm/vmm"
)

// Base is the virtual address of the heap window: the first address covered
// by PML4 slot 320.
const Base = uintptr(0xffffa00000000000)

var (
	// The following are mocked by tests.
	visitMemRegionsFn           = multiboot.VisitMemRegions
	infoRegionFn                = multiboot.InfoRegion
	pmmInitFn                   = pmm.Init
	reclaimFn                   = pmm.Reclaim
	mapFn                       = vmm.Map
	activePDTFn                 = cpu.ActivePDT
	arenaMem          mm.Memory = mm.RawMemory{}

	heapPrefix = []byte("[heap] ")

	errNoMemoryMap = &kernel.Error{Module: "heap", Message: "boot loader did not provide a memory map"}
	errNoHeap      = &kernel.Error{Module: "heap", Message: "no memory could be mapped for the heap"}
)

// span is a physical address range [start, end).
type span struct {
	start, end uint64
}

// Init reclaims every available region of the boot loader's memory map into
// the physical frame allocator, maps as many frames as it can obtain at
// Base and installs an Arena over the mapped window as the default
// allocator. The kernel image [kernelStart, kernelEnd) and the boot
// information structure are never reclaimed.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	var (
		w        = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: heapPrefix}
		total    uint64
		reserved [2]span
	)

	infoStart, infoEnd := infoRegionFn()
	reserved[0] = span{uint64(kernelStart), uint64(kernelEnd)}
	reserved[1] = span{uint64(infoStart), uint64(infoEnd)}

	pmmInitFn()

	kfmt.Fprintf(&w, "system memory map:\n")
	found := visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(&w, "  [0x%16x - 0x%16x], size: %10d, type: %s\n",
			region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			reclaimExcluding(region.PhysAddress, region.PhysAddress+region.Length, reserved[:])
			total += region.Length
		}
		return true
	})

	if !found {
		return errNoMemoryMap
	}

	kfmt.Fprintf(&w, "available memory: %dKb\n", total/1024)

	pages := mapHeapPages(activePDTFn())
	if pages == 0 {
		return errNoHeap
	}

	size := pages * mm.PageSize
	kfmt.Fprintf(&w, "mapped %d pages at 0x%16x\n", pages, Base)
	arena := NewArena(arenaMem, Base, size)
	SetDefault(arena)
	kfmt.Fprintf(&w, "heap ready: %d bytes free\n", arena.FreeBytes())

	return nil
}

// reclaimExcluding hands [start, end) minus the reserved spans to the frame
// allocator.
func reclaimExcluding(start, end uint64, reserved []span) {
	for i, r := range reserved {
		if r.end <= start || r.start >= end {
			continue
		}

		if r.start > start {
			reclaimExcluding(start, r.start, reserved[i+1:])
		}
		if r.end < end {
			reclaimExcluding(r.end, end, reserved[i+1:])
		}
		return
	}

	if end > start {
		reclaimFn(start, end-start)
	}
}

// mapHeapPages maps frames at consecutive pages starting at Base until the
// frame allocator runs dry or a mapping fails. It returns the number of
// pages mapped.
func mapHeapPages(root uintptr) uintptr {
	var pages uintptr

	for {
		frame, err := mm.AllocFrame()
		if err != nil {
			return pages
		}

		virt := Base + pages*mm.PageSize
		if err = mapFn(root, virt, frame.Address(), vmm.FlagPresent|vmm.FlagRW, mm.PageSize); err != nil {
			mm.ReleaseFrame(frame)
			return pages
		}

		pages++
	}
}
