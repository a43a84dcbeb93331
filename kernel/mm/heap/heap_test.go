package heap

import (
	"bytes"
	"strings"
	"testing"

	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/hal/multiboot"
	"wasmkernel/kernel/kfmt"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/pmm"
	"wasmkernel/kernel/mm/vmm"
)

// fakeFrames is a LIFO frame supply standing in for the physical freelist.
type fakeFrames struct {
	free     []mm.Frame
	released []mm.Frame
}

func (f *fakeFrames) reclaim(base, length uint64) {
	for addr := base; addr+mm.PageSize <= base+length; addr += mm.PageSize {
		f.free = append(f.free, mm.FrameFromAddress(uintptr(addr)))
	}
}

func (f *fakeFrames) alloc() (mm.Frame, *kernel.Error) {
	if len(f.free) == 0 {
		return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "empty"}
	}
	frame := f.free[len(f.free)-1]
	f.free = f.free[:len(f.free)-1]
	return frame, nil
}

func (f *fakeFrames) release(frame mm.Frame) {
	f.released = append(f.released, frame)
	f.free = append(f.free, frame)
}

func setupInit(t *testing.T, regions []multiboot.MemoryMapEntry) (*fakeFrames, *bytes.Buffer) {
	frames := &fakeFrames{}
	var out bytes.Buffer

	pmmInitFn = func() { mm.SetFrameAllocator(frames.alloc, frames.release) }
	reclaimFn = frames.reclaim
	infoRegionFn = func() (uintptr, uintptr) { return 0, 0 }
	activePDTFn = func() uintptr { return 0xcafe000 }
	visitMemRegionsFn = func(visitor multiboot.MemRegionVisitor) bool {
		for i := range regions {
			if !visitor(&regions[i]) {
				break
			}
		}
		return regions != nil
	}
	kfmt.SetOutputSink(&out)

	t.Cleanup(func() {
		visitMemRegionsFn = multiboot.VisitMemRegions
		infoRegionFn = multiboot.InfoRegion
		pmmInitFn = pmm.Init
		reclaimFn = pmm.Reclaim
		mapFn = vmm.Map
		activePDTFn = cpu.ActivePDT
		arenaMem = mm.RawMemory{}
		mm.SetFrameAllocator(nil, nil)
		kfmt.SetOutputSink(nil)
		SetDefault(nil)
	})

	return frames, &out
}

func TestInit(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x1000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 4 * mm.PageSize, Type: multiboot.MemAvailable},
		{PhysAddress: 0x200000, Length: 0x1000, Type: multiboot.MemNvs},
	}
	frames, out := setupInit(t, regions)
	arenaMem = &mm.Buffer{Base: Base, Data: make([]byte, 4*mm.PageSize)}

	var mapped []uintptr
	mapFn = func(root, virt, phys uintptr, flags vmm.PageTableEntryFlag, size mm.Size) *kernel.Error {
		if root != 0xcafe000 {
			t.Errorf("expected active page table root; got 0x%x", root)
		}
		if flags != vmm.FlagPresent|vmm.FlagRW || size != mm.PageSize {
			t.Errorf("unexpected mapping flags 0x%x or size %d", flags, size)
		}
		if exp := Base + uintptr(len(mapped))*mm.PageSize; virt != exp {
			t.Errorf("expected pages to be mapped contiguously at 0x%x; got 0x%x", exp, virt)
		}
		mapped = append(mapped, phys)
		return nil
	}

	if err := Init(0, 0); err != nil {
		t.Fatal(err)
	}

	if len(mapped) != 4 {
		t.Fatalf("expected 4 heap pages; got %d", len(mapped))
	}
	if len(frames.free) != 0 {
		t.Fatalf("expected the frame supply to be exhausted; %d frames left", len(frames.free))
	}

	arena, ok := Default().(*Arena)
	if !ok {
		t.Fatal("expected default allocator to be an *Arena")
	}
	if got := arena.FreeBytes(); got != 4*mm.PageSize {
		t.Fatalf("expected %d free heap bytes; got %d", 4*mm.PageSize, got)
	}

	addr, err := arena.Alloc(Layout{Size: 64, Align: 8})
	if err != nil || addr != Base {
		t.Fatalf("expected first heap block at 0x%x; got 0x%x, %v", Base, addr, err)
	}

	for _, exp := range []string{
		"[heap] system memory map:\n",
		"[heap]   [0x0000000000100000 - 0x0000000000104000], size:      16384, type: available\n",
		"type: reserved\n",
		"type: NVS\n",
		"[heap] available memory: 16Kb\n",
		"[heap] mapped 4 pages at 0xffffa00000000000\n",
		"[heap] heap ready: 16384 bytes free\n",
	} {
		if !strings.Contains(out.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out.String())
		}
	}
}

func TestInitStopsOnMapFailure(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 4 * mm.PageSize, Type: multiboot.MemAvailable},
	}
	frames, _ := setupInit(t, regions)
	arenaMem = &mm.Buffer{Base: Base, Data: make([]byte, 2*mm.PageSize)}

	var calls int
	mapFn = func(_, _, _ uintptr, _ vmm.PageTableEntryFlag, _ mm.Size) *kernel.Error {
		calls++
		if calls == 3 {
			return vmm.ErrOutOfTables
		}
		return nil
	}

	if err := Init(0, 0); err != nil {
		t.Fatal(err)
	}

	if calls != 3 {
		t.Fatalf("expected mapping to stop after the first failure; got %d calls", calls)
	}
	if len(frames.released) != 1 {
		t.Fatalf("expected the unmapped frame to be released; got %d releases", len(frames.released))
	}
	if got := Default().(*Arena).FreeBytes(); got != 2*mm.PageSize {
		t.Fatalf("expected a 2 page heap; got %d bytes", got)
	}
}

func TestInitErrors(t *testing.T) {
	t.Run("no memory map", func(t *testing.T) {
		setupInit(t, nil)
		if err := Init(0, 0); err != errNoMemoryMap {
			t.Fatalf("expected errNoMemoryMap; got %v", err)
		}
	})

	t.Run("no available memory", func(t *testing.T) {
		setupInit(t, []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x100000, Type: multiboot.MemReserved},
		})
		mapFn = func(_, _, _ uintptr, _ vmm.PageTableEntryFlag, _ mm.Size) *kernel.Error {
			t.Fatal("expected no mappings")
			return nil
		}

		if err := Init(0, 0); err != errNoHeap {
			t.Fatalf("expected errNoHeap; got %v", err)
		}
		if Default() != nil {
			t.Fatal("expected no default allocator")
		}
	})
}

func TestInitSkipsReservedRanges(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 16 * mm.PageSize, Type: multiboot.MemAvailable},
	}
	frames, _ := setupInit(t, regions)
	infoRegionFn = func() (uintptr, uintptr) { return 0x10c100, 0x10c900 }

	var reclaimed []span
	reclaimFn = func(base, length uint64) {
		reclaimed = append(reclaimed, span{base, base + length})
		frames.reclaim(base, length)
	}
	arenaMem = &mm.Buffer{Base: Base, Data: make([]byte, 16*mm.PageSize)}
	mapFn = func(_, _, _ uintptr, _ vmm.PageTableEntryFlag, _ mm.Size) *kernel.Error { return nil }

	// The kernel image covers frames 2-5.
	if err := Init(0x102000, 0x106000); err != nil {
		t.Fatal(err)
	}

	exp := []span{
		{0x100000, 0x102000},
		{0x106000, 0x10c100},
		{0x10c900, 0x110000},
	}
	if len(reclaimed) != len(exp) {
		t.Fatalf("expected %d reclaimed ranges; got %v", len(exp), reclaimed)
	}
	for i := range exp {
		if reclaimed[i] != exp[i] {
			t.Errorf("range %d: expected [0x%x, 0x%x); got [0x%x, 0x%x)", i, exp[i].start, exp[i].end, reclaimed[i].start, reclaimed[i].end)
		}
	}
}

func TestReclaimExcluding(t *testing.T) {
	specs := []struct {
		start, end uint64
		reserved   []span
		exp        []span
	}{
		{0x1000, 0x5000, nil, []span{{0x1000, 0x5000}}},
		{0x1000, 0x5000, []span{{0x6000, 0x7000}}, []span{{0x1000, 0x5000}}},
		{0x1000, 0x5000, []span{{0x0, 0x8000}}, nil},
		{0x1000, 0x5000, []span{{0x0, 0x2000}}, []span{{0x2000, 0x5000}}},
		{0x1000, 0x5000, []span{{0x4000, 0x9000}}, []span{{0x1000, 0x4000}}},
		{0x1000, 0x9000, []span{{0x6000, 0x7000}, {0x2000, 0x3000}}, []span{{0x1000, 0x2000}, {0x3000, 0x6000}, {0x7000, 0x9000}}},
		{0x1000, 0x5000, []span{{0x0, 0x0}}, []span{{0x1000, 0x5000}}},
	}

	defer func() { reclaimFn = pmm.Reclaim }()

	for specIndex, spec := range specs {
		var got []span
		reclaimFn = func(base, length uint64) { got = append(got, span{base, base + length}) }

		reclaimExcluding(spec.start, spec.end, spec.reserved)

		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, got)
			continue
		}
		for i := range got {
			if got[i] != spec.exp[i] {
				t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, got)
				break
			}
		}
	}
}
