package shim

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
	"wasmkernel/kernel/vfs"
)

const (
	memBase    = 0x1000
	memSize    = 0x10000
	scratch    = memBase
	arenaStart = memBase + 0x8000
	arenaSize  = memSize - 0x8000
)

type fixture struct {
	shim    *Shim
	mem     *mm.Buffer
	fs      *vfs.FS
	console *bytes.Buffer
	logs    *observer.ObservedLogs
}

func newFixture(t *testing.T, ptrSize uintptr) *fixture {
	t.Helper()

	mem := &mm.Buffer{Base: memBase, Data: make([]byte, memSize)}
	core, logs := observer.New(zapcore.DebugLevel)

	f := &fixture{
		mem:     mem,
		fs:      vfs.New(),
		console: &bytes.Buffer{},
		logs:    logs,
	}

	s, err := New(Config{
		Memory:      mem,
		PointerSize: ptrSize,
		Allocator:   heap.NewArena(mem, arenaStart, arenaSize),
		FS:          f.fs,
		Console:     f.console,
		Random:      func() uint64 { return 0xfeedface },
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.shim = s

	return f
}

// put copies data into guest memory at addr.
func (f *fixture) put(addr uintptr, data []byte) {
	b, ok := f.mem.Slice(addr, uintptr(len(data)))
	if !ok {
		panic("put out of range")
	}
	copy(b, data)
}

func (f *fixture) get(addr, size uintptr) []byte {
	b, ok := f.mem.Slice(addr, size)
	if !ok {
		panic("get out of range")
	}
	return b
}

// putIovecs writes the buffers to guest memory after an iovec array placed
// at addr and returns the descriptor count.
func (f *fixture) putIovecs(addr uintptr, bufs ...[]byte) int32 {
	ptrSize := f.shim.cfg.PointerSize
	data := addr + uintptr(len(bufs))*2*ptrSize

	for i, b := range bufs {
		entry := addr + uintptr(i)*2*ptrSize
		if ptrSize == 4 {
			mm.WriteUint32(f.mem, entry, uint32(data))
			mm.WriteUint32(f.mem, entry+4, uint32(len(b)))
		} else {
			mm.WriteUint64(f.mem, entry, uint64(data))
			mm.WriteUint64(f.mem, entry+8, uint64(len(b)))
		}
		f.put(data, b)
		data += uintptr(len(b))
	}

	return int32(len(bufs))
}

func expectPanic(t *testing.T, exp interface{}, fn func()) {
	t.Helper()
	defer func() {
		if err := recover(); err != exp {
			t.Fatalf("expected panic with %v; got %v", exp, err)
		}
	}()
	fn()
}

func TestNew(t *testing.T) {
	if _, err := New(Config{PointerSize: 3}); err != errBadPointerSize {
		t.Fatalf("expected errBadPointerSize; got %v", err)
	}
}

func TestMallocFree(t *testing.T) {
	f := newFixture(t, 8)

	addr := f.shim.Malloc(100)
	if addr < arenaStart || addr >= arenaStart+arenaSize {
		t.Fatalf("expected block inside the arena; got 0x%x", addr)
	}
	if f.shim.Outstanding() != 1 {
		t.Fatalf("expected 1 record; got %d", f.shim.Outstanding())
	}

	f.shim.Free(addr)
	if f.shim.Outstanding() != 0 {
		t.Fatalf("expected no records; got %d", f.shim.Outstanding())
	}

	// Free(NULL) is a no-op.
	f.shim.Free(0)

	expectPanic(t, errUnknownAllocation, func() { f.shim.Free(addr) })
	expectPanic(t, errUnknownAllocation, func() { f.shim.Free(0x1234) })

	if got := f.shim.Malloc(1 << 20); got != 0 {
		t.Fatalf("expected exhausted allocator to yield 0; got 0x%x", got)
	}
	if f.shim.Outstanding() != 0 {
		t.Fatal("expected failed allocation to leave no record")
	}
}

func TestCalloc(t *testing.T) {
	f := newFixture(t, 8)

	dirty := f.shim.Malloc(64)
	f.put(dirty, bytes.Repeat([]byte{0xff}, 64))
	f.shim.Free(dirty)

	addr := f.shim.Calloc(8, 8)
	if addr != dirty {
		t.Fatalf("expected the freed block to be reused; got 0x%x", addr)
	}
	if !bytes.Equal(f.get(addr, 64), make([]byte, 64)) {
		t.Fatal("expected calloc to return zeroed memory")
	}

	if got := f.shim.Calloc(math.MaxUint64/2, 4); got != 0 {
		t.Fatalf("expected overflowing calloc to yield 0; got 0x%x", got)
	}
}

func TestRealloc(t *testing.T) {
	f := newFixture(t, 8)

	addr := f.shim.Realloc(0, 32)
	if addr == 0 {
		t.Fatal("expected realloc(NULL) to allocate")
	}
	if !bytes.Equal(f.get(addr, 32), make([]byte, 32)) {
		t.Fatal("expected realloc(NULL) to return zeroed memory")
	}

	f.put(addr, []byte("payload"))
	grown := f.shim.Realloc(addr, 4096)
	if grown == 0 {
		t.Fatal("expected realloc to succeed")
	}
	if string(f.get(grown, 7)) != "payload" {
		t.Fatalf("expected contents to move with the block; got %q", f.get(grown, 7))
	}

	if grown != addr {
		expectPanic(t, errUnknownAllocation, func() { f.shim.Free(addr) })
	}

	if got := f.shim.Realloc(grown, 1<<20); got != 0 {
		t.Fatalf("expected failed realloc to yield 0; got 0x%x", got)
	}
	if string(f.get(grown, 7)) != "payload" {
		t.Fatal("expected failed realloc to keep the original block")
	}

	f.shim.Free(grown)
	if f.shim.Outstanding() != 0 {
		t.Fatalf("expected no records; got %d", f.shim.Outstanding())
	}

	expectPanic(t, errUnknownAllocation, func() { f.shim.Realloc(0x4321, 8) })
}

func TestErrnoLocation(t *testing.T) {
	f := newFixture(t, 4)

	addr := f.shim.ErrnoLocation()
	if addr == 0 || addr%4 != 0 {
		t.Fatalf("expected an aligned errno cell; got 0x%x", addr)
	}
	if v, _ := mm.ReadUint32(f.mem, addr); v != 0 {
		t.Fatalf("expected errno to start at 0; got %d", v)
	}
	if again := f.shim.ErrnoLocation(); again != addr {
		t.Fatalf("expected errno cell to be stable; got 0x%x then 0x%x", addr, again)
	}
}

func TestStackCheckFail(t *testing.T) {
	f := newFixture(t, 8)
	expectPanic(t, errStackCheckFail, f.shim.StackCheckFail)
}

func TestStrcmp(t *testing.T) {
	f := newFixture(t, 8)

	specs := []struct {
		s1, s2 string
		exp    int
	}{
		{"abc", "abc", 0},
		{"", "", 0},
		{"abc", "abd", 'c' - 'd'},
		{"abd", "abc", 'd' - 'c'},
		{"ab", "abc", -'c'},
		{"abc", "ab", 'c'},
		{"\xff", "a", 0xff - 'a'},
	}

	for specIndex, spec := range specs {
		f.put(scratch, append([]byte(spec.s1), 0))
		f.put(scratch+0x100, append([]byte(spec.s2), 0))

		if got := f.shim.Strcmp(scratch, scratch+0x100); got != spec.exp {
			t.Errorf("[spec %d] strcmp(%q, %q): expected %d; got %d", specIndex, spec.s1, spec.s2, spec.exp, got)
		}
	}
}

func TestMath(t *testing.T) {
	specs := []struct {
		got, exp float64
	}{
		{Copysign(3, -1), -3},
		{float64(Copysignf(-2, 1)), 2},
		{Floor(-1.5), -2},
		{float64(Floorf(1.5)), 1},
		{Ceil(-1.5), -1},
		{float64(Ceilf(1.2)), 2},
		{Sqrt(16), 4},
		{float64(Sqrtf(2.25)), 1.5},
		{Trunc(-2.7), -2},
		{float64(Truncf(2.7)), 2},
		{Rint(2.5), 2},
		{Rint(3.5), 4},
		{Rint(-2.5), -2},
		{float64(Rintf(0.5)), 0},
		{float64(Rintf(1.5)), 2},
	}

	for specIndex, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, spec.got)
		}
	}

	if !math.Signbit(Copysign(0, -1)) {
		t.Error("expected copysign to produce negative zero")
	}
}

func TestOpenFlags(t *testing.T) {
	f := newFixture(t, 8)
	f.put(scratch, []byte("data.bin\x00"))

	fd := f.shim.Open(scratch, OExclusive, 0o644)
	if fd != 3 {
		t.Fatalf("expected first descriptor to be 3; got %d", fd)
	}
	if !f.fs.Exists("data.bin") {
		t.Fatal("expected file to be created")
	}

	if got := f.shim.Open(scratch, OExclusive|0o1, 0); got != -1 {
		t.Fatalf("expected exclusive open of an existing file to fail; got %d", got)
	}

	iov := uintptr(scratch + 0x100)
	if n := f.shim.Writev(fd, iov, f.putIovecs(iov, []byte("abcd"))); n != 4 {
		t.Fatalf("expected 4 bytes written; got %d", n)
	}
	f.shim.Close(fd)

	// Any set bit in the append mask selects append mode.
	fd = f.shim.Open(scratch, OAppend|0o1, 0)
	if pos := f.shim.Lseek(fd, 0, vfs.SeekCurrent); pos != 4 {
		t.Fatalf("expected append mode cursor at 4; got %d", pos)
	}
	f.shim.Close(fd)

	// Truncate starts the cursor at 0 and keeps the content.
	fd = f.shim.Open(scratch, OAppend|OTruncate, 0)
	if pos := f.shim.Lseek(fd, 0, vfs.SeekCurrent); pos != 0 {
		t.Fatalf("expected truncate mode cursor at 0; got %d", pos)
	}
	f.shim.Close(fd)
	if got := f.fs.Size("data.bin"); got != 4 {
		t.Fatalf("expected the content to be kept; got size %d", got)
	}
}

func TestOpenInvalidUTF8Name(t *testing.T) {
	f := newFixture(t, 8)
	f.put(scratch, []byte("bad\xffname\x00"))

	if fd := f.shim.Open(scratch, 0, 0); fd < 3 {
		t.Fatalf("expected open to succeed; got %d", fd)
	}
	if !f.fs.Exists("bad\uFFFDname") {
		t.Fatal("expected invalid bytes in the name to be replaced")
	}
}

func TestWritevConsole(t *testing.T) {
	for _, ptrSize := range []uintptr{4, 8} {
		f := newFixture(t, ptrSize)
		iov := uintptr(scratch)

		n := f.shim.Writev(Stdout, iov, f.putIovecs(iov, []byte("hel"), []byte("lo\n")))
		if n != 6 {
			t.Fatalf("[ptr %d] expected 6 bytes written; got %d", ptrSize, n)
		}

		n = f.shim.Writev(Stderr, iov, f.putIovecs(iov, []byte("x\xffy")))
		if n != 3 {
			t.Fatalf("[ptr %d] expected 3 bytes written; got %d", ptrSize, n)
		}

		if exp, got := "hello\nx\uFFFDy", f.console.String(); got != exp {
			t.Fatalf("[ptr %d] expected console output %q; got %q", ptrSize, exp, got)
		}

		if n = f.shim.Writev(Stdin, iov, f.putIovecs(iov, []byte("ignored"))); n != 0 {
			t.Fatalf("[ptr %d] expected writes to stdin to return 0; got %d", ptrSize, n)
		}
		if f.console.Len() != len("hello\nx\uFFFDy") {
			t.Fatalf("[ptr %d] expected stdin writes to be discarded", ptrSize)
		}
	}
}

func TestVectorCountLimit(t *testing.T) {
	f := newFixture(t, 4)
	f.put(scratch, []byte("v.txt\x00"))
	fd := f.shim.Open(scratch, 0, 0)
	iov := uintptr(scratch + 0x100)
	f.putIovecs(iov, []byte("data"))

	for _, cnt := range []int32{-1, MaxIovecs + 1, 0x7fffffff} {
		if n := f.shim.Writev(Stdout, iov, cnt); n != -1 {
			t.Errorf("[iovcnt %d] expected writev to stdout to fail; got %d", cnt, n)
		}
		if n := f.shim.Writev(fd, iov, cnt); n != -1 {
			t.Errorf("[iovcnt %d] expected writev to a file to fail; got %d", cnt, n)
		}
		if n := f.shim.Readv(fd, iov, cnt); n != -1 {
			t.Errorf("[iovcnt %d] expected readv to fail; got %d", cnt, n)
		}
	}

	if f.console.Len() != 0 {
		t.Fatalf("expected no console output; got %q", f.console.String())
	}
	if n := f.shim.Writev(Stdout, iov, 0); n != 0 {
		t.Fatalf("expected an empty vector to write 0 bytes; got %d", n)
	}
}

func TestFileVectorIO(t *testing.T) {
	f := newFixture(t, 4)
	f.put(scratch, []byte("log.txt\x00"))
	fd := f.shim.Open(scratch, 0, 0)

	iov := uintptr(scratch + 0x100)
	if n := f.shim.Writev(fd, iov, f.putIovecs(iov, []byte("first "), []byte("second"))); n != 12 {
		t.Fatalf("expected 12 bytes written; got %d", n)
	}

	if pos := f.shim.Lseek(fd, 0, vfs.SeekStart); pos != 0 {
		t.Fatalf("expected cursor at 0; got %d", pos)
	}

	cnt := f.putIovecs(iov, make([]byte, 6), make([]byte, 10))
	if n := f.shim.Readv(fd, iov, cnt); n != 12 {
		t.Fatalf("expected 12 bytes read; got %d", n)
	}

	// The buffers follow the two 8-byte descriptors.
	if got := string(f.get(iov+16, 12)); got != "first second" {
		t.Fatalf("expected %q; got %q", "first second", got)
	}

	if n := f.shim.Readv(fd, iov, cnt); n != 0 {
		t.Fatalf("expected EOF; got %d", n)
	}

	f.shim.Close(fd)
	if got := f.fs.Size("log.txt"); got != 12 {
		t.Fatalf("expected committed size 12; got %d", got)
	}
}

func TestStdioAndErrors(t *testing.T) {
	f := newFixture(t, 8)
	iov := uintptr(scratch)
	cnt := f.putIovecs(iov, make([]byte, 4))

	for _, fd := range []int32{Stdin, Stdout, Stderr} {
		if n := f.shim.Readv(fd, iov, cnt); n != 0 {
			t.Errorf("fd %d: expected readv to return 0; got %d", fd, n)
		}
		if got := f.shim.Close(fd); got != 0 {
			t.Errorf("fd %d: expected close to return 0; got %d", fd, got)
		}
	}

	if n := f.shim.Readv(42, iov, cnt); n != -1 {
		t.Errorf("expected readv on unknown fd to fail; got %d", n)
	}
	if n := f.shim.Writev(42, iov, cnt); n != -1 {
		t.Errorf("expected writev on unknown fd to fail; got %d", n)
	}
	if n := f.shim.Lseek(42, 0, vfs.SeekStart); n != -1 {
		t.Errorf("expected lseek on unknown fd to fail; got %d", n)
	}
	if n := f.shim.Writev(Stdout, memBase+memSize-4, 1); n != -1 {
		t.Errorf("expected writev with an unaddressable iovec to fail; got %d", n)
	}
	if n := f.shim.Writev(Stdout, iov, -1); n != -1 {
		t.Errorf("expected writev with a negative count to fail; got %d", n)
	}

	f.put(scratch+0x100, []byte("f\x00"))
	fd := f.shim.Open(scratch+0x100, 0, 0)
	if n := f.shim.Lseek(fd, 0, 7); n != -1 {
		t.Errorf("expected lseek with a bad whence to fail; got %d", n)
	}

	expectPanic(t, vfs.ErrBadHandle, func() { f.shim.Close(42) })
}

func TestStubs(t *testing.T) {
	f := newFixture(t, 8)

	if got := f.shim.Getrandom(); got != 0xfeedface {
		t.Errorf("expected random source value; got 0x%x", got)
	}

	specs := []struct {
		name string
		got  int32
		exp  int32
	}{
		{"clock_getres", f.shim.ClockGetres(0, scratch), -1},
		{"clock_gettime", f.shim.ClockGettime(1, scratch), -1},
		{"openat", f.shim.Openat(-100, scratch, 0, 0), -1},
		{"fstat", f.shim.Fstat(3, scratch), 0},
		{"fcntl", f.shim.Fcntl(3, 1, 0), 0},
		{"fdatasync", f.shim.Fdatasync(3), 0},
		{"__vsnprintf_chk", f.shim.VsnprintfChk(), 0},
	}

	for _, spec := range specs {
		if spec.got != spec.exp {
			t.Errorf("%s: expected %d; got %d", spec.name, spec.exp, spec.got)
		}
	}
}

func TestCallTracing(t *testing.T) {
	f := newFixture(t, 8)
	iov := uintptr(scratch)
	f.shim.Writev(Stdout, iov, f.putIovecs(iov, []byte("traced")))

	entries := f.logs.FilterMessage("writev").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 writev trace entry; got %d", len(entries))
	}

	entry := entries[0]
	if entry.LoggerName != "shim" || entry.Level != zapcore.DebugLevel {
		t.Fatalf("unexpected logger %q or level %v", entry.LoggerName, entry.Level)
	}
	if fd, ok := entry.ContextMap()["fd"]; !ok || fd != int32(Stdout) {
		t.Fatalf("expected fd field %d; got %v", Stdout, fd)
	}
}

func TestReadIovecLayout(t *testing.T) {
	f := newFixture(t, 4)

	raw := make([]byte, 16)
	binary.LittleEndian.PutUint32(raw[8:], 0xabc)
	binary.LittleEndian.PutUint32(raw[12:], 7)
	f.put(scratch, raw)

	vec, ok := f.shim.readIovec(scratch, 1)
	if !ok || vec.base != 0xabc || vec.size != 7 {
		t.Fatalf("expected {0xabc, 7}; got %+v, %t", vec, ok)
	}
}
