// Package vfs implements a volatile, memory resident filesystem. Files are
// addressed by name and accessed through integer handles; each handle works
// on a private copy of the file that is committed back when it is closed.
package vfs

import (
	"math"

	"wasmkernel/kernel"
	"wasmkernel/kernel/sync"
)

// Seek whence values.
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// firstHandle is the first handle id returned by Open. Lower ids are the
// standard streams.
const firstHandle = 3

// MaxFileSize bounds the size a file can grow to through Write.
const MaxFileSize = 1 << 31

var (
	// ErrExists is returned by an exclusive Open of an existing file.
	ErrExists = &kernel.Error{Module: "vfs", Message: "file already exists"}

	// ErrBadHandle is returned when operating on an unknown handle.
	ErrBadHandle = &kernel.Error{Module: "vfs", Message: "unknown file handle"}

	// ErrBadWhence is returned by Seek for an unsupported whence value.
	ErrBadWhence = &kernel.Error{Module: "vfs", Message: "invalid seek whence"}

	// ErrFileTooLarge is returned by Write when the file would grow past
	// MaxFileSize.
	ErrFileTooLarge = &kernel.Error{Module: "vfs", Message: "file too large"}
)

// OpenFlags select the behavior of Open.
type OpenFlags struct {
	// Append places the cursor at the end of the file unless Truncate is
	// also set.
	Append bool

	// Exclusive makes Open fail if the file already exists.
	Exclusive bool

	// Truncate starts the cursor at 0 even with Append. The content is kept.
	Truncate bool
}

type openFile struct {
	name string
	pos  int64
	data []byte
}

// FS is a filesystem instance. All methods are safe for concurrent use; a
// single lock guards the file store, the handle table and the handle
// counter for the duration of each operation.
type FS struct {
	lock sync.Spinlock

	files      map[string][]byte
	handles    map[int]*openFile
	nextHandle int
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{
		files:      make(map[string][]byte),
		handles:    make(map[int]*openFile),
		nextHandle: firstHandle,
	}
}

// Open returns a new handle for the named file, creating an empty file if
// it does not exist. Handle ids increase monotonically and are only
// consumed by successful calls.
func (fs *FS) Open(name string, flags OpenFlags) (int, *kernel.Error) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	data, exists := fs.files[name]
	if exists && flags.Exclusive {
		return -1, ErrExists
	}
	if !exists {
		fs.files[name] = nil
	}

	f := &openFile{name: name, data: append([]byte(nil), data...)}
	if flags.Append && !flags.Truncate {
		f.pos = int64(len(f.data))
	}

	handle := fs.nextHandle
	fs.nextHandle++
	fs.handles[handle] = f

	return handle, nil
}

// Close commits the handle's copy under its name, replacing the stored
// contents, and releases the handle. Closing an unknown handle is a
// contract violation and panics.
func (fs *FS) Close(handle int) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	f, ok := fs.handles[handle]
	if !ok {
		panic(ErrBadHandle)
	}

	fs.files[f.name] = f.data
	delete(fs.handles, handle)
}

// Seek moves the handle's cursor and returns its new position. Positions
// are clamped at 0; relative moves saturate instead of overflowing. The
// cursor may be placed past the end of the file.
func (fs *FS) Seek(handle int, offset int64, whence int) (int64, *kernel.Error) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	f, ok := fs.handles[handle]
	if !ok {
		return -1, ErrBadHandle
	}

	var pos int64
	switch whence {
	case SeekStart:
		pos = offset
	case SeekCurrent:
		pos = saturatingAdd(f.pos, offset)
	case SeekEnd:
		pos = saturatingAdd(int64(len(f.data)), offset)
	default:
		return -1, ErrBadWhence
	}

	if pos < 0 {
		pos = 0
	}
	f.pos = pos

	return pos, nil
}

// Write stores p at the handle's cursor and advances the cursor by len(p).
// Writing past the end of the file zero-fills the gap.
func (fs *FS) Write(handle int, p []byte) (int, *kernel.Error) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	f, ok := fs.handles[handle]
	if !ok {
		return -1, ErrBadHandle
	}

	if f.pos > MaxFileSize || int64(len(p)) > MaxFileSize-f.pos {
		return -1, ErrFileTooLarge
	}

	var (
		pos = int(f.pos)
		end = pos + len(p)
	)

	switch {
	case end <= len(f.data):
		copy(f.data[pos:], p)
	case pos >= len(f.data):
		f.data = append(f.data, make([]byte, pos-len(f.data))...)
		f.data = append(f.data, p...)
	default:
		n := copy(f.data[pos:], p)
		f.data = append(f.data, p[n:]...)
	}

	f.pos = int64(end)
	return len(p), nil
}

// Read copies data from the handle's cursor into p and advances the
// cursor. It returns 0 at or past the end of the file and a short count
// when fewer than len(p) bytes remain.
func (fs *FS) Read(handle int, p []byte) (int, *kernel.Error) {
	fs.lock.Acquire()
	defer fs.lock.Release()

	f, ok := fs.handles[handle]
	if !ok {
		return -1, ErrBadHandle
	}

	if f.pos >= int64(len(f.data)) {
		return 0, nil
	}

	n := copy(p, f.data[f.pos:])
	f.pos += int64(n)
	return n, nil
}

// Exists reports whether a file with the given name has been created.
func (fs *FS) Exists(name string) bool {
	fs.lock.Acquire()
	defer fs.lock.Release()

	_, ok := fs.files[name]
	return ok
}

// Size returns the committed size of the named file or -1 if it does not
// exist. Uncommitted writes through open handles are not included.
func (fs *FS) Size(name string) int {
	fs.lock.Acquire()
	defer fs.lock.Release()

	data, ok := fs.files[name]
	if !ok {
		return -1
	}
	return len(data)
}

func saturatingAdd(a, b int64) int64 {
	switch {
	case b > 0 && a > math.MaxInt64-b:
		return math.MaxInt64
	case b < 0 && a < math.MinInt64-b:
		return math.MinInt64
	}
	return a + b
}
