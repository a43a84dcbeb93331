// Package shim emulates the small POSIX surface that a hosted guest module
// expects from its C library: memory allocation, string and math helpers,
// file I/O backed by the virtual filesystem, randomness and a set of fixed
// stubs. Pointers passed to and returned by the shim are addresses in the
// configured mm.Memory.
package shim

import (
	"io"

	"go.uber.org/zap"

	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
	"wasmkernel/kernel/sync"
	"wasmkernel/kernel/vfs"
)

// Standard stream descriptors. They are never backed by the filesystem.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

var (
	errUnknownAllocation = &kernel.Error{Module: "shim", Message: "free or realloc of an address that was not allocated by the shim"}
	errStackCheckFail    = &kernel.Error{Module: "shim", Message: "stack check fail"}
	errBadPointerSize    = &kernel.Error{Module: "shim", Message: "pointer size must be 4 or 8"}
)

// Config binds a Shim to an address space and its collaborators.
type Config struct {
	// Memory is the address space that pointer arguments refer to.
	Memory mm.Memory

	// PointerSize is the width in bytes of a pointer in Memory (4 or 8).
	// It determines the layout of iovec arrays.
	PointerSize uintptr

	// Allocator serves Malloc and friends. Its blocks must live in Memory.
	Allocator heap.Allocator

	// FS backs every descriptor other than the standard streams.
	FS *vfs.FS

	// Console receives text written to stdout and stderr.
	Console io.Writer

	// Random returns a random 64-bit value.
	Random func() uint64

	// Logger traces each call at debug level. A nil Logger disables
	// tracing.
	Logger *zap.Logger
}

// Shim implements the emulated C library entry points.
type Shim struct {
	cfg Config
	log *zap.Logger

	// lock guards records and errnoAddr.
	lock      sync.Spinlock
	records   map[uintptr]heap.Layout
	errnoAddr uintptr
}

// New returns a Shim for the given configuration.
func New(cfg Config) (*Shim, *kernel.Error) {
	if cfg.PointerSize != 4 && cfg.PointerSize != 8 {
		return nil, errBadPointerSize
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Shim{
		cfg:     cfg,
		log:     log.Named("shim"),
		records: make(map[uintptr]heap.Layout),
	}, nil
}

// Outstanding returns the number of live allocations.
func (s *Shim) Outstanding() int {
	s.lock.Acquire()
	defer s.lock.Release()
	return len(s.records)
}
