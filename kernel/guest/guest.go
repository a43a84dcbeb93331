// Package guest runs a WebAssembly guest module on top of the kernel. The
// module executes in the wazero interpreter; its C library imports are
// resolved against the syscall emulation shim and its WASI imports against
// wazero's preview1 implementation, wired to the same console and random
// source.
package guest

import (
	"context"
	"encoding/binary"
	"errors"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"

	"wasmkernel/kernel"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
	"wasmkernel/kernel/shim"
	"wasmkernel/kernel/vfs"
)

// EntryPoint is the export invoked to run the guest.
const EntryPoint = "_start"

// DefaultHeapPages is the size, in wasm pages, of the allocation window
// used when Config.HeapPages is zero.
const DefaultHeapPages = 16

var (
	errCompile      = &kernel.Error{Module: "guest", Message: "guest image could not be compiled"}
	errInstantiate  = &kernel.Error{Module: "guest", Message: "guest module could not be instantiated"}
	errNoEntryPoint = &kernel.Error{Module: "guest", Message: "guest module does not export _start"}
	errGuestTrap    = &kernel.Error{Module: "guest", Message: "guest module trapped"}
	errGuestExit    = &kernel.Error{Module: "guest", Message: "guest module exited with a non-zero status"}
)

// Config describes a guest run.
type Config struct {
	// Image is the WebAssembly binary to run.
	Image []byte

	// HeapPages sizes the window that serves the guest's malloc calls.
	HeapPages uint32

	// Heap, if set, holds the guest's linear memory and with it every
	// block handed out through malloc. HeapMemory is the address space
	// Heap's blocks live in. When Heap is nil the runtime allocates linear
	// memory itself.
	Heap       heap.Allocator
	HeapMemory mm.Memory

	// FS backs the guest's file descriptors.
	FS *vfs.FS

	// Console receives the guest's stdout and stderr.
	Console io.Writer

	// Random returns the values handed out by getrandom and by WASI
	// random_get. It must be set.
	Random func() uint64

	// Logger receives lifecycle messages at info level and host call
	// traces at debug level. A nil Logger disables logging.
	Logger *zap.Logger
}

// Run instantiates the guest image and calls its entry point. It returns
// once the entry point returns. A kernel error raised by the shim during a
// host call is returned as is.
func Run(ctx context.Context, cfg Config) *kernel.Error {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("guest")

	heapPages := cfg.HeapPages
	if heapPages == 0 {
		heapPages = DefaultHeapPages
	}

	if cfg.Heap != nil {
		ctx = experimental.WithMemoryAllocator(ctx, heapAllocator{heap: cfg.Heap, mem: cfg.HeapMemory})
	}

	mem := &linearMemory{}
	guestHeap := &lazyArena{mem: mem, pages: heapPages}
	sh, kerr := shim.New(shim.Config{
		Memory:      mem,
		PointerSize: 4,
		Allocator:   guestHeap,
		FS:          cfg.FS,
		Console:     cfg.Console,
		Random:      cfg.Random,
		Logger:      log,
	})
	if kerr != nil {
		return kerr
	}
	h := &host{shim: sh, mem: mem}

	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer func() {
		if err := r.Close(ctx); err != nil {
			log.Warn("closing runtime", zap.Error(err))
		}
	}()

	if _, err := h.instantiate(ctx, r); err != nil {
		log.Error("host module instantiation failed", zap.Error(err))
		return errInstantiate
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		log.Error("wasi instantiation failed", zap.Error(err))
		return errInstantiate
	}

	console := cfg.Console
	if console == nil {
		console = io.Discard
	}
	modCfg := wazero.NewModuleConfig().
		WithName("guest").
		WithStartFunctions().
		WithStdout(console).
		WithStderr(console).
		WithRandSource(randReader(cfg.Random))

	compiled, err := r.CompileModule(ctx, cfg.Image)
	if err != nil {
		log.Error("compile failed", zap.Error(err))
		return errCompile
	}

	mod, err := r.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		log.Error("instantiation failed", zap.Error(err))
		return errInstantiate
	}

	entry := mod.ExportedFunction(EntryPoint)
	if entry == nil {
		return errNoEntryPoint
	}

	log.Info("starting guest", zap.Int("image_size", len(cfg.Image)), zap.Uint32("heap_pages", heapPages))
	if _, err = entry.Call(ctx); err != nil {
		if h.fatal != nil {
			return h.fatal
		}

		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			log.Error("guest trapped", zap.Error(err))
			return errGuestTrap
		}
		if exitErr.ExitCode() != 0 {
			log.Error("guest exited", zap.Uint32("status", exitErr.ExitCode()))
			return errGuestExit
		}
	}

	log.Info("guest finished",
		zap.Int("outstanding_allocations", sh.Outstanding()),
		zap.Uintptr("heap_in_use", guestHeap.UsedBytes()))
	return nil
}

// randReader adapts a 64-bit random source to the io.Reader expected by
// the WASI random_get import.
type randReader func() uint64

func (fn randReader) Read(p []byte) (int, error) {
	var word [8]byte
	for n := 0; n < len(p); n += 8 {
		binary.LittleEndian.PutUint64(word[:], fn())
		copy(p[n:], word[:])
	}
	return len(p), nil
}
