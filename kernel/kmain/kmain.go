package kmain

import (
	"context"
	_ "embed"
	"io"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/driver/serial"
	"wasmkernel/kernel/driver/tty"
	"wasmkernel/kernel/driver/video/console"
	"wasmkernel/kernel/gate"
	"wasmkernel/kernel/guest"
	"wasmkernel/kernel/hal/multiboot"
	"wasmkernel/kernel/kfmt"
	"wasmkernel/kernel/mm"
	"wasmkernel/kernel/mm/heap"
	"wasmkernel/kernel/vfs"
)

// rdrandRetries bounds the attempts made when RDRAND reports that no random
// value is ready.
const rdrandRetries = 10

//go:embed guest.wasm
var guestImage []byte

var (
	errNoRDRAND     = &kernel.Error{Module: "kmain", Message: "CPU does not support RDRAND"}
	errRDRANDFailed = &kernel.Error{Module: "kmain", Message: "RDRAND did not return a random value"}

	// The following functions are mocked by tests.
	setInfoPtrFn   = multiboot.SetInfoPtr
	cmdLineValueFn = multiboot.CmdLineValue
	consoleFn      = systemConsole
	gateInitFn     = gate.Init
	heapInitFn     = heap.Init
	hasRDRANDFn    = cpu.HasRDRAND
	rdrandFn       = cpu.RDRand64
	runGuestFn     = guest.Run
	haltFn         = cpu.Halt
	panicFn        = kfmt.Panic

	// heapMemory is the address space of the default heap's blocks.
	heapMemory mm.Memory = mm.RawMemory{}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the address of the multiboot info
// payload provided by the bootloader as well as the physical addresses for
// the kernel start/end.
//
// Kmain brings up the console, the exception table and the heap, runs the
// embedded guest module and halts. Any failure along the way is fatal.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	setInfoPtrFn(multibootInfoPtr)

	out := consoleFn()
	kfmt.SetOutputSink(out)
	kfmt.Printf("ok\n")

	gateInitFn()
	kfmt.Printf("irq\n")

	if err := heapInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}
	kfmt.Printf("mm\n")

	if !hasRDRANDFn() {
		panicFn(errNoRDRAND)
		return
	}
	kfmt.Printf("cpu\n")

	err := runGuestFn(context.Background(), guest.Config{
		Image:      guestImage,
		HeapPages:  guestHeapPages(),
		Heap:       heap.Default(),
		HeapMemory: heapMemory,
		FS:         vfs.New(),
		Console:    out,
		Random:     random,
		Logger:     newLogger(out),
	})
	if err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("done!\n")
	haltFn()
}

// systemConsole initializes COM1 and the text mode display and returns a
// writer that mirrors output to both. The port is used even if the UART
// failed its self test; writes to it are then dropped.
func systemConsole() io.Writer {
	port := serial.NewPort(serial.COM1)
	port.Init()

	ega, err := console.NewEga(mm.RawMemory{}, console.FramebufferAddr, console.DefaultWidth, console.DefaultHeight)
	if err != nil {
		return port
	}
	return io.MultiWriter(port, tty.NewVt(ega))
}

// guestHeapPages returns the guest allocation window size selected by the
// guestheap command line option.
func guestHeapPages() uint32 {
	v, ok := cmdLineValueFn("guestheap")
	if !ok {
		return guest.DefaultHeapPages
	}

	pages, err := strconv.ParseUint(v, 10, 32)
	if err != nil || pages == 0 {
		kfmt.Printf("[kmain] ignoring invalid guestheap value: %s\n", v)
		return guest.DefaultHeapPages
	}
	return uint32(pages)
}

// newLogger returns a logger writing console encoded entries to w. Host
// call traces are only emitted when the command line carries trace=on.
func newLogger(w io.Writer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if v, _ := cmdLineValueFn("trace"); v == "on" {
		level.SetLevel(zapcore.DebugLevel)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	// There is no clock source.
	encCfg.TimeKey = ""

	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level))
}

// random returns a hardware generated random value.
func random() uint64 {
	for i := 0; i < rdrandRetries; i++ {
		if v, ok := rdrandFn(); ok {
			return v
		}
	}

	panicFn(errRDRANDFailed)
	return 0
}
