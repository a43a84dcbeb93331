package gate

import (
	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/kfmt"
)

// Exception vectors handled by the kernel.
const (
	DivideError            = 0
	Debug                  = 1
	NMI                    = 2
	Breakpoint             = 3
	Overflow               = 4
	BoundRangeExceeded     = 5
	InvalidOpcode          = 6
	DeviceNotAvailable     = 7
	DoubleFault            = 8
	InvalidTSS             = 10
	SegmentNotPresent      = 11
	StackSegmentFault      = 12
	GeneralProtectionFault = 13
	PageFault              = 14
	X87FloatingPoint       = 16
	AlignmentCheck         = 17
	MachineCheck           = 18
	SIMDFloatingPoint      = 19
	Virtualization         = 20
	ControlProtection      = 21
	HypervisorInjection    = 28
	VMMCommunication       = 29
	SecurityException      = 30
)

// vectorInfo describes an exception vector.
type vectorInfo struct {
	name string

	// hasCode is set for vectors where the CPU pushes an error code.
	hasCode bool

	// abort is set for exceptions after which the processor state cannot
	// be trusted.
	abort bool

	err *kernel.Error
}

func fault(name string, hasCode bool) vectorInfo {
	return vectorInfo{name: name, hasCode: hasCode, err: &kernel.Error{Module: "gate", Message: name}}
}

func abort(name string, hasCode bool) vectorInfo {
	info := fault(name, hasCode)
	info.abort = true
	return info
}

// vectors is indexed by vector number. Vectors without a name are reserved
// and left without a gate.
var vectors = [stubCount]vectorInfo{
	DivideError:            fault("Divide Error", false),
	Debug:                  fault("Debug", false),
	NMI:                    fault("Non Maskable Interrupt", false),
	Breakpoint:             fault("Breakpoint", false),
	Overflow:               fault("Overflow", false),
	BoundRangeExceeded:     fault("Bound Range Exceeded", false),
	InvalidOpcode:          fault("Invalid Opcode", false),
	DeviceNotAvailable:     fault("Device Not Available", false),
	DoubleFault:            abort("Double Fault", true),
	InvalidTSS:             fault("Invalid TSS", true),
	SegmentNotPresent:      fault("Segment Not Present", true),
	StackSegmentFault:      fault("Stack Segment Fault", true),
	GeneralProtectionFault: fault("General Protection Fault", true),
	PageFault:              fault("Page Fault", true),
	X87FloatingPoint:       fault("x87 Floating Point Exception", false),
	AlignmentCheck:         fault("Alignment Check", true),
	MachineCheck:           abort("Machine Check", false),
	SIMDFloatingPoint:      fault("SIMD Floating Point Exception", false),
	Virtualization:         fault("Virtualization Exception", false),
	ControlProtection:      fault("Control Protection Exception", true),
	HypervisorInjection:    fault("Hypervisor Injection Exception", false),
	VMMCommunication:       fault("VMM Communication Exception", true),
	SecurityException:      fault("Security Exception", true),
}

// Page fault error code bits.
const (
	pfPresent     = 1 << 0
	pfWrite       = 1 << 1
	pfUser        = 1 << 2
	pfReserved    = 1 << 3
	pfInstruction = 1 << 4
)

// readCR2Fn is mocked by tests.
var readCR2Fn = cpu.ReadCR2

// fatal reports the exception described by regs and halts. Exceptions are
// never recovered from.
func fatal(regs *Registers) {
	info := &vectors[regs.Vector]

	kfmt.Printf("\n%s", info.name)
	if info.hasCode {
		kfmt.Printf(" (0x%x)", regs.ErrorCode)
	}
	kfmt.Printf("\n")

	if regs.Vector == PageFault {
		printPageFault(readCR2Fn(), regs.ErrorCode)
	}

	if info.abort {
		kfmt.Printf("abort: processor state is not recoverable\n")
	}

	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(info.err)
}

func printPageFault(addr, code uint64) {
	kfmt.Printf("faulting address: 0x%16x\n", addr)

	kfmt.Printf("reason: ")
	if code&pfPresent != 0 {
		kfmt.Printf("protection violation")
	} else {
		kfmt.Printf("page not present")
	}

	switch {
	case code&pfInstruction != 0:
		kfmt.Printf(" on instruction fetch")
	case code&pfWrite != 0:
		kfmt.Printf(" on write")
	default:
		kfmt.Printf(" on read")
	}

	if code&pfUser != 0 {
		kfmt.Printf(" from user mode")
	} else {
		kfmt.Printf(" from kernel mode")
	}

	if code&pfReserved != 0 {
		kfmt.Printf(", reserved bit set")
	}
	kfmt.Printf("\n")
}
