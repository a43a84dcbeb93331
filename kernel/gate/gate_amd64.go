// Package gate installs the amd64 interrupt descriptor table and routes CPU
// exceptions to handlers that report the fault and halt the system.
package gate

import (
	"encoding/binary"
	"io"
	"unsafe"

	"wasmkernel/kernel"
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception
// occurs. The entry stubs build it on the stack so its layout must match
// the push order in gate_amd64.s.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the exception number. ErrorCode is the value pushed by
	// the CPU or 0 for exceptions without an error code.
	Vector    uint64
	ErrorCode uint64

	// The return frame pushed by the CPU.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

const (
	// idtEntries is the number of gates in the IDT.
	idtEntries = 256

	// stubCount is the number of exception vectors reserved by the CPU.
	// An entry stub exists for each one.
	stubCount = 32

	// gateTypeInterrupt marks a present, ring 0, 64-bit interrupt gate.
	gateTypeInterrupt = 0x8e
)

// idtEntry is a 64-bit mode interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var (
	idt  [idtEntries]idtEntry
	idtr [10]byte

	// handlers is indexed by vector. A nil entry means the vector is not
	// expected to fire.
	handlers [stubCount]func(*Registers)

	// The following are mocked by tests.
	loadIDTFn = cpu.LoadIDT
	readCSFn  = cpu.ReadCS
	panicFn   = kfmt.Panic

	errUnexpectedInterrupt = &kernel.Error{Module: "gate", Message: "unexpected interrupt"}
)

// Init points a gate at the entry stub of every documented exception vector
// and loads the IDT register. Every installed vector is fatal.
func Init() {
	var stubs [stubCount]uintptr
	fillStubs(&stubs)

	cs := readCSFn()
	for vector := range vectors {
		if vectors[vector].name == "" {
			continue
		}

		setGate(uint8(vector), stubs[vector], cs)
		handlers[vector] = fatal
	}

	binary.LittleEndian.PutUint16(idtr[0:], uint16(unsafe.Sizeof(idt)-1))
	binary.LittleEndian.PutUint64(idtr[2:], uint64(uintptr(unsafe.Pointer(&idt[0]))))
	loadIDTFn(uintptr(unsafe.Pointer(&idtr[0])))
}

// setGate installs an interrupt gate for vector that transfers control to
// the code at entry using the given code segment selector.
func setGate(vector uint8, entry uintptr, selector uint16) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(entry),
		selector:   selector,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(entry >> 16),
		offsetHigh: uint32(entry >> 32),
	}
}

// dispatchInterrupt is invoked by the entry stubs with a pointer to the
// register snapshot. It never resumes the interrupted code: the stubs halt
// if it ever returns.
func dispatchInterrupt(regs *Registers) {
	if regs.Vector < stubCount {
		if handler := handlers[regs.Vector]; handler != nil {
			handler(regs)
			return
		}
	}

	kfmt.Printf("\nunexpected interrupt: vector %d\n", regs.Vector)
	panicFn(errUnexpectedInterrupt)
}

// fillStubs stores the address of the entry stub for each of the first
// stubCount vectors into stubs.
func fillStubs(stubs *[stubCount]uintptr)

// gateCommon saves the general purpose registers and calls
// dispatchInterrupt. The per-vector stubs jump here.
func gateCommon()
