// Package cpu exposes the handful of privileged amd64 instructions the kernel
// relies on. All functions without a body are implemented in cpu_amd64.s.
package cpu

var (
	cpuidFn = ID
)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution. Halt never returns; if the CPU is woken
// up by an NMI it goes straight back to sleep.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadCS returns the code segment selector the kernel is running with.
func ReadCS() uint16

// LoadIDT loads the IDT register with the 10-byte descriptor (limit, base)
// located at descriptorAddr.
func LoadIDT(descriptorAddr uintptr)

// RDRand64 returns a random value from the hardware RNG. The ok flag mirrors
// the carry flag set by RDRAND; it is false when the RNG could not supply a
// value.
func RDRand64() (value uint64, ok bool)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasRDRAND returns true if the CPU implements the RDRAND instruction
// (CPUID.01H:ECX.RDRAND[bit 30]).
func HasRDRAND() bool {
	_, _, ecx, _ := cpuidFn(1)
	return ecx&(1<<30) != 0
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8
