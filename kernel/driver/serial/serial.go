// Package serial drives a 16550 compatible UART used as the kernel console.
package serial

import (
	"wasmkernel/kernel/cpu"
	"wasmkernel/kernel/sync"
)

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3f8)

// Register offsets from the port base.
const (
	regData        = 0
	regIntEnable   = 1
	regFifoCtrl    = 2
	regLineCtrl    = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	lineStatusTHRE = 0x20

	loopbackProbe = 0xae
)

var (
	// The following are mocked by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Port is a serial port configured for 38400 baud, 8N1, with FIFOs
// enabled. It implements io.Writer.
type Port struct {
	lock    sync.Spinlock
	base    uint16
	present bool
}

// NewPort returns an uninitialized port at the given I/O base.
func NewPort(base uint16) *Port {
	return &Port{base: base}
}

// Init programs the UART and runs a loopback self-test. It returns false if
// the self-test fails, in which case all writes to the port are dropped.
func (p *Port) Init() bool {
	p.out(regIntEnable, 0x00)
	p.out(regLineCtrl, 0x80) // DLAB on
	p.out(regData, 0x03)     // divisor low byte: 38400 baud
	p.out(regIntEnable, 0x00)
	p.out(regLineCtrl, 0x03) // 8 bits, no parity, one stop bit
	p.out(regFifoCtrl, 0xc7)
	p.out(regModemCtrl, 0x03)

	p.out(regModemCtrl, 0x1e) // loopback
	p.out(regData, loopbackProbe)
	if portReadByteFn(p.base+regData) != loopbackProbe {
		p.present = false
		return false
	}

	p.out(regModemCtrl, 0x03)
	p.present = true
	return true
}

// Present reports whether the self-test run by Init succeeded.
func (p *Port) Present() bool {
	return p.present
}

// Write sends b to the port, busy-waiting for the transmit holding register
// before each byte. It always reports success.
func (p *Port) Write(b []byte) (int, error) {
	if !p.present {
		return len(b), nil
	}

	p.lock.Acquire()
	for _, ch := range b {
		for portReadByteFn(p.base+regLineStatus)&lineStatusTHRE == 0 {
		}
		p.out(regData, ch)
	}
	p.lock.Release()

	return len(b), nil
}

func (p *Port) out(reg uint16, val uint8) {
	portWriteByteFn(p.base+reg, val)
}
