// Package console implements the Console Serial device (spec §4.6): a
// 16550-compatible UART on legacy I/O port 0x3f8, with an unbounded host
// input buffer drained into the device's receive FIFO on flush, an
// in-buffer-empty eventfd for back-pressure, and an irqfd-driven interrupt
// on IRQ line 4.
//
// The register layout and I/O port dispatch are adapted from the teacher's
// internal/devices/amd64/serial.Serial16550 (same constants, same register
// file), rebuilt around the explicit in-buffer/FIFO/eventfd pipeline the
// spec names instead of the teacher's direct io.Reader polling.
package console

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	Port    uint16 = 0x3f8
	IRQLine uint32 = 4

	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6
)

// irqSink asserts a GSI line, implemented by *kvmx86.VM in production.
type irqSink interface {
	RegisterIRQFD(fd int, gsi uint32) error
}

// UART implements a minimal 16550 UART on port 0x3f8.
type UART struct {
	mu sync.Mutex

	out io.Writer

	dll, dlm byte
	ier      byte
	fcr      byte
	lcr      byte
	mcr      byte
	lsr      byte
	scr      byte

	rxFIFO      [fifoSize]byte
	rxFIFOHead  int
	rxFIFOCount int

	inBuffer []byte

	irqfd     int
	emptyfd   int
	pendingII byte
}

// New creates a UART writing guest output to out. Call Init to wire it to
// a GSI sink before the guest boots.
func New(out io.Writer) *UART {
	return &UART{
		out:       out,
		lsr:       lsrTHRE | lsrTEMT,
		pendingII: 0x01,
		irqfd:     -1,
		emptyfd:   -1,
	}
}

// Init creates the irqfd/in-buffer-empty eventfds and registers the irqfd
// with sink on IRQLine, per spec §4.6.
func (u *UART) Init(sink irqSink) error {
	irqfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("console: create irqfd: %w", err)
	}
	emptyfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(irqfd)
		return fmt.Errorf("console: create in-buffer-empty eventfd: %w", err)
	}

	if err := sink.RegisterIRQFD(irqfd, IRQLine); err != nil {
		unix.Close(irqfd)
		unix.Close(emptyfd)
		return fmt.Errorf("console: register irqfd: %w", err)
	}

	u.mu.Lock()
	u.irqfd = irqfd
	u.emptyfd = emptyfd
	u.mu.Unlock()
	return nil
}

// EmptyFd returns the host event file descriptor that fires when the
// in-buffer has been fully drained, for host-side back-pressure.
func (u *UART) EmptyFd() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.emptyfd
}

// PushInput appends bytes to the unbounded host input buffer.
func (u *UART) PushInput(data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inBuffer = append(u.inBuffer, data...)
}

// fifoCapacity returns the number of free slots in the receive FIFO.
func (u *UART) fifoCapacity() int {
	return fifoSize - u.rxFIFOCount
}

// Flush drains up to fifoCapacity() bytes from the in-buffer into the
// receive FIFO, firing the in-buffer-empty eventfd once the in-buffer has
// been fully drained (spec §4.6).
func (u *UART) Flush() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	cap := u.fifoCapacity()
	if cap <= 0 || len(u.inBuffer) == 0 {
		return nil
	}
	n := cap
	if n > len(u.inBuffer) {
		n = len(u.inBuffer)
	}
	for i := 0; i < n; i++ {
		u.pushRXLocked(u.inBuffer[i])
	}
	u.inBuffer = u.inBuffer[n:]

	if len(u.inBuffer) == 0 && u.emptyfd >= 0 {
		one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
		unix.Write(u.emptyfd, one)
	}
	return nil
}

func (u *UART) pushRXLocked(b byte) {
	if u.rxFIFOCount >= fifoSize {
		return
	}
	idx := (u.rxFIFOHead + u.rxFIFOCount) % fifoSize
	u.rxFIFO[idx] = b
	u.rxFIFOCount++
	u.lsr |= lsrDataReady
	u.assertLocked()
}

func (u *UART) popRXLocked() byte {
	if u.rxFIFOCount == 0 {
		return 0
	}
	b := u.rxFIFO[u.rxFIFOHead]
	u.rxFIFOHead = (u.rxFIFOHead + 1) % fifoSize
	u.rxFIFOCount--
	if u.rxFIFOCount == 0 {
		u.lsr &^= lsrDataReady
	}
	return b
}

func (u *UART) assertLocked() {
	if u.irqfd < 0 {
		return
	}
	if u.ier&0x01 == 0 {
		return
	}
	one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	unix.Write(u.irqfd, one)
}

// HandlePIO implements the §4.6 register file at port 0x3f8 (kvmx86.IOHandler's
// port-I/O half).
func (u *UART) HandlePIO(port uint16, data []byte, isWrite bool) error {
	if port < Port || port >= Port+registerCount {
		return fmt.Errorf("console: port %#x out of range", port)
	}
	reg := port - Port

	u.mu.Lock()
	defer u.mu.Unlock()

	if isWrite {
		if len(data) == 0 {
			return nil
		}
		u.writeRegLocked(reg, data[0])
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	data[0] = u.readRegLocked(reg)
	return nil
}

func (u *UART) writeRegLocked(reg uint16, b byte) {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = b
			return
		}
		if u.out != nil {
			u.out.Write([]byte{b})
		}
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = b
			return
		}
		u.ier = b & 0x0f
	case 2:
		u.fcr = b
	case 3:
		u.lcr = b
	case 4:
		u.mcr = b
	case 7:
		u.scr = b
	}
}

func (u *UART) readRegLocked(reg uint16) byte {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.popRXLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.pendingII
		if u.rxFIFOCount > 0 {
			iir = 0x04
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		return u.lsr
	case 6:
		return 0xb0 // CTS|DSR|DCD asserted
	case 7:
		return u.scr
	}
	return 0
}
