//go:build linux

package virtionet

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Feature bits offered by the device (spec §4.7).
const (
	featVersion1  = uint64(1) << 32
	featInOrder   = uint64(1) << 35
	featEventIdx  = uint64(1) << 29
	featMac       = uint64(1) << 5
	featCsum      = uint64(1) << 0
	featGuestCsum = uint64(1) << 1
	featGuestTSO4 = uint64(1) << 7
	featGuestTSO6 = uint64(1) << 8
	featGuestUFO  = uint64(1) << 10
	featHostTSO4  = uint64(1) << 11
	featHostTSO6  = uint64(1) << 12
	featHostUFO   = uint64(1) << 14
	featStatus    = uint64(1) << 16

	offeredFeatures = featVersion1 | featInOrder | featEventIdx | featMac |
		featCsum | featGuestCsum | featGuestTSO4 | featGuestTSO6 | featGuestUFO |
		featHostTSO4 | featHostTSO6 | featHostUFO | featStatus
)

// Device status bits (virtio 1.0 §2.1).
const (
	statusAcknowledge = 1 << 0
	statusDriver      = 1 << 1
	statusDriverOK    = 1 << 2
	statusFeaturesOK  = 1 << 3
	statusFailed      = 1 << 7
)

const (
	numQueues    = 2
	queueRX      = 0
	queueTX      = 1
	queueMaxSize = 256

	vnetHeaderSize = 12
)

// ErrBadFeatures is returned when the driver negotiates a feature set that
// does not include VERSION_1, per spec §4.7.
var ErrBadFeatures = errors.New("virtionet: driver did not select VERSION_1")

// irqSink registers an eventfd as a GSI interrupt source.
type irqSink interface {
	RegisterIRQFD(fd int, gsi uint32) error
}

// ioeventSink registers an eventfd to fire on a matching MMIO write.
type ioeventSink interface {
	RegisterIOEventFD(fd int, addr uint64, length uint32, datamatch uint64) error
}

// VM is the combination of capabilities the virtualization facility must
// expose for activation (spec §4.7's "register it with the virtualization
// facility").
type VM interface {
	irqSink
	ioeventSink
}

// Device implements the virtio-net MMIO device.
type Device struct {
	mu sync.Mutex

	base uint64
	size uint64
	gsi  uint32
	mac  [6]byte

	mem GuestMemory
	vm  VM

	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   [2]uint32

	queueSel uint32
	queues   [numQueues]*VirtQueue

	deviceStatus    uint32
	interruptStatus atomic.Uint32
	configGen       uint32

	activated bool
	irqfd     int
	notifyFds [numQueues]int

	tap *tapBackend
}

// Config holds the host-side setup for the tap backend (spec §4.7's
// "Backend" paragraph).
type Config struct {
	Base       uint64
	Size       uint64
	GSI        uint32
	MAC        net.HardwareAddr
	TapName    string
	HostIP     net.IP
	Netmask    net.IPMask
	BridgeName string
}

// New creates a Device bound to mem and vm, with the tap interface opened
// and configured per cfg but not yet activated.
func New(mem GuestMemory, vm VM, cfg Config) (*Device, error) {
	if len(cfg.MAC) != 6 {
		return nil, fmt.Errorf("virtionet: MAC must be 6 bytes")
	}
	tap, err := newTapBackend(cfg.TapName, cfg.HostIP, cfg.Netmask, cfg.BridgeName)
	if err != nil {
		return nil, err
	}

	d := &Device{
		base: cfg.Base,
		size: cfg.Size,
		gsi:  cfg.GSI,
		mem:  mem,
		vm:   vm,
		tap:  tap,
	}
	copy(d.mac[:], cfg.MAC)
	for i := range d.queues {
		d.queues[i] = NewVirtQueue(mem, queueMaxSize)
	}
	for i := range d.notifyFds {
		d.notifyFds[i] = -1
	}
	return d, nil
}

// CmdlineFragment returns the kernel command-line fragment per spec §4.7's
// registration contract, for inclusion via bootx64.BuildCmdline.
func (d *Device) CmdlineFragment() string {
	return fmt.Sprintf("virtio_mmio.device=%s@%#x:%d", humanSize(d.size), d.base, d.gsi)
}

// humanSize renders n as an integer suffixed with G/M/K when it divides
// evenly, or as bare bytes otherwise, per spec §6's command-line grammar.
func humanSize(n uint64) string {
	switch {
	case n != 0 && n%(1<<30) == 0:
		return fmt.Sprintf("%dG", n>>30)
	case n != 0 && n%(1<<20) == 0:
		return fmt.Sprintf("%dM", n>>20)
	case n != 0 && n%(1<<10) == 0:
		return fmt.Sprintf("%dK", n>>10)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// Base and Size report the device's MMIO window, for I/O dispatch wiring.
func (d *Device) Base() uint64 { return d.base }
func (d *Device) Size() uint64 { return d.size }

// Close releases the tap file descriptor and any notify eventfds.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, fd := range d.notifyFds {
		if fd > 0 {
			unix.Close(fd)
		}
	}
	if d.irqfd > 0 {
		unix.Close(d.irqfd)
	}
	if d.tap != nil {
		return d.tap.Close()
	}
	return nil
}

// activateLocked implements spec §4.7's Initialized->Activating->Active
// transition. Caller must hold d.mu.
func (d *Device) activateLocked() error {
	if d.activated {
		return nil
	}
	for i, q := range d.queues {
		if !q.Ready {
			return fmt.Errorf("virtionet: queue %d not ready at activation", i)
		}
	}
	negotiated := uint64(d.driverFeatures[0]) | uint64(d.driverFeatures[1])<<32
	if negotiated&featVersion1 == 0 {
		return ErrBadFeatures
	}

	irqfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtionet: create irqfd: %w", err)
	}
	if err := d.vm.RegisterIRQFD(irqfd, d.gsi); err != nil {
		unix.Close(irqfd)
		return fmt.Errorf("virtionet: register irqfd: %w", err)
	}
	d.irqfd = irqfd

	for i := range d.queues {
		fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
		if err != nil {
			return fmt.Errorf("virtionet: create queue-notify eventfd: %w", err)
		}
		if err := d.vm.RegisterIOEventFD(fd, d.base+mmioQueueNotify, 4, uint64(i)); err != nil {
			unix.Close(fd)
			return fmt.Errorf("virtionet: register queue-notify ioeventfd: %w", err)
		}
		d.notifyFds[i] = fd
	}

	d.activated = true
	return nil
}

// NotifyFd returns the ioeventfd the event manager should watch for queue
// index, valid once the device is active.
func (d *Device) NotifyFd(queue int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notifyFds[queue]
}

// HandleQueueNotify processes pending work on queue, invoked by the event
// manager when the queue's notify eventfd fires or synchronously from a
// trapped QUEUE_NOTIFY MMIO write.
func (d *Device) HandleQueueNotify(queue int) error {
	switch queue {
	case queueTX:
		return d.processTX()
	case queueRX:
		return d.pumpRX()
	default:
		return nil
	}
}

// signal ORs bit into the interrupt-status register and writes to the
// irqfd — the "SingleFdSignalQueue" mechanism spec §4.7 names.
func (d *Device) signal(bit uint32) {
	for {
		old := d.interruptStatus.Load()
		if old&bit != 0 {
			break
		}
		if d.interruptStatus.CompareAndSwap(old, old|bit) {
			break
		}
	}
	d.mu.Lock()
	fd := d.irqfd
	d.mu.Unlock()
	if fd > 0 {
		one := []byte{1, 0, 0, 0, 0, 0, 0, 0}
		unix.Write(fd, one)
	}
}
