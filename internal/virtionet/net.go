//go:build linux

package virtionet

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func uintptrOf(req *ifreq) uintptr {
	return uintptr(unsafe.Pointer(req))
}

// tap ioctl request numbers, from the real Linux TUN/TAP ABI (the teacher's
// internal/linux/defs_amd64.go carries the same TUNSETIFF constant, though
// nothing in the teacher opens a tap device — this runner is the first
// consumer of it).
const (
	tunSetIff  = 0x400454ca
	iffTap     = 0x0002
	iffNoPi    = 0x1000
	ifNamSize  = 16
	tunDevPath = "/dev/net/tun"
)

type ifreq struct {
	Name  [ifNamSize]byte
	Flags uint16
	_     [22]byte
}

// tapBackend owns the host tap file descriptor and its host-side network
// configuration (spec §4.7's "Backend" paragraph).
type tapBackend struct {
	file *os.File
	name string
}

func newTapBackend(name string, hostIP net.IP, mask net.IPMask, bridge string) (*tapBackend, error) {
	f, err := os.OpenFile(tunDevPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("virtionet: open %s: %w", tunDevPath, err)
	}

	var req ifreq
	copy(req.Name[:], name)
	req.Flags = iffTap | iffNoPi
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), tunSetIff, uintptrOf(&req)); errno != 0 {
		f.Close()
		return nil, fmt.Errorf("virtionet: TUNSETIFF %s: %w", name, errno)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("virtionet: link %s: %w", name, err)
	}

	if hostIP != nil && mask != nil {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: hostIP, Mask: mask}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			f.Close()
			return nil, fmt.Errorf("virtionet: assign address to %s: %w", name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		f.Close()
		return nil, fmt.Errorf("virtionet: bring up %s: %w", name, err)
	}

	if bridge != "" {
		br, err := netlink.LinkByName(bridge)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("virtionet: bridge %s: %w", bridge, err)
		}
		if err := netlink.LinkSetMaster(link, br); err != nil {
			f.Close()
			return nil, fmt.Errorf("virtionet: attach %s to bridge %s: %w", name, bridge, err)
		}
	}

	return &tapBackend{file: f, name: name}, nil
}

func (t *tapBackend) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}

// processTX implements spec §4.7's TX-queue handler: walk the queue, strip
// the vnet header, write each frame to the tap, publish used.
func (d *Device) processTX() error {
	d.mu.Lock()
	q := d.queues[queueTX]
	d.mu.Unlock()

	for {
		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		chain, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}

		var frame []byte
		skipped := 0
		for _, p := range chain {
			buf, err := q.ReadGuest(p.Addr, p.Length)
			if err != nil {
				return err
			}
			if skipped < vnetHeaderSize {
				need := vnetHeaderSize - skipped
				if need >= len(buf) {
					skipped += len(buf)
					continue
				}
				buf = buf[need:]
				skipped = vnetHeaderSize
			}
			frame = append(frame, buf...)
		}

		if len(frame) > 0 {
			if _, err := d.tap.file.Write(frame); err != nil {
				return fmt.Errorf("virtionet: write tap: %w", err)
			}
		}
		if err := q.PutUsedBuffer(head, 0); err != nil {
			return err
		}
		d.signal(mmioIntVring)
	}
}

// pumpRX implements spec §4.7's RX path: read a frame from the tap, walk
// the RX queue descriptor chain, copy the frame prefixed by a 12-byte vnet
// header into guest memory, publish used, signal.
func (d *Device) pumpRX() error {
	d.mu.Lock()
	q := d.queues[queueRX]
	d.mu.Unlock()

	buf := make([]byte, 65536)
	for {
		n, err := d.tap.file.Read(buf)
		if err != nil {
			if err == unix.EAGAIN {
				return nil
			}
			return fmt.Errorf("virtionet: read tap: %w", err)
		}
		frame := buf[:n]

		head, ok, err := q.GetAvailableBuffer()
		if err != nil {
			return err
		}
		if !ok {
			// No RX buffers posted yet; drop the frame.
			continue
		}
		chain, err := q.ReadDescriptorChain(head)
		if err != nil {
			return err
		}

		var hdr [vnetHeaderSize]byte
		written := uint32(0)
		remaining := append(hdr[:], frame...)
		for _, p := range chain {
			if len(remaining) == 0 {
				break
			}
			n := int(p.Length)
			if n > len(remaining) {
				n = len(remaining)
			}
			if err := q.WriteGuest(p.Addr, remaining[:n]); err != nil {
				return err
			}
			written += uint32(n)
			remaining = remaining[n:]
		}
		if err := q.PutUsedBuffer(head, written); err != nil {
			return err
		}
		d.signal(mmioIntVring)
	}
}

const mmioIntVring = 0x1
