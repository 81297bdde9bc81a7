//go:build linux

package virtionet

import (
	"encoding/binary"
	"testing"
)

type fakeMem struct {
	data []byte
}

func newFakeMem(size int) *fakeMem { return &fakeMem{data: make([]byte, size)} }

func (m *fakeMem) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *fakeMem) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

type fakeVM struct {
	irqfds   []uint32
	ioevents []uint64
}

func (v *fakeVM) RegisterIRQFD(fd int, gsi uint32) error {
	v.irqfds = append(v.irqfds, gsi)
	return nil
}

func (v *fakeVM) RegisterIOEventFD(fd int, addr uint64, length uint32, datamatch uint64) error {
	v.ioevents = append(v.ioevents, datamatch)
	return nil
}

func newTestDevice(t *testing.T) (*Device, *fakeMem) {
	t.Helper()
	mem := newFakeMem(1 << 20)
	d := &Device{
		base: 0xd0002000,
		size: 0x200,
		gsi:  7,
		mem:  mem,
		vm:   &fakeVM{},
	}
	copy(d.mac[:], []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01})
	for i := range d.queues {
		d.queues[i] = NewVirtQueue(mem, queueMaxSize)
	}
	return d, mem
}

func readReg(t *testing.T, d *Device, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := d.HandleMMIO(d.base+off, buf[:], false); err != nil {
		t.Fatalf("read %#x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func writeReg(t *testing.T, d *Device, off uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := d.HandleMMIO(d.base+off, buf[:], true); err != nil {
		t.Fatalf("write %#x=%#x: %v", off, value, err)
	}
}

func TestMagicVersionAndDeviceID(t *testing.T) {
	d, _ := newTestDevice(t)
	if v := readReg(t, d, mmioMagicValue); v != virtioMagic {
		t.Fatalf("magic = %#x", v)
	}
	if v := readReg(t, d, mmioVersion); v != virtioVersion {
		t.Fatalf("version = %d", v)
	}
	if v := readReg(t, d, mmioDeviceID); v != netDeviceID {
		t.Fatalf("device id = %d", v)
	}
}

func TestDeviceFeaturesSelection(t *testing.T) {
	d, _ := newTestDevice(t)
	writeReg(t, d, mmioDeviceFeatSel, 1)
	hi := readReg(t, d, mmioDeviceFeatures)
	if hi&(1<<0) == 0 { // VERSION_1 bit 32 -> bit 0 of high word
		t.Fatalf("VERSION_1 not offered in high word: %#x", hi)
	}
}

func TestActivationRequiresQueuesReadyAndVersion1(t *testing.T) {
	d, _ := newTestDevice(t)
	d.mu.Lock()
	err := d.activateLocked()
	d.mu.Unlock()
	if err == nil {
		t.Fatalf("expected activation to fail before queues are ready")
	}

	for i := range d.queues {
		d.queues[i].SetSize(4)
		d.queues[i].SetAddresses(0x1000, 0x2000, 0x3000)
		d.queues[i].Ready = true
	}

	d.mu.Lock()
	err = d.activateLocked()
	d.mu.Unlock()
	if err != ErrBadFeatures {
		t.Fatalf("expected ErrBadFeatures, got %v", err)
	}

	writeReg(t, d, mmioDriverFeatSel, 1)
	writeReg(t, d, mmioDriverFeatures, 1) // bit 32 (VERSION_1) in high word

	d.mu.Lock()
	err = d.activateLocked()
	d.mu.Unlock()
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !d.activated {
		t.Fatalf("device not marked activated")
	}
	vm := d.vm.(*fakeVM)
	if len(vm.irqfds) != 1 || vm.irqfds[0] != 7 {
		t.Fatalf("irqfd not registered on gsi 7: %v", vm.irqfds)
	}
	if len(vm.ioevents) != numQueues {
		t.Fatalf("expected %d ioeventfd registrations, got %d", numQueues, len(vm.ioevents))
	}
}

func TestStatusResetClearsQueues(t *testing.T) {
	d, _ := newTestDevice(t)
	d.queues[0].SetSize(4)
	d.queues[0].Ready = true

	writeReg(t, d, mmioStatus, 0)
	if d.queues[0].Ready {
		t.Fatalf("queue still ready after status reset")
	}
}

func TestCmdlineFragment(t *testing.T) {
	d, _ := newTestDevice(t)
	got := d.CmdlineFragment()
	want := "virtio_mmio.device=512@0xd0002000:7"
	if got != want {
		t.Fatalf("CmdlineFragment = %q, want %q", got, want)
	}
}

func TestConfigSpaceReadsMAC(t *testing.T) {
	d, _ := newTestDevice(t)
	var buf [4]byte
	if err := d.HandleMMIO(d.base+mmioConfig, buf[:], false); err != nil {
		t.Fatalf("read config: %v", err)
	}
	if buf[0] != 0x02 || buf[1] != 0x00 {
		t.Fatalf("config MAC bytes = %v", buf[:2])
	}
}
