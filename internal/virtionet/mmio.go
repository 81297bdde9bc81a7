//go:build linux

package virtionet

import "encoding/binary"

// Register offsets are the virtio-mmio v2 transport layout (virtio 1.0
// §4.2.2), kept verbatim from the teacher's internal/devices/virtio/mmio.go.
const (
	mmioMagicValue     = 0x000
	mmioVersion        = 0x004
	mmioDeviceID       = 0x008
	mmioVendorID       = 0x00c
	mmioDeviceFeatures = 0x010
	mmioDeviceFeatSel  = 0x014
	mmioDriverFeatures = 0x020
	mmioDriverFeatSel  = 0x024
	mmioQueueSel       = 0x030
	mmioQueueNumMax    = 0x034
	mmioQueueNum       = 0x038
	mmioQueueReady     = 0x044
	mmioQueueNotify    = 0x050
	mmioInterruptState = 0x060
	mmioInterruptAck   = 0x064
	mmioStatus         = 0x070
	mmioQueueDescLow   = 0x080
	mmioQueueDescHigh  = 0x084
	mmioQueueAvailLow  = 0x090
	mmioQueueAvailHigh = 0x094
	mmioQueueUsedLow   = 0x0a0
	mmioQueueUsedHigh  = 0x0a4
	mmioConfigGenerate = 0x0fc
	mmioConfig         = 0x100

	virtioMagic   = 0x74726976 // "virt"
	virtioVersion = 2
	netDeviceID   = 1
	netVendorID   = 0x554d4551 // "QEMU", matches the teacher's convention
)

// HandleMMIO implements kvmx86.IOHandler's MMIO half for the virtio-net
// register file (spec §4.7's "MMIO reads/writes dispatch through the
// standard virtio-mmio register file").
func (d *Device) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr < d.base || addr+uint64(len(data)) > d.base+d.size {
		return nil
	}
	off := addr - d.base

	d.mu.Lock()
	defer d.mu.Unlock()

	if off >= mmioConfig {
		return d.accessConfigLocked(off-mmioConfig, data, isWrite)
	}
	if isWrite {
		if len(data) != 4 {
			return nil
		}
		return d.writeRegisterLocked(off, binary.LittleEndian.Uint32(data))
	}
	if len(data) != 4 {
		return nil
	}
	binary.LittleEndian.PutUint32(data, d.readRegisterLocked(off))
	return nil
}

func (d *Device) writeRegisterLocked(off uint64, value uint32) error {
	switch off {
	case mmioDeviceFeatSel:
		d.deviceFeatureSel = value
	case mmioDriverFeatSel:
		d.driverFeatureSel = value
	case mmioDriverFeatures:
		if d.driverFeatureSel < uint32(len(d.driverFeatures)) {
			d.driverFeatures[d.driverFeatureSel] = value
		}
	case mmioQueueSel:
		if value < numQueues {
			d.queueSel = value
		}
	case mmioQueueNum:
		if q := d.currentQueueLocked(); q != nil {
			if err := q.SetSize(uint16(value)); err != nil {
				return err
			}
		}
	case mmioQueueReady:
		if q := d.currentQueueLocked(); q != nil {
			q.Ready = value&0x1 != 0
		}
	case mmioQueueNotify:
		idx := int(value)
		if !d.activated {
			if err := d.activateLocked(); err != nil {
				return err
			}
		}
		if idx >= 0 && idx < numQueues {
			d.mu.Unlock()
			err := d.HandleQueueNotify(idx)
			d.mu.Lock()
			return err
		}
	case mmioInterruptAck:
		for {
			old := d.interruptStatus.Load()
			if d.interruptStatus.CompareAndSwap(old, old&^value) {
				break
			}
		}
	case mmioStatus:
		d.deviceStatus = value
		if value == 0 {
			d.resetLocked()
		}
	case mmioQueueDescLow:
		d.setQueueAddrWordLocked(0, 0, value)
	case mmioQueueDescHigh:
		d.setQueueAddrWordLocked(0, 32, value)
	case mmioQueueAvailLow:
		d.setQueueAddrWordLocked(1, 0, value)
	case mmioQueueAvailHigh:
		d.setQueueAddrWordLocked(1, 32, value)
	case mmioQueueUsedLow:
		d.setQueueAddrWordLocked(2, 0, value)
	case mmioQueueUsedHigh:
		d.setQueueAddrWordLocked(2, 32, value)
	}
	return nil
}

// setQueueAddrWordLocked patches one 32-bit half of the desc/avail/used
// address for the currently selected queue. field selects which of the
// three addresses (0=desc, 1=avail, 2=used); shift is 0 for the low word
// and 32 for the high word.
func (d *Device) setQueueAddrWordLocked(field int, shift uint, value uint32) {
	q := d.currentQueueLocked()
	if q == nil {
		return
	}
	addrs := [3]*uint64{&q.DescTableAddr, &q.AvailRingAddr, &q.UsedRingAddr}
	p := addrs[field]
	mask := uint64(0xffffffff) << shift
	*p = (*p &^ mask) | (uint64(value) << shift)
}

func (d *Device) readRegisterLocked(off uint64) uint32 {
	switch off {
	case mmioMagicValue:
		return virtioMagic
	case mmioVersion:
		return virtioVersion
	case mmioDeviceID:
		return netDeviceID
	case mmioVendorID:
		return netVendorID
	case mmioDeviceFeatures:
		if d.deviceFeatureSel == 0 {
			return uint32(offeredFeatures & 0xffffffff)
		}
		return uint32(offeredFeatures >> 32)
	case mmioQueueNumMax:
		return queueMaxSize
	case mmioQueueReady:
		if q := d.currentQueueLocked(); q != nil && q.Ready {
			return 1
		}
		return 0
	case mmioInterruptState:
		return d.interruptStatus.Load()
	case mmioStatus:
		return d.deviceStatus
	case mmioConfigGenerate:
		return d.configGen
	}
	return 0
}

func (d *Device) currentQueueLocked() *VirtQueue {
	if d.queueSel >= numQueues {
		return nil
	}
	return d.queues[d.queueSel]
}

func (d *Device) resetLocked() {
	for _, q := range d.queues {
		q.Reset()
	}
	d.driverFeatures = [2]uint32{}
	d.interruptStatus.Store(0)
	// activated/irqfd/notifyFds intentionally left alone: reset() is a
	// no-op with respect to host-side wiring in this design (spec §4.7).
}

func (d *Device) accessConfigLocked(off uint64, data []byte, isWrite bool) error {
	var cfg [8]byte
	copy(cfg[0:6], d.mac[:])
	cfg[6] = 1 // link up
	if isWrite {
		return nil
	}
	for i := range data {
		idx := off + uint64(i)
		if idx < uint64(len(cfg)) {
			data[i] = cfg[idx]
		} else {
			data[i] = 0
		}
	}
	return nil
}
