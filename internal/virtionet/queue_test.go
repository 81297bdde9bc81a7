//go:build linux

package virtionet

import (
	"encoding/binary"
	"testing"
)

func TestVirtQueueDescriptorChainAndUsedRing(t *testing.T) {
	mem := newFakeMem(1 << 16)
	q := NewVirtQueue(mem, queueMaxSize)
	q.SetAddresses(0x0, 0x1000, 0x2000)
	if err := q.SetSize(2); err != nil {
		t.Fatalf("SetSize: %v", err)
	}
	q.Ready = true

	// Descriptor 0: 4 bytes at 0x5000, chained to descriptor 1.
	writeDescriptor(mem, 0x0, 0, 0x5000, 4, virtqDescFNext, 1)
	// Descriptor 1: 4 bytes at 0x5004, end of chain.
	writeDescriptor(mem, 0x0, 1, 0x5004, 4, 0, 0)

	binary.LittleEndian.PutUint16(mem.data[0x1000+2:], 1) // avail.idx = 1
	binary.LittleEndian.PutUint16(mem.data[0x1000+4:], 0) // avail.ring[0] = head 0

	head, ok, err := q.GetAvailableBuffer()
	if err != nil || !ok {
		t.Fatalf("GetAvailableBuffer: head=%d ok=%v err=%v", head, ok, err)
	}
	if head != 0 {
		t.Fatalf("head = %d, want 0", head)
	}

	chain, err := q.ReadDescriptorChain(head)
	if err != nil {
		t.Fatalf("ReadDescriptorChain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(chain))
	}
	if chain[0].Addr != 0x5000 || chain[1].Addr != 0x5004 {
		t.Fatalf("chain addrs = %#x, %#x", chain[0].Addr, chain[1].Addr)
	}

	if err := q.PutUsedBuffer(head, 8); err != nil {
		t.Fatalf("PutUsedBuffer: %v", err)
	}
	usedIdx := binary.LittleEndian.Uint16(mem.data[0x2000+2:])
	if usedIdx != 1 {
		t.Fatalf("used.idx = %d, want 1", usedIdx)
	}
	usedLen := binary.LittleEndian.Uint32(mem.data[0x2000+4+4:])
	if usedLen != 8 {
		t.Fatalf("used element length = %d, want 8", usedLen)
	}
}

func writeDescriptor(mem *fakeMem, descTable uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := descTable + uint64(idx)*16
	binary.LittleEndian.PutUint64(mem.data[off:], addr)
	binary.LittleEndian.PutUint32(mem.data[off+8:], length)
	binary.LittleEndian.PutUint16(mem.data[off+12:], flags)
	binary.LittleEndian.PutUint16(mem.data[off+14:], next)
}
