package bootx64

import "testing"

type fakeMemory struct {
	base uint64
	data []byte
}

func newFakeMemory(size uint64) *fakeMemory {
	return &fakeMemory{data: make([]byte, size)}
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	copy(m.data[off:], p)
	return len(p), nil
}

func (m *fakeMemory) MemoryBase() uint64 { return m.base }
func (m *fakeMemory) MemorySize() uint64 { return uint64(len(m.data)) }

func TestDefaultE820MapTwoEntries(t *testing.T) {
	entries, err := DefaultE820Map(256 * 1024 * 1024)
	if err != nil {
		t.Fatalf("DefaultE820Map: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Addr != 0 || entries[0].Size != EBDAStart {
		t.Fatalf("unexpected low entry: %+v", entries[0])
	}
	if entries[1].Addr != HimemStart || entries[1].Size != 256*1024*1024-HimemStart {
		t.Fatalf("unexpected high entry: %+v", entries[1])
	}
}

func TestDefaultE820MapRejectsTinyMemory(t *testing.T) {
	if _, err := DefaultE820Map(0x1000); err == nil {
		t.Fatalf("expected error for memory below HIMEM_START")
	}
}

func TestBuildCmdlineAppendsVirtioFragments(t *testing.T) {
	got := BuildCmdline([]string{"virtio_mmio.device=4K@0xd0000000:5"})
	want := BaseCmdline + " virtio_mmio.device=4K@0xd0000000:5"
	if got != want {
		t.Fatalf("BuildCmdline = %q, want %q", got, want)
	}
}

func TestBuildCmdlineNoFragments(t *testing.T) {
	if got := BuildCmdline(nil); got != BaseCmdline {
		t.Fatalf("BuildCmdline(nil) = %q, want %q", got, BaseCmdline)
	}
}

func TestBuildZeroPageRejectsTooManyE820Entries(t *testing.T) {
	mem := newFakeMemory(64 * 1024 * 1024)
	entries := make([]E820Entry, e820MaxEntries+1)
	err := BuildZeroPage(mem, HimemStart, BaseCmdline, 0, 0, entries)
	if err == nil {
		t.Fatalf("expected error for e820 map exceeding max entries")
	}
}

func TestBuildZeroPageWritesMagicAndCmdline(t *testing.T) {
	mem := newFakeMemory(64 * 1024 * 1024)
	e820, err := DefaultE820Map(mem.MemorySize())
	if err != nil {
		t.Fatal(err)
	}
	if err := BuildZeroPage(mem, 0x1000000, BaseCmdline, 0, 0, e820); err != nil {
		t.Fatalf("BuildZeroPage: %v", err)
	}

	zp := mem.data[ZeroPgStart : ZeroPgStart+zeroPageSize]
	if got := zp[setupHeaderBootFlagOffset]; got != 0x55 {
		t.Fatalf("boot flag low byte = %#x, want 0x55", got)
	}
	if string(zp[setupHeaderHeaderOffset:setupHeaderHeaderOffset+4]) != headerMagic {
		t.Fatalf("header magic not written")
	}
	if zp[typeOfLoaderOffset] != typeOfLoaderOther {
		t.Fatalf("type_of_loader = %#x, want %#x", zp[typeOfLoaderOffset], typeOfLoaderOther)
	}
	if zp[zeroPageE820Entries] != byte(len(e820)) {
		t.Fatalf("e820 entry count = %d, want %d", zp[zeroPageE820Entries], len(e820))
	}

	gotCmdline := string(mem.data[CmdlineStart : CmdlineStart+len(BaseCmdline)])
	if gotCmdline != BaseCmdline {
		t.Fatalf("command line = %q, want %q", gotCmdline, BaseCmdline)
	}
}
