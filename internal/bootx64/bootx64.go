// Package bootx64 implements the Guest Memory & Loader (spec §4.3): parsing
// the ELF kernel image, building the Linux x86_64 "zero page" boot_params
// structure and its E820 map, placing the initramfs and command line, and
// handing off the derived entry point and stack to a vCPU.
//
// Offsets and the zero-page layout are adapted from the teacher's
// internal/linux/boot/{bootparams.go,plan.go} and
// internal/linux/boot/amd64/{elf.go,offsets.go}, trimmed to the single
// ELF-only, single-arch path this runner needs.
package bootx64

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HimemStart   = 0x100000
	ZeroPgStart  = 0x7000
	CmdlineStart = 0x20000
	EBDAStart    = 0x9fc00

	MMIOGapEnd   = 1 << 34
	MMIOGapSize  = 768 * 1024 * 1024
	MMIOGapStart = MMIOGapEnd - MMIOGapSize

	zeroPageSize        = 4096
	e820EntrySize       = 20
	e820MaxEntries      = 128
	kernelAlignment     = 0x01000000
	typeOfLoaderOther   = 0xff
	canUseHeapFlag      = 1 << 7
	e820TypeRAM  uint32 = 1

	BaseCmdline = "console=ttyS0 i8042.nokbd reboot=k panic=1 pci=off"
)

const (
	setupHeaderOffset = 497

	zeroPageE820Entries = 488
	zeroPageE820Table   = 720

	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	heapEndPtrOffset          = setupHeaderOffset + 51
	cmdLinePtrOffset          = setupHeaderOffset + 55
	kernelAlignmentOffset     = setupHeaderOffset + 63
)

const headerMagic = "HdrS"

// GuestMemory is the subset of the hypervisor's virtual machine needed to
// place boot material: a flat, byte-addressable view of guest RAM starting
// at MemoryBase() and spanning MemorySize() bytes.
type GuestMemory interface {
	WriteAt(p []byte, off int64) (int, error)
	MemoryBase() uint64
	MemorySize() uint64
}

var (
	ErrE820Configuration  = errors.New("bootx64: e820 configuration error")
	ErrHimemPastMemEnd    = errors.New("bootx64: HIMEM_START past end of guest memory")
	ErrKernelLoad         = errors.New("bootx64: kernel load error")
	ErrInitramfsLoad      = errors.New("bootx64: initramfs load error")
)

// E820Entry describes one BIOS memory map entry.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// DefaultE820Map returns the two-entry map required by spec §4.3 step 2:
// the legacy low region below EBDA_START, and all of extended memory from
// HIMEM_START to the end of guest RAM.
func DefaultE820Map(memEnd uint64) ([]E820Entry, error) {
	if memEnd <= HimemStart {
		return nil, fmt.Errorf("%w: guest memory end %#x not past HIMEM_START %#x", ErrHimemPastMemEnd, memEnd, uint64(HimemStart))
	}
	return []E820Entry{
		{Addr: 0, Size: EBDAStart, Type: e820TypeRAM},
		{Addr: HimemStart, Size: memEnd - HimemStart, Type: e820TypeRAM},
	}, nil
}

// LoadedKernel is the result of parsing and copying an ELF kernel image.
type LoadedKernel struct {
	EntryPoint uint64
	// End is the first byte past the highest address written by any
	// loaded segment, the point immediately after which the initramfs is
	// placed (spec §4.3 step 3).
	End uint64
}

// LoadELFKernel implements spec §4.3 step 1: it parses the ELF kernel image
// and copies every PT_LOAD segment into guest memory starting at
// HIMEM_START, adapted from the teacher's loadELFKernel but writing segment
// bytes through GuestMemory instead of an in-process byte slice.
func LoadELFKernel(mem GuestMemory, kernel io.ReaderAt) (*LoadedKernel, error) {
	f, err := elf.NewFile(kernel)
	if err != nil {
		return nil, fmt.Errorf("%w: open elf: %v", ErrKernelLoad, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%w: unsupported ELF machine %d (want x86_64)", ErrKernelLoad, f.Machine)
	}

	memBase := mem.MemoryBase()
	memEnd := memBase + mem.MemorySize()

	var loaded bool
	var highest uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		gpa := memBase + HimemStart + (prog.Paddr - firstPaddr(f))
		if gpa < memBase+HimemStart || gpa+prog.Memsz > memEnd {
			return nil, fmt.Errorf("%w: segment [%#x, %#x) outside guest RAM", ErrKernelLoad, gpa, gpa+prog.Memsz)
		}

		data := make([]byte, prog.Filesz)
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("%w: read segment @%#x: %v", ErrKernelLoad, prog.Off, err)
			}
		}
		if _, err := mem.WriteAt(data, int64(gpa-memBase)); err != nil {
			return nil, fmt.Errorf("%w: write segment: %v", ErrKernelLoad, err)
		}
		loaded = true
		if end := gpa - memBase + prog.Memsz; end > highest {
			highest = end
		}
	}
	if !loaded {
		return nil, fmt.Errorf("%w: no loadable PT_LOAD segments", ErrKernelLoad)
	}

	entry := memBase + HimemStart + (f.Entry - firstPaddr(f))
	return &LoadedKernel{EntryPoint: entry, End: memBase + highest}, nil
}

func firstPaddr(f *elf.File) uint64 {
	var min uint64
	found := false
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if !found || prog.Paddr < min {
			min = prog.Paddr
			found = true
		}
	}
	return min
}

// BuildCmdline implements spec §4.3 step 4: the base command line followed
// by every virtio device's kernel-cmdline fragment, whitespace-separated.
func BuildCmdline(virtioFragments []string) string {
	cmdline := BaseCmdline
	for _, frag := range virtioFragments {
		cmdline += " " + frag
	}
	return cmdline
}

// LoadInitramfs implements spec §4.3 step 3: places the initramfs image
// immediately after the kernel's end, returning its guest address.
func LoadInitramfs(mem GuestMemory, kernelEnd uint64, data []byte) (addr uint64, err error) {
	if len(data) == 0 {
		return 0, nil
	}
	memBase := mem.MemoryBase()
	memEnd := memBase + mem.MemorySize()
	addr = alignUp(kernelEnd, 0x1000)
	if addr < memBase || addr+uint64(len(data)) > memEnd {
		return 0, fmt.Errorf("%w: initramfs [%#x, %#x) outside guest RAM", ErrInitramfsLoad, addr, addr+uint64(len(data)))
	}
	if _, err := mem.WriteAt(data, int64(addr-memBase)); err != nil {
		return 0, fmt.Errorf("%w: write initramfs: %v", ErrInitramfsLoad, err)
	}
	return addr, nil
}

// BuildZeroPage implements spec §4.3 steps 2, 5 and 6: it writes the
// command line into guest memory at CMDLINE_START, then constructs and
// writes the boot_params zero page at ZEROPG_START, recording the entry
// point, ramdisk location and E820 map. Adapted from the teacher's
// KernelImage.BuildZeroPage.
func BuildZeroPage(mem GuestMemory, entry uint64, cmdline string, initrdAddr uint64, initrdSize uint32, e820 []E820Entry) error {
	if len(e820) == 0 {
		return fmt.Errorf("%w: e820 map must contain at least one entry", ErrE820Configuration)
	}
	if len(e820) > e820MaxEntries {
		return fmt.Errorf("%w: too many e820 entries (%d > %d)", ErrE820Configuration, len(e820), e820MaxEntries)
	}

	memBase := mem.MemoryBase()
	memEnd := memBase + mem.MemorySize()

	cmdlineGPA := memBase + CmdlineStart
	cmdlineBytes := append([]byte(cmdline), 0)
	if cmdlineGPA+uint64(len(cmdlineBytes)) > memEnd {
		return fmt.Errorf("%w: command line does not fit in guest memory", ErrE820Configuration)
	}
	if _, err := mem.WriteAt(cmdlineBytes, int64(CmdlineStart)); err != nil {
		return fmt.Errorf("bootx64: write command line: %w", err)
	}

	zp := make([]byte, zeroPageSize)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], []byte(headerMagic))
	zp[typeOfLoaderOffset] = typeOfLoaderOther
	zp[loadFlagsOffset] = canUseHeapFlag
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], 0xe000-0x200)
	binary.LittleEndian.PutUint32(zp[kernelAlignmentOffset:], kernelAlignment)

	if entry > 0xffffffff {
		return fmt.Errorf("%w: entry point %#x exceeds 32-bit code32_start field", ErrKernelLoad, entry)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(entry))
	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineGPA))

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
	}

	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		if base+e820EntrySize > zeroPageSize {
			return fmt.Errorf("%w: e820 table exceeds zero page size", ErrE820Configuration)
		}
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	if ZeroPgStart+zeroPageSize > mem.MemorySize() {
		return fmt.Errorf("%w: zero page does not fit in guest memory", ErrE820Configuration)
	}
	if _, err := mem.WriteAt(zp, int64(ZeroPgStart)); err != nil {
		return fmt.Errorf("bootx64: write zero page: %w", err)
	}
	return nil
}

func alignUp(value, align uint64) uint64 {
	return (value + align - 1) &^ (align - 1)
}
