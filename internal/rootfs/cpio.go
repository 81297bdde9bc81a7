package rootfs

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// newc-format CPIO writer, adapted from the teacher's
// internal/linux/boot/initramfs.go (which builds the same format from an
// in-memory file list) to instead walk a directory tree on disk, matching
// spec §4.2's "serialize the output tree as a compressed CPIO archive".
const (
	newcMagic          = "070701"
	newcHeaderLen      = 110
	newcTrailerName    = "TRAILER!!!"
	newcRegularFileBit = 0o100000
	newcDirBit         = 0o040000
	newcSymlinkBit     = 0o120000
)

type newcEntry struct {
	ino      uint32
	mode     uint32
	nlink    uint32
	filesize uint32
	name     string
	data     []byte
}

// buildCPIO walks root and serializes every entry (owned root:root, as
// spec §4.2 requires) into newc-format CPIO, in sorted path order so that
// re-running against the same input tree produces a byte-identical archive
// (every entry's mtime is written as 0; spec §4.2 invariant).
func buildCPIO(root string) ([]byte, error) {
	var paths []string
	if err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rootfs: walk %s: %w", root, err)
	}
	sort.Strings(paths)

	buf := &bytes.Buffer{}
	var ino uint32 = 1

	for _, path := range paths {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)

		info, err := os.Lstat(path)
		if err != nil {
			return nil, err
		}

		entry := newcEntry{ino: ino, name: rel, nlink: 1}
		ino++

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return nil, err
			}
			entry.mode = newcSymlinkBit | 0o777
			entry.data = []byte(target)
			entry.filesize = uint32(len(entry.data))
		case info.IsDir():
			entry.mode = newcDirBit | uint32(permOf(info)|0o755)
			entry.nlink = 2
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			entry.mode = newcRegularFileBit | uint32(permOf(info))
			entry.data = data
			entry.filesize = uint32(len(data))
		}

		if err := writeNewcEntry(buf, entry); err != nil {
			return nil, fmt.Errorf("rootfs: write cpio entry %s: %w", rel, err)
		}
	}

	if err := writeNewcEntry(buf, newcEntry{mode: newcRegularFileBit, nlink: 1, name: newcTrailerName}); err != nil {
		return nil, fmt.Errorf("rootfs: write cpio trailer: %w", err)
	}

	return buf.Bytes(), nil
}

func permOf(info fs.FileInfo) uint32 {
	mode := info.Mode().Perm()
	if mode == 0 {
		return 0o644
	}
	return uint32(mode)
}

func writeNewcEntry(buf *bytes.Buffer, entry newcEntry) error {
	nameSize := len(entry.name) + 1
	header := fmt.Sprintf("%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		newcMagic,
		entry.ino,
		entry.mode,
		uint32(0), // uid: root
		uint32(0), // gid: root
		entry.nlink,
		uint32(0), // mtime fixed for byte-reproducibility
		entry.filesize,
		uint32(0), uint32(0), // devmajor/minor
		uint32(0), uint32(0), // rdevmajor/minor
		uint32(nameSize),
		uint32(0), // check
	)
	if len(header) != newcHeaderLen {
		return fmt.Errorf("unexpected header length %d", len(header))
	}
	if _, err := buf.WriteString(header); err != nil {
		return err
	}
	if _, err := buf.WriteString(entry.name); err != nil {
		return err
	}
	if err := buf.WriteByte(0); err != nil {
		return err
	}
	if pad := alignTo4(newcHeaderLen + nameSize); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	if len(entry.data) > 0 {
		buf.Write(entry.data)
	}
	if pad := alignTo4(len(entry.data)); pad > 0 {
		buf.Write(make([]byte, pad))
	}
	return nil
}

func alignTo4(length int) int {
	if length%4 == 0 {
		return 0
	}
	return 4 - (length % 4)
}
