// Package rootfs implements the Rootfs Builder (spec §4.2): it merges a
// set of OCI layer directories into one root via a union mount, injects an
// init script and the guest agent binary, and serializes the result as an
// LZMA-compressed newc CPIO archive.
package rootfs

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultInit is written to the archive root when no override is supplied,
// verbatim from spec §6.
const DefaultInit = `#! /bin/sh
mount -t devtmpfs dev /dev
mount -t proc proc /proc
mount -t sysfs sysfs /sys
ip link set up dev lo
exec /sbin/getty -n -l /bin/sh 115200 /dev/console
poweroff -f
`

// BuildInitramfs implements spec §4.2's build_initramfs operation.
//
// layerPaths must be ordered lowest-precedence first; later layers
// override earlier ones, matching the union mount's precedence rule
// (spec §3 "Layer set"). initSource overrides DefaultInit when non-empty.
func BuildInitramfs(layerPaths []string, initSource string, agentBinaryPath string, outputFile string) error {
	if len(layerPaths) == 0 {
		return fmt.Errorf("rootfs: no layers to build from")
	}

	scratch, err := os.MkdirTemp("", "cloudlet-rootfs-*")
	if err != nil {
		return fmt.Errorf("rootfs: create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	mergedDir := filepath.Join(scratch, "merged")
	workDir := filepath.Join(scratch, "work")
	outputDir := filepath.Join(scratch, "output")
	for _, d := range []string{mergedDir, workDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("rootfs: create %s: %w", d, err)
		}
	}

	unmount, err := mountUnion(layerPaths, mergedDir, workDir)
	if err != nil {
		return err
	}
	defer unmount()

	if err := copyTree(mergedDir, outputDir); err != nil {
		return fmt.Errorf("rootfs: copy merged tree: %w", err)
	}

	initContents := DefaultInit
	if initSource != "" {
		data, err := os.ReadFile(initSource)
		if err != nil {
			return fmt.Errorf("rootfs: read init override: %w", err)
		}
		initContents = string(data)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "init"), []byte(initContents), 0o755); err != nil {
		return fmt.Errorf("rootfs: write init: %w", err)
	}

	agentData, err := os.ReadFile(agentBinaryPath)
	if err != nil {
		return fmt.Errorf("rootfs: read agent binary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "agent"), agentData, 0o755); err != nil {
		return fmt.Errorf("rootfs: write agent: %w", err)
	}

	archive, err := buildCPIO(outputDir)
	if err != nil {
		return err
	}

	compressed, err := xzCompress(archive)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputFile, compressed, 0o644); err != nil {
		return fmt.Errorf("rootfs: write %s: %w", outputFile, err)
	}

	return nil
}

// mountUnion mounts an overlay filesystem with layerPaths as lowerdirs
// (lowest precedence first, per spec §3), materializing the merged view at
// mergedDir. The returned func unmounts it.
//
// The overlay "lowerdir" option is ordered highest-precedence first, the
// opposite of the spec's layer-set ordering, so the list is reversed
// before being joined.
func mountUnion(layerPaths []string, mergedDir, workDir string) (func(), error) {
	reversed := make([]string, len(layerPaths))
	for i, p := range layerPaths {
		reversed[len(layerPaths)-1-i] = p
	}

	lowerdir := joinColon(reversed)
	opts := fmt.Sprintf("lowerdir=%s", lowerdir)

	if err := unix.Mount("overlay", mergedDir, "overlay", 0, opts); err != nil {
		return nil, fmt.Errorf("rootfs: mount overlay: %w", err)
	}

	return func() {
		unix.Unmount(mergedDir, 0)
	}, nil
}

func joinColon(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

// copyTree recursively copies src into dst, preserving mode bits and
// symlinks, since the merged overlay view must be materialized into a
// standalone scratch directory before archiving (spec §4.2 step 2).
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// xzCompress shells out to the xz utility, per spec §4.2 step 5 ("LZMA
// compression via the xz utility"): the host kernel facilities section
// treats external compressors as a host primitive, not code to
// reimplement, and xz's CLI is the standard way initramfs images are
// produced on Linux.
func xzCompress(data []byte) ([]byte, error) {
	cmd := exec.Command("xz", "--format=lzma", "-9", "-T0", "-c")
	cmd.Stdin = bytes.NewReader(data)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("rootfs: xz compress: %w", err)
	}
	return out, nil
}
