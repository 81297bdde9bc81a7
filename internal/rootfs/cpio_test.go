package rootfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildCPIOContainsFilesAndTrailer(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "init"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "agent"), []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	archive, err := buildCPIO(dir)
	if err != nil {
		t.Fatalf("buildCPIO: %v", err)
	}

	s := string(archive)
	if !strings.Contains(s, "init") {
		t.Fatalf("archive missing init entry")
	}
	if !strings.Contains(s, newcTrailerName) {
		t.Fatalf("archive missing cpio trailer")
	}
	if !strings.HasPrefix(s, newcMagic) {
		t.Fatalf("archive does not start with newc magic, got %q", s[:6])
	}
}

func TestBuildCPIODeterministic(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(dir, "b"), []byte("y"), 0o644)

	a1, err := buildCPIO(dir)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := buildCPIO(dir)
	if err != nil {
		t.Fatal(err)
	}
	if string(a1) != string(a2) {
		t.Fatalf("re-running buildCPIO over the same tree produced different archives")
	}
}
