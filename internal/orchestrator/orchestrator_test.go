//go:build linux

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/cloudlet/internal/rpcapi"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.AgentPort != 50051 {
		t.Fatalf("AgentPort = %d, want 50051", cfg.AgentPort)
	}
	if cfg.VCPUCount != 1 {
		t.Fatalf("VCPUCount = %d, want 1", cfg.VCPUCount)
	}
	if cfg.MemoryMB != 256 {
		t.Fatalf("MemoryMB = %d, want 256", cfg.MemoryMB)
	}
	if cfg.AgentDialAttempts != 40 {
		t.Fatalf("AgentDialAttempts = %d, want 40", cfg.AgentDialAttempts)
	}
}

func TestEnsureKernelMissing(t *testing.T) {
	r := NewRunner(Config{KernelPath: "/nonexistent/kernel.elf"})
	if err := r.ensureKernel(); err == nil {
		t.Fatalf("expected error for missing kernel")
	}
}

func TestEnsureAgentBinaryMissing(t *testing.T) {
	r := NewRunner(Config{AgentBinaryPath: "/nonexistent/agent"})
	if err := r.ensureAgentBinary(); err == nil {
		t.Fatalf("expected error for missing agent binary")
	}
}

func TestEnsureInitramfsReturnsCachedPath(t *testing.T) {
	dir := t.TempDir()
	cached := filepath.Join(dir, "initramfs-rust.img")
	if err := os.WriteFile(cached, []byte("cpio"), 0o644); err != nil {
		t.Fatalf("write cached initramfs: %v", err)
	}

	r := NewRunner(Config{InitramfsDir: dir})
	got, err := r.ensureInitramfs(context.Background(), rpcapi.LanguageRust)
	if err != nil {
		t.Fatalf("ensureInitramfs: %v", err)
	}
	if got != cached {
		t.Fatalf("ensureInitramfs = %q, want %q", got, cached)
	}
}

func TestShutdownUnknownWorkload(t *testing.T) {
	r := NewRunner(Config{})
	_, err := r.Shutdown(context.Background(), rpcapi.ShutdownVmRequest{WorkloadName: "missing"})
	if err == nil {
		t.Fatalf("expected error for unknown workload")
	}
}

func TestIsTransportBrokenPipe(t *testing.T) {
	if !isTransportBrokenPipe(errBrokenPipe{}) {
		t.Fatalf("expected broken pipe match")
	}
	if isTransportBrokenPipe(nil) {
		t.Fatalf("nil should not match")
	}
}

type errBrokenPipe struct{}

func (errBrokenPipe) Error() string { return "write: broken pipe" }
