//go:build linux

package kvmx86

import "testing"

func checkKVMAvailable(t testing.TB) *VM {
	t.Helper()
	vm, err := Open(64 * 1024 * 1024)
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	return vm
}

func TestOpenAndClose(t *testing.T) {
	vm := checkKVMAvailable(t)
	defer vm.Close()

	if vm.MemorySize() != 64*1024*1024 {
		t.Fatalf("MemorySize = %d, want 64MiB", vm.MemorySize())
	}
}

func TestCreateVCPUAndConfigureBoot(t *testing.T) {
	vm := checkKVMAvailable(t)
	defer vm.Close()

	cpu, err := vm.CreateVCPU(0)
	if err != nil {
		t.Fatalf("CreateVCPU: %v", err)
	}

	if err := cpu.ConfigureBoot(vm.kvmFd, 0x100000, 0x7000, 0x90000, 0x20000, vm.MemoryBase(), vm.memory); err != nil {
		t.Fatalf("ConfigureBoot: %v", err)
	}
}

func TestGDTEntryEncoding(t *testing.T) {
	entry := gdtEntry(0x9A, 0, 0xfffff)
	if entry == 0 {
		t.Fatalf("gdtEntry produced a null descriptor")
	}
	// access byte lands at bits 40-47.
	if access := byte(entry >> 40); access != 0x9A {
		t.Fatalf("access byte = %#x, want 0x9a", access)
	}
}
