package hypervisor

import (
	"os"
	"testing"
	"unsafe"

	"github.com/hvkit/go-hypervisor/internal/native"
	"github.com/hvkit/go-hypervisor/internal/native/fake"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// useFake routes backend creation to a fake for the rest of the test.
func useFake(t *testing.T, arch native.Arch, opts ...fake.Option) *fake.Hypervisor {
	t.Helper()
	fk := fake.New(arch, opts...)
	prev := openBackend
	openBackend = func() (native.Hypervisor, error) { return fk, nil }
	t.Cleanup(func() {
		openBackend = prev
		vmMu.Lock()
		vmActive = nil
		vmMu.Unlock()
	})
	return fk
}

func newFakeVM(t *testing.T, arch native.Arch, opts ...fake.Option) (*VM, *fake.Hypervisor) {
	t.Helper()
	fk := useFake(t, arch, opts...)
	vm, err := NewVM()
	if err != nil {
		t.Fatalf("NewVM() failed: %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm, fk
}

func newFakeVCPU(t *testing.T, vm *VM) *VCPU {
	t.Helper()
	cpu, err := vm.NewVCPU()
	if err != nil {
		t.Fatalf("NewVCPU() failed: %v", err)
	}
	t.Cleanup(func() { cpu.Close() })
	return cpu
}

// alignedBuf returns size bytes whose first byte is aligned to align.
func alignedBuf(align, size uint64) []byte {
	buf := make([]byte, size+align)
	off := (align - uint64(uintptr(unsafe.Pointer(&buf[0])))%align) % align
	return buf[off : off+size : off+size]
}

var archs = []struct {
	name string
	arch native.Arch
}{
	{"arm64", native.ArchARM64},
	{"x86_64", native.ArchX86_64},
}
