//go:build darwin && arm64 && hypervisor

package hypervisor

import (
	"encoding/binary"
	"errors"
	"testing"
)

// hostVM creates a VM on the real framework or skips the test.
func hostVM(t *testing.T) *VM {
	t.Helper()
	if isCI() {
		t.Skip("Skipping hypervisor tests in CI environment")
	}
	if !Supported() {
		t.Skip("Hypervisor not supported")
	}
	vm, err := NewVM()
	if err != nil {
		t.Skipf("Cannot create VM (likely missing entitlements): %v", err)
	}
	t.Cleanup(func() {
		if err := vm.Close(); err != nil {
			t.Errorf("Failed to close VM: %v", err)
		}
	})
	return vm
}

func TestDemoIntegration(t *testing.T) {
	vm := hostVM(t)

	buf, err := AllocHostMemory(int(vm.PageSize()))
	if err != nil {
		t.Fatalf("AllocHostMemory() failed: %v", err)
	}
	defer FreeHostMemory(buf)

	// mov x0,#0x42 ; brk #0
	binary.LittleEndian.PutUint32(buf[0:], 0xD2800840)
	binary.LittleEndian.PutUint32(buf[4:], 0xD4200000)

	const guestPhys = 0x4000
	if err := vm.Map(buf, guestPhys, MemRead|MemWrite|MemExec); err != nil {
		t.Fatalf("Failed to map guest memory: %v", err)
	}
	defer func() {
		if err := vm.Unmap(guestPhys, uint64(len(buf))); err != nil {
			t.Errorf("Failed to unmap guest memory: %v", err)
		}
	}()

	vcpu, err := vm.NewVCPU()
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer func() {
		if err := vcpu.Close(); err != nil {
			t.Errorf("Failed to close vCPU: %v", err)
		}
	}()

	if err := vcpu.SetPC(guestPhys); err != nil {
		t.Fatalf("Failed to set PC: %v", err)
	}

	info, err := vcpu.Run()
	if err != nil {
		t.Fatalf("Failed to run vCPU: %v", err)
	}
	t.Logf("Exit: %v", info)
	if info.Reason != ExitException || info.Exception == nil || info.Exception.Class != 0x3C {
		t.Errorf("Expected a BRK exception, got %v", info)
	}

	x0, err := vcpu.GetReg(RegX0)
	if err != nil {
		t.Fatalf("Failed to get X0 register: %v", err)
	}
	if x0 != 0x42 {
		t.Errorf("X0 = 0x%x, want 0x42", x0)
	}

	pc, err := vcpu.GetPC()
	if err != nil {
		t.Fatalf("Failed to get final PC: %v", err)
	}
	if pc != guestPhys+4 {
		t.Errorf("PC = 0x%x, want the brk at 0x%x", pc, guestPhys+4)
	}
}

func TestVMLifecycle(t *testing.T) {
	vm1 := hostVM(t)

	vm2, err := NewVM()
	if !errors.Is(err, ErrAlreadyExists) {
		if vm2 != nil {
			vm2.Close()
		}
		t.Errorf("Expected ErrAlreadyExists for a second VM, got %v", err)
	}

	vcpu, err := vm1.NewVCPU()
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	if err := vm1.Destroy(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Destroy() with a live vCPU = %v, want ErrInvalidState", err)
	}
	if err := vcpu.Close(); err != nil {
		t.Fatalf("Failed to close vCPU: %v", err)
	}
	if err := vm1.Destroy(); err != nil {
		t.Fatalf("Destroy() failed: %v", err)
	}

	vm3, err := NewVM()
	if err != nil {
		t.Fatalf("Failed to create VM after destroying the previous one: %v", err)
	}
	vm3.Close()
}

func TestVCPULifecycle(t *testing.T) {
	vm := hostVM(t)

	max, err := MaxVCPUs()
	if err != nil {
		t.Fatalf("MaxVCPUs() failed: %v", err)
	}
	t.Logf("Platform vCPU limit: %d", max)

	vcpus := make([]*VCPU, 0)
	for i := 0; i < 3; i++ {
		vcpu, err := vm.NewVCPU()
		if err != nil {
			t.Fatalf("Failed to create vCPU %d: %v", i, err)
		}
		vcpus = append(vcpus, vcpu)
		t.Logf("Created vCPU %d with ID %d", i, vcpu.ID())
	}

	for i, vcpu := range vcpus {
		if err := vcpu.SetReg(RegX0, uint64(i)); err != nil {
			t.Errorf("SetReg() on vCPU %d failed: %v", i, err)
		}
	}
	for i, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			t.Errorf("Failed to close vCPU %d: %v", i, err)
		}
		if _, err := vcpu.GetReg(RegX0); !errors.Is(err, ErrInvalidState) {
			t.Errorf("GetReg() after Close() = %v, want ErrInvalidState", err)
		}
	}
}

func TestHostExtensions(t *testing.T) {
	vm := hostVM(t)
	vcpu, err := vm.NewVCPU()
	if err != nil {
		t.Fatalf("Failed to create vCPU: %v", err)
	}
	defer vcpu.Close()

	if err := vcpu.SetVTimerMask(true); err != nil {
		t.Errorf("SetVTimerMask() failed: %v", err)
	}
	if masked, err := vcpu.VTimerMask(); err != nil || !masked {
		t.Errorf("VTimerMask() = %v, %v", masked, err)
	}
	if err := vcpu.SetPendingInterrupt(InterruptIRQ, true); err != nil {
		t.Errorf("SetPendingInterrupt() failed: %v", err)
	}
	if _, err := vcpu.ReadMSR(0x10); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ReadMSR() on arm64 = %v, want ErrUnsupported", err)
	}
}
