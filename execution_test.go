package hypervisor

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/hvkit/go-hypervisor/internal/native"
	"github.com/hvkit/go-hypervisor/internal/native/fake"
)

// loadGuest maps one executable page at 0 and copies code to 0x1000.
func loadGuest(t *testing.T, vm *VM, code []byte) {
	t.Helper()
	page := vm.PageSize()
	size := page
	if size < 0x2000 {
		size = 0x2000
	}
	if err := vm.Map(alignedBuf(page, size), 0, MemRead|MemWrite|MemExec); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if _, err := vm.WriteAt(code, 0x1000); err != nil {
		t.Fatalf("WriteAt() failed: %v", err)
	}
}

func arm64Code(insns ...uint32) []byte {
	b := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(b[4*i:], insn)
	}
	return b
}

func TestRunHalt(t *testing.T) {
	tests := []struct {
		arch   native.Arch
		code   []byte
		nextPC uint64
	}{
		{native.ArchX86_64, []byte{0xF4}, 0x1001},
		{native.ArchARM64, arm64Code(0xD503207F), 0x1004}, // wfi
	}
	for _, tt := range tests {
		t.Run(tt.arch.String(), func(t *testing.T) {
			vm, _ := newFakeVM(t, tt.arch)
			vcpu := newFakeVCPU(t, vm)
			loadGuest(t, vm, tt.code)

			if err := vcpu.SetPC(0x1000); err != nil {
				t.Fatalf("SetPC() failed: %v", err)
			}
			info, err := vcpu.Run()
			if err != nil {
				t.Fatalf("Run() failed: %v", err)
			}
			if info.Reason != ExitHalt {
				t.Fatalf("Reason = %v, want halt", info.Reason)
			}
			if pc, _ := vcpu.GetPC(); pc != 0x1000 {
				t.Errorf("PC = %#x after halt, want 0x1000", pc)
			}
			if last, ok := vcpu.LastExit(); !ok || last.Reason != ExitHalt {
				t.Errorf("LastExit() = %v, %v", last, ok)
			}

			if err := vcpu.SkipInstruction(info); err != nil {
				t.Fatalf("SkipInstruction() failed: %v", err)
			}
			if pc, _ := vcpu.GetPC(); pc != tt.nextPC {
				t.Errorf("PC = %#x after skip, want %#x", pc, tt.nextPC)
			}
		})
	}
}

func TestRunX86PortIO(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchX86_64)
	vcpu := newFakeVCPU(t, vm)
	// mov al, 0x41; out dx, al; hlt
	loadGuest(t, vm, []byte{0xB0, 0x41, 0xEE, 0xF4})

	if err := vcpu.SetRegs(RegBatch{RegRIP: 0x1000, RegRDX: 0x3F8}); err != nil {
		t.Fatalf("SetRegs() failed: %v", err)
	}
	info, err := vcpu.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := IOAccess{Port: 0x3F8, Size: 1}
	if info.Reason != ExitIO || info.IO == nil || *info.IO != want {
		t.Fatalf("exit = %v, want io out port=0x3f8", info)
	}
	regs, err := vcpu.GetRegs([]Reg{RegRIP, RegRAX})
	if err != nil {
		t.Fatalf("GetRegs() failed: %v", err)
	}
	if regs[RegRIP] != 0x1002 || regs[RegRAX]&0xFF != 0x41 {
		t.Errorf("rip=%#x rax=%#x", regs[RegRIP], regs[RegRAX])
	}

	if err := vcpu.SkipInstruction(info); err != nil {
		t.Fatalf("SkipInstruction() failed: %v", err)
	}
	if info, err = vcpu.Run(); err != nil || info.Reason != ExitHalt {
		t.Errorf("second Run() = %v, %v, want halt", info, err)
	}
}

func TestRunARM64MMIO(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchARM64)
	vcpu := newFakeVCPU(t, vm)
	loadGuest(t, vm, arm64Code(
		0xD2B20001, // movz x1, #0x9000, lsl #16
		0xD2800842, // movz x2, #0x42
		0xF9000022, // str x2, [x1]
		0xD503207F, // wfi
	))

	if err := vcpu.SetPC(0x1000); err != nil {
		t.Fatalf("SetPC() failed: %v", err)
	}
	info, err := vcpu.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	want := MMIOAccess{Address: 0x9000_0000, Size: 8, Write: true, Register: 2}
	if info.Reason != ExitMMIO || info.MMIO == nil || *info.MMIO != want {
		t.Fatalf("exit = %v (%+v), want mmio write", info, info.MMIO)
	}
	if pc, _ := vcpu.GetPC(); pc != 0x1008 {
		t.Errorf("PC = %#x, want 0x1008", pc)
	}
	if v, _ := vcpu.GetReg(RegX2); v != 0x42 {
		t.Errorf("x2 = %#x, want 0x42", v)
	}

	if err := vcpu.SkipInstruction(info); err != nil {
		t.Fatalf("SkipInstruction() failed: %v", err)
	}
	if info, err = vcpu.Run(); err != nil || info.Reason != ExitHalt {
		t.Errorf("second Run() = %v, %v, want halt", info, err)
	}
}

func TestRunInstructionFetchFault(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchX86_64)
	vcpu := newFakeVCPU(t, vm)

	if err := vcpu.SetPC(0x100000); err != nil {
		t.Fatalf("SetPC() failed: %v", err)
	}
	info, err := vcpu.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if info.Reason != ExitMMIO || info.MMIO == nil || !info.MMIO.Fetch || info.MMIO.Address != 0x100000 {
		t.Errorf("exit = %v (%+v), want instruction fetch fault", info, info.MMIO)
	}
	if err := vcpu.SkipInstruction(info); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("SkipInstruction() without a length = %v, want ErrInvalidArgument", err)
	}
}

func TestRunQueuedExit(t *testing.T) {
	vm, fk := newFakeVM(t, native.ArchARM64)
	vcpu := newFakeVCPU(t, vm)

	fk.QueueExit(native.RawExit{Reason: 2})
	info, err := vcpu.Run()
	if err != nil || info.Reason != ExitTimer {
		t.Errorf("Run() = %v, %v, want timer", info, err)
	}
}

func TestRunNativeFailure(t *testing.T) {
	vm, fk := newFakeVM(t, native.ArchARM64)
	vcpu := newFakeVCPU(t, vm)

	fk.QueueExit(native.RawExit{Reason: 0})
	if _, err := vcpu.Run(); err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	fk.FailNext(fake.OpRun, native.IllegalGuestState)
	if _, err := vcpu.Run(); !errors.Is(err, ErrNative) {
		t.Fatalf("Run() = %v, want ErrNative", err)
	}
	if last, _ := vcpu.LastExit(); last.Reason != ExitCanceled {
		t.Errorf("LastExit() = %v, want the exit before the failure", last)
	}
	// The vCPU is idle again.
	if err := vcpu.SetPC(0); err != nil {
		t.Errorf("SetPC() after failed Run() = %v", err)
	}
}

func TestRunLoop(t *testing.T) {
	t.Run("handler drives the guest", func(t *testing.T) {
		vm, _ := newFakeVM(t, native.ArchX86_64)
		vcpu := newFakeVCPU(t, vm)
		// out 0x80, al; out 0x80, al; hlt
		loadGuest(t, vm, []byte{0xE6, 0x80, 0xE6, 0x80, 0xF4})
		if err := vcpu.SetPC(0x1000); err != nil {
			t.Fatalf("SetPC() failed: %v", err)
		}

		var ports []uint16
		err := vcpu.RunLoop(context.Background(), func(c *VCPU, info ExitInfo) (bool, error) {
			switch info.Reason {
			case ExitIO:
				ports = append(ports, info.IO.Port)
				return true, c.SkipInstruction(info)
			case ExitHalt:
				return false, nil
			}
			return false, errors.New("unexpected exit " + info.String())
		})
		if err != nil {
			t.Fatalf("RunLoop() failed: %v", err)
		}
		if len(ports) != 2 || ports[0] != 0x80 || ports[1] != 0x80 {
			t.Errorf("ports = %v, want [128 128]", ports)
		}
	})

	t.Run("canceled context", func(t *testing.T) {
		vm, fk := newFakeVM(t, native.ArchARM64)
		vcpu := newFakeVCPU(t, vm)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := vcpu.RunLoop(ctx, func(*VCPU, ExitInfo) (bool, error) { return true, nil })
		if !errors.Is(err, context.Canceled) {
			t.Errorf("RunLoop() = %v, want context.Canceled", err)
		}
		if n := fk.Calls(fake.OpRun); n != 0 {
			t.Errorf("guest entered %d times", n)
		}
	})

	t.Run("cancel from handler", func(t *testing.T) {
		vm, fk := newFakeVM(t, native.ArchARM64)
		vcpu := newFakeVCPU(t, vm)
		for i := 0; i < 4; i++ {
			fk.QueueExit(native.RawExit{Reason: 2})
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		runs := 0
		err := vcpu.RunLoop(ctx, func(*VCPU, ExitInfo) (bool, error) {
			runs++
			if runs == 2 {
				cancel()
			}
			return true, nil
		})
		if !errors.Is(err, context.Canceled) || runs != 2 {
			t.Errorf("RunLoop() = %v after %d exits", err, runs)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		vm, fk := newFakeVM(t, native.ArchARM64)
		vcpu := newFakeVCPU(t, vm)
		fk.QueueExit(native.RawExit{Reason: 2})

		boom := errors.New("boom")
		err := vcpu.RunLoop(context.Background(), func(*VCPU, ExitInfo) (bool, error) { return true, boom })
		if !errors.Is(err, boom) {
			t.Errorf("RunLoop() = %v, want handler error", err)
		}
	})
}

func TestRunCountsExits(t *testing.T) {
	ResetMetrics()
	vm, fk := newFakeVM(t, native.ArchARM64)
	vcpu := newFakeVCPU(t, vm)

	fk.QueueExit(native.RawExit{Reason: 2})
	fk.QueueExit(native.RawExit{Reason: 2})
	fk.QueueExit(native.RawExit{Reason: 1, Syndrome: 0x01 << 26})
	for i := 0; i < 3; i++ {
		if _, err := vcpu.Run(); err != nil {
			t.Fatalf("Run() failed: %v", err)
		}
	}

	m := GetMetrics()
	if m.RunOperations != 3 {
		t.Errorf("RunOperations = %d, want 3", m.RunOperations)
	}
	if m.Exits["timer"] != 2 || m.Exits["halt"] != 1 || len(m.Exits) != 2 {
		t.Errorf("Exits = %v", m.Exits)
	}
}

func TestGuestStoreReachesHostMemory(t *testing.T) {
	vm, _ := newFakeVM(t, native.ArchARM64)
	vcpu := newFakeVCPU(t, vm)

	page := vm.PageSize()
	buf := alignedBuf(page, page)
	copy(buf[0x1000:], arm64Code(
		0xD2830001, // movz x1, #0x1800
		0xD2800842, // movz x2, #0x42
		0xF9000022, // str x2, [x1]
		0xD503207F, // wfi
	))
	if err := vm.Map(buf, 0, MemRWX); err != nil {
		t.Fatalf("Map() failed: %v", err)
	}
	if err := vcpu.SetPC(0x1000); err != nil {
		t.Fatalf("SetPC() failed: %v", err)
	}
	info, err := vcpu.Run()
	if err != nil || info.Reason != ExitHalt {
		t.Fatalf("Run() = %v, %v, want halt", info, err)
	}
	if got := binary.LittleEndian.Uint64(buf[0x1800:]); got != 0x42 {
		t.Errorf("host memory at 0x1800 = %#x, want 0x42", got)
	}
}
