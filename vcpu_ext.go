package hypervisor

import (
	"fmt"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// Interrupt selects an arm64 interrupt line.
type Interrupt int

const (
	InterruptIRQ Interrupt = Interrupt(native.InterruptIRQ)
	InterruptFIQ Interrupt = Interrupt(native.InterruptFIQ)
)

// extension runs fn against a native capability T of the VCPU, failing with
// ErrUnsupported when the backend lacks it.
func extension[T any](c *VCPU, what string, fn func(T) native.Return) error {
	if c == nil {
		return ErrVCPUClosed
	}
	err := c.call(func(nv native.VCPU) error {
		x, ok := nv.(T)
		if !ok {
			return newError(KindUnsupported, "%s is not available on %v", what, c.arch)
		}
		return hvErr(fn(x))
	})
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// ExecTime returns the cumulative guest execution time in mach absolute
// time units.
func (c *VCPU) ExecTime() (uint64, error) {
	var t uint64
	err := extension(c, "exec time", func(x native.ExecTimer) native.Return {
		var ret native.Return
		t, ret = x.ExecTime()
		return ret
	})
	return t, err
}

// PendingInterrupt reports whether irq is pending injection (arm64).
func (c *VCPU) PendingInterrupt(irq Interrupt) (bool, error) {
	var pending bool
	err := extension(c, "pending interrupt", func(x native.InterruptInjector) native.Return {
		var ret native.Return
		pending, ret = x.PendingInterrupt(native.InterruptType(irq))
		return ret
	})
	return pending, err
}

// SetPendingInterrupt asserts or clears irq for the next Run (arm64). The
// framework clears it again when the vCPU exits.
func (c *VCPU) SetPendingInterrupt(irq Interrupt, pending bool) error {
	return extension(c, "pending interrupt", func(x native.InterruptInjector) native.Return {
		return x.SetPendingInterrupt(native.InterruptType(irq), pending)
	})
}

// VTimerMask reports whether the virtual timer is masked (arm64).
func (c *VCPU) VTimerMask() (bool, error) {
	var masked bool
	err := extension(c, "vtimer mask", func(x native.VTimer) native.Return {
		var ret native.Return
		masked, ret = x.VTimerMask()
		return ret
	})
	return masked, err
}

// SetVTimerMask masks or unmasks the virtual timer (arm64). The framework
// masks it on every ExitTimer.
func (c *VCPU) SetVTimerMask(masked bool) error {
	return extension(c, "vtimer mask", func(x native.VTimer) native.Return {
		return x.SetVTimerMask(masked)
	})
}

// VTimerOffset returns the virtual timer offset (arm64).
func (c *VCPU) VTimerOffset() (uint64, error) {
	var off uint64
	err := extension(c, "vtimer offset", func(x native.VTimer) native.Return {
		var ret native.Return
		off, ret = x.VTimerOffset()
		return ret
	})
	return off, err
}

// SetVTimerOffset sets the virtual timer offset (arm64).
func (c *VCPU) SetVTimerOffset(offset uint64) error {
	return extension(c, "vtimer offset", func(x native.VTimer) native.Return {
		return x.SetVTimerOffset(offset)
	})
}

// ReadMSR reads a model-specific register (x86_64).
func (c *VCPU) ReadMSR(msr uint32) (uint64, error) {
	var v uint64
	err := extension(c, "msr", func(x native.MSRAccessor) native.Return {
		var ret native.Return
		v, ret = x.ReadMSR(msr)
		return ret
	})
	return v, err
}

// WriteMSR writes a model-specific register (x86_64).
func (c *VCPU) WriteMSR(msr uint32, v uint64) error {
	return extension(c, "msr", func(x native.MSRAccessor) native.Return {
		return x.WriteMSR(msr, v)
	})
}

// ReadVMCS reads a VMCS field (x86_64).
func (c *VCPU) ReadVMCS(field uint32) (uint64, error) {
	var v uint64
	err := extension(c, "vmcs", func(x native.VMCSAccessor) native.Return {
		var ret native.Return
		v, ret = x.ReadVMCS(field)
		return ret
	})
	return v, err
}

// WriteVMCS writes a VMCS field (x86_64). The guest's VM-execution controls
// must be programmed through here before the first Run.
func (c *VCPU) WriteVMCS(field uint32, v uint64) error {
	return extension(c, "vmcs", func(x native.VMCSAccessor) native.Return {
		return x.WriteVMCS(field, v)
	})
}

// SIMDReg names an arm64 128-bit SIMD/FP register, Q0 through Q31.
type SIMDReg int

const (
	RegQ0  SIMDReg = 0
	RegQ31 SIMDReg = 31
)

func (r SIMDReg) String() string { return fmt.Sprintf("q%d", int(r)) }

func (r SIMDReg) valid() error {
	if r < RegQ0 || r > RegQ31 {
		return fmt.Errorf("%w: q%d", ErrInvalidRegister, int(r))
	}
	return nil
}

// GetSIMDReg returns the 128-bit contents of a SIMD/FP register (arm64) in
// little-endian byte order.
func (c *VCPU) GetSIMDReg(r SIMDReg) ([16]byte, error) {
	var v [16]byte
	if err := r.valid(); err != nil {
		return v, err
	}
	err := extension(c, "simd/fp register", func(x native.SIMDFPAccessor) native.Return {
		var ret native.Return
		v, ret = x.SIMDFPReg(uint32(r))
		return ret
	})
	if err == nil {
		recordRegisterOp()
	}
	return v, err
}

// SetSIMDReg writes a SIMD/FP register (arm64).
func (c *VCPU) SetSIMDReg(r SIMDReg, v [16]byte) error {
	if err := r.valid(); err != nil {
		return err
	}
	err := extension(c, "simd/fp register", func(x native.SIMDFPAccessor) native.Return {
		return x.SetSIMDFPReg(uint32(r), v)
	})
	if err == nil {
		recordRegisterOp()
	}
	return err
}

// TrapDebugExceptions reports whether guest debug exceptions exit to the
// host (arm64).
func (c *VCPU) TrapDebugExceptions() (bool, error) {
	var on bool
	err := extension(c, "debug exception trap", func(x native.DebugTrapper) native.Return {
		var ret native.Return
		on, ret = x.TrapDebugExceptions()
		return ret
	})
	return on, err
}

// SetTrapDebugExceptions routes guest debug exceptions (BRK, breakpoints,
// watchpoints) to the host as ExitException (arm64).
func (c *VCPU) SetTrapDebugExceptions(enable bool) error {
	return extension(c, "debug exception trap", func(x native.DebugTrapper) native.Return {
		return x.SetTrapDebugExceptions(enable)
	})
}

// TrapDebugRegAccesses reports whether guest debug register accesses exit
// to the host (arm64).
func (c *VCPU) TrapDebugRegAccesses() (bool, error) {
	var on bool
	err := extension(c, "debug register trap", func(x native.DebugTrapper) native.Return {
		var ret native.Return
		on, ret = x.TrapDebugRegAccesses()
		return ret
	})
	return on, err
}

// SetTrapDebugRegAccesses makes guest debug register accesses exit (arm64).
func (c *VCPU) SetTrapDebugRegAccesses(enable bool) error {
	return extension(c, "debug register trap", func(x native.DebugTrapper) native.Return {
		return x.SetTrapDebugRegAccesses(enable)
	})
}

// EnableNativeMSR lets the guest access msr directly instead of exiting
// (x86_64).
func (c *VCPU) EnableNativeMSR(msr uint32, enable bool) error {
	return extension(c, "native msr", func(x native.NativeMSREnabler) native.Return {
		return x.EnableNativeMSR(msr, enable)
	})
}

// VMXCap is an hv_vmx_capability_t field.
type VMXCap uint32

const (
	VMXCapPinBased        VMXCap = 0
	VMXCapProcBased       VMXCap = 1
	VMXCapProcBased2      VMXCap = 2
	VMXCapEntry           VMXCap = 3
	VMXCapExit            VMXCap = 4
	VMXCapPreemptionTimer VMXCap = 32
)

var vmxCapNames = map[VMXCap]string{
	VMXCapPinBased:        "pinbased",
	VMXCapProcBased:       "procbased",
	VMXCapProcBased2:      "procbased2",
	VMXCapEntry:           "entry",
	VMXCapExit:            "exit",
	VMXCapPreemptionTimer: "preemption-timer",
}

// VMXCaps lists the capability fields VMXCapability understands.
func VMXCaps() []VMXCap {
	return []VMXCap{VMXCapPinBased, VMXCapProcBased, VMXCapProcBased2, VMXCapEntry, VMXCapExit, VMXCapPreemptionTimer}
}

func (c VMXCap) String() string {
	if n, ok := vmxCapNames[c]; ok {
		return n
	}
	return fmt.Sprintf("VMXCap(%d)", uint32(c))
}

// VMXCapability reads a VMX capability of the host (x86_64). For the
// control fields the low 32 bits are settings that must be 1 and the high
// 32 bits settings that may be 1; see VMXControl.
func (vm *VM) VMXCapability(field VMXCap) (uint64, error) {
	if vm == nil || vm.closed.Load() {
		return 0, ErrVMClosed
	}
	core := vm.core
	core.mu.RLock()
	defer core.mu.RUnlock()
	if _, err := vm.live(); err != nil {
		return 0, err
	}
	r, ok := core.hv.(native.VMXCapabilityReader)
	if !ok {
		return 0, newError(KindUnsupported, "VMX capabilities are not available on %v", core.arch)
	}
	v, ret := r.VMXCapability(uint32(field))
	if err := hvErr(ret); err != nil {
		return 0, fmt.Errorf("vmx capability %v: %w", field, err)
	}
	return v, nil
}

// VMXControl adjusts the wanted control bits to what capability allows:
// required bits are set and unsupported bits cleared.
func VMXControl(capability uint64, want uint32) uint32 {
	return (want | uint32(capability)) & uint32(capability>>32)
}
