// Package native is the thin binding layer between the hypervisor package and
// Hypervisor.framework. Implementations forward calls and report raw
// hv_return_t codes; validation, ownership and error mapping live above it.
package native

import (
	"errors"
	"fmt"
)

// Return is a raw hv_return_t value.
type Return uint32

const (
	Success           Return = 0x00000000
	Error             Return = 0xFAE94001
	Busy              Return = 0xFAE94002
	BadArgument       Return = 0xFAE94003
	IllegalGuestState Return = 0xFAE94004
	NoResources       Return = 0xFAE94005
	NoDevice          Return = 0xFAE94006
	Denied            Return = 0xFAE94007
	Exists            Return = 0xFAE94008
	Unsupported       Return = 0xFAE9400F
)

func (r Return) String() string {
	switch r {
	case Success:
		return "HV_SUCCESS"
	case Error:
		return "HV_ERROR"
	case Busy:
		return "HV_BUSY"
	case BadArgument:
		return "HV_BAD_ARGUMENT"
	case IllegalGuestState:
		return "HV_ILLEGAL_GUEST_STATE"
	case NoResources:
		return "HV_NO_RESOURCES"
	case NoDevice:
		return "HV_NO_DEVICE"
	case Denied:
		return "HV_DENIED"
	case Exists:
		return "HV_EXISTS"
	case Unsupported:
		return "HV_UNSUPPORTED"
	}
	return fmt.Sprintf("hv_return_t(0x%08x)", uint32(r))
}

// Description is a short lower-case summary of r.
func (r Return) Description() string {
	switch r {
	case Success:
		return "success"
	case Error:
		return "general error"
	case Busy:
		return "resource busy"
	case BadArgument:
		return "invalid argument"
	case IllegalGuestState:
		return "illegal guest state"
	case NoResources:
		return "insufficient resources"
	case NoDevice:
		return "device not found"
	case Denied:
		return "access denied"
	case Exists:
		return "resource exists"
	case Unsupported:
		return "operation unsupported"
	}
	return "unknown error"
}

// ErrUnsupported is returned by Open on hosts without a backend.
var ErrUnsupported = errors.New("native: Hypervisor.framework is not available on this platform")

// Arch identifies the guest instruction set of a backend.
type Arch int

const (
	ArchInvalid Arch = iota
	ArchARM64
	ArchX86_64
)

func (a Arch) String() string {
	switch a {
	case ArchARM64:
		return "arm64"
	case ArchX86_64:
		return "x86_64"
	}
	return "invalid"
}

// Perm is the hv_memory_flags_t bit set.
type Perm uint64

const (
	PermRead  Perm = 1 << 0
	PermWrite Perm = 1 << 1
	PermExec  Perm = 1 << 2
)

// Feature names an optional framework capability.
type Feature int

const (
	FeatureEL2 Feature = iota + 1
	FeatureSME
	FeatureGIC
	FeatureAddressSpaces
	FeatureRunUntil
)

// RegClass selects the native accessor family for a register.
type RegClass uint8

const (
	// RegGeneral is hv_reg_t on arm64 and hv_x86_reg_t on x86_64.
	RegGeneral RegClass = iota
	// RegSystem is hv_sys_reg_t (arm64 only).
	RegSystem
)

// RegRef is a native register selector.
type RegRef struct {
	Class RegClass
	ID    uint32
}

// VMConfig is passed to CreateVM. Zero values select framework defaults.
type VMConfig struct {
	IPASize   uint32
	EnableEL2 bool
	Flags     uint64
}

// RawExit is the unprocessed exit record captured right after a run.
type RawExit struct {
	Arch Arch
	// Reason is hv_exit_reason_t on arm64 and the full VMX exit reason on x86_64.
	Reason uint32
	// Syndrome is ESR_EL2 as reported for the exit (arm64).
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
	// x86_64 only.
	Qualification     uint64
	InstructionLength uint32
	InterruptInfo     uint32
	InterruptError    uint32
}

// Hypervisor is a host backend. At most one VM exists per backend.
type Hypervisor interface {
	Arch() Arch
	PageSize() uint64
	Feature(f Feature) (bool, Return)
	MaxVCPUs() (uint32, Return)

	CreateVM(cfg VMConfig) Return
	DestroyVM() Return
	// Map installs host at gpa. host is non-empty and stays referenced by
	// the caller until it is unmapped.
	Map(host []byte, gpa uint64, perm Perm) Return
	Unmap(gpa, size uint64) Return
	Protect(gpa, size uint64, perm Perm) Return

	// CreateVCPU must be called on the OS thread that will own the VCPU.
	CreateVCPU() (VCPU, Return)
}

// VCPU is a native virtual CPU. Every method must be called on the thread
// that created it.
type VCPU interface {
	ID() uint64
	Destroy() Return
	GetReg(r RegRef) (uint64, Return)
	SetReg(r RegRef, v uint64) Return
	Run() (RawExit, Return)
}

// ExecTimer reports cumulative guest execution time in mach absolute units.
type ExecTimer interface {
	ExecTime() (uint64, Return)
}

// InterruptType is hv_interrupt_type_t.
type InterruptType uint32

const (
	InterruptIRQ InterruptType = 0
	InterruptFIQ InterruptType = 1
)

// InterruptInjector is implemented by arm64 VCPUs.
type InterruptInjector interface {
	PendingInterrupt(t InterruptType) (bool, Return)
	SetPendingInterrupt(t InterruptType, pending bool) Return
}

// VTimer is implemented by arm64 VCPUs.
type VTimer interface {
	VTimerMask() (bool, Return)
	SetVTimerMask(masked bool) Return
	VTimerOffset() (uint64, Return)
	SetVTimerOffset(offset uint64) Return
}

// MSRAccessor is implemented by x86_64 VCPUs.
type MSRAccessor interface {
	ReadMSR(msr uint32) (uint64, Return)
	WriteMSR(msr uint32, v uint64) Return
}

// VMCSAccessor is implemented by x86_64 VCPUs.
type VMCSAccessor interface {
	ReadVMCS(field uint32) (uint64, Return)
	WriteVMCS(field uint32, v uint64) Return
}

// SIMDFPAccessor is implemented by arm64 VCPUs. n selects Q0..Q31.
type SIMDFPAccessor interface {
	SIMDFPReg(n uint32) ([16]byte, Return)
	SetSIMDFPReg(n uint32, v [16]byte) Return
}

// DebugTrapper is implemented by arm64 VCPUs.
type DebugTrapper interface {
	TrapDebugExceptions() (bool, Return)
	SetTrapDebugExceptions(enable bool) Return
	TrapDebugRegAccesses() (bool, Return)
	SetTrapDebugRegAccesses(enable bool) Return
}

// NativeMSREnabler is implemented by x86_64 VCPUs.
type NativeMSREnabler interface {
	EnableNativeMSR(msr uint32, enable bool) Return
}

// VMXCapabilityReader is implemented by x86_64 backends. field is
// hv_vmx_capability_t.
type VMXCapabilityReader interface {
	VMXCapability(field uint32) (uint64, Return)
}
