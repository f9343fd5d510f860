package hypervisor

import (
	"fmt"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// ExitReason categorizes vCPU exits.
type ExitReason int

const (
	// ExitUnknown covers reasons this package does not decode; Raw holds the
	// native code.
	ExitUnknown ExitReason = iota
	ExitException
	ExitTimer
	ExitHalt
	ExitIO
	ExitMMIO
	ExitInterrupt
	ExitInterruptWindow
	ExitHypercall
	ExitCanceled

	numExitReasons
)

var exitReasonNames = [numExitReasons]string{
	ExitUnknown:         "unknown",
	ExitException:       "exception",
	ExitTimer:           "timer",
	ExitHalt:            "halt",
	ExitIO:              "io",
	ExitMMIO:            "mmio",
	ExitInterrupt:       "interrupt",
	ExitInterruptWindow: "interrupt-window",
	ExitHypercall:       "hypercall",
	ExitCanceled:        "canceled",
}

func (r ExitReason) String() string {
	if r >= 0 && r < numExitReasons {
		return exitReasonNames[r]
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

func (r ExitReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// IOAccess describes a port I/O exit (x86_64).
type IOAccess struct {
	Port   uint16 `json:"port"`
	Size   uint8  `json:"size"`
	In     bool   `json:"in"`
	String bool   `json:"string,omitempty"`
	Rep    bool   `json:"rep,omitempty"`
}

// MMIOAccess describes a guest access to an unmapped or protected
// guest-physical address.
type MMIOAccess struct {
	Address uint64 `json:"address"`
	// Size is the access width in bytes, 0 when the hardware does not report it.
	Size  uint8 `json:"size,omitempty"`
	Write bool  `json:"write"`
	Fetch bool  `json:"fetch,omitempty"`
	// Register is the transfer register (arm64 SRT), -1 when not reported.
	Register   int  `json:"register"`
	SignExtend bool `json:"sign_extend,omitempty"`
}

// ExceptionInfo describes an exception exit. Class is the ESR exception class
// on arm64 and the interrupt vector on x86_64.
type ExceptionInfo struct {
	Class           uint32 `json:"class"`
	Syndrome        uint64 `json:"syndrome,omitempty"`
	VirtualAddress  uint64 `json:"virtual_address,omitempty"`
	PhysicalAddress uint64 `json:"physical_address,omitempty"`
	ErrorCode       uint32 `json:"error_code,omitempty"`
	HasErrorCode    bool   `json:"has_error_code,omitempty"`
}

// HypercallInfo describes an HVC/SMC (arm64) or VMCALL (x86_64) exit.
type HypercallInfo struct {
	Immediate uint16 `json:"immediate"`
	SMC       bool   `json:"smc,omitempty"`
}

// ExitInfo captures why a vCPU stopped running. It is a value; a later Run
// returns a new one.
type ExitInfo struct {
	Reason ExitReason `json:"reason"`
	// Raw is the native exit code: hv_exit_reason_t on arm64, the full VMX
	// exit reason on x86_64.
	Raw uint32 `json:"raw"`
	// InstructionLength is the length of the trapping instruction (x86_64).
	InstructionLength uint32 `json:"instruction_length,omitempty"`

	IO        *IOAccess      `json:"io,omitempty"`
	MMIO      *MMIOAccess    `json:"mmio,omitempty"`
	Exception *ExceptionInfo `json:"exception,omitempty"`
	Hypercall *HypercallInfo `json:"hypercall,omitempty"`
}

func (e ExitInfo) String() string {
	switch {
	case e.IO != nil:
		dir := "out"
		if e.IO.In {
			dir = "in"
		}
		return fmt.Sprintf("io %s port=%#x size=%d", dir, e.IO.Port, e.IO.Size)
	case e.MMIO != nil:
		dir := "read"
		if e.MMIO.Write {
			dir = "write"
		}
		return fmt.Sprintf("mmio %s addr=%#x size=%d", dir, e.MMIO.Address, e.MMIO.Size)
	case e.Exception != nil:
		return fmt.Sprintf("exception class=%#x syndrome=%#x", e.Exception.Class, e.Exception.Syndrome)
	case e.Reason == ExitUnknown:
		return fmt.Sprintf("unknown raw=%#x", e.Raw)
	}
	return e.Reason.String()
}

// DecodeExit interprets a raw exit record. It never calls into the
// framework. A record with no architecture is a programming error and panics.
func DecodeExit(raw native.RawExit) ExitInfo {
	switch raw.Arch {
	case native.ArchARM64:
		return decodeARM64(raw)
	case native.ArchX86_64:
		return decodeX86(raw)
	}
	panic(fmt.Sprintf("hv: exit record with invalid architecture %d", raw.Arch))
}

// hv_exit_reason_t
const (
	arm64ExitCanceled  = 0
	arm64ExitException = 1
	arm64ExitVTimer    = 2
	arm64ExitUnknown   = 3
)

// ESR_EL2 exception classes
const (
	ecUnknown        = 0x00
	ecWFx            = 0x01
	ecSIMD           = 0x07
	ecSVC64          = 0x15
	ecHVC64          = 0x16
	ecSMC64          = 0x17
	ecSysReg         = 0x18
	ecInstAbortLower = 0x20
	ecInstAbortSame  = 0x21
	ecPCAlign        = 0x22
	ecDataAbortLower = 0x24
	ecDataAbortSame  = 0x25
	ecSPAlign        = 0x26
	ecFPException    = 0x2C
	ecBreakptLower   = 0x30
	ecSoftStepLower  = 0x32
	ecWatchptLower   = 0x34
	ecBRK64          = 0x3C
)

var arm64ClassNames = map[uint32]string{
	ecUnknown:        "unknown",
	ecWFx:            "wfi/wfe",
	ecSIMD:           "simd/fp access",
	ecSVC64:          "svc",
	ecHVC64:          "hvc",
	ecSMC64:          "smc",
	ecSysReg:         "msr/mrs",
	ecInstAbortLower: "instruction abort",
	ecInstAbortSame:  "instruction abort (same el)",
	ecPCAlign:        "pc alignment",
	ecDataAbortLower: "data abort",
	ecDataAbortSame:  "data abort (same el)",
	ecSPAlign:        "sp alignment",
	ecFPException:    "fp exception",
	ecBreakptLower:   "breakpoint",
	ecSoftStepLower:  "software step",
	ecWatchptLower:   "watchpoint",
	ecBRK64:          "brk",
}

// ARM64ExceptionClassName names an ESR exception class.
func ARM64ExceptionClassName(ec uint32) string {
	if name, ok := arm64ClassNames[ec]; ok {
		return name
	}
	return fmt.Sprintf("ec %#x", ec)
}

func decodeARM64(raw native.RawExit) ExitInfo {
	info := ExitInfo{Raw: raw.Reason}
	switch raw.Reason {
	case arm64ExitCanceled:
		info.Reason = ExitCanceled
		return info
	case arm64ExitVTimer:
		info.Reason = ExitTimer
		return info
	case arm64ExitException:
	default:
		info.Reason = ExitUnknown
		return info
	}

	esr := raw.Syndrome
	ec := uint32(esr>>26) & 0x3f
	iss := uint32(esr & 0x1ffffff)

	switch ec {
	case ecWFx:
		info.Reason = ExitHalt
		return info
	case ecHVC64, ecSMC64:
		info.Reason = ExitHypercall
		info.Hypercall = &HypercallInfo{Immediate: uint16(iss), SMC: ec == ecSMC64}
		return info
	case ecDataAbortLower:
		// ISV clear means the syndrome does not describe the access.
		if iss&(1<<24) != 0 {
			info.Reason = ExitMMIO
			info.MMIO = &MMIOAccess{
				Address:    raw.PhysicalAddress,
				Size:       uint8(1) << ((iss >> 22) & 3),
				Write:      iss&(1<<6) != 0,
				Register:   int((iss >> 16) & 0x1f),
				SignExtend: iss&(1<<21) != 0,
			}
			return info
		}
	}

	info.Reason = ExitException
	info.Exception = &ExceptionInfo{
		Class:           ec,
		Syndrome:        esr,
		VirtualAddress:  raw.VirtualAddress,
		PhysicalAddress: raw.PhysicalAddress,
	}
	return info
}

// VMX basic exit reasons
const (
	vmxExcNMI        = 0
	vmxIRQ           = 1
	vmxIRQWindow     = 7
	vmxHLT           = 12
	vmxVMCALL        = 18
	vmxIO            = 30
	vmxEPTViolation  = 48
	vmxEPTMisconfig  = 49
	vmxEntryFailMask = 1 << 31
)

func decodeX86(raw native.RawExit) ExitInfo {
	info := ExitInfo{Raw: raw.Reason, InstructionLength: raw.InstructionLength}
	if raw.Reason&vmxEntryFailMask != 0 {
		info.Reason = ExitUnknown
		return info
	}

	qual := raw.Qualification
	switch raw.Reason & 0xffff {
	case vmxHLT:
		info.Reason = ExitHalt
	case vmxIO:
		info.Reason = ExitIO
		info.IO = &IOAccess{
			Port:   uint16(qual >> 16),
			Size:   uint8(qual&7) + 1,
			In:     qual&(1<<3) != 0,
			String: qual&(1<<4) != 0,
			Rep:    qual&(1<<5) != 0,
		}
	case vmxEPTViolation, vmxEPTMisconfig:
		info.Reason = ExitMMIO
		info.MMIO = &MMIOAccess{
			Address:  raw.PhysicalAddress,
			Register: -1,
		}
		if raw.Reason&0xffff == vmxEPTViolation {
			info.MMIO.Write = qual&(1<<1) != 0
			info.MMIO.Fetch = qual&(1<<2) != 0
		}
	case vmxIRQ:
		info.Reason = ExitInterrupt
	case vmxIRQWindow:
		info.Reason = ExitInterruptWindow
	case vmxExcNMI:
		info.Reason = ExitException
		info.Exception = &ExceptionInfo{
			Class:          raw.InterruptInfo & 0xff,
			VirtualAddress: raw.VirtualAddress,
		}
		if raw.InterruptInfo&(1<<11) != 0 {
			info.Exception.ErrorCode = raw.InterruptError
			info.Exception.HasErrorCode = true
		}
	case vmxVMCALL:
		info.Reason = ExitHypercall
		info.Hypercall = &HypercallInfo{}
	default:
		info.Reason = ExitUnknown
	}
	return info
}
