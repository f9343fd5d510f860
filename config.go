package hypervisor

import (
	"os"
	"strconv"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// VMConfig controls VM creation. The zero value selects framework defaults.
type VMConfig struct {
	// IPASize is the guest physical address width in bits (arm64 only).
	// Zero selects the framework default.
	IPASize uint32 `json:"ipa_size,omitempty" yaml:"ipa_size,omitempty"`
	// EnableEL2 exposes EL2 to the guest (arm64, macOS 15 and later).
	EnableEL2 bool `json:"enable_el2,omitempty" yaml:"enable_el2,omitempty"`
	// MaxVCPUs caps the number of VCPUs NewVCPU will create. Zero uses
	// HV_MAX_VCPUS from the environment, falling back to the platform limit.
	MaxVCPUs int `json:"max_vcpus,omitempty" yaml:"max_vcpus,omitempty"`
	// Flags are hv_vm_options_t bits (x86_64 only).
	Flags uint64 `json:"flags,omitempty" yaml:"flags,omitempty"`
}

// DefaultVMConfig returns the configuration NewVM uses.
func DefaultVMConfig() VMConfig {
	return VMConfig{MaxVCPUs: envInt("HV_MAX_VCPUS")}
}

func (c VMConfig) validate(arch native.Arch) error {
	if c.MaxVCPUs < 0 {
		return newError(KindInvalidArgument, "negative VCPU limit %d", c.MaxVCPUs)
	}
	switch arch {
	case native.ArchARM64:
		if c.IPASize != 0 && (c.IPASize < 32 || c.IPASize > 52) {
			return newError(KindInvalidArgument, "IPA size %d outside [32, 52]", c.IPASize)
		}
		if c.Flags != 0 {
			return newError(KindInvalidArgument, "VM option flags are x86_64 only")
		}
	case native.ArchX86_64:
		if c.IPASize != 0 {
			return newError(KindInvalidArgument, "IPA size is arm64 only")
		}
		if c.EnableEL2 {
			return newError(KindUnsupported, "EL2 is arm64 only")
		}
	}
	return nil
}

func (c VMConfig) native() native.VMConfig {
	return native.VMConfig{IPASize: c.IPASize, EnableEL2: c.EnableEL2, Flags: c.Flags}
}

func envInt(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil || v < 0 {
		return 0
	}
	return v
}
