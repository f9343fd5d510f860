package hypervisor

import (
	"errors"
	"fmt"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// openBackend returns the host backend; tests substitute a fake.
var openBackend = native.Open

// Supported reports whether the host can run a hypervisor at all. It does
// not create a VM or allocate native resources.
func Supported() bool {
	ok, err := native.HostSupported()
	if err != nil {
		logger().Debug("hv: support query failed", "err", err)
		return false
	}
	return ok
}

// Feature names an optional Hypervisor.framework capability.
type Feature int

const (
	// FeatureEL2 is nested virtualization (arm64).
	FeatureEL2 Feature = Feature(native.FeatureEL2)
	// FeatureSME is the Scalable Matrix Extension (arm64).
	FeatureSME Feature = Feature(native.FeatureSME)
	// FeatureGIC is the in-kernel interrupt controller (arm64).
	FeatureGIC Feature = Feature(native.FeatureGIC)
	// FeatureAddressSpaces is multiple guest address spaces (x86_64).
	FeatureAddressSpaces Feature = Feature(native.FeatureAddressSpaces)
	// FeatureRunUntil is deadline-based vcpu execution (x86_64).
	FeatureRunUntil Feature = Feature(native.FeatureRunUntil)
)

var featureNames = map[Feature]string{
	FeatureEL2:           "el2",
	FeatureSME:           "sme",
	FeatureGIC:           "gic",
	FeatureAddressSpaces: "address-spaces",
	FeatureRunUntil:      "run-until",
}

// Features lists every feature FeatureSupported knows about.
func Features() []Feature {
	return []Feature{FeatureEL2, FeatureSME, FeatureGIC, FeatureAddressSpaces, FeatureRunUntil}
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Feature(%d)", int(f))
}

// FeatureSupported reports whether f is available on this host. Unknown
// features, and features of another architecture, report false.
func FeatureSupported(f Feature) (bool, error) {
	if _, ok := featureNames[f]; !ok {
		return false, nil
	}
	hv, err := openBackend()
	if err != nil {
		if errors.Is(err, native.ErrUnsupported) {
			return false, nil
		}
		return false, unsupported(err)
	}
	ok, ret := hv.Feature(native.Feature(f))
	if err := hvErr(ret); err != nil {
		return false, fmt.Errorf("hv: query feature %s: %w", f, err)
	}
	return ok, nil
}

// MaxVCPUs returns the platform limit on VCPUs per VM.
func MaxVCPUs() (int, error) {
	hv, err := openBackend()
	if err != nil {
		return 0, unsupported(err)
	}
	n, ret := hv.MaxVCPUs()
	if err := hvErr(ret); err != nil {
		return 0, fmt.Errorf("hv: query max vcpus: %w", err)
	}
	return int(n), nil
}

// HostArch returns the guest architecture of the host backend.
func HostArch() (Arch, error) {
	hv, err := openBackend()
	if err != nil {
		return ArchInvalid, unsupported(err)
	}
	return Arch(hv.Arch()), nil
}

func unsupported(err error) error {
	return &HVError{Kind: KindUnsupported, message: "hv: " + err.Error()}
}

// Arch identifies a guest instruction set.
type Arch int

const (
	ArchInvalid Arch = Arch(native.ArchInvalid)
	ArchARM64   Arch = Arch(native.ArchARM64)
	ArchX86_64  Arch = Arch(native.ArchX86_64)
)

func (a Arch) String() string { return native.Arch(a).String() }
