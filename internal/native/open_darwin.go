//go:build darwin

package native

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

const frameworkPath = "/System/Library/Frameworks/Hypervisor.framework/Hypervisor"

var (
	frameworkOnce   sync.Once
	frameworkHandle uintptr
	frameworkErr    error
)

// HostSupported reports the kern.hv_support sysctl.
func HostSupported() (bool, error) {
	v, err := unix.SysctlUint32("kern.hv_support")
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return v == 1, nil
}

// Open returns the backend for the host architecture.
func Open() (Hypervisor, error) {
	ok, err := HostSupported()
	if err != nil {
		return nil, fmt.Errorf("native: sysctl kern.hv_support: %w", err)
	}
	if !ok {
		return nil, ErrUnsupported
	}
	return newBackend(), nil
}

func framework() (uintptr, error) {
	frameworkOnce.Do(func() {
		frameworkHandle, frameworkErr = purego.Dlopen(frameworkPath, purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if frameworkErr != nil {
			frameworkErr = fmt.Errorf("purego dlopen Hypervisor.framework: %w", frameworkErr)
		}
	})
	return frameworkHandle, frameworkErr
}

// symbol resolves an optional framework export. Symbols introduced in newer
// macOS releases resolve to 0 on older hosts.
func symbol(name string) uintptr {
	h, err := framework()
	if err != nil {
		return 0
	}
	p, err := purego.Dlsym(h, name)
	if err != nil {
		return 0
	}
	return p
}

// queryBool calls a framework function of shape hv_return_t fn(bool *out).
func queryBool(name string) (bool, Return) {
	fn := symbol(name)
	if fn == 0 {
		return false, Success
	}
	var out bool
	r1, _, _ := purego.SyscallN(fn, uintptr(unsafe.Pointer(&out)))
	if ret := Return(uint32(r1)); ret != Success {
		return false, ret
	}
	return out, Success
}
