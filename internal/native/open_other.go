//go:build !darwin

package native

// HostSupported is always false off darwin.
func HostSupported() (bool, error) { return false, nil }

// Open always fails off darwin.
func Open() (Hypervisor, error) { return nil, ErrUnsupported }
