package hypervisor

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// Hypervisor Framework hv_return_t constants
const (
	HV_SUCCESS             = uint32(native.Success)
	HV_ERROR               = uint32(native.Error)
	HV_BUSY                = uint32(native.Busy)
	HV_BAD_ARGUMENT        = uint32(native.BadArgument)
	HV_ILLEGAL_GUEST_STATE = uint32(native.IllegalGuestState)
	HV_NO_RESOURCES        = uint32(native.NoResources)
	HV_NO_DEVICE           = uint32(native.NoDevice)
	HV_DENIED              = uint32(native.Denied)
	HV_EXISTS              = uint32(native.Exists)
	HV_UNSUPPORTED         = uint32(native.Unsupported)
)

// ErrorKind classifies an HVError.
type ErrorKind int

const (
	// KindNative is a framework failure with no more specific meaning; Code
	// carries the hv_return_t.
	KindNative ErrorKind = iota
	KindInvalidArgument
	KindInvalidState
	KindWrongThread
	KindPermissionDenied
	KindUnsupported
	KindResourceExhausted
	KindAlreadyExists
)

func (k ErrorKind) String() string {
	switch k {
	case KindNative:
		return "native error"
	case KindInvalidArgument:
		return "invalid argument"
	case KindInvalidState:
		return "invalid state"
	case KindWrongThread:
		return "wrong thread"
	case KindPermissionDenied:
		return "permission denied"
	case KindUnsupported:
		return "unsupported"
	case KindResourceExhausted:
		return "resource exhausted"
	case KindAlreadyExists:
		return "already exists"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// HVError is the error type returned by every operation in this package.
// Code stores the raw 32-bit hv_return_t when the failure came from the
// framework and is zero for failures detected before any native call.
type HVError struct {
	Kind    ErrorKind
	Code    uint32
	message string
}

func (e *HVError) Error() string {
	if e.message != "" {
		return e.message
	}
	if e.Code == HV_SUCCESS {
		return "hv: " + e.Kind.String()
	}
	r := native.Return(e.Code)
	if isProductionEnv() {
		return "hv: " + r.Description()
	}
	hint, ok := returnHints[r]
	if !ok {
		hint = "consult Apple Hypervisor.framework documentation"
	}
	return fmt.Sprintf("hv: %s (%v) - %s", r.Description(), r, hint)
}

// Is matches kind sentinels: errors.Is(err, ErrInvalidState) holds for every
// HVError of KindInvalidState.
func (e *HVError) Is(target error) bool {
	t, ok := target.(*HVError)
	if !ok || t.message != "" || t.Code != HV_SUCCESS {
		return false
	}
	return t.Kind == e.Kind
}

// returnHints name the usual cause of a code in development messages.
var returnHints = map[native.Return]string{
	native.Error:             "check system requirements and API usage",
	native.Busy:              "another operation is in progress",
	native.BadArgument:       "check parameter values and alignment",
	native.IllegalGuestState: "guest CPU state is invalid",
	native.NoResources:       "system memory or limits exceeded",
	native.NoDevice:          "hardware virtualization unavailable",
	native.Denied:            "missing entitlement 'com.apple.security.hypervisor' or insufficient privileges",
	native.Exists:            "VM or vCPU already created",
	native.Unsupported:       "feature not available on this hardware/OS",
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("HV_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("HV_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// kindOf maps a framework return code onto the error taxonomy.
func kindOf(code native.Return) ErrorKind {
	switch code {
	case native.Denied:
		return KindPermissionDenied
	case native.Unsupported, native.NoDevice:
		return KindUnsupported
	case native.NoResources:
		return KindResourceExhausted
	case native.Exists:
		return KindAlreadyExists
	}
	return KindNative
}

func hvErr(code native.Return) error {
	if code == native.Success {
		return nil
	}
	recordResourceError()
	return &HVError{Kind: kindOf(code), Code: uint32(code)}
}

// newError builds a validation or state error detected before any native call.
func newError(kind ErrorKind, format string, args ...any) error {
	if kind == KindInvalidArgument || kind == KindWrongThread {
		recordSecurityError()
	}
	return &HVError{Kind: kind, message: "hv: " + fmt.Sprintf(format, args...)}
}

// Kind sentinels for use with errors.Is.
var (
	ErrNative            = &HVError{Kind: KindNative}
	ErrInvalidArgument   = &HVError{Kind: KindInvalidArgument}
	ErrInvalidState      = &HVError{Kind: KindInvalidState}
	ErrWrongThread       = &HVError{Kind: KindWrongThread}
	ErrPermissionDenied  = &HVError{Kind: KindPermissionDenied}
	ErrUnsupported       = &HVError{Kind: KindUnsupported}
	ErrResourceExhausted = &HVError{Kind: KindResourceExhausted}
	ErrAlreadyExists     = &HVError{Kind: KindAlreadyExists}
)

// Common specific errors for API consumers
var (
	ErrVMClosed         = &HVError{Kind: KindInvalidState, message: "hv: VM is closed"}
	ErrVCPUClosed       = &HVError{Kind: KindInvalidState, message: "hv: VCPU is closed"}
	ErrVCPURunning      = &HVError{Kind: KindInvalidState, message: "hv: VCPU is running"}
	ErrVCPUBusy         = &HVError{Kind: KindInvalidState, message: "hv: VCPU is in use by another goroutine"}
	ErrVCPUsAlive       = &HVError{Kind: KindInvalidState, message: "hv: VM still has live VCPUs"}
	ErrInvalidAlignment = &HVError{Kind: KindInvalidArgument, message: "hv: address not page-aligned"}
	ErrInvalidRegister  = &HVError{Kind: KindInvalidArgument, message: "hv: invalid register"}
	ErrMemoryNotMapped  = &HVError{Kind: KindInvalidArgument, message: "hv: memory not mapped"}
	ErrVMAlreadyActive  = &HVError{Kind: KindAlreadyExists, message: "hv: VM already active in this process"}
)
