package hypervisor

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hvkit/go-hypervisor/internal/native"
)

func TestHVError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		expected string
	}{
		{
			name:     "HV_ERROR",
			code:     HV_ERROR,
			expected: "hv: general error (HV_ERROR) - check system requirements and API usage",
		},
		{
			name:     "HV_BUSY",
			code:     HV_BUSY,
			expected: "hv: resource busy (HV_BUSY) - another operation is in progress",
		},
		{
			name:     "HV_BAD_ARGUMENT",
			code:     HV_BAD_ARGUMENT,
			expected: "hv: invalid argument (HV_BAD_ARGUMENT) - check parameter values and alignment",
		},
		{
			name:     "HV_ILLEGAL_GUEST_STATE",
			code:     HV_ILLEGAL_GUEST_STATE,
			expected: "hv: illegal guest state (HV_ILLEGAL_GUEST_STATE) - guest CPU state is invalid",
		},
		{
			name:     "HV_NO_RESOURCES",
			code:     HV_NO_RESOURCES,
			expected: "hv: insufficient resources (HV_NO_RESOURCES) - system memory or limits exceeded",
		},
		{
			name:     "HV_NO_DEVICE",
			code:     HV_NO_DEVICE,
			expected: "hv: device not found (HV_NO_DEVICE) - hardware virtualization unavailable",
		},
		{
			name:     "HV_DENIED",
			code:     HV_DENIED,
			expected: "hv: access denied (HV_DENIED) - missing entitlement 'com.apple.security.hypervisor' or insufficient privileges",
		},
		{
			name:     "HV_EXISTS",
			code:     HV_EXISTS,
			expected: "hv: resource exists (HV_EXISTS) - VM or vCPU already created",
		},
		{
			name:     "HV_UNSUPPORTED",
			code:     HV_UNSUPPORTED,
			expected: "hv: operation unsupported (HV_UNSUPPORTED) - feature not available on this hardware/OS",
		},
		{
			name:     "Unknown error code",
			code:     0x12345678,
			expected: "hv: unknown error (hv_return_t(0x12345678)) - consult Apple Hypervisor.framework documentation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &HVError{Code: tt.code}
			got := err.Error()
			if got != tt.expected {
				t.Errorf("HVError{Code: 0x%08x}.Error() = %q, want %q", tt.code, got, tt.expected)
			}
		})
	}
}

func TestHvErrLogic(t *testing.T) {
	t.Run("can create HVError directly", func(t *testing.T) {
		err := &HVError{Code: HV_ERROR}
		errMsg := err.Error()
		if !strings.Contains(errMsg, "HV_ERROR") {
			t.Errorf("Error message %q should contain 'HV_ERROR'", errMsg)
		}
	})

	t.Run("different error codes produce different messages", func(t *testing.T) {
		err1 := &HVError{Code: HV_ERROR}
		err2 := &HVError{Code: HV_BUSY}

		if err1.Error() == err2.Error() {
			t.Error("Different error codes should produce different messages")
		}
	})
}

func TestErrorConstants(t *testing.T) {
	// Verify that our constants match the expected Apple error codes
	expectedCodes := map[string]uint32{
		"HV_SUCCESS":             0x00000000,
		"HV_ERROR":               0xFAE94001,
		"HV_BUSY":                0xFAE94002,
		"HV_BAD_ARGUMENT":        0xFAE94003,
		"HV_ILLEGAL_GUEST_STATE": 0xFAE94004,
		"HV_NO_RESOURCES":        0xFAE94005,
		"HV_NO_DEVICE":           0xFAE94006,
		"HV_DENIED":              0xFAE94007,
		"HV_EXISTS":              0xFAE94008,
		"HV_UNSUPPORTED":         0xFAE9400F,
	}

	actualCodes := map[string]uint32{
		"HV_SUCCESS":             HV_SUCCESS,
		"HV_ERROR":               HV_ERROR,
		"HV_BUSY":                HV_BUSY,
		"HV_BAD_ARGUMENT":        HV_BAD_ARGUMENT,
		"HV_ILLEGAL_GUEST_STATE": HV_ILLEGAL_GUEST_STATE,
		"HV_NO_RESOURCES":        HV_NO_RESOURCES,
		"HV_NO_DEVICE":           HV_NO_DEVICE,
		"HV_DENIED":              HV_DENIED,
		"HV_EXISTS":              HV_EXISTS,
		"HV_UNSUPPORTED":         HV_UNSUPPORTED,
	}

	for name, expected := range expectedCodes {
		actual, exists := actualCodes[name]
		if !exists {
			t.Errorf("Missing constant %s", name)
			continue
		}
		if actual != expected {
			t.Errorf("Constant %s = 0x%08x, want 0x%08x", name, actual, expected)
		}
	}
}

func TestSanitizedErrors(t *testing.T) {
	t.Setenv("HV_ENV", "production")

	err := &HVError{Code: HV_DENIED}
	if got := err.Error(); got != "hv: access denied" {
		t.Errorf("production Error() = %q, want %q", got, "hv: access denied")
	}

	unknown := &HVError{Code: 0x12345678}
	if got := unknown.Error(); got != "hv: unknown error" {
		t.Errorf("production Error() = %q, want %q", got, "hv: unknown error")
	}

	t.Setenv("HV_ENV", "")
	t.Setenv("HV_DEBUG", "false")
	if got := err.Error(); strings.Contains(got, "entitlement") {
		t.Errorf("HV_DEBUG=false still leaks detail: %q", got)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		code native.Return
		want error
	}{
		{native.Denied, ErrPermissionDenied},
		{native.Unsupported, ErrUnsupported},
		{native.NoDevice, ErrUnsupported},
		{native.NoResources, ErrResourceExhausted},
		{native.Exists, ErrAlreadyExists},
		{native.Error, ErrNative},
		{native.Busy, ErrNative},
		{native.BadArgument, ErrNative},
		{native.IllegalGuestState, ErrNative},
		{native.Return(0x12345678), ErrNative},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := hvErr(tt.code)
			if !errors.Is(err, tt.want) {
				t.Fatalf("hvErr(%v) = %v, want kind %v", tt.code, err, tt.want.(*HVError).Kind)
			}
			var he *HVError
			if !errors.As(err, &he) || he.Code != uint32(tt.code) {
				t.Errorf("errors.As lost the native code: %+v", he)
			}
		})
	}

	if err := hvErr(native.Success); err != nil {
		t.Errorf("hvErr(Success) = %v, want nil", err)
	}
}

func TestErrorKindsMatchThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("failed to destroy VM: %w", ErrVCPUsAlive)
	if !errors.Is(wrapped, ErrInvalidState) {
		t.Errorf("wrapped %v should match ErrInvalidState", wrapped)
	}
	if !errors.Is(wrapped, ErrVCPUsAlive) {
		t.Errorf("wrapped %v should match ErrVCPUsAlive", wrapped)
	}
	if errors.Is(wrapped, ErrInvalidArgument) {
		t.Errorf("wrapped %v should not match ErrInvalidArgument", wrapped)
	}
	if errors.Is(ErrVCPUClosed, ErrVMClosed) {
		t.Error("specific errors of the same kind must stay distinct")
	}

	err := newError(KindWrongThread, "vCPU %d on thread %d", 1, 2)
	if !errors.Is(err, ErrWrongThread) {
		t.Errorf("%v should match ErrWrongThread", err)
	}
	if !strings.HasPrefix(err.Error(), "hv: ") {
		t.Errorf("message %q should carry the hv prefix", err.Error())
	}
}
