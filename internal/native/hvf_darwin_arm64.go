//go:build darwin && arm64

package native

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/Hypervisor.h>
#include <os/object.h>
#include <stdbool.h>
#include <stdint.h>
#include <string.h>

typedef hv_return_t (*go_set_el2_fn)(hv_vm_config_t, bool);

static hv_return_t go_hv_vm_create_with_cfg(uint32_t ipa_size, int el2, uintptr_t set_el2) {
	hv_vm_config_t config = hv_vm_config_create();
	if (!config) {
		return HV_ERROR;
	}

	hv_return_t ret = HV_SUCCESS;
	if (ipa_size == 0) {
		ret = hv_vm_config_get_default_ipa_size(&ipa_size);
	}
	if (ret == HV_SUCCESS && ipa_size != 0) {
		ret = hv_vm_config_set_ipa_size(config, ipa_size);
	}
	if (ret == HV_SUCCESS && el2) {
		if (set_el2 == 0) {
			ret = HV_UNSUPPORTED;
		} else {
			ret = ((go_set_el2_fn)set_el2)(config, true);
		}
	}
	if (ret == HV_SUCCESS) {
		ret = hv_vm_create(config);
	}
	os_release(config);
	return ret;
}

static hv_return_t go_hv_vm_map(void *addr, uint64_t ipa, size_t size, uint64_t flags) {
	return hv_vm_map(addr, (hv_ipa_t)ipa, size, (hv_memory_flags_t)flags);
}

static hv_return_t go_hv_vcpu_create(hv_vcpu_t *vcpu, hv_vcpu_exit_t **exit) {
	return hv_vcpu_create(vcpu, exit, NULL);
}

static hv_return_t go_hv_vcpu_get_simd_fp_reg(hv_vcpu_t vcpu, uint32_t reg, uint8_t out[16]) {
	hv_simd_fp_uchar16_t v;
	hv_return_t ret = hv_vcpu_get_simd_fp_reg(vcpu, (hv_simd_fp_reg_t)reg, &v);
	memcpy(out, &v, 16);
	return ret;
}

static hv_return_t go_hv_vcpu_set_simd_fp_reg(hv_vcpu_t vcpu, uint32_t reg, const uint8_t in[16]) {
	hv_simd_fp_uchar16_t v;
	memcpy(&v, in, 16);
	return hv_vcpu_set_simd_fp_reg(vcpu, (hv_simd_fp_reg_t)reg, v);
}
*/
import "C"

import (
	"unsafe"

	"github.com/ebitengine/purego"
	"golang.org/x/sys/unix"
)

type hvfARM64 struct {
	pageSize uint64
}

func newBackend() Hypervisor {
	return &hvfARM64{pageSize: uint64(unix.Getpagesize())}
}

func (h *hvfARM64) Arch() Arch       { return ArchARM64 }
func (h *hvfARM64) PageSize() uint64 { return h.pageSize }

func (h *hvfARM64) Feature(f Feature) (bool, Return) {
	switch f {
	case FeatureEL2:
		return queryBool("hv_vm_config_get_el2_supported")
	case FeatureSME:
		fn := symbol("hv_sme_config_get_max_svl_bytes")
		if fn == 0 {
			return false, Success
		}
		var svl uintptr
		r1, _, _ := purego.SyscallN(fn, uintptr(unsafe.Pointer(&svl)))
		switch ret := Return(uint32(r1)); ret {
		case Success:
			return svl > 0, Success
		case Unsupported:
			return false, Success
		default:
			return false, ret
		}
	case FeatureGIC:
		return symbol("hv_gic_create") != 0, Success
	}
	return false, Success
}

func (h *hvfARM64) MaxVCPUs() (uint32, Return) {
	var n C.uint32_t
	ret := Return(C.hv_vm_get_max_vcpu_count(&n))
	return uint32(n), ret
}

func (h *hvfARM64) CreateVM(cfg VMConfig) Return {
	var el2 C.int
	var setEL2 uintptr
	if cfg.EnableEL2 {
		el2 = 1
		setEL2 = symbol("hv_vm_config_set_el2_enabled")
	}
	return Return(C.go_hv_vm_create_with_cfg(C.uint32_t(cfg.IPASize), el2, C.uintptr_t(setEL2)))
}

func (h *hvfARM64) DestroyVM() Return {
	return Return(C.hv_vm_destroy())
}

func (h *hvfARM64) Map(host []byte, gpa uint64, perm Perm) Return {
	return Return(C.go_hv_vm_map(unsafe.Pointer(&host[0]), C.uint64_t(gpa), C.size_t(len(host)), C.uint64_t(perm)))
}

func (h *hvfARM64) Unmap(gpa, size uint64) Return {
	return Return(C.hv_vm_unmap(C.hv_ipa_t(gpa), C.size_t(size)))
}

func (h *hvfARM64) Protect(gpa, size uint64, perm Perm) Return {
	return Return(C.hv_vm_protect(C.hv_ipa_t(gpa), C.size_t(size), C.hv_memory_flags_t(perm)))
}

func (h *hvfARM64) CreateVCPU() (VCPU, Return) {
	var id C.hv_vcpu_t
	var exit *C.hv_vcpu_exit_t
	if ret := Return(C.go_hv_vcpu_create(&id, &exit)); ret != Success {
		return nil, ret
	}
	return &vcpuARM64{id: id, exit: exit}, Success
}

type vcpuARM64 struct {
	id   C.hv_vcpu_t
	exit *C.hv_vcpu_exit_t
}

func (v *vcpuARM64) ID() uint64 { return uint64(v.id) }

func (v *vcpuARM64) Destroy() Return {
	return Return(C.hv_vcpu_destroy(v.id))
}

func (v *vcpuARM64) GetReg(r RegRef) (uint64, Return) {
	var val C.uint64_t
	var ret C.hv_return_t
	switch r.Class {
	case RegGeneral:
		ret = C.hv_vcpu_get_reg(v.id, C.hv_reg_t(r.ID), &val)
	case RegSystem:
		ret = C.hv_vcpu_get_sys_reg(v.id, C.hv_sys_reg_t(r.ID), &val)
	default:
		return 0, BadArgument
	}
	return uint64(val), Return(ret)
}

func (v *vcpuARM64) SetReg(r RegRef, val uint64) Return {
	switch r.Class {
	case RegGeneral:
		return Return(C.hv_vcpu_set_reg(v.id, C.hv_reg_t(r.ID), C.uint64_t(val)))
	case RegSystem:
		return Return(C.hv_vcpu_set_sys_reg(v.id, C.hv_sys_reg_t(r.ID), C.uint64_t(val)))
	}
	return BadArgument
}

func (v *vcpuARM64) Run() (RawExit, Return) {
	if ret := Return(C.hv_vcpu_run(v.id)); ret != Success {
		return RawExit{}, ret
	}
	return RawExit{
		Arch:            ArchARM64,
		Reason:          uint32(v.exit.reason),
		Syndrome:        uint64(v.exit.exception.syndrome),
		VirtualAddress:  uint64(v.exit.exception.virtual_address),
		PhysicalAddress: uint64(v.exit.exception.physical_address),
	}, Success
}

func (v *vcpuARM64) ExecTime() (uint64, Return) {
	var t C.uint64_t
	ret := Return(C.hv_vcpu_get_exec_time(v.id, &t))
	return uint64(t), ret
}

func (v *vcpuARM64) PendingInterrupt(t InterruptType) (bool, Return) {
	var pending C.bool
	ret := Return(C.hv_vcpu_get_pending_interrupt(v.id, C.hv_interrupt_type_t(t), &pending))
	return bool(pending), ret
}

func (v *vcpuARM64) SetPendingInterrupt(t InterruptType, pending bool) Return {
	return Return(C.hv_vcpu_set_pending_interrupt(v.id, C.hv_interrupt_type_t(t), C.bool(pending)))
}

func (v *vcpuARM64) VTimerMask() (bool, Return) {
	var masked C.bool
	ret := Return(C.hv_vcpu_get_vtimer_mask(v.id, &masked))
	return bool(masked), ret
}

func (v *vcpuARM64) SetVTimerMask(masked bool) Return {
	return Return(C.hv_vcpu_set_vtimer_mask(v.id, C.bool(masked)))
}

func (v *vcpuARM64) VTimerOffset() (uint64, Return) {
	var off C.uint64_t
	ret := Return(C.hv_vcpu_get_vtimer_offset(v.id, &off))
	return uint64(off), ret
}

func (v *vcpuARM64) SetVTimerOffset(offset uint64) Return {
	return Return(C.hv_vcpu_set_vtimer_offset(v.id, C.uint64_t(offset)))
}

func (v *vcpuARM64) SIMDFPReg(n uint32) ([16]byte, Return) {
	var out [16]byte
	ret := Return(C.go_hv_vcpu_get_simd_fp_reg(v.id, C.uint32_t(n), (*C.uint8_t)(unsafe.Pointer(&out[0]))))
	return out, ret
}

func (v *vcpuARM64) SetSIMDFPReg(n uint32, val [16]byte) Return {
	return Return(C.go_hv_vcpu_set_simd_fp_reg(v.id, C.uint32_t(n), (*C.uint8_t)(unsafe.Pointer(&val[0]))))
}

func (v *vcpuARM64) TrapDebugExceptions() (bool, Return) {
	var on C.bool
	ret := Return(C.hv_vcpu_get_trap_debug_exceptions(v.id, &on))
	return bool(on), ret
}

func (v *vcpuARM64) SetTrapDebugExceptions(enable bool) Return {
	return Return(C.hv_vcpu_set_trap_debug_exceptions(v.id, C.bool(enable)))
}

func (v *vcpuARM64) TrapDebugRegAccesses() (bool, Return) {
	var on C.bool
	ret := Return(C.hv_vcpu_get_trap_debug_reg_accesses(v.id, &on))
	return bool(on), ret
}

func (v *vcpuARM64) SetTrapDebugRegAccesses(enable bool) Return {
	return Return(C.hv_vcpu_set_trap_debug_reg_accesses(v.id, C.bool(enable)))
}
