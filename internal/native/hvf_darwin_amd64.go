//go:build darwin && amd64

package native

/*
#cgo darwin LDFLAGS: -framework Hypervisor
#include <Hypervisor/hv.h>
#include <Hypervisor/hv_vmx.h>
#include <stdbool.h>
#include <stdint.h>

typedef hv_return_t (*go_run_until_fn)(hv_vcpuid_t, uint64_t);

// VMCS field encodings read after every exit.
#define GO_VMCS_GUEST_PHYSICAL_ADDRESS 0x2400
#define GO_VMCS_RO_EXIT_REASON         0x4402
#define GO_VMCS_RO_VMEXIT_IRQ_INFO     0x4404
#define GO_VMCS_RO_VMEXIT_IRQ_ERROR    0x4406
#define GO_VMCS_RO_VMEXIT_INSTR_LEN    0x440C
#define GO_VMCS_RO_EXIT_QUALIFIC       0x6400
#define GO_VMCS_RO_GUEST_LIN_ADDR      0x640A

typedef struct {
	uint64_t reason;
	uint64_t qualification;
	uint64_t instr_len;
	uint64_t irq_info;
	uint64_t irq_error;
	uint64_t gpa;
	uint64_t gla;
} go_vmx_exit;

static hv_return_t go_hv_vcpu_run(hv_vcpuid_t vcpu, uintptr_t run_until, go_vmx_exit *out) {
	hv_return_t ret;
	if (run_until != 0) {
		ret = ((go_run_until_fn)run_until)(vcpu, ~0ULL);
	} else {
		ret = hv_vcpu_run(vcpu);
	}
	if (ret != HV_SUCCESS) {
		return ret;
	}
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_EXIT_REASON, &out->reason);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_EXIT_QUALIFIC, &out->qualification);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_VMEXIT_INSTR_LEN, &out->instr_len);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_VMEXIT_IRQ_INFO, &out->irq_info);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_VMEXIT_IRQ_ERROR, &out->irq_error);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_GUEST_PHYSICAL_ADDRESS, &out->gpa);
	hv_vmx_vcpu_read_vmcs(vcpu, GO_VMCS_RO_GUEST_LIN_ADDR, &out->gla);
	return HV_SUCCESS;
}

static hv_return_t go_hv_vm_map(void *addr, uint64_t gpa, size_t size, uint64_t flags) {
	return hv_vm_map((hv_uvaddr_t)addr, (hv_gpaddr_t)gpa, size, (hv_memory_flags_t)flags);
}
*/
import "C"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type hvfX86 struct {
	pageSize uint64
	runUntil uintptr
}

func newBackend() Hypervisor {
	return &hvfX86{
		pageSize: uint64(unix.Getpagesize()),
		runUntil: symbol("hv_vcpu_run_until"),
	}
}

func (h *hvfX86) Arch() Arch       { return ArchX86_64 }
func (h *hvfX86) PageSize() uint64 { return h.pageSize }

func (h *hvfX86) Feature(f Feature) (bool, Return) {
	switch f {
	case FeatureAddressSpaces:
		return symbol("hv_vm_space_create") != 0, Success
	case FeatureRunUntil:
		return h.runUntil != 0, Success
	}
	return false, Success
}

func (h *hvfX86) MaxVCPUs() (uint32, Return) {
	var n C.uint64_t
	ret := Return(C.hv_capability(C.HV_CAP_VCPUMAX, &n))
	return uint32(n), ret
}

func (h *hvfX86) CreateVM(cfg VMConfig) Return {
	return Return(C.hv_vm_create(C.hv_vm_options_t(cfg.Flags)))
}

func (h *hvfX86) DestroyVM() Return {
	return Return(C.hv_vm_destroy())
}

func (h *hvfX86) Map(host []byte, gpa uint64, perm Perm) Return {
	return Return(C.go_hv_vm_map(unsafe.Pointer(&host[0]), C.uint64_t(gpa), C.size_t(len(host)), C.uint64_t(perm)))
}

func (h *hvfX86) Unmap(gpa, size uint64) Return {
	return Return(C.hv_vm_unmap(C.hv_gpaddr_t(gpa), C.size_t(size)))
}

func (h *hvfX86) Protect(gpa, size uint64, perm Perm) Return {
	return Return(C.hv_vm_protect(C.hv_gpaddr_t(gpa), C.size_t(size), C.hv_memory_flags_t(perm)))
}

func (h *hvfX86) CreateVCPU() (VCPU, Return) {
	var id C.hv_vcpuid_t
	if ret := Return(C.hv_vcpu_create(&id, C.HV_VCPU_DEFAULT)); ret != Success {
		return nil, ret
	}
	return &vcpuX86{id: id, runUntil: h.runUntil}, Success
}

type vcpuX86 struct {
	id       C.hv_vcpuid_t
	runUntil uintptr
}

func (v *vcpuX86) ID() uint64 { return uint64(v.id) }

func (v *vcpuX86) Destroy() Return {
	return Return(C.hv_vcpu_destroy(v.id))
}

func (v *vcpuX86) GetReg(r RegRef) (uint64, Return) {
	if r.Class != RegGeneral {
		return 0, BadArgument
	}
	var val C.uint64_t
	ret := Return(C.hv_vcpu_read_register(v.id, C.hv_x86_reg_t(r.ID), &val))
	return uint64(val), ret
}

func (v *vcpuX86) SetReg(r RegRef, val uint64) Return {
	if r.Class != RegGeneral {
		return BadArgument
	}
	return Return(C.hv_vcpu_write_register(v.id, C.hv_x86_reg_t(r.ID), C.uint64_t(val)))
}

func (v *vcpuX86) Run() (RawExit, Return) {
	var out C.go_vmx_exit
	if ret := Return(C.go_hv_vcpu_run(v.id, C.uintptr_t(v.runUntil), &out)); ret != Success {
		return RawExit{}, ret
	}
	return RawExit{
		Arch:              ArchX86_64,
		Reason:            uint32(out.reason),
		Qualification:     uint64(out.qualification),
		InstructionLength: uint32(out.instr_len),
		InterruptInfo:     uint32(out.irq_info),
		InterruptError:    uint32(out.irq_error),
		PhysicalAddress:   uint64(out.gpa),
		VirtualAddress:    uint64(out.gla),
	}, Success
}

func (v *vcpuX86) ExecTime() (uint64, Return) {
	var t C.uint64_t
	ret := Return(C.hv_vcpu_get_exec_time(v.id, &t))
	return uint64(t), ret
}

func (v *vcpuX86) ReadMSR(msr uint32) (uint64, Return) {
	var val C.uint64_t
	ret := Return(C.hv_vcpu_read_msr(v.id, C.uint32_t(msr), &val))
	return uint64(val), ret
}

func (v *vcpuX86) WriteMSR(msr uint32, val uint64) Return {
	return Return(C.hv_vcpu_write_msr(v.id, C.uint32_t(msr), C.uint64_t(val)))
}

func (v *vcpuX86) ReadVMCS(field uint32) (uint64, Return) {
	var val C.uint64_t
	ret := Return(C.hv_vmx_vcpu_read_vmcs(v.id, C.uint32_t(field), &val))
	return uint64(val), ret
}

func (v *vcpuX86) WriteVMCS(field uint32, val uint64) Return {
	return Return(C.hv_vmx_vcpu_write_vmcs(v.id, C.uint32_t(field), C.uint64_t(val)))
}

func (v *vcpuX86) EnableNativeMSR(msr uint32, enable bool) Return {
	return Return(C.hv_vcpu_enable_native_msr(v.id, C.uint32_t(msr), C.bool(enable)))
}

func (h *hvfX86) VMXCapability(field uint32) (uint64, Return) {
	var val C.uint64_t
	ret := Return(C.hv_vmx_read_capability(C.hv_vmx_capability_t(field), &val))
	return uint64(val), ret
}
