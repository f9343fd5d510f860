// Package fake is an in-memory native.Hypervisor used by tests. It tracks VM
// topology the way the framework does and interprets a handful of guest
// instructions so run/exit paths can be exercised without hardware.
package fake

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// Call names accepted by FailNext and Calls.
const (
	OpCreateVM   = "CreateVM"
	OpDestroyVM  = "DestroyVM"
	OpMap        = "Map"
	OpUnmap      = "Unmap"
	OpProtect    = "Protect"
	OpCreateVCPU = "CreateVCPU"
	OpDestroy    = "Destroy"
	OpGetReg     = "GetReg"
	OpSetReg     = "SetReg"
	OpRun        = "Run"
)

// maxSteps bounds how many instructions a single Run interprets before the
// fake reports a preemption exit.
const maxSteps = 4096

type region struct {
	gpa, size uint64
	perm      native.Perm
	mem       []byte
}

// Hypervisor is a fake backend.
type Hypervisor struct {
	mu       sync.Mutex
	arch     native.Arch
	pageSize uint64
	maxVCPUs uint32
	features map[native.Feature]bool
	vmxCaps  map[uint32]uint64

	active  bool
	cfg     native.VMConfig
	regions []*region
	vcpus   map[uint64]*VCPU
	nextID  uint64
	queued  []native.RawExit

	failures map[string]native.Return
	calls    map[string]int
}

// Option configures a fake Hypervisor.
type Option func(*Hypervisor)

// WithPageSize overrides the default page size.
func WithPageSize(n uint64) Option { return func(h *Hypervisor) { h.pageSize = n } }

// WithMaxVCPUs overrides the per-VM VCPU limit.
func WithMaxVCPUs(n uint32) Option { return func(h *Hypervisor) { h.maxVCPUs = n } }

// WithFeature marks a feature as supported.
func WithFeature(f native.Feature) Option {
	return func(h *Hypervisor) { h.features[f] = true }
}

// WithVMXCapability sets the value reported for an hv_vmx_capability_t
// field (x86_64).
func WithVMXCapability(field uint32, v uint64) Option {
	return func(h *Hypervisor) { h.vmxCaps[field] = v }
}

// defaultVMXCaps are allowed-0/allowed-1 control settings in the
// hv_vmx_read_capability layout: required bits low, permitted bits high.
var defaultVMXCaps = map[uint32]uint64{
	0:  0x0000007F_00000016, // pin-based
	1:  0xFFF9FFFE_0401E172, // proc-based
	2:  0x000000FF_00000000, // proc-based 2
	3:  0x0003FFFF_000011FF, // entry
	4:  0x007FFFFF_00036DFF, // exit
	32: 0x00000000_00000005, // preemption timer
}

// New returns a fake backend for arch. Page size defaults to 16 KiB on arm64
// and 4 KiB on x86_64.
func New(arch native.Arch, opts ...Option) *Hypervisor {
	h := &Hypervisor{
		arch:     arch,
		pageSize: 4096,
		maxVCPUs: 8,
		features: make(map[native.Feature]bool),
		vmxCaps:  make(map[uint32]uint64),
		vcpus:    make(map[uint64]*VCPU),
		failures: make(map[string]native.Return),
		calls:    make(map[string]int),
	}
	if arch == native.ArchARM64 {
		h.pageSize = 16384
	} else {
		for f, v := range defaultVMXCaps {
			h.vmxCaps[f] = v
		}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FailNext makes the next call of op return ret.
func (h *Hypervisor) FailNext(op string, ret native.Return) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = ret
}

// Calls returns how many times op has been invoked.
func (h *Hypervisor) Calls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// Active reports whether a VM currently exists.
func (h *Hypervisor) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Config returns the configuration of the last created VM.
func (h *Hypervisor) Config() native.VMConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

// Mapped returns the size and permissions of the region starting at gpa.
func (h *Hypervisor) Mapped(gpa uint64) (uint64, native.Perm, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.regions {
		if r.gpa == gpa {
			return r.size, r.perm, true
		}
	}
	return 0, 0, false
}

// NumRegions returns the number of installed regions.
func (h *Hypervisor) NumRegions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.regions)
}

// NumVCPUs returns the number of live VCPUs.
func (h *Hypervisor) NumVCPUs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.vcpus)
}

// QueueExit makes the next Run on any VCPU return raw without executing
// guest code.
func (h *Hypervisor) QueueExit(raw native.RawExit) {
	h.mu.Lock()
	defer h.mu.Unlock()
	raw.Arch = h.arch
	h.queued = append(h.queued, raw)
}

// enter records a call and returns an injected failure, if any. Callers hold h.mu.
func (h *Hypervisor) enter(op string) native.Return {
	h.calls[op]++
	if ret, ok := h.failures[op]; ok {
		delete(h.failures, op)
		return ret
	}
	return native.Success
}

func (h *Hypervisor) Arch() native.Arch { return h.arch }
func (h *Hypervisor) PageSize() uint64  { return h.pageSize }

func (h *Hypervisor) Feature(f native.Feature) (bool, native.Return) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.features[f], native.Success
}

func (h *Hypervisor) MaxVCPUs() (uint32, native.Return) { return h.maxVCPUs, native.Success }

func (h *Hypervisor) CreateVM(cfg native.VMConfig) native.Return {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpCreateVM); ret != native.Success {
		return ret
	}
	if h.active {
		return native.Busy
	}
	if cfg.EnableEL2 && !h.features[native.FeatureEL2] {
		return native.Unsupported
	}
	h.active = true
	h.cfg = cfg
	return native.Success
}

func (h *Hypervisor) DestroyVM() native.Return {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpDestroyVM); ret != native.Success {
		return ret
	}
	if !h.active {
		return native.BadArgument
	}
	if len(h.vcpus) > 0 {
		return native.Busy
	}
	h.active = false
	h.regions = nil
	return native.Success
}

func (h *Hypervisor) Map(host []byte, gpa uint64, perm native.Perm) native.Return {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpMap); ret != native.Success {
		return ret
	}
	if !h.active {
		return native.BadArgument
	}
	size := uint64(len(host))
	for _, r := range h.regions {
		if gpa < r.gpa+r.size && r.gpa < gpa+size {
			return native.BadArgument
		}
	}
	h.regions = append(h.regions, &region{gpa: gpa, size: size, perm: perm, mem: host})
	sort.Slice(h.regions, func(i, j int) bool { return h.regions[i].gpa < h.regions[j].gpa })
	return native.Success
}

// covered returns the regions lying entirely inside [gpa, gpa+size).
// Callers hold h.mu.
func (h *Hypervisor) covered(gpa, size uint64) ([]*region, bool) {
	var hit []*region
	for _, r := range h.regions {
		if r.gpa+r.size <= gpa || r.gpa >= gpa+size {
			continue
		}
		if r.gpa < gpa || r.gpa+r.size > gpa+size {
			return nil, false
		}
		hit = append(hit, r)
	}
	return hit, len(hit) > 0
}

func (h *Hypervisor) Unmap(gpa, size uint64) native.Return {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpUnmap); ret != native.Success {
		return ret
	}
	hit, ok := h.covered(gpa, size)
	if !ok {
		return native.BadArgument
	}
	kept := h.regions[:0]
	for _, r := range h.regions {
		drop := false
		for _, x := range hit {
			drop = drop || r == x
		}
		if !drop {
			kept = append(kept, r)
		}
	}
	h.regions = kept
	return native.Success
}

func (h *Hypervisor) Protect(gpa, size uint64, perm native.Perm) native.Return {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpProtect); ret != native.Success {
		return ret
	}
	hit, ok := h.covered(gpa, size)
	if !ok {
		return native.BadArgument
	}
	for _, r := range hit {
		r.perm = perm
	}
	return native.Success
}

func (h *Hypervisor) CreateVCPU() (native.VCPU, native.Return) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpCreateVCPU); ret != native.Success {
		return nil, ret
	}
	if !h.active {
		return nil, native.BadArgument
	}
	if uint32(len(h.vcpus)) >= h.maxVCPUs {
		return nil, native.NoResources
	}
	v := &VCPU{
		hv:   h,
		id:   h.nextID,
		regs: make(map[native.RegRef]uint64),
		msrs: make(map[uint32]uint64),
		vmcs: make(map[uint32]uint64),

		nativeMSRs: make(map[uint32]bool),
	}
	h.nextID++
	h.vcpus[v.id] = v
	return v, native.Success
}

// access returns the host bytes backing [gpa, gpa+n) when a single region
// covers it with perm.
func (h *Hypervisor) access(gpa, n uint64, perm native.Perm) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.regions {
		if gpa >= r.gpa && gpa+n <= r.gpa+r.size {
			if r.perm&perm != perm {
				return nil, false
			}
			off := gpa - r.gpa
			return r.mem[off : off+n], true
		}
	}
	return nil, false
}

func (h *Hypervisor) dequeue() (native.RawExit, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.queued) == 0 {
		return native.RawExit{}, false
	}
	raw := h.queued[0]
	h.queued = h.queued[1:]
	return raw, true
}

// VCPU is a fake virtual CPU.
type VCPU struct {
	hv   *Hypervisor
	id   uint64
	regs map[native.RegRef]uint64

	execTime     uint64
	pending      [2]bool
	vtimerMasked bool
	vtimerOffset uint64
	msrs         map[uint32]uint64
	vmcs         map[uint32]uint64
	nativeMSRs   map[uint32]bool
	simd         [32][16]byte
	trapDebugExc bool
	trapDebugReg bool
}

func (v *VCPU) ID() uint64 { return v.id }

func (v *VCPU) Destroy() native.Return {
	h := v.hv
	h.mu.Lock()
	defer h.mu.Unlock()
	if ret := h.enter(OpDestroy); ret != native.Success {
		return ret
	}
	if _, ok := h.vcpus[v.id]; !ok {
		return native.BadArgument
	}
	delete(h.vcpus, v.id)
	return native.Success
}

func (v *VCPU) GetReg(r native.RegRef) (uint64, native.Return) {
	v.hv.mu.Lock()
	ret := v.hv.enter(OpGetReg)
	v.hv.mu.Unlock()
	if ret != native.Success {
		return 0, ret
	}
	return v.regs[r], native.Success
}

func (v *VCPU) SetReg(r native.RegRef, val uint64) native.Return {
	v.hv.mu.Lock()
	ret := v.hv.enter(OpSetReg)
	v.hv.mu.Unlock()
	if ret != native.Success {
		return ret
	}
	v.regs[r] = val
	return native.Success
}

func (v *VCPU) Run() (native.RawExit, native.Return) {
	v.hv.mu.Lock()
	ret := v.hv.enter(OpRun)
	v.hv.mu.Unlock()
	if ret != native.Success {
		return native.RawExit{}, ret
	}
	if raw, ok := v.hv.dequeue(); ok {
		return raw, native.Success
	}
	if v.hv.arch == native.ArchARM64 {
		return v.runARM64(), native.Success
	}
	return v.runX86(), native.Success
}

func (v *VCPU) ExecTime() (uint64, native.Return) { return v.execTime, native.Success }

func (v *VCPU) PendingInterrupt(t native.InterruptType) (bool, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return false, native.Unsupported
	}
	if int(t) >= len(v.pending) {
		return false, native.BadArgument
	}
	return v.pending[t], native.Success
}

func (v *VCPU) SetPendingInterrupt(t native.InterruptType, pending bool) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	if int(t) >= len(v.pending) {
		return native.BadArgument
	}
	v.pending[t] = pending
	return native.Success
}

func (v *VCPU) VTimerMask() (bool, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return false, native.Unsupported
	}
	return v.vtimerMasked, native.Success
}

func (v *VCPU) SetVTimerMask(masked bool) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	v.vtimerMasked = masked
	return native.Success
}

func (v *VCPU) VTimerOffset() (uint64, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return 0, native.Unsupported
	}
	return v.vtimerOffset, native.Success
}

func (v *VCPU) SetVTimerOffset(offset uint64) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	v.vtimerOffset = offset
	return native.Success
}

func (v *VCPU) ReadMSR(msr uint32) (uint64, native.Return) {
	if v.hv.arch != native.ArchX86_64 {
		return 0, native.Unsupported
	}
	return v.msrs[msr], native.Success
}

func (v *VCPU) WriteMSR(msr uint32, val uint64) native.Return {
	if v.hv.arch != native.ArchX86_64 {
		return native.Unsupported
	}
	v.msrs[msr] = val
	return native.Success
}

func (v *VCPU) ReadVMCS(field uint32) (uint64, native.Return) {
	if v.hv.arch != native.ArchX86_64 {
		return 0, native.Unsupported
	}
	return v.vmcs[field], native.Success
}

func (v *VCPU) WriteVMCS(field uint32, val uint64) native.Return {
	if v.hv.arch != native.ArchX86_64 {
		return native.Unsupported
	}
	v.vmcs[field] = val
	return native.Success
}

func (v *VCPU) EnableNativeMSR(msr uint32, enable bool) native.Return {
	if v.hv.arch != native.ArchX86_64 {
		return native.Unsupported
	}
	v.nativeMSRs[msr] = enable
	return native.Success
}

// NativeMSR reports whether EnableNativeMSR passed msr through.
func (v *VCPU) NativeMSR(msr uint32) bool { return v.nativeMSRs[msr] }

func (v *VCPU) SIMDFPReg(n uint32) ([16]byte, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return [16]byte{}, native.Unsupported
	}
	if n >= uint32(len(v.simd)) {
		return [16]byte{}, native.BadArgument
	}
	return v.simd[n], native.Success
}

func (v *VCPU) SetSIMDFPReg(n uint32, val [16]byte) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	if n >= uint32(len(v.simd)) {
		return native.BadArgument
	}
	v.simd[n] = val
	return native.Success
}

func (v *VCPU) TrapDebugExceptions() (bool, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return false, native.Unsupported
	}
	return v.trapDebugExc, native.Success
}

func (v *VCPU) SetTrapDebugExceptions(enable bool) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	v.trapDebugExc = enable
	return native.Success
}

func (v *VCPU) TrapDebugRegAccesses() (bool, native.Return) {
	if v.hv.arch != native.ArchARM64 {
		return false, native.Unsupported
	}
	return v.trapDebugReg, native.Success
}

func (v *VCPU) SetTrapDebugRegAccesses(enable bool) native.Return {
	if v.hv.arch != native.ArchARM64 {
		return native.Unsupported
	}
	v.trapDebugReg = enable
	return native.Success
}

func (h *Hypervisor) VMXCapability(field uint32) (uint64, native.Return) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.arch != native.ArchX86_64 {
		return 0, native.Unsupported
	}
	v, ok := h.vmxCaps[field]
	if !ok {
		return 0, native.BadArgument
	}
	return v, native.Success
}

// VCPU returns the live VCPU with the given id.
func (h *Hypervisor) VCPU(id uint64) (*VCPU, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.vcpus[id]
	return v, ok
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
