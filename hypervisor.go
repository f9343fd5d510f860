package hypervisor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// vmCore is the process's single VM. It is shared by every VM handle and by
// every VCPU; the native VM is destroyed when the last owner lets go.
type vmCore struct {
	mu       sync.RWMutex // serializes topology changes
	hv       native.Hypervisor
	arch     native.Arch
	pageSize uint64
	threadID func() uint64
	maxVCPUs int

	refs      int
	vcpus     int
	regions   *regionSet
	destroyed bool
}

// VM is an owner handle onto the process's virtual machine. Handles are
// created by NewVM, Clone and NewVCPU; each must be released with Close.
type VM struct {
	core   *vmCore
	closed atomic.Bool
}

var (
	vmMu     sync.Mutex
	vmActive *vmCore
	vmCount  int32 // Atomic counter for debugging
)

// NewVM creates the Hypervisor VM for this process with DefaultVMConfig.
func NewVM() (*VM, error) {
	return NewVMWithConfig(DefaultVMConfig())
}

// NewVMWithConfig creates the Hypervisor VM for this process. Only one VM may
// exist at a time; a second call fails with ErrAlreadyExists until the first
// is destroyed.
func NewVMWithConfig(cfg VMConfig) (*VM, error) {
	start := time.Now()
	defer func() {
		recordVMCreate(time.Since(start))
	}()

	vmMu.Lock()
	defer vmMu.Unlock()

	if vmActive != nil {
		recordResourceError()
		return nil, ErrVMAlreadyActive
	}

	hv, err := openBackend()
	if err != nil {
		return nil, unsupported(err)
	}
	if err := cfg.validate(hv.Arch()); err != nil {
		return nil, err
	}

	ret := hv.CreateVM(cfg.native())
	if ret == native.Busy {
		// The framework reports an existing VM (possibly created outside this
		// package) as busy.
		ret = native.Exists
	}
	if err := hvErr(ret); err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}

	limit := cfg.MaxVCPUs
	if n, ret := hv.MaxVCPUs(); ret == native.Success && n > 0 && (limit == 0 || int(n) < limit) {
		limit = int(n)
	}

	core := &vmCore{
		hv:       hv,
		arch:     hv.Arch(),
		pageSize: hv.PageSize(),
		threadID: native.ThreadID,
		maxVCPUs: limit,
		refs:     1,
		regions:  newRegionSet(),
	}
	vmActive = core
	atomic.AddInt32(&vmCount, 1)

	logger().Debug("hv: vm created",
		"arch", core.arch,
		"page_size", core.pageSize,
		"max_vcpus", limit,
		"el2", cfg.EnableEL2)
	return core.handle(), nil
}

// handle wraps core in a new owner handle. The caller has already counted
// the reference.
func (c *vmCore) handle() *VM {
	vm := &VM{core: c}
	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)
	return vm
}

// live returns the core if both the handle and the VM are usable.
// Callers hold at least c.mu.RLock.
func (vm *VM) live() (*vmCore, error) {
	if vm.closed.Load() || vm.core.destroyed {
		return nil, ErrVMClosed
	}
	return vm.core, nil
}

// Clone returns an additional owner handle onto the same VM.
func (vm *VM) Clone() (*VM, error) {
	if vm == nil || vm.closed.Load() {
		return nil, ErrVMClosed
	}
	c := vm.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return nil, err
	}
	c.refs++
	return c.handle(), nil
}

// Close releases this handle. The native VM is destroyed once no handle and
// no VCPU refers to it. Idempotent. If that destruction fails the handle
// stays open and Close may be retried.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}
	if !vm.closed.CompareAndSwap(false, true) {
		return nil // Already closed
	}
	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(vm, nil)
	if err := vm.core.release(); err != nil {
		vm.closed.Store(false)
		runtime.SetFinalizer(vm, (*VM).finalize)
		return err
	}
	return nil
}

// release drops one owner reference. The reference is kept when the final
// native destroy fails.
func (c *vmCore) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs--
	if c.refs > 0 || c.vcpus > 0 || c.destroyed {
		return nil
	}
	if err := c.destroyLocked(); err != nil {
		c.refs++
		return err
	}
	return nil
}

// Destroy tears the VM down immediately, independent of other handles. It
// fails with ErrInvalidState while any VCPU is alive and leaves the VM
// untouched in that case.
func (vm *VM) Destroy() error {
	if vm == nil || vm.closed.Load() {
		return ErrVMClosed
	}
	c := vm.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return err
	}
	if c.vcpus > 0 {
		logger().Warn("hv: vm destroy rejected", "live_vcpus", c.vcpus)
		return fmt.Errorf("failed to destroy VM with %d live vCPU(s): %w", c.vcpus, ErrVCPUsAlive)
	}
	if err := c.destroyLocked(); err != nil {
		return err
	}
	vm.closed.Store(true)
	c.refs--
	runtime.SetFinalizer(vm, nil)
	return nil
}

// destroyLocked destroys the native VM. Callers hold c.mu.
func (c *vmCore) destroyLocked() error {
	if err := hvErr(c.hv.DestroyVM()); err != nil {
		return fmt.Errorf("failed to destroy VM: %w", err)
	}
	c.destroyed = true
	c.regions.clear()

	vmMu.Lock()
	if vmActive == c {
		vmActive = nil
		atomic.AddInt32(&vmCount, -1)
	}
	vmMu.Unlock()

	recordVMDestroy()
	logger().Debug("hv: vm destroyed")
	return nil
}

// vcpuGone is called after a VCPU's native handle has been destroyed. The
// VCPU still holds its owner handle, so destruction is left to that
// handle's release.
func (c *vmCore) vcpuGone() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vcpus--
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	_ = vm.Close()
}

// NewVCPU creates a VCPU. The VCPU keeps the VM alive until it is closed.
func (vm *VM) NewVCPU() (*VCPU, error) {
	if vm == nil {
		return nil, ErrVMClosed
	}
	c := vm.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := vm.live(); err != nil {
		return nil, err
	}
	if c.maxVCPUs > 0 && c.vcpus >= c.maxVCPUs {
		return nil, newError(KindResourceExhausted, "VCPU limit of %d reached", c.maxVCPUs)
	}

	cpu, err := startVCPU(c)
	if err != nil {
		return nil, fmt.Errorf("failed to create vCPU: %w", err)
	}
	c.vcpus++
	c.refs++
	cpu.vm = c.handle()

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(cpu, (*VCPU).finalize)

	recordVCPUCreate()
	logger().Debug("hv: vcpu created", "id", cpu.id, "thread", cpu.tid)
	return cpu, nil
}

// Arch returns the guest architecture, or ArchInvalid for a nil VM.
func (vm *VM) Arch() Arch {
	if vm == nil {
		return ArchInvalid
	}
	return Arch(vm.core.arch)
}

// PageSize returns the granule Map requires for addresses and lengths.
func (vm *VM) PageSize() uint64 {
	if vm == nil {
		return 0
	}
	return vm.core.pageSize
}

// NumVCPUs returns the number of live VCPUs.
func (vm *VM) NumVCPUs() int {
	if vm == nil {
		return 0
	}
	vm.core.mu.RLock()
	defer vm.core.mu.RUnlock()
	return vm.core.vcpus
}
