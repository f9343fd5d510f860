package hypervisor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/hvkit/go-hypervisor/internal/native"
)

const (
	vcpuIdle int32 = iota
	vcpuBusy
	vcpuRunning
	vcpuDestroyed
)

// VCPU is a virtual CPU. Hypervisor.framework binds a vCPU to the thread
// that created it, so every VCPU owns a goroutine locked to one OS thread and
// all native calls are handed to it. Methods may be called from any
// goroutine, but only one at a time: a call that overlaps another, or Run,
// fails with ErrInvalidState.
type VCPU struct {
	vm   *VM
	arch native.Arch
	id   uint64
	nv   native.VCPU

	tid      uint64
	threadID func() uint64
	calls    chan func()
	state    atomic.Int32

	exitMu   sync.Mutex
	lastExit ExitInfo
	hasExit  bool
}

// startVCPU spawns the owning thread and creates the native VCPU on it.
func startVCPU(core *vmCore) (*VCPU, error) {
	type created struct {
		nv  native.VCPU
		tid uint64
		ret native.Return
	}
	calls := make(chan func())
	init := make(chan created, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		nv, ret := core.hv.CreateVCPU()
		init <- created{nv: nv, tid: core.threadID(), ret: ret}
		if ret != native.Success {
			return
		}
		for fn := range calls {
			fn()
		}
	}()

	res := <-init
	if err := hvErr(res.ret); err != nil {
		return nil, err
	}
	return &VCPU{
		arch:     core.arch,
		id:       res.nv.ID(),
		nv:       res.nv,
		tid:      res.tid,
		threadID: core.threadID,
		calls:    calls,
	}, nil
}

// acquire moves the VCPU from idle to next.
func (c *VCPU) acquire(next int32) error {
	if c.state.CompareAndSwap(vcpuIdle, next) {
		return nil
	}
	switch c.state.Load() {
	case vcpuDestroyed:
		return ErrVCPUClosed
	case vcpuRunning:
		return ErrVCPURunning
	}
	return ErrVCPUBusy
}

// do runs fn on the owning thread and waits for it.
func (c *VCPU) do(fn func(native.VCPU) error) error {
	done := make(chan error, 1)
	c.calls <- func() {
		if tid := c.threadID(); tid != c.tid {
			done <- newError(KindWrongThread, "vCPU %d belongs to thread %d, called on %d", c.id, c.tid, tid)
			return
		}
		done <- fn(c.nv)
	}
	return <-done
}

// call is do for short, non-running operations.
func (c *VCPU) call(fn func(native.VCPU) error) error {
	if err := c.acquire(vcpuBusy); err != nil {
		return err
	}
	defer c.state.CompareAndSwap(vcpuBusy, vcpuIdle)
	return c.do(fn)
}

// ID returns the framework's identifier for the VCPU.
func (c *VCPU) ID() uint64 { return c.id }

// Arch returns the guest architecture.
func (c *VCPU) Arch() Arch { return Arch(c.arch) }

// VM returns the handle the VCPU holds on its VM. It stays valid until the
// VCPU is closed and must not be closed by the caller, except to retry a VM
// destruction that failed in Close.
func (c *VCPU) VM() *VM { return c.vm }

// LastExit returns the exit recorded by the most recent successful Run.
func (c *VCPU) LastExit() (ExitInfo, bool) {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	return c.lastExit, c.hasExit
}

// Close destroys this vCPU and releases its hold on the VM. Every call
// after a successful Close, including Close, fails with ErrInvalidState.
// When the vCPU held the last reference and destroying the VM fails, the
// vCPU is still gone; the error is returned and VM() stays open so that
// closing it can be retried.
func (c *VCPU) Close() error {
	if c == nil {
		return nil
	}
	if err := c.acquire(vcpuBusy); err != nil {
		return err
	}
	err := c.do(func(nv native.VCPU) error {
		return hvErr(nv.Destroy())
	})
	if err != nil {
		c.state.Store(vcpuIdle)
		return fmt.Errorf("failed to destroy vCPU: %w", err)
	}
	c.state.Store(vcpuDestroyed)
	close(c.calls)

	// Clear finalizer since we've cleaned up properly
	runtime.SetFinalizer(c, nil)

	c.vm.core.vcpuGone()
	recordVCPUDestroy()
	logger().Debug("hv: vcpu destroyed", "id", c.id)
	return c.vm.Close()
}

// finalize is called by the garbage collector as a safety net
func (c *VCPU) finalize() {
	_ = c.Close()
}
