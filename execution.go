package hypervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// Run executes the vCPU until it exits and returns the decoded reason.
// Run blocks the calling goroutine; there is no way to interrupt a running
// guest from another goroutine.
func (c *VCPU) Run() (ExitInfo, error) {
	if c == nil {
		return ExitInfo{}, ErrVCPUClosed
	}
	if err := c.acquire(vcpuRunning); err != nil {
		return ExitInfo{}, err
	}
	defer c.state.CompareAndSwap(vcpuRunning, vcpuIdle)

	start := time.Now()
	var raw native.RawExit
	err := c.do(func(nv native.VCPU) error {
		r, ret := nv.Run()
		raw = r
		return hvErr(ret)
	})
	recordRun(time.Since(start))
	if err != nil {
		return ExitInfo{}, fmt.Errorf("failed to run vCPU: %w", err)
	}

	info := DecodeExit(raw)
	recordExit(info.Reason)

	c.exitMu.Lock()
	c.lastExit, c.hasExit = info, true
	c.exitMu.Unlock()
	return info, nil
}

// ExitHandler is called by RunLoop after every exit. Returning false stops
// the loop.
type ExitHandler func(c *VCPU, info ExitInfo) (resume bool, err error)

// RunLoop runs the vCPU until handler returns false or an error, or ctx is
// done. ctx is only checked before re-entering the guest.
func (c *VCPU) RunLoop(ctx context.Context, handler ExitHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := c.Run()
		if err != nil {
			return err
		}
		resume, err := handler(c, info)
		if err != nil || !resume {
			return err
		}
	}
}

// SkipInstruction advances the program counter past the instruction that
// caused info.
func (c *VCPU) SkipInstruction(info ExitInfo) error {
	if c == nil {
		return ErrVCPUClosed
	}
	n := uint64(4)
	if c.arch == native.ArchX86_64 {
		if info.InstructionLength == 0 {
			return newError(KindInvalidArgument, "%v exit carries no instruction length", info.Reason)
		}
		n = uint64(info.InstructionLength)
	}
	ref, err := nativeReg(c.arch, pcReg(c.arch))
	if err != nil {
		return err
	}
	return c.call(func(nv native.VCPU) error {
		pc, ret := nv.GetReg(ref)
		if err := hvErr(ret); err != nil {
			return err
		}
		return hvErr(nv.SetReg(ref, pc+n))
	})
}
