package hypervisor

import (
	"sync/atomic"
	"time"
)

// counters holds the process-wide operation statistics.
type counters struct {
	vmCreate, vmDestroy     atomic.Uint64
	vcpuCreate, vcpuDestroy atomic.Uint64
	mapOps, unmapOps        atomic.Uint64
	protectOps              atomic.Uint64
	registerOps             atomic.Uint64
	runs                    atomic.Uint64

	vmCreateNs atomic.Uint64
	runNs      atomic.Uint64

	// validation failures and native resource failures
	security atomic.Uint64
	resource atomic.Uint64

	exits [numExitReasons]atomic.Uint64
}

var stats counters

func (c *counters) all() []*atomic.Uint64 {
	list := []*atomic.Uint64{
		&c.vmCreate, &c.vmDestroy, &c.vcpuCreate, &c.vcpuDestroy,
		&c.mapOps, &c.unmapOps, &c.protectOps, &c.registerOps, &c.runs,
		&c.vmCreateNs, &c.runNs, &c.security, &c.resource,
	}
	for i := range c.exits {
		list = append(list, &c.exits[i])
	}
	return list
}

// Metrics is a snapshot of the package's operation counters.
type Metrics struct {
	VMCreated         uint64 `json:"vm_created"`
	VMDestroyed       uint64 `json:"vm_destroyed"`
	VCPUCreated       uint64 `json:"vcpu_created"`
	VCPUDestroyed     uint64 `json:"vcpu_destroyed"`
	MapOperations     uint64 `json:"map_operations"`
	UnmapOperations   uint64 `json:"unmap_operations"`
	ProtectOperations uint64 `json:"protect_operations"`
	RegisterOps       uint64 `json:"register_operations"`
	RunOperations     uint64 `json:"run_operations"`
	AvgVMCreateTimeNs uint64 `json:"avg_vm_create_time_ns"`
	AvgRunTimeNs      uint64 `json:"avg_run_time_ns"`
	SecurityErrors    uint64 `json:"security_errors"`
	ResourceErrors    uint64 `json:"resource_errors"`

	// Exits counts Run results by ExitReason name. Nil until the first exit.
	Exits map[string]uint64 `json:"exits,omitempty"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	m := Metrics{
		VMCreated:         stats.vmCreate.Load(),
		VMDestroyed:       stats.vmDestroy.Load(),
		VCPUCreated:       stats.vcpuCreate.Load(),
		VCPUDestroyed:     stats.vcpuDestroy.Load(),
		MapOperations:     stats.mapOps.Load(),
		UnmapOperations:   stats.unmapOps.Load(),
		ProtectOperations: stats.protectOps.Load(),
		RegisterOps:       stats.registerOps.Load(),
		RunOperations:     stats.runs.Load(),
		SecurityErrors:    stats.security.Load(),
		ResourceErrors:    stats.resource.Load(),
	}
	if m.VMCreated > 0 {
		m.AvgVMCreateTimeNs = stats.vmCreateNs.Load() / m.VMCreated
	}
	if m.RunOperations > 0 {
		m.AvgRunTimeNs = stats.runNs.Load() / m.RunOperations
	}
	for r := range stats.exits {
		n := stats.exits[r].Load()
		if n == 0 {
			continue
		}
		if m.Exits == nil {
			m.Exits = make(map[string]uint64)
		}
		m.Exits[ExitReason(r).String()] = n
	}
	return m
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	for _, c := range stats.all() {
		c.Store(0)
	}
}

func recordVMCreate(d time.Duration) {
	stats.vmCreate.Add(1)
	stats.vmCreateNs.Add(uint64(d.Nanoseconds()))
}

func recordVMDestroy()        { stats.vmDestroy.Add(1) }
func recordVCPUCreate()       { stats.vcpuCreate.Add(1) }
func recordVCPUDestroy()      { stats.vcpuDestroy.Add(1) }
func recordMapOperation()     { stats.mapOps.Add(1) }
func recordUnmapOperation()   { stats.unmapOps.Add(1) }
func recordProtectOperation() { stats.protectOps.Add(1) }
func recordRegisterOp()       { stats.registerOps.Add(1) }
func recordSecurityError()    { stats.security.Add(1) }
func recordResourceError()    { stats.resource.Add(1) }

func recordRun(d time.Duration) {
	stats.runs.Add(1)
	stats.runNs.Add(uint64(d.Nanoseconds()))
}

func recordExit(r ExitReason) {
	if r >= 0 && r < numExitReasons {
		stats.exits[r].Add(1)
	}
}
