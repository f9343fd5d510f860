/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hvkit/go-hypervisor"
	"github.com/hvkit/go-hypervisor/cmd/hv/cmd/utils"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// CPUState maps register names ("x0", "pc", "rip", "cr0", ...) to values.
type CPUState map[string]uint64

// ExitRecord is one guest exit as seen by the execute loop.
type ExitRecord struct {
	hypervisor.ExitInfo
	PC     uint64 `json:"pc"`
	Disasm string `json:"disasm,omitempty"`
}

// ExecuteResult represents the execution result
type ExecuteResult struct {
	Arch    string              `json:"arch"`
	State   CPUState            `json:"state"`
	Exits   []ExitRecord        `json:"exits"`
	Memory  map[string][]byte   `json:"memory,omitempty"` // hex address -> data
	Metrics *hypervisor.Metrics `json:"metrics,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// executeOptions configures a single guest run.
type executeOptions struct {
	memSize  int
	baseAddr uint64
	maxExits int
	x86Mode  int
	vmcs     []string
}

var (
	stateFile   string
	execOpts    = executeOptions{}
	withMetrics bool
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON or YAML file with initial register state")
	executeCmd.Flags().IntVar(&execOpts.memSize, "mem-size", 0x10000, "Memory size to allocate (bytes)")
	executeCmd.Flags().Uint64VarP(&execOpts.baseAddr, "base-addr", "a", 0x4000, "Base address for code execution")
	executeCmd.Flags().IntVarP(&execOpts.maxExits, "max-exits", "n", 16, "Stop after this many guest exits")
	executeCmd.Flags().IntVar(&execOpts.x86Mode, "x86-mode", 64, "x86 operand size used for disassembly (16, 32, 64)")
	executeCmd.Flags().StringSliceVar(&execOpts.vmcs, "vmcs", nil, "VMCS field=value pairs written before the first run (x86_64); control fields are adjusted to the host's VMX capabilities")
	executeCmd.Flags().BoolVar(&withMetrics, "metrics", false, "Include hypervisor metrics in the result")
}

var executeCmd = &cobra.Command{
	Use:   "execute [code-file]",
	Short: "Execute guest code and return CPU state as JSON",
	Long: `Execute machine code for the host's guest architecture and return the
resulting CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

Initial register state can be provided via --state pointing to a JSON or YAML
file mapping register names to values. Port I/O, MMIO and hypercall exits are
stepped over; the run stops at the first halt, exception or after --max-exits.
Results are output as JSON to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	if !hypervisor.Supported() {
		return fmt.Errorf("hypervisor not supported on this host")
	}

	// Read initial state if provided
	initialState := CPUState{}
	if stateFile != "" {
		var err error
		if initialState, err = loadState(stateFile); err != nil {
			return err
		}
	}

	// Read code input
	var codeData []byte
	var err error
	if len(args) > 0 {
		codeData, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		codeData, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}
	if len(codeData) == 0 {
		return fmt.Errorf("no code provided")
	}

	if withMetrics {
		hypervisor.ResetMetrics()
	}
	result, err := executeCode(cmd.Context(), codeData, initialState, execOpts)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}
	if withMetrics {
		m := hypervisor.GetMetrics()
		result.Metrics = &m
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

// loadState reads a register state file. Files ending in .yaml or .yml are
// parsed as YAML, anything else as JSON.
func loadState(path string) (CPUState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	state := CPUState{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &state)
	default:
		err = json.Unmarshal(data, &state)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse state %s: %w", path, err)
	}
	return state, nil
}

// batch resolves register names for the VCPU's architecture.
func (s CPUState) batch(arch hypervisor.Arch) (hypervisor.RegBatch, error) {
	valid := map[hypervisor.Reg]bool{}
	for _, r := range hypervisor.Registers(arch) {
		valid[r] = true
	}
	b := make(hypervisor.RegBatch, len(s))
	for name, v := range s {
		r, err := hypervisor.ParseReg(name)
		if err != nil {
			return nil, err
		}
		if !valid[r] {
			return nil, fmt.Errorf("register %s is not available on %s", name, arch)
		}
		b[r] = v
	}
	return b, nil
}

// parseVMCS parses "field=value" pairs; both sides accept 0x prefixes.
func parseVMCS(pairs []string) (map[uint32]uint64, error) {
	out := make(map[uint32]uint64, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid VMCS assignment %q (want field=value)", p)
		}
		field, err := strconv.ParseUint(strings.TrimSpace(k), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid VMCS field %q: %w", k, err)
		}
		val, err := strconv.ParseUint(strings.TrimSpace(v), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid VMCS value %q: %w", v, err)
		}
		out[uint32(field)] = val
	}
	return out, nil
}

// vmxControls maps VMCS execution control fields to the capability that
// constrains them.
var vmxControls = map[uint32]hypervisor.VMXCap{
	0x4000: hypervisor.VMXCapPinBased,
	0x4002: hypervisor.VMXCapProcBased,
	0x401E: hypervisor.VMXCapProcBased2,
	0x400C: hypervisor.VMXCapExit,
	0x4012: hypervisor.VMXCapEntry,
}

// adjustControl forces required bits on and unsupported bits off when field
// is a VMX control; other fields pass through.
func adjustControl(vm *hypervisor.VM, field uint32, v uint64) (uint64, error) {
	c, ok := vmxControls[field]
	if !ok {
		return v, nil
	}
	capability, err := vm.VMXCapability(c)
	if err != nil {
		return 0, err
	}
	return uint64(hypervisor.VMXControl(capability, uint32(v))), nil
}

// guest is a VM with one VCPU and one region of RWX memory at base.
type guest struct {
	vm   *hypervisor.VM
	vcpu *hypervisor.VCPU
	mem  []byte
	base uint64
}

func newGuest(code []byte, base uint64, memSize int) (*guest, error) {
	vm, err := hypervisor.NewVM()
	if err != nil {
		return nil, fmt.Errorf("failed to create VM: %w", err)
	}
	g := &guest{vm: vm, base: base}

	page := int(vm.PageSize())
	memSize = (memSize + page - 1) &^ (page - 1)
	if len(code) > memSize {
		g.Close()
		return nil, fmt.Errorf("code size (%d) exceeds memory size (%d)", len(code), memSize)
	}

	if g.mem, err = hypervisor.AllocHostMemory(memSize); err != nil {
		g.Close()
		return nil, err
	}
	copy(g.mem, code)

	if err := vm.Map(g.mem, base, hypervisor.MemRWX); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to map memory: %w", err)
	}
	if g.vcpu, err = vm.NewVCPU(); err != nil {
		g.Close()
		return nil, fmt.Errorf("failed to create vCPU: %w", err)
	}
	return g, nil
}

// Close tears the guest down in reverse order of construction.
func (g *guest) Close() {
	if g.vcpu != nil {
		g.vcpu.Close()
	}
	if g.mem != nil {
		g.vm.Unmap(g.base, uint64(len(g.mem)))
	}
	g.vm.Close()
	if g.mem != nil {
		hypervisor.FreeHostMemory(g.mem)
	}
}

// registers reads every register of the guest's architecture.
func (g *guest) registers() (CPUState, error) {
	regs := hypervisor.Registers(g.vcpu.Arch())
	b, err := g.vcpu.GetRegs(regs)
	if err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}
	state := make(CPUState, len(b))
	for r, v := range b {
		state[r.String()] = v
	}
	return state, nil
}

// disasm disassembles the instruction at pc, or returns "" when pc is
// outside guest memory.
func (g *guest) disasm(pc uint64, x86Mode int) string {
	buf := make([]byte, 16)
	n, _ := g.vm.ReadAt(buf, int64(pc))
	if n == 0 {
		return ""
	}
	text, _, err := utils.Disassemble(g.vcpu.Arch().String(), buf[:n], pc, x86Mode)
	if err != nil {
		return ""
	}
	return text
}

// stepOver reports whether the execute loop resumes past an exit.
func stepOver(r hypervisor.ExitReason) bool {
	switch r {
	case hypervisor.ExitIO, hypervisor.ExitMMIO, hypervisor.ExitHypercall:
		return true
	}
	return false
}

func executeCode(ctx context.Context, code []byte, initialState CPUState, opts executeOptions) (*ExecuteResult, error) {
	return runGuest(ctx, code, initialState, opts, nil)
}

// runGuest loads code, applies initialState and drives the VCPU. inspect, if
// set, sees the guest after the run and before teardown.
func runGuest(ctx context.Context, code []byte, initialState CPUState, opts executeOptions, inspect func(*guest)) (*ExecuteResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := newGuest(code, opts.baseAddr, opts.memSize)
	if err != nil {
		return nil, err
	}
	defer g.Close()

	arch := g.vcpu.Arch()
	regs, err := initialState.batch(arch)
	if err != nil {
		return nil, err
	}
	if len(opts.vmcs) > 0 {
		fields, err := parseVMCS(opts.vmcs)
		if err != nil {
			return nil, err
		}
		for f, v := range fields {
			v, err := adjustControl(g.vm, f, v)
			if err != nil {
				return nil, err
			}
			if err := g.vcpu.WriteVMCS(f, v); err != nil {
				return nil, err
			}
		}
	}
	if err := g.vcpu.SetRegs(regs); err != nil {
		return nil, fmt.Errorf("failed to set initial state: %w", err)
	}
	// Set PC to base address if not set in initial state
	if _, ok := regs[pcOf(arch)]; !ok {
		if err := g.vcpu.SetPC(opts.baseAddr); err != nil {
			return nil, fmt.Errorf("failed to set PC: %w", err)
		}
	}

	var exits []ExitRecord
	err = g.vcpu.RunLoop(ctx, func(c *hypervisor.VCPU, info hypervisor.ExitInfo) (bool, error) {
		pc, err := c.GetPC()
		if err != nil {
			return false, err
		}
		exits = append(exits, ExitRecord{ExitInfo: info, PC: pc, Disasm: g.disasm(pc, opts.x86Mode)})
		if len(exits) >= opts.maxExits || !stepOver(info.Reason) {
			return false, nil
		}
		return true, c.SkipInstruction(info)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute: %w", err)
	}

	finalState, err := g.registers()
	if err != nil {
		return nil, err
	}
	if inspect != nil {
		inspect(g)
	}

	// Copy the executed memory to avoid marshaling mmap'd memory
	memCopy := make([]byte, len(code))
	copy(memCopy, g.mem[:len(code)])

	return &ExecuteResult{
		Arch:   arch.String(),
		State:  finalState,
		Exits:  exits,
		Memory: map[string][]byte{fmt.Sprintf("0x%x", opts.baseAddr): memCopy},
	}, nil
}

func pcOf(arch hypervisor.Arch) hypervisor.Reg {
	if arch == hypervisor.ArchX86_64 {
		return hypervisor.RegRIP
	}
	return hypervisor.RegPC
}
