package hypervisor

import (
	"fmt"
	"strings"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// Reg identifies a guest register. The set covers both architectures; an
// identifier that does not exist on the VCPU's architecture is rejected.
type Reg int

// ARM64 registers.
const (
	RegX0 Reg = iota
	RegX1
	RegX2
	RegX3
	RegX4
	RegX5
	RegX6
	RegX7
	RegX8
	RegX9
	RegX10
	RegX11
	RegX12
	RegX13
	RegX14
	RegX15
	RegX16
	RegX17
	RegX18
	RegX19
	RegX20
	RegX21
	RegX22
	RegX23
	RegX24
	RegX25
	RegX26
	RegX27
	RegX28
	RegFP // X29
	RegLR // X30
	RegSP // Stack pointer (SP_EL0)
	RegPC
	RegCPSR
	RegFPCR
	RegFPSR

	RegSPEL1
	RegELREL1
	RegSPSREL1
	RegVBAREL1
	RegESREL1
	RegFAREL1
	RegSCTLREL1
	RegTTBR0EL1
	RegTTBR1EL1
	RegTCREL1
	RegMAIREL1
	RegMPIDREL1
	RegTPIDREL0
	RegTPIDREL1
	RegCPACREL1
	RegCNTVCTLEL0
	RegCNTVCVALEL0
)

// x86_64 registers, in hv_x86_reg_t order.
const (
	RegRIP Reg = iota + 0x100
	RegRFLAGS
	RegRAX
	RegRCX
	RegRDX
	RegRBX
	RegRSI
	RegRDI
	RegRSP
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegCS
	RegSS
	RegDS
	RegES
	RegFS
	RegGS
	RegIDTBase
	RegIDTLimit
	RegGDTBase
	RegGDTLimit
	RegLDTR
	RegLDTBase
	RegLDTLimit
	RegLDTAR
	RegTR
	RegTSSBase
	RegTSSLimit
	RegTSSAR
	RegCR0
	RegCR1
	RegCR2
	RegCR3
	RegCR4
	RegDR0
	RegDR1
	RegDR2
	RegDR3
	RegDR4
	RegDR5
	RegDR6
	RegDR7
	RegTPR
	RegXCR0
)

type regDesc struct {
	name string
	ref  native.RegRef
}

// sysreg encodes an arm64 system register as hv_sys_reg_t does.
func sysreg(op0, op1, crn, crm, op2 uint32) native.RegRef {
	return native.RegRef{
		Class: native.RegSystem,
		ID:    op0<<14 | op1<<11 | crn<<7 | crm<<3 | op2,
	}
}

var (
	arm64Regs = map[Reg]regDesc{}
	x86Regs   = map[Reg]regDesc{}
	regNames  = map[string]Reg{}
)

func init() {
	gp := func(id uint32) native.RegRef { return native.RegRef{Class: native.RegGeneral, ID: id} }

	for r := RegX0; r <= RegX28; r++ {
		arm64Regs[r] = regDesc{fmt.Sprintf("x%d", r-RegX0), gp(uint32(r - RegX0))}
	}
	// hv_reg_t: FP=29 LR=30 PC=31 FPCR=32 FPSR=33 CPSR=34
	arm64Regs[RegFP] = regDesc{"fp", gp(29)}
	arm64Regs[RegLR] = regDesc{"lr", gp(30)}
	arm64Regs[RegPC] = regDesc{"pc", gp(31)}
	arm64Regs[RegFPCR] = regDesc{"fpcr", gp(32)}
	arm64Regs[RegFPSR] = regDesc{"fpsr", gp(33)}
	arm64Regs[RegCPSR] = regDesc{"cpsr", gp(34)}

	arm64Regs[RegSP] = regDesc{"sp", sysreg(3, 0, 4, 1, 0)}
	arm64Regs[RegSPEL1] = regDesc{"sp_el1", sysreg(3, 4, 4, 1, 0)}
	arm64Regs[RegELREL1] = regDesc{"elr_el1", sysreg(3, 0, 4, 0, 1)}
	arm64Regs[RegSPSREL1] = regDesc{"spsr_el1", sysreg(3, 0, 4, 0, 0)}
	arm64Regs[RegVBAREL1] = regDesc{"vbar_el1", sysreg(3, 0, 12, 0, 0)}
	arm64Regs[RegESREL1] = regDesc{"esr_el1", sysreg(3, 0, 5, 2, 0)}
	arm64Regs[RegFAREL1] = regDesc{"far_el1", sysreg(3, 0, 6, 0, 0)}
	arm64Regs[RegSCTLREL1] = regDesc{"sctlr_el1", sysreg(3, 0, 1, 0, 0)}
	arm64Regs[RegTTBR0EL1] = regDesc{"ttbr0_el1", sysreg(3, 0, 2, 0, 0)}
	arm64Regs[RegTTBR1EL1] = regDesc{"ttbr1_el1", sysreg(3, 0, 2, 0, 1)}
	arm64Regs[RegTCREL1] = regDesc{"tcr_el1", sysreg(3, 0, 2, 0, 2)}
	arm64Regs[RegMAIREL1] = regDesc{"mair_el1", sysreg(3, 0, 10, 2, 0)}
	arm64Regs[RegMPIDREL1] = regDesc{"mpidr_el1", sysreg(3, 0, 0, 0, 5)}
	arm64Regs[RegTPIDREL0] = regDesc{"tpidr_el0", sysreg(3, 3, 13, 0, 2)}
	arm64Regs[RegTPIDREL1] = regDesc{"tpidr_el1", sysreg(3, 0, 13, 0, 4)}
	arm64Regs[RegCPACREL1] = regDesc{"cpacr_el1", sysreg(3, 0, 1, 0, 2)}
	arm64Regs[RegCNTVCTLEL0] = regDesc{"cntv_ctl_el0", sysreg(3, 3, 14, 3, 1)}
	arm64Regs[RegCNTVCVALEL0] = regDesc{"cntv_cval_el0", sysreg(3, 3, 14, 3, 2)}

	x86Names := []string{
		"rip", "rflags", "rax", "rcx", "rdx", "rbx", "rsi", "rdi", "rsp", "rbp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"cs", "ss", "ds", "es", "fs", "gs",
		"idt_base", "idt_limit", "gdt_base", "gdt_limit",
		"ldtr", "ldt_base", "ldt_limit", "ldt_ar",
		"tr", "tss_base", "tss_limit", "tss_ar",
		"cr0", "cr1", "cr2", "cr3", "cr4",
		"dr0", "dr1", "dr2", "dr3", "dr4", "dr5", "dr6", "dr7",
		"tpr", "xcr0",
	}
	for i, name := range x86Names {
		x86Regs[RegRIP+Reg(i)] = regDesc{name, gp(uint32(i))}
	}

	for r, d := range arm64Regs {
		regNames[d.name] = r
	}
	for r, d := range x86Regs {
		regNames[d.name] = r
	}
	regNames["x29"] = RegFP
	regNames["x30"] = RegLR
}

func (r Reg) String() string {
	if d, ok := arm64Regs[r]; ok {
		return d.name
	}
	if d, ok := x86Regs[r]; ok {
		return d.name
	}
	return fmt.Sprintf("Reg(%d)", int(r))
}

// ParseReg looks a register up by its lower-case name ("x0", "sp", "rip",
// "cr3", ...).
func ParseReg(name string) (Reg, error) {
	if r, ok := regNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return r, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRegister, name)
}

// Registers returns every register valid on arch, in enumeration order.
func Registers(arch Arch) []Reg {
	var table map[Reg]regDesc
	var first, last Reg
	switch arch {
	case ArchARM64:
		table, first, last = arm64Regs, RegX0, RegCNTVCVALEL0
	case ArchX86_64:
		table, first, last = x86Regs, RegRIP, RegXCR0
	default:
		return nil
	}
	regs := make([]Reg, 0, len(table))
	for r := first; r <= last; r++ {
		if _, ok := table[r]; ok {
			regs = append(regs, r)
		}
	}
	return regs
}

// nativeReg resolves r for arch.
func nativeReg(arch native.Arch, r Reg) (native.RegRef, error) {
	var d regDesc
	var ok bool
	switch arch {
	case native.ArchARM64:
		d, ok = arm64Regs[r]
	case native.ArchX86_64:
		d, ok = x86Regs[r]
	}
	if !ok {
		return native.RegRef{}, newError(KindInvalidArgument, "register %v is not valid on %v", r, arch)
	}
	return d.ref, nil
}

// pcReg is the architecture's program counter.
func pcReg(arch native.Arch) Reg {
	if arch == native.ArchX86_64 {
		return RegRIP
	}
	return RegPC
}

// GetReg reads a register.
func (c *VCPU) GetReg(r Reg) (uint64, error) {
	if c == nil {
		return 0, ErrVCPUClosed
	}
	ref, err := nativeReg(c.arch, r)
	if err != nil {
		return 0, err
	}
	var val uint64
	err = c.call(func(nv native.VCPU) error {
		v, ret := nv.GetReg(ref)
		val = v
		return hvErr(ret)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get register %v: %w", r, err)
	}
	recordRegisterOp()
	return val, nil
}

// SetReg writes a register.
func (c *VCPU) SetReg(r Reg, v uint64) error {
	if c == nil {
		return ErrVCPUClosed
	}
	ref, err := nativeReg(c.arch, r)
	if err != nil {
		return err
	}
	err = c.call(func(nv native.VCPU) error {
		return hvErr(nv.SetReg(ref, v))
	})
	if err != nil {
		return fmt.Errorf("failed to set register %v: %w", r, err)
	}
	recordRegisterOp()
	return nil
}

// GetPC reads the program counter (PC on arm64, RIP on x86_64).
func (c *VCPU) GetPC() (uint64, error) {
	if c == nil {
		return 0, ErrVCPUClosed
	}
	return c.GetReg(pcReg(c.arch))
}

// SetPC writes the program counter.
func (c *VCPU) SetPC(v uint64) error {
	if c == nil {
		return ErrVCPUClosed
	}
	return c.SetReg(pcReg(c.arch), v)
}

// RegBatch maps registers to values.
type RegBatch map[Reg]uint64

// GetRegs reads regs in one trip to the VCPU's thread.
func (c *VCPU) GetRegs(regs []Reg) (RegBatch, error) {
	if c == nil {
		return nil, ErrVCPUClosed
	}
	refs := make([]native.RegRef, len(regs))
	for i, r := range regs {
		ref, err := nativeReg(c.arch, r)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}

	batch := make(RegBatch, len(regs))
	err := c.call(func(nv native.VCPU) error {
		for i, ref := range refs {
			v, ret := nv.GetReg(ref)
			if err := hvErr(ret); err != nil {
				return fmt.Errorf("failed to get register %v: %w", regs[i], err)
			}
			batch[regs[i]] = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for range regs {
		recordRegisterOp()
	}
	return batch, nil
}

// SetRegs writes every register in batch in one trip to the VCPU's thread.
// Identifiers are validated before any register is written.
func (c *VCPU) SetRegs(batch RegBatch) error {
	if c == nil {
		return ErrVCPUClosed
	}
	refs := make(map[Reg]native.RegRef, len(batch))
	for r := range batch {
		ref, err := nativeReg(c.arch, r)
		if err != nil {
			return err
		}
		refs[r] = ref
	}

	err := c.call(func(nv native.VCPU) error {
		for r, v := range batch {
			if err := hvErr(nv.SetReg(refs[r], v)); err != nil {
				return fmt.Errorf("failed to set register %v: %w", r, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for range batch {
		recordRegisterOp()
	}
	return nil
}
