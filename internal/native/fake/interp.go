package fake

import (
	"encoding/binary"

	"github.com/hvkit/go-hypervisor/internal/native"
)

// arm64 register selectors used by the interpreter.
var (
	arm64PC = native.RegRef{Class: native.RegGeneral, ID: 31}
)

func arm64X(n uint32) native.RegRef { return native.RegRef{Class: native.RegGeneral, ID: n} }

const (
	ecUnknown     = 0x00
	ecWFx         = 0x01
	ecInstAbort   = 0x20
	ecDataAbort   = 0x24
	ecBRK         = 0x3C
	esrIL         = 1 << 25
	arm64ExitExc  = 1
	arm64ExitStop = 0
)

func arm64Exception(ec, iss uint32, va, pa uint64) native.RawExit {
	return native.RawExit{
		Arch:            native.ArchARM64,
		Reason:          arm64ExitExc,
		Syndrome:        uint64(ec)<<26 | esrIL | uint64(iss),
		VirtualAddress:  va,
		PhysicalAddress: pa,
	}
}

func (v *VCPU) x(n uint32) uint64 {
	if n == 31 {
		return 0
	}
	return v.regs[arm64X(n)]
}

func (v *VCPU) setX(n uint32, val uint64) {
	if n != 31 {
		v.regs[arm64X(n)] = val
	}
}

// runARM64 interprets WFI/WFE, BRK, MOVZ, ADD (immediate) and 64-bit
// LDR/STR (unsigned offset). Loads and stores outside mapped memory raise a
// data abort with a valid syndrome, like an MMIO access on hardware.
func (v *VCPU) runARM64() native.RawExit {
	for step := 0; step < maxSteps; step++ {
		v.execTime++
		pc := v.regs[arm64PC]
		b, ok := v.hv.access(pc, 4, native.PermExec)
		if !ok {
			return arm64Exception(ecInstAbort, 0, pc, pc)
		}
		insn := le32(b)

		switch {
		case insn == 0xD503207F: // wfi
			return arm64Exception(ecWFx, 0, 0, 0)
		case insn == 0xD503205F: // wfe
			return arm64Exception(ecWFx, 1, 0, 0)
		case insn&0xFFE0001F == 0xD4200000: // brk #imm
			return arm64Exception(ecBRK, (insn>>5)&0xFFFF, 0, 0)
		case insn&0xFF800000 == 0xD2800000: // movz xd, #imm, lsl #hw*16
			hw := (insn >> 21) & 3
			v.setX(insn&0x1F, uint64((insn>>5)&0xFFFF)<<(16*hw))
		case insn&0xFF800000 == 0x91000000: // add xd, xn, #imm{, lsl #12}
			imm := uint64((insn >> 10) & 0xFFF)
			if insn&(1<<22) != 0 {
				imm <<= 12
			}
			v.setX(insn&0x1F, v.x((insn>>5)&0x1F)+imm)
		case insn&0xFFC00000 == 0xF9000000, insn&0xFFC00000 == 0xF9400000: // str/ldr xt, [xn, #imm]
			store := insn&0xFFC00000 == 0xF9000000
			rt := insn & 0x1F
			addr := v.x((insn>>5)&0x1F) + uint64((insn>>10)&0xFFF)*8
			perm := native.PermRead
			if store {
				perm = native.PermWrite
			}
			mem, ok := v.hv.access(addr, 8, perm)
			if !ok {
				iss := uint32(1<<24 | 3<<22 | rt<<16 | 1<<15)
				if store {
					iss |= 1 << 6
				}
				return arm64Exception(ecDataAbort, iss, addr, addr)
			}
			if store {
				binary.LittleEndian.PutUint64(mem, v.x(rt))
			} else {
				v.setX(rt, binary.LittleEndian.Uint64(mem))
			}
		default:
			return arm64Exception(ecUnknown, 0, 0, 0)
		}
		v.regs[arm64PC] = pc + 4
	}
	return native.RawExit{Arch: native.ArchARM64, Reason: arm64ExitStop}
}

// x86 register selectors (hv_x86_reg_t).
var (
	x86RIP = native.RegRef{Class: native.RegGeneral, ID: 0}
	x86RAX = native.RegRef{Class: native.RegGeneral, ID: 2}
	x86RDX = native.RegRef{Class: native.RegGeneral, ID: 4}
)

const (
	vmxExcNMI  = 0
	vmxIRQ     = 1
	vmxHLT     = 12
	vmxVMCALL  = 18
	vmxIO      = 30
	vmxEPTViol = 48
)

func x86IO(port uint64, in, imm bool, length uint32) native.RawExit {
	qual := port << 16
	if in {
		qual |= 1 << 3
	}
	if imm {
		qual |= 1 << 6
	}
	return native.RawExit{
		Arch:              native.ArchX86_64,
		Reason:            vmxIO,
		Qualification:     qual,
		InstructionLength: length,
	}
}

// runX86 interprets HLT, NOP, MOV AL imm8, IN/OUT (imm8 and DX forms) and
// VMCALL. Anything else raises #UD.
func (v *VCPU) runX86() native.RawExit {
	for step := 0; step < maxSteps; step++ {
		v.execTime++
		rip := v.regs[x86RIP]
		b, ok := v.hv.access(rip, 1, native.PermExec)
		if !ok {
			return native.RawExit{
				Arch:            native.ArchX86_64,
				Reason:          vmxEPTViol,
				Qualification:   1 << 2,
				PhysicalAddress: rip,
				VirtualAddress:  rip,
			}
		}
		imm8 := func() (uint64, bool) {
			b, ok := v.hv.access(rip+1, 1, native.PermExec)
			if !ok {
				return 0, false
			}
			return uint64(b[0]), true
		}

		switch b[0] {
		case 0xF4:
			return native.RawExit{Arch: native.ArchX86_64, Reason: vmxHLT, InstructionLength: 1}
		case 0x90:
			v.regs[x86RIP] = rip + 1
			continue
		case 0xB0:
			if imm, ok := imm8(); ok {
				v.regs[x86RAX] = v.regs[x86RAX]&^0xFF | imm
				v.regs[x86RIP] = rip + 2
				continue
			}
		case 0xE4, 0xE6:
			if port, ok := imm8(); ok {
				return x86IO(port, b[0] == 0xE4, true, 2)
			}
		case 0xEC, 0xEE:
			return x86IO(v.regs[x86RDX]&0xFFFF, b[0] == 0xEC, false, 1)
		case 0x0F:
			if op, ok := v.hv.access(rip, 3, native.PermExec); ok && op[1] == 0x01 && op[2] == 0xC1 {
				return native.RawExit{Arch: native.ArchX86_64, Reason: vmxVMCALL, InstructionLength: 3}
			}
		}
		// #UD: vector 6, hardware exception, valid.
		return native.RawExit{
			Arch:          native.ArchX86_64,
			Reason:        vmxExcNMI,
			InterruptInfo: 1<<31 | 3<<8 | 6,
		}
	}
	return native.RawExit{Arch: native.ArchX86_64, Reason: vmxIRQ}
}
