package decode

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// X86Decoder decodes x86/x64 instructions with golang.org/x/arch/x86/x86asm,
// the same package used by other runtime-hooking tools in this family
// (e.g. hinako's disassemble helper) to drive prologue-length accounting.
type X86Decoder struct {
	// Mode is the decode mode passed to x86asm.Decode: 64 for x64, 32 for
	// x86. Defaults to 64 when zero.
	Mode int
}

func (d X86Decoder) mode() int {
	if d.Mode == 0 {
		return 64
	}
	return d.Mode
}

// jccOps is the conditional-jump family, so the switch in Decode can
// classify jcc alongside jmp and call uniformly.
var jccOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JECXZ: true, x86asm.JRCXZ: true,
	x86asm.JE: true, x86asm.JG: true, x86asm.JGE: true, x86asm.JL: true,
	x86asm.JLE: true, x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true,
	x86asm.JNS: true, x86asm.JO: true, x86asm.JP: true, x86asm.JS: true,
}

var privilegedOps = map[x86asm.Op]bool{
	x86asm.HLT: true, x86asm.CLI: true, x86asm.STI: true,
	x86asm.IN: true, x86asm.OUT: true, x86asm.INSB: true, x86asm.INSW: true,
	x86asm.INSD: true, x86asm.OUTSB: true, x86asm.OUTSW: true, x86asm.OUTSD: true,
	x86asm.LGDT: true, x86asm.LIDT: true, x86asm.LLDT: true, x86asm.LTR: true,
	x86asm.INVLPG: true, x86asm.WRMSR: true, x86asm.RDMSR: true,
	x86asm.SYSEXIT: true, x86asm.SYSRET: true,
	x86asm.MONITOR: true, x86asm.MWAIT: true,
	x86asm.CLTS: true, x86asm.SWAPGS: true,
}

// Decode implements Decoder.
func (d X86Decoder) Decode(address uintptr, code []byte) (Instruction, error) {
	inst, err := x86asm.Decode(code, d.mode())
	if err != nil {
		return Instruction{}, fmt.Errorf("x86asm: %w", err)
	}

	out := Instruction{
		Address:  address,
		Length:   inst.Len,
		Mnemonic: inst.String(),
	}

	switch {
	case inst.Op == x86asm.RET || inst.Op == x86asm.RETF:
		out.Category = Return
	case privilegedOps[inst.Op]:
		out.Category = Privileged
	case inst.Op == x86asm.JMP || inst.Op == x86asm.CALL || jccOps[inst.Op]:
		if isDirectBranch(inst) {
			out.Category = RelativeBranch
			out.DispOffset = inst.PCRelOff
			out.DispSize = inst.PCRel
			out.Target = address + uintptr(inst.Len) + uintptr(signExtend(code, inst.PCRelOff, inst.PCRel))
			switch {
			case inst.Op == x86asm.JMP:
				out.Branch = Jmp
			case inst.Op == x86asm.CALL:
				out.Branch = Call
			default:
				out.Branch = Jcc
			}
		} else {
			out.Category = IndirectBranch
		}
	case inst.PCRel != 0:
		out.Category = RIPRelativeMemory
		out.DispOffset = inst.PCRelOff
		out.DispSize = inst.PCRel
		out.Target = address + uintptr(inst.Len) + uintptr(signExtend(code, inst.PCRelOff, inst.PCRel))
		out.ComputesAddress = inst.Op == x86asm.LEA
	default:
		out.Category = Ordinary
	}

	return out, nil
}

// isDirectBranch reports whether a jmp/call/jcc encodes its target as a
// Rel operand (direct, relocatable) as opposed to a register or memory
// operand (indirect, unrelocatable without runtime state).
func isDirectBranch(inst x86asm.Inst) bool {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if _, ok := a.(x86asm.Rel); ok {
			return true
		}
		// First non-nil arg determines addressing mode for jmp/call.
		return false
	}
	return false
}

// signExtend reads a little-endian, two's-complement field of size bytes
// at off within code and sign-extends it to int64.
func signExtend(code []byte, off, size int) int64 {
	if size == 0 {
		return 0
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(code[off+i])
	}
	shift := uint(64 - size*8)
	return int64(v<<shift) >> shift
}
