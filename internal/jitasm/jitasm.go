// Package jitasm emits x64 machine code at run time using golang-asm's
// assembler, the same library and calling pattern wagon's native compiler
// backend uses (exec/internal/compile.AMD64Backend.Build): build a
// sequence of *obj.Prog values through an *asm.Builder, then Assemble it
// into a flat byte slice ready to be copied into executable memory.
//
// This package provides the small set of instruction-emission helpers the
// ILCallback JIT (package callback) needs: register/memory moves,
// arithmetic on the stack pointer, and calls/returns. It intentionally
// does not attempt to be a general-purpose assembler the way golang-asm
// itself is; callers reach through to obj/x86 directly for anything this
// package doesn't wrap.
package jitasm

import (
	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

// Builder wraps asm.Builder with the small helper methods below. The zero
// value is not usable; construct with New.
type Builder struct {
	b *asm.Builder
}

// New creates a Builder with room for approximately hint instructions,
// mirroring wagon's "pre-allocate N instruction objects" sizing comment in
// AMD64Backend.Build.
func New(hint int) (*Builder, error) {
	b, err := asm.NewBuilder("amd64", hint)
	if err != nil {
		return nil, err
	}
	return &Builder{b: b}, nil
}

// Assemble finalizes the instruction stream into machine code.
func (bd *Builder) Assemble() []byte {
	return bd.b.Assemble()
}

func (bd *Builder) add(p *obj.Prog) { bd.b.AddInstruction(p) }

func (bd *Builder) new() *obj.Prog { return bd.b.NewProg() }

// MovRegReg emits `mov dst, src` for two general-purpose registers.
func (bd *Builder) MovRegReg(dst, src int16) {
	p := bd.new()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// MovRegImm64 emits `movabs dst, imm`.
func (bd *Builder) MovRegImm64(dst int16, imm uint64) {
	p := bd.new()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = int64(imm)
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// MovRegMem emits `mov dst, [base+disp]`.
func (bd *Builder) MovRegMem(dst, base int16, disp int64) {
	p := bd.new()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = disp
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// MovMemReg emits `mov [base+disp], src`.
func (bd *Builder) MovMemReg(base int16, disp int64, src int16) {
	p := bd.new()
	p.As = x86.AMOVQ
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = disp
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	bd.add(p)
}

// MovMemRegSize emits a mov of the given operand width (1/2/4/8 bytes)
// from a general-purpose register into [base+disp], zero/sign-extension
// having already happened in a prior widening move if required.
func (bd *Builder) MovMemRegSize(base int16, disp int64, src int16, size int) {
	p := bd.new()
	p.As = movOpForSize(size)
	p.To.Type = obj.TYPE_MEM
	p.To.Reg = base
	p.To.Offset = disp
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	bd.add(p)
}

func movOpForSize(size int) obj.As {
	switch size {
	case 1:
		return x86.AMOVB
	case 2:
		return x86.AMOVW
	case 4:
		return x86.AMOVL
	default:
		return x86.AMOVQ
	}
}

// MovZeroExtend emits a zero-extending move from a src GP register holding
// a value of srcSize bytes into dst as a full 64-bit value.
func (bd *Builder) MovZeroExtend(dst, src int16, srcSize int) {
	p := bd.new()
	switch srcSize {
	case 1:
		p.As = x86.AMOVBQZX
	case 2:
		p.As = x86.AMOVWQZX
	case 4:
		p.As = x86.AMOVL // writing a 32-bit register implicitly zero-extends to 64 bits
	default:
		p.As = x86.AMOVQ
	}
	p.From.Type = obj.TYPE_REG
	p.From.Reg = src
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// MovXmmToGPR emits `movq dst, xmmSrc` — reinterpreting a floating-point
// register's bit pattern as a general-purpose register value, which is
// exactly the "bit-cast into the cell" treatment spec §3 requires for
// float arguments in the Parameter Array.
func (bd *Builder) MovXmmToGPR(dst, xmmSrc int16) {
	p := bd.new()
	p.As = x86.AMOVQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = xmmSrc
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// LeaMemToReg emits `lea dst, [base+disp]`.
func (bd *Builder) LeaMemToReg(dst, base int16, disp int64) {
	p := bd.new()
	p.As = x86.ALEAQ
	p.From.Type = obj.TYPE_MEM
	p.From.Reg = base
	p.From.Offset = disp
	p.To.Type = obj.TYPE_REG
	p.To.Reg = dst
	bd.add(p)
}

// SubRegImm emits `sub reg, imm`.
func (bd *Builder) SubRegImm(reg int16, imm int64) {
	p := bd.new()
	p.As = x86.ASUBQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	bd.add(p)
}

// AddRegImm emits `add reg, imm`.
func (bd *Builder) AddRegImm(reg int16, imm int64) {
	p := bd.new()
	p.As = x86.AADDQ
	p.From.Type = obj.TYPE_CONST
	p.From.Offset = imm
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	bd.add(p)
}

// PushReg / PopReg emit `push reg` / `pop reg`.
func (bd *Builder) PushReg(reg int16) {
	p := bd.new()
	p.As = x86.APUSHQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	bd.add(p)
}

func (bd *Builder) PopReg(reg int16) {
	p := bd.new()
	p.As = x86.APOPQ
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	bd.add(p)
}

// XorRegReg emits `xor reg, reg` (commonly used to zero a register).
func (bd *Builder) XorRegReg(reg int16) {
	p := bd.new()
	p.As = x86.AXORQ
	p.From.Type = obj.TYPE_REG
	p.From.Reg = reg
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	bd.add(p)
}

// CallReg emits `call reg`, an indirect call through a register holding
// an absolute function address.
func (bd *Builder) CallReg(reg int16) {
	p := bd.new()
	p.As = obj.ACALL
	p.To.Type = obj.TYPE_REG
	p.To.Reg = reg
	bd.add(p)
}

// Ret emits `ret`.
func (bd *Builder) Ret() {
	p := bd.new()
	p.As = obj.ARET
	bd.add(p)
}
