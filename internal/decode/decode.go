// Package decode provides the disassembler interface the detour engines
// consume, and a golang.org/x/arch/x86/x86asm-backed implementation of it.
//
// The engines never need full operand decoding; they only need instruction
// length, a coarse branch classification, and (for relative branches and
// RIP-relative memory operands) the offset and width of the displacement
// field within the instruction's bytes. That is the entirety of the
// Instruction record below.
package decode

import "fmt"

// Category classifies an Instruction for the purposes of prologue planning
// and relocation.
type Category int

const (
	// Ordinary instructions are copied verbatim by the relocator.
	Ordinary Category = iota
	// RelativeBranch instructions (short/near jmp, jcc, call) encode their
	// target as a displacement relative to the address of the next
	// instruction.
	RelativeBranch
	// RIPRelativeMemory instructions address a memory operand relative to
	// the instruction pointer (e.g. `lea rax, [rip+0x10]`).
	RIPRelativeMemory
	// IndirectBranch instructions (jmp/call through a register or memory
	// operand) cannot be relocated without knowing a runtime value; they
	// cause the relocator to fail if found within the minimum prologue.
	IndirectBranch
	// Return instructions terminate a Prologue Plan.
	Return
	// Privileged instructions (e.g. syscall gates, io ports) are rejected
	// if found within the minimum prologue.
	Privileged
)

func (c Category) String() string {
	switch c {
	case Ordinary:
		return "ordinary"
	case RelativeBranch:
		return "relative-branch"
	case RIPRelativeMemory:
		return "rip-relative-memory"
	case IndirectBranch:
		return "indirect-branch"
	case Return:
		return "return"
	case Privileged:
		return "privileged"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// BranchKind distinguishes the encodings a RelativeBranch instruction may
// use, so the relocator knows how to widen a short encoding into a near
// one without re-decoding the raw bytes.
type BranchKind int

const (
	NotBranch BranchKind = iota
	Jmp                  // unconditional jmp rel8/rel32
	Jcc                  // conditional jcc rel8/rel32
	Call                 // call rel32 (no rel8 form exists on x86)
)

// Instruction is a decoded machine instruction, carrying only the fields
// the relocator and detour engine require.
type Instruction struct {
	Address  uintptr
	Length   int
	Category Category
	Branch   BranchKind

	// DispOffset and DispSize locate the displacement field within the
	// instruction's bytes. Valid when Category is RelativeBranch or
	// RIPRelativeMemory; zero otherwise.
	DispOffset int
	DispSize   int

	// Target is the absolute address a RelativeBranch resolves to, or a
	// RIPRelativeMemory operand addresses, computed as Address + Length +
	// displacement. Zero for other categories.
	Target uintptr

	// ComputesAddress is set for a RIPRelativeMemory instruction whose
	// result is the operand's effective address itself (an LEA) rather
	// than a value read through it. The relocator needs this distinction
	// to decide whether an out-of-range operand can be rewritten to load
	// a trailer-held absolute pointer directly (LEA), or must be rejected
	// (any other RIP-relative instruction actually dereferences memory at
	// the operand, which a rewritten pointer load does not reproduce).
	ComputesAddress bool

	// Mnemonic is a human-readable op name, used only for diagnostics.
	Mnemonic string
}

// Decoder produces a decoded instruction stream starting at address, over
// the bytes in code. Implementations may be lazy (wagon-style,
// decoding one instruction per call) but the engines here consume it
// eagerly via DecodeAll.
type Decoder interface {
	// Decode returns the single instruction starting at the beginning of
	// code, which represents the bytes found at address. It must not read
	// past len(code).
	Decode(address uintptr, code []byte) (Instruction, error)
}

// PrologueTooShortError is returned when the decoded instruction stream
// runs out of bytes before the plan can end: either the requested minimum
// is not covered, or it is covered but no return or unconditional jump
// ending at or past it was found within the supplied bytes.
type PrologueTooShortError struct {
	Address  uintptr
	MinBytes int
	Covered  int
}

func (e *PrologueTooShortError) Error() string {
	return fmt.Sprintf("decode: at %#x: ran out of bytes before a return or unconditional jump ending at or past %d bytes (covered %d)", e.Address, e.MinBytes, e.Covered)
}

// DecodeAll decodes a run of instructions starting at address using code as
// the backing bytes. Per the planner's terminator rule, a return or
// unconditional branch only ends the plan once it lands at or after
// minBytes; a non-terminal instruction that merely covers minBytes does
// not stop the scan, since the plan must end on an instruction boundary
// the relocator can safely cut at. It never decodes past len(code).
func DecodeAll(d Decoder, address uintptr, code []byte, minBytes int) ([]Instruction, error) {
	var out []Instruction
	covered := 0
	off := 0
	for {
		if covered >= minBytes && len(out) > 0 && isTerminator(out[len(out)-1]) {
			break
		}
		if off >= len(code) {
			return out, &PrologueTooShortError{Address: address, MinBytes: minBytes, Covered: covered}
		}
		inst, err := d.Decode(address+uintptr(off), code[off:])
		if err != nil {
			return out, fmt.Errorf("decode: at %#x: %w", address+uintptr(off), err)
		}
		out = append(out, inst)
		covered += inst.Length
		off += inst.Length
	}
	return out, nil
}

// isTerminator reports whether in is a Return or an unconditional branch:
// the only instruction kinds rule 5 allows to end a Prologue Plan. A
// conditional jump or call falls through to the next instruction at
// runtime, so neither ends the plan on its own.
func isTerminator(in Instruction) bool {
	return in.Category == Return || (in.Category == RelativeBranch && in.Branch == Jmp)
}
