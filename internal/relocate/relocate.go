// Package relocate implements the Instruction Relocator (detour spec §4.D):
// given a Prologue Plan decoded at a target address and a destination base
// address, it produces an equivalent byte sequence whose RIP-relative
// operands still resolve to their original absolute targets.
package relocate

import (
	"encoding/binary"
	"fmt"

	"github.com/go-interpreter/detour/internal/decode"
)

// Result is the output of Relocate: the relocated code, and a map from
// every original instruction's start address to its address in the
// relocated sequence (spec §4.D: "a remap table").
type Result struct {
	Code  []byte
	Remap map[uintptr]uintptr
}

// instr is the relocator's mutable working copy of a plan entry: its
// length may grow across fixed-point iterations as encodings widen.
type instr struct {
	src    decode.Instruction
	raw    []byte // original bytes, len(raw) == src.Length
	newLen int    // current candidate length in the relocated sequence; starts at src.Length

	// trailer, when >= 0, is the index into trailerSlots of an 8-byte
	// absolute-pointer cell appended after all relocated code that this
	// instruction's indirect form loads through. Used for out-of-range
	// branches and out-of-reach RIP-relative operands.
	trailer int
}

// Relocate relocates plan (decoded starting at plan[0].Address) to newBase.
// raw must contain exactly the original bytes covering the plan, in order.
func Relocate(plan []decode.Instruction, raw []byte, newBase uintptr) (*Result, error) {
	if len(plan) == 0 {
		return &Result{Remap: map[uintptr]uintptr{}}, nil
	}

	planStart := plan[0].Address
	planEnd := planStart
	for _, in := range plan {
		planEnd += uintptr(in.Length)
	}

	instrs := make([]*instr, len(plan))
	off := 0
	for i, in := range plan {
		switch in.Category {
		case decode.IndirectBranch, decode.Privileged:
			return nil, unrelocatable(in)
		}
		if off+in.Length > len(raw) {
			return nil, fmt.Errorf("relocate: raw buffer shorter than plan (instruction at %#x)", in.Address)
		}
		instrs[i] = &instr{src: in, raw: raw[off : off+in.Length : off+in.Length], newLen: in.Length, trailer: -1}
		off += in.Length
	}

	var trailerSlots []uintptr // absolute target per trailer slot

	// Decide, once, which relative branches need indirect-through-trailer
	// expansion: those whose target lies outside the plan. RIP-relative
	// memory operands cannot be judged until addresses are known; they are
	// checked in a single pass after the fixed-point loop below and
	// promoted to trailer form only if a direct re-encode can't reach.
	for _, in := range instrs {
		if in.src.Category != decode.RelativeBranch {
			continue
		}
		if in.src.Target < planStart || in.src.Target >= planEnd {
			// Outside the relocated range: spec rule 3, always expand to
			// an absolute indirect jump (or invert-and-skip for a jcc),
			// since the relationship between the new address and the
			// target is unconstrained.
			in.trailer = len(trailerSlots)
			trailerSlots = append(trailerSlots, in.src.Target)
			in.newLen = expandedLen(in.src.Branch)
		}
	}

	addrs := make([]uintptr, len(instrs))
	const maxIterations = 64
	for iter := 0; ; iter++ {
		pos := newBase
		for i, in := range instrs {
			addrs[i] = pos
			pos += uintptr(in.newLen)
		}

		grew := false
		for i, in := range instrs {
			if in.trailer >= 0 || in.src.Category != decode.RelativeBranch {
				continue
			}
			if in.src.Target < planStart || in.src.Target >= planEnd {
				continue // handled by the trailer pre-pass above
			}
			targetIdx, ok := indexOfAddress(instrs, in.src.Target)
			if !ok {
				return nil, fmt.Errorf("relocate: branch at %#x targets %#x, which is not an instruction boundary in the plan", in.src.Address, in.src.Target)
			}
			disp := int64(addrs[targetIdx]) - int64(addrs[i]+uintptr(in.newLen))
			need := neededWidth(in.src.Branch, disp)
			if need > in.newLen {
				in.newLen = need
				grew = true
			}
		}

		if !grew {
			break
		}
		if iter >= maxIterations {
			return nil, fmt.Errorf("relocate: displacement widening did not converge after %d iterations", maxIterations)
		}
	}

	// Check RIP-relative memory operands can be satisfied once addresses
	// are final; these never change newLen (x64 rip-relative disp32 is
	// fixed width), so a single pass after the fixed point suffices. An
	// out-of-range LEA gets the same trailer expansion a branch does
	// (rule 4: "same expansion policy applies"): the operand is rewritten
	// to load the trailer's absolute pointer directly, which reproduces
	// an LEA's result exactly. Any other RIP-relative instruction
	// dereferences memory at the operand rather than computing its
	// address, so the same substitution would read the wrong bytes;
	// those are rejected instead of silently miscompiled.
	for i, in := range instrs {
		if in.src.Category != decode.RIPRelativeMemory {
			continue
		}
		end := addrs[i] + uintptr(in.newLen)
		disp := int64(in.src.Target) - int64(end)
		if disp >= -(1<<31) && disp <= (1<<31)-1 {
			continue
		}
		if !in.src.ComputesAddress {
			return nil, &UnrelocatableInstructionError{
				Address: in.src.Address,
				Reason:  "RIP-relative memory operand out of range and not an address-computing instruction",
			}
		}
		in.trailer = len(trailerSlots)
		trailerSlots = append(trailerSlots, in.src.Target)
	}

	code := make([]byte, 0, int(pos(instrs))+8*len(trailerSlots))
	remap := make(map[uintptr]uintptr, len(instrs))
	trailerFixups := make(map[int]int) // trailer slot index -> byte offset of disp32 to patch

	for i, in := range instrs {
		remap[in.src.Address] = addrs[i]
		start := len(code)

		switch {
		case in.trailer >= 0 && in.src.Category == decode.RelativeBranch:
			b, fixupOff := emitIndirectTrailerJump(in.src.Branch, in.raw)
			code = append(code, b...)
			trailerFixups[in.trailer] = start + fixupOff

		case in.trailer >= 0 && in.src.Category == decode.RIPRelativeMemory:
			b, fixupOff := emitIndirectTrailerLoad(in.raw, in.src.DispOffset)
			code = append(code, b...)
			trailerFixups[in.trailer] = start + fixupOff

		case in.src.Category == decode.RelativeBranch:
			targetIdx, _ := indexOfAddress(instrs, in.src.Target)
			disp := int64(addrs[targetIdx]) - int64(addrs[i]+uintptr(in.newLen))
			b, err := encodeBranch(in.src.Branch, in.raw, in.newLen, disp)
			if err != nil {
				return nil, fmt.Errorf("relocate: encoding branch at %#x: %w", in.src.Address, err)
			}
			code = append(code, b...)

		case in.src.Category == decode.RIPRelativeMemory:
			b := append([]byte(nil), in.raw...)
			end := addrs[i] + uintptr(in.newLen)
			disp := int32(int64(in.src.Target) - int64(end))
			binary.LittleEndian.PutUint32(b[in.src.DispOffset:in.src.DispOffset+4], uint32(disp))
			code = append(code, b...)

		default: // Ordinary, Return
			code = append(code, in.raw...)
		}

		if len(code)-start != in.newLen {
			return nil, fmt.Errorf("relocate: internal error: instruction at %#x emitted %d bytes, expected %d", in.src.Address, len(code)-start, in.newLen)
		}
	}

	for slot, target := range trailerSlots {
		fixupOff, ok := trailerFixups[slot]
		if !ok {
			continue
		}
		trailerAddr := newBase + uintptr(len(code))
		disp := int64(trailerAddr) - int64(newBase+uintptr(fixupOff)+4)
		binary.LittleEndian.PutUint32(code[fixupOff:fixupOff+4], uint32(int32(disp)))

		var ptr [8]byte
		binary.LittleEndian.PutUint64(ptr[:], uint64(target))
		code = append(code, ptr[:]...)
	}

	return &Result{Code: code, Remap: remap}, nil
}

func pos(instrs []*instr) uintptr {
	var total uintptr
	for _, in := range instrs {
		total += uintptr(in.newLen)
	}
	return total
}

func indexOfAddress(instrs []*instr, addr uintptr) (int, bool) {
	for i, in := range instrs {
		if in.src.Address == addr {
			return i, true
		}
	}
	return 0, false
}

// UnrelocatableInstructionError is returned when an indirect branch or a
// privileged instruction is found within the bytes the relocator was asked
// to move, or when a RIP-relative operand of an instruction other than an
// LEA ends up out of disp32 range: none of these can be rewritten to run
// correctly from the new address.
type UnrelocatableInstructionError struct {
	Address uintptr
	Reason  string
}

func (e *UnrelocatableInstructionError) Error() string {
	return fmt.Sprintf("relocate: instruction at %#x cannot be relocated: %s", e.Address, e.Reason)
}

func unrelocatable(in decode.Instruction) error {
	reason := "indirect branch"
	if in.Category == decode.Privileged {
		reason = "privileged instruction"
	}
	return &UnrelocatableInstructionError{Address: in.Address, Reason: reason}
}

// neededWidth returns the encoded length required to hold disp for the
// given branch kind: the short (rel8) encoding where it fits, else the
// near (rel32) encoding.
func neededWidth(kind decode.BranchKind, disp int64) int {
	fitsRel8 := disp >= -128 && disp <= 127
	switch kind {
	case decode.Jmp:
		if fitsRel8 {
			return 2
		}
		return 5
	case decode.Jcc:
		if fitsRel8 {
			return 2
		}
		return 6
	case decode.Call:
		return 5 // no rel8 form
	default:
		return 5
	}
}

// expandedLen is the length of the out-of-range / trailer-indirect form
// for a branch kind, used before addresses are known (this form's length
// does not depend on displacement, only on kind).
func expandedLen(kind decode.BranchKind) int {
	switch kind {
	case decode.Jcc:
		return 2 + 6 // short-jcc-over + ff25 indirect jmp; trailer appended separately
	default: // Jmp uses a 6-byte ff25 indirect jmp, Call a 6-byte ff15 indirect call
		return 6
	}
}

// jccCondition extracts the 4-bit condition code from a jcc's original
// encoding: 0x70+cc for the short form, 0x0F 0x80+cc for the near form.
func jccCondition(raw []byte) byte {
	if raw[0] == 0x0F {
		return raw[1] & 0x0F
	}
	return raw[0] & 0x0F
}

// encodeBranch emits the bytes for an in-range relative branch of the
// given kind and final length, with disp already computed relative to the
// end of the encoded instruction. raw is the original instruction's bytes,
// used to recover a jcc's condition code when widening its encoding.
func encodeBranch(kind decode.BranchKind, raw []byte, length int, disp int64) ([]byte, error) {
	switch kind {
	case decode.Jmp:
		if length == 2 {
			if disp < -128 || disp > 127 {
				return nil, fmt.Errorf("short jmp displacement %d out of range", disp)
			}
			return []byte{0xEB, byte(int8(disp))}, nil
		}
		b := make([]byte, 5)
		b[0] = 0xE9
		binary.LittleEndian.PutUint32(b[1:], uint32(int32(disp)))
		return b, nil

	case decode.Jcc:
		cc := jccCondition(raw)
		if length == 2 {
			if disp < -128 || disp > 127 {
				return nil, fmt.Errorf("short jcc displacement %d out of range", disp)
			}
			return []byte{0x70 | cc, byte(int8(disp))}, nil
		}
		b := make([]byte, 6)
		b[0] = 0x0F
		b[1] = 0x80 | cc
		binary.LittleEndian.PutUint32(b[2:], uint32(int32(disp)))
		return b, nil

	case decode.Call:
		b := make([]byte, 5)
		b[0] = 0xE8
		binary.LittleEndian.PutUint32(b[1:], uint32(int32(disp)))
		return b, nil
	}
	return nil, fmt.Errorf("unsupported branch kind %v", kind)
}

// emitIndirectTrailerJump returns the bytes for a branch that jumps
// through an 8-byte absolute pointer appended after all relocated code
// (spec §4.D rule 3), plus the byte offset within the returned slice of
// the rip-relative disp32 field that Relocate patches once the trailer's
// final address is known. raw is the original instruction's bytes, used
// to recover and invert a jcc's condition code.
func emitIndirectTrailerJump(kind decode.BranchKind, raw []byte) ([]byte, int) {
	switch kind {
	case decode.Jcc:
		// jcc(inverted) short +6, skipping over: jmp [rip+disp32].
		// If the original condition holds, the inverted short jump is not
		// taken and control falls through into the indirect jump to the
		// real target; if it doesn't hold, the short jump skips the
		// indirect jump and execution continues at the next relocated
		// instruction.
		invertedCC := jccCondition(raw) ^ 1
		b := make([]byte, 8)
		b[0] = 0x70 | invertedCC
		b[1] = 0x06
		b[2] = 0xFF
		b[3] = 0x25
		return b, 4
	case decode.Call:
		// call [rip+disp32]: the pushed return address is the next
		// relocated instruction, so the call still returns into the
		// trampoline.
		b := []byte{0xFF, 0x15, 0, 0, 0, 0}
		return b, 2
	default: // Jmp: jmp [rip+disp32]
		b := []byte{0xFF, 0x25, 0, 0, 0, 0}
		return b, 2
	}
}

// emitIndirectTrailerLoad returns the bytes for an out-of-range LEA
// rewritten to load the trailer's absolute pointer instead of computing it
// (spec §4.D rule 4: "same expansion policy applies" as an out-of-range
// branch). LEA (opcode 0x8D) and a 64-bit register load (opcode 0x8B) share
// an identical ModRM/SIB/disp32 layout for RIP-relative addressing (mod=00,
// rm=101 never takes a SIB byte), so the opcode byte just before the ModRM
// byte, two bytes ahead of the displacement field, is the only byte that
// needs to change: the
// trailer cell then holds the original target address, and loading it
// through [rip+disp32] reproduces exactly what the LEA would have computed.
// dispOffset is the instruction's DispOffset; the returned fixup offset is
// dispOffset itself, the disp32 field Relocate patches once the trailer's
// final address is known.
func emitIndirectTrailerLoad(raw []byte, dispOffset int) ([]byte, int) {
	b := append([]byte(nil), raw...)
	b[dispOffset-2] = 0x8B
	return b, dispOffset
}
