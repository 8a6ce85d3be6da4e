package relocate

import (
	"testing"

	"github.com/go-interpreter/detour/internal/decode"
)

func TestRelocateOrdinaryAndReturn(t *testing.T) {
	// mov eax, 1  (b8 01 00 00 00); ret (c3)
	raw := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	plan := []decode.Instruction{
		{Address: 0x1000, Length: 5, Category: decode.Ordinary},
		{Address: 0x1005, Length: 1, Category: decode.Return},
	}

	res, err := Relocate(plan, raw, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Code) != 6 {
		t.Fatalf("len(Code) = %d, want 6", len(res.Code))
	}
	for i, b := range raw {
		if res.Code[i] != b {
			t.Errorf("Code[%d] = %#x, want %#x", i, res.Code[i], b)
		}
	}
	if res.Remap[0x1000] != 0x2000 || res.Remap[0x1005] != 0x2005 {
		t.Errorf("Remap = %+v, want {0x1000:0x2000, 0x1005:0x2005}", res.Remap)
	}
}

func TestRelocateInRangeShortJump(t *testing.T) {
	// 0x1000: jmp +2 (eb 02)   -> targets 0x1004
	// 0x1002: nop (90)
	// 0x1003: nop (90)
	// 0x1004: ret (c3)
	raw := []byte{0xEB, 0x02, 0x90, 0x90, 0xC3}
	plan := []decode.Instruction{
		{Address: 0x1000, Length: 2, Category: decode.RelativeBranch, Branch: decode.Jmp, DispOffset: 1, DispSize: 1, Target: 0x1004},
		{Address: 0x1002, Length: 1, Category: decode.Ordinary},
		{Address: 0x1003, Length: 1, Category: decode.Ordinary},
		{Address: 0x1004, Length: 1, Category: decode.Return},
	}

	res, err := Relocate(plan, raw, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	// Short jump keeps its 2-byte encoding; displacement is now 0x3004 -
	// (0x3000+2) = 2, same as before relocation since the whole block
	// moved as a unit.
	if res.Code[0] != 0xEB || int8(res.Code[1]) != 2 {
		t.Errorf("jmp bytes = % x, want eb 02", res.Code[:2])
	}
	if res.Remap[0x1004] != 0x3004 {
		t.Errorf("Remap[0x1004] = %#x, want 0x3004", res.Remap[0x1004])
	}
}

func TestRelocateOutOfRangeJumpUsesTrailer(t *testing.T) {
	// jmp far away (outside the plan's own range): e9 xx xx xx xx
	raw := []byte{0xE9, 0x00, 0x00, 0x00, 0x00}
	farTarget := uintptr(0x9000000)
	plan := []decode.Instruction{
		{Address: 0x1000, Length: 5, Category: decode.RelativeBranch, Branch: decode.Jmp, DispOffset: 1, DispSize: 4, Target: farTarget},
	}

	res, err := Relocate(plan, raw, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	if res.Code[0] != 0xFF || res.Code[1] != 0x25 {
		t.Fatalf("expected ff 25 indirect jmp, got % x", res.Code[:2])
	}
	if len(res.Code) != 6+8 {
		t.Fatalf("len(Code) = %d, want 14 (6-byte jmp + 8-byte trailer)", len(res.Code))
	}
}

func TestRelocateOutOfRangeLEAUsesTrailer(t *testing.T) {
	// lea rax, [rip+disp32]: 48 8d 05 xx xx xx xx, targeting an address far
	// enough from newBase that no disp32 can reach it.
	raw := []byte{0x48, 0x8D, 0x05, 0x00, 0x00, 0x00, 0x00}
	farTarget := uintptr(0xFFFFFFFFFF)
	plan := []decode.Instruction{
		{
			Address: 0x1000, Length: 7, Category: decode.RIPRelativeMemory,
			DispOffset: 3, DispSize: 4, Target: farTarget, ComputesAddress: true,
		},
	}

	res, err := Relocate(plan, raw, 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	// Opcode byte rewritten from LEA (0x8d) to a register load (0x8b);
	// REX prefix and ModRM/disp32 layout are otherwise untouched.
	if res.Code[0] != 0x48 || res.Code[1] != 0x8B || res.Code[2] != 0x05 {
		t.Fatalf("rewritten instruction = % x, want 48 8b 05 ...", res.Code[:3])
	}
	if len(res.Code) != 7+8 {
		t.Fatalf("len(Code) = %d, want 15 (7-byte load + 8-byte trailer)", len(res.Code))
	}
	trailer := res.Code[7:]
	var got uintptr
	for i := 7; i >= 0; i-- {
		got = got<<8 | uintptr(trailer[i])
	}
	if got != farTarget {
		t.Errorf("trailer pointer = %#x, want %#x", got, farTarget)
	}
}

func TestRelocateRejectsOutOfRangeNonLEARIPRelative(t *testing.T) {
	// mov eax, [rip+disp32]: 8b 05 xx xx xx xx — dereferences memory, so
	// it cannot be trailer-expanded the way an LEA can.
	raw := []byte{0x8B, 0x05, 0x00, 0x00, 0x00, 0x00}
	farTarget := uintptr(0xFFFFFFFFFF)
	plan := []decode.Instruction{
		{
			Address: 0x1000, Length: 6, Category: decode.RIPRelativeMemory,
			DispOffset: 2, DispSize: 4, Target: farTarget, ComputesAddress: false,
		},
	}

	if _, err := Relocate(plan, raw, 0x3000); err == nil {
		t.Fatal("expected an error for an out-of-range, non-address-computing RIP-relative operand")
	}
}

func TestRelocateRejectsIndirectBranch(t *testing.T) {
	plan := []decode.Instruction{
		{Address: 0x1000, Length: 2, Category: decode.IndirectBranch},
	}
	if _, err := Relocate(plan, []byte{0xFF, 0xE0}, 0x2000); err == nil {
		t.Fatal("expected an error for an indirect branch in the plan")
	}
}
