package decode

import "testing"

func TestX86DecoderOrdinaryAndReturn(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// mov eax, 1
	inst, err := d.Decode(0x1000, []byte{0xB8, 0x01, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != Ordinary || inst.Length != 5 {
		t.Fatalf("inst = %+v, want Ordinary length 5", inst)
	}

	inst, err = d.Decode(0x1005, []byte{0xC3})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != Return {
		t.Fatalf("category = %v, want Return", inst.Category)
	}
}

func TestX86DecoderRelativeJmp(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// jmp +2 (eb 02), decoded at 0x1000 -> target 0x1004
	inst, err := d.Decode(0x1000, []byte{0xEB, 0x02})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != RelativeBranch || inst.Branch != Jmp {
		t.Fatalf("inst = %+v, want RelativeBranch/Jmp", inst)
	}
	if inst.Target != 0x1004 {
		t.Errorf("Target = %#x, want 0x1004", inst.Target)
	}
}

func TestX86DecoderIndirectJmp(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// jmp rax (ff e0)
	inst, err := d.Decode(0x1000, []byte{0xFF, 0xE0})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != IndirectBranch {
		t.Fatalf("category = %v, want IndirectBranch", inst.Category)
	}
}

func TestX86DecoderPrivileged(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// hlt
	inst, err := d.Decode(0x1000, []byte{0xF4})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != Privileged {
		t.Fatalf("category = %v, want Privileged", inst.Category)
	}
}

func TestX86DecoderRIPRelative(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// lea rax, [rip+0x10]   48 8d 05 10 00 00 00
	inst, err := d.Decode(0x1000, []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != RIPRelativeMemory {
		t.Fatalf("category = %v, want RIPRelativeMemory", inst.Category)
	}
	wantTarget := uintptr(0x1000 + 7 + 0x10)
	if inst.Target != wantTarget {
		t.Errorf("Target = %#x, want %#x", inst.Target, wantTarget)
	}
	if !inst.ComputesAddress {
		t.Error("ComputesAddress = false for an LEA, want true")
	}
}

func TestX86DecoderRIPRelativeMovIsNotComputesAddress(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// mov eax, [rip+0x10]   8b 05 10 00 00 00
	inst, err := d.Decode(0x1000, []byte{0x8B, 0x05, 0x10, 0x00, 0x00, 0x00})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != RIPRelativeMemory {
		t.Fatalf("category = %v, want RIPRelativeMemory", inst.Category)
	}
	if inst.ComputesAddress {
		t.Error("ComputesAddress = true for a dereferencing mov, want false")
	}
}

func TestDecodeAllStopsAtReturn(t *testing.T) {
	d := X86Decoder{Mode: 64}
	// mov eax,1 (5 bytes); ret (1 byte); nop (1 byte, should not be reached)
	code := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3, 0x90}
	plan, err := DecodeAll(d, 0x1000, code, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("len(plan) = %d, want 2 (mov, ret)", len(plan))
	}
	if plan[1].Category != Return {
		t.Errorf("plan[1].Category = %v, want Return", plan[1].Category)
	}
}
