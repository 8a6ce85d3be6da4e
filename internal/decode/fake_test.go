package decode

import "testing"

func TestFakeDecode(t *testing.T) {
	f := Fake{ByAddress: map[uintptr]Instruction{
		0x1000: {Address: 0x1000, Length: 2, Category: Ordinary},
	}}

	inst, err := f.Decode(0x1000, []byte{0x90, 0x90})
	if err != nil {
		t.Fatal(err)
	}
	if inst.Category != Ordinary {
		t.Errorf("Category = %v, want Ordinary", inst.Category)
	}

	if _, err := f.Decode(0x2000, []byte{0x90, 0x90}); err == nil {
		t.Fatal("expected an error for an unregistered address")
	}

	if _, err := f.Decode(0x1000, []byte{0x90}); err == nil {
		t.Fatal("expected an error when code is shorter than the registered instruction")
	}
}

func TestDecodeAllWithFake(t *testing.T) {
	f := Fake{ByAddress: map[uintptr]Instruction{
		0x1000: {Address: 0x1000, Length: 2, Category: Ordinary},
		0x1002: {Address: 0x1002, Length: 1, Category: Return},
	}}
	plan, err := DecodeAll(f, 0x1000, []byte{0, 0, 0}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("len(plan) = %d, want 2", len(plan))
	}
}
