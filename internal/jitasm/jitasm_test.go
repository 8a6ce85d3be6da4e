package jitasm

import (
	"testing"

	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"
)

func TestAssembleRetOnly(t *testing.T) {
	b, err := New(1)
	if err != nil {
		t.Fatal(err)
	}
	b.Ret()
	code := b.Assemble()
	if len(code) == 0 {
		t.Fatal("Assemble produced no bytes")
	}
	if code[len(code)-1] != 0xC3 {
		t.Errorf("last byte = %#x, want 0xc3 (ret)", code[len(code)-1])
	}
}

func TestAssembleMovRegImmAndRet(t *testing.T) {
	b, err := New(4)
	if err != nil {
		t.Fatal(err)
	}
	b.MovRegImm64(x86.REG_AX, 0x2a)
	b.Ret()
	code := b.Assemble()
	if len(code) < 2 {
		t.Fatalf("code too short: % x", code)
	}
	if code[len(code)-1] != 0xC3 {
		t.Errorf("last byte = %#x, want 0xc3", code[len(code)-1])
	}
}

func TestMovOpForSize(t *testing.T) {
	cases := map[int]obj.As{1: x86.AMOVB, 2: x86.AMOVW, 4: x86.AMOVL, 8: x86.AMOVQ}
	for size, want := range cases {
		if got := movOpForSize(size); got != want {
			t.Errorf("movOpForSize(%d) = %v, want %v", size, got, want)
		}
	}
}
