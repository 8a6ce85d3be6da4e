package callback

import (
	"testing"
	"unsafe"

	"github.com/go-interpreter/detour/internal/xmem"
)

func TestClassifyArgsSystemV(t *testing.T) {
	sig := FuncSignature{
		Convention: SystemV,
		Args:       []ArgKind{ArgInt, ArgFloat, ArgInt, ArgFloat, ArgPointer, ArgInt, ArgInt, ArgInt, ArgInt},
	}
	locs := classifyArgs(sig)

	if locs[0].kind != locGPReg {
		t.Fatalf("arg0 kind = %v, want locGPReg", locs[0].kind)
	}
	if locs[1].kind != locXMMReg {
		t.Fatalf("arg1 kind = %v, want locXMMReg", locs[1].kind)
	}
	// Six integer/pointer args (0,2,4,5,6,7) fill all six GP registers;
	// the seventh (index 8) spills to the stack at the first stack slot.
	if locs[8].kind != locStack {
		t.Fatalf("arg8 kind = %v, want locStack", locs[8].kind)
	}
	if locs[8].stackOffset != 16 {
		t.Errorf("arg8 stackOffset = %d, want 16", locs[8].stackOffset)
	}
}

func TestClassifyArgsWin64(t *testing.T) {
	sig := FuncSignature{
		Convention: Win64,
		Args:       []ArgKind{ArgInt, ArgFloat, ArgInt, ArgPointer, ArgInt},
	}
	locs := classifyArgs(sig)

	if locs[1].kind != locXMMReg || locs[1].reg != win64Float[1] {
		t.Fatalf("arg1 = %+v, want xmm1", locs[1])
	}
	if locs[4].kind != locStack {
		t.Fatalf("arg4 kind = %v, want locStack", locs[4].kind)
	}
	if locs[4].stackOffset != 16+32 {
		t.Errorf("arg4 stackOffset = %d, want %d", locs[4].stackOffset, 16+32)
	}
}

func TestMakeCallbackRejectsNilTarget(t *testing.T) {
	_, err := MakeCallback(FuncSignature{Convention: SystemV}, 0, &xmem.MMapAllocator{})
	if err == nil {
		t.Fatal("expected an error for a nil userCallback")
	}
}

func TestEmitStubProducesNonEmptyCode(t *testing.T) {
	sig := FuncSignature{
		Convention: SystemV,
		Return:     ReturnVoid,
		Args:       []ArgKind{ArgInt, ArgFloat, ArgPointer},
	}
	code, err := emitStub(sig, 0xDEADBEEF)
	if err != nil {
		t.Fatal(err)
	}
	if len(code) == 0 {
		t.Fatal("emitStub returned no bytes")
	}
	// Last byte must be the ret opcode.
	if code[len(code)-1] != 0xC3 {
		t.Errorf("last byte = %#x, want 0xc3 (ret)", code[len(code)-1])
	}
}

func TestParametersWord(t *testing.T) {
	cells := [3]uintptr{11, 22, 33}
	p := Parameters{Base: uintptr(unsafe.Pointer(&cells[0])), Count: len(cells)}
	if p.Int(1) != 22 {
		t.Errorf("Int(1) = %d, want 22", p.Int(1))
	}
}

func TestParametersWordOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an out-of-range index")
		}
	}()
	p := Parameters{Count: 1}
	_ = p.Word(5)
}
