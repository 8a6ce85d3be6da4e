package decode

// Fake is a hand-built Decoder for unit tests, in the same spirit as
// wagon's exec package testing against mockSequenceScanner /
// mockInstructionBuilder instead of a real backend. Within this module it
// is exercised by fake_test.go.
//
// It replays a fixed, address-keyed sequence of Instruction records rather
// than decoding bytes, so tests can construct arbitrary prologue shapes
// (an in-range relative jump, an indirect call, a privileged instruction)
// without hand-assembling real x86.
type Fake struct {
	// ByAddress maps an instruction's start address to the record to
	// return for it. Decode looks up address and ignores code's contents
	// except to validate the instruction fits within it.
	ByAddress map[uintptr]Instruction
}

// Decode implements Decoder.
func (f Fake) Decode(address uintptr, code []byte) (Instruction, error) {
	inst, ok := f.ByAddress[address]
	if !ok {
		return Instruction{}, errUnknownAddress{address}
	}
	if inst.Length > len(code) {
		return Instruction{}, errShortBuffer{address, inst.Length, len(code)}
	}
	return inst, nil
}

type errUnknownAddress struct{ addr uintptr }

func (e errUnknownAddress) Error() string {
	return "decode: fake: no instruction registered at address"
}

type errShortBuffer struct {
	addr               uintptr
	want, haveRemained int
}

func (e errShortBuffer) Error() string {
	return "decode: fake: instruction length exceeds remaining buffer"
}
