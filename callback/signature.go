// Package callback implements the ILCallback JIT (detour spec §4.G): given
// a calling-convention descriptor, it emits a native stub that captures a
// caller's arguments into a uniform Parameter Array and forwards them to a
// user-supplied native callback.
package callback

import (
	"math"
	"unsafe"
)

// ArgKind classifies a single argument's ABI class, which determines
// whether it arrives in a general-purpose register, an SSE register, or a
// stack slot.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgFloat
	ArgPointer
)

// ReturnKind classifies the stub's declared return type. Per spec §4.G
// and the "Open questions" in §9, only ReturnVoid is exercised; the
// non-void read-back path is a design extension, not a guessed behavior.
type ReturnKind int

const (
	ReturnVoid ReturnKind = iota
	ReturnInt
	ReturnFloat
	ReturnPointer
)

// Convention selects the native calling convention the emitted stub's
// entry point conforms to.
type Convention int

const (
	// SystemV is the AMD64 System V ABI used on Linux and macOS: integer
	// args in RDI, RSI, RDX, RCX, R8, R9; float args in XMM0-XMM7,
	// counted independently of integer args.
	SystemV Convention = iota
	// Win64 is the Microsoft x64 calling convention: the first four
	// arguments, whatever their type, occupy RCX/XMM0, RDX/XMM1,
	// R8/XMM2, R9/XMM3 positionally, and the caller reserves 32 bytes of
	// shadow space below the return address.
	Win64
)

func (c Convention) String() string {
	if c == Win64 {
		return "Win64"
	}
	return "SystemV"
}

// FuncSignature describes the native ABI of the function the stub will
// impersonate.
type FuncSignature struct {
	Convention Convention
	Return     ReturnKind
	Args       []ArgKind
}

// Parameters views the Parameter Array a stub built from this package
// passes to a user callback: a contiguous run of Count machine-word
// cells starting at Base. Integer and pointer arguments occupy their cell
// directly; float arguments are bit-cast into the cell, matching spec §3.
type Parameters struct {
	Base  uintptr
	Count int
}

// Word returns the raw machine-word value of cell i.
func (p Parameters) Word(i int) uintptr {
	if i < 0 || i >= p.Count {
		panic("callback: parameter index out of range")
	}
	return *(*uintptr)(unsafe.Pointer(p.Base + uintptr(i)*unsafe.Sizeof(uintptr(0))))
}

// Int reinterprets cell i as a signed 64-bit integer.
func (p Parameters) Int(i int) int64 { return int64(p.Word(i)) }

// Float64 reinterprets cell i's bit pattern as a float64.
func (p Parameters) Float64(i int) float64 { return math.Float64frombits(uint64(p.Word(i))) }

// Pointer reinterprets cell i as a pointer value.
func (p Parameters) Pointer(i int) unsafe.Pointer { return unsafe.Pointer(p.Word(i)) }
