package callback

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/go-interpreter/detour/internal/jitasm"
	"github.com/go-interpreter/detour/internal/osport"
	"github.com/go-interpreter/detour/internal/xmem"
)

var logger = log.New(io.Discard, "callback: ", 0)

// SetDebugMode toggles whether MakeCallback logs each stub it emits.
func SetDebugMode(debug bool) {
	out := io.Writer(io.Discard)
	if debug {
		out = os.Stderr
	}
	logger = log.New(out, "callback: ", 0)
}

// systemVInt is the System V AMD64 integer/pointer argument register order.
var systemVInt = []int16{x86.REG_DI, x86.REG_SI, x86.REG_DX, x86.REG_CX, x86.REG_R8, x86.REG_R9}

// systemVFloat is the System V AMD64 SSE argument register order, counted
// independently of integer arguments.
var systemVFloat = []int16{x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3, x86.REG_X4, x86.REG_X5, x86.REG_X6, x86.REG_X7}

// win64Int and win64Float are indexed positionally: the Nth argument,
// whatever its kind, occupies win64Int[N] or win64Float[N].
var win64Int = []int16{x86.REG_CX, x86.REG_DX, x86.REG_R8, x86.REG_R9}
var win64Float = []int16{x86.REG_X0, x86.REG_X1, x86.REG_X2, x86.REG_X3}

// scratchReg is used internally by the stub to hold an address or a value
// in flight; it occupies none of either convention's first four argument
// registers so it never collides with an incoming argument.
const scratchReg = x86.REG_R10

// locKind is where one argument arrives at stub entry.
type locKind int

const (
	locGPReg locKind = iota
	locXMMReg
	locStack
)

type location struct {
	kind        locKind
	reg         int16
	stackOffset int64 // valid when kind == locStack; offset from RBP
}

// classifyArgs assigns each argument in sig a location per its calling
// convention. Arguments beyond the register banks spill to the incoming
// stack frame, at an offset that accounts for the return address, the
// saved frame pointer, and (on Win64) the caller's 32-byte shadow space.
func classifyArgs(sig FuncSignature) []location {
	locs := make([]location, len(sig.Args))

	switch sig.Convention {
	case Win64:
		for i, kind := range sig.Args {
			if i < 4 {
				if kind == ArgFloat {
					locs[i] = location{kind: locXMMReg, reg: win64Float[i]}
				} else {
					locs[i] = location{kind: locGPReg, reg: win64Int[i]}
				}
				continue
			}
			locs[i] = location{kind: locStack, stackOffset: 16 + 32 + int64(i-4)*8}
		}

	default: // SystemV
		gp, fp := 0, 0
		for i, kind := range sig.Args {
			if kind == ArgFloat {
				if fp < len(systemVFloat) {
					locs[i] = location{kind: locXMMReg, reg: systemVFloat[fp]}
					fp++
					continue
				}
			} else if gp < len(systemVInt) {
				locs[i] = location{kind: locGPReg, reg: systemVInt[gp]}
				gp++
				continue
			}
			// Overflowed its register bank: spills to the stack, counted
			// by the argument's own position among all stack-spilled args.
			locs[i] = location{kind: locStack, stackOffset: 16 + int64(stackSlot(sig.Args, i))*8}
		}
	}
	return locs
}

// stackSlot returns how many earlier arguments in args also spilled to the
// stack under the System V classification rules, giving index's slot
// number among stack arguments.
func stackSlot(args []ArgKind, index int) int {
	gp, fp, slot := 0, 0, 0
	for i, kind := range args {
		spilled := false
		if kind == ArgFloat {
			if fp < len(systemVFloat) {
				fp++
			} else {
				spilled = true
			}
		} else {
			if gp < len(systemVInt) {
				gp++
			} else {
				spilled = true
			}
		}
		if i == index {
			return slot
		}
		if spilled {
			slot++
		}
	}
	return slot
}

// argRegForCallback is the register the Parameter Array's address is
// passed in when the stub calls userCallback — conventional first integer
// argument register for the stub's own convention, since userCallback's
// signature (a single pointer) is native code the stub calls directly.
func argRegForCallback(conv Convention) int16 {
	if conv == Win64 {
		return x86.REG_CX
	}
	return x86.REG_DI
}

// align16 rounds n up to the next multiple of 16, the stack alignment x64
// calling conventions require at a call instruction.
func align16(n int64) int64 {
	return (n + 15) &^ 15
}

// MakeCallback emits a native stub matching sig's calling convention that
// marshals its incoming arguments into a Parameter Array and invokes
// userCallback(&array), per spec §4.G. userCallback is a native code
// address, not a Go function value — a caller obtaining one from Go code
// would do so the way syscall.NewCallback produces a native-callable
// address from a Go func, then pass that resulting uintptr in here.
func MakeCallback(sig FuncSignature, userCallback uintptr, alloc xmem.Allocator) (uintptr, error) {
	if userCallback == 0 {
		return 0, fmt.Errorf("callback: userCallback is nil")
	}

	code, err := emitStub(sig, userCallback)
	if err != nil {
		return 0, err
	}

	block, err := alloc.AllocAny(len(code))
	if err != nil {
		return 0, fmt.Errorf("callback: allocating %d bytes for stub: %w", len(code), err)
	}

	copy(block.Bytes(), code)

	osport.FlushInstructionCache(block.Addr, len(code))
	logger.Printf("stub at %#x (%d bytes): %d arg(s), %s convention, calls userCallback %#x", block.Addr, len(code), len(sig.Args), sig.Convention, userCallback)
	return block.Addr, nil
}

func emitStub(sig FuncSignature, userCallback uintptr) ([]byte, error) {
	locs := classifyArgs(sig)
	argc := len(sig.Args)

	paramBytes := int64(argc) * 8
	shadow := int64(0)
	if sig.Convention == Win64 {
		shadow = 32
	}
	frameSize := align16(paramBytes + shadow)
	// The Parameter Array sits just above the shadow space reserved at the
	// bottom of the frame for the call to userCallback (Win64 only; under
	// SystemV there is none and the array starts at the bottom).
	paramBase := -frameSize + shadow

	b, err := jitasm.New(16 + argc*2)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}

	b.PushReg(x86.REG_BP)
	b.MovRegReg(x86.REG_BP, x86.REG_SP)
	b.SubRegImm(x86.REG_SP, frameSize)

	for i, loc := range locs {
		cellOff := paramBase + int64(i)*8
		switch loc.kind {
		case locGPReg:
			b.MovMemReg(x86.REG_BP, cellOff, loc.reg)
		case locXMMReg:
			b.MovXmmToGPR(scratchReg, loc.reg)
			b.MovMemReg(x86.REG_BP, cellOff, scratchReg)
		case locStack:
			b.MovRegMem(scratchReg, x86.REG_BP, loc.stackOffset)
			b.MovMemReg(x86.REG_BP, cellOff, scratchReg)
		}
	}

	b.LeaMemToReg(argRegForCallback(sig.Convention), x86.REG_BP, paramBase)
	b.MovRegImm64(scratchReg, uint64(userCallback))
	b.CallReg(scratchReg)

	if sig.Return == ReturnVoid {
		b.XorRegReg(x86.REG_AX)
	}

	b.MovRegReg(x86.REG_SP, x86.REG_BP)
	b.PopReg(x86.REG_BP)
	b.Ret()

	return b.Assemble(), nil
}
