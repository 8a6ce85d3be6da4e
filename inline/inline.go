// Package inline implements the Inline Detour Engine (detour spec §4.E):
// it overwrites a target function's prologue with a jump to a replacement,
// after relocating the overwritten bytes into a trampoline so the original
// behavior remains callable.
//
// The planning pipeline (disassemble a minimum prologue, relocate it,
// patch the live jump, flush the instruction cache) mirrors, at the
// machine-code level, the "build a translation then patch the code
// pointer" shape wagon's exec.VM uses when it swaps an interpreted
// function body for a compiled one.
package inline

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"unsafe"

	"github.com/go-interpreter/detour/internal/decode"
	"github.com/go-interpreter/detour/internal/osport"
	"github.com/go-interpreter/detour/internal/relocate"
	"github.com/go-interpreter/detour/internal/xmem"
)

const (
	directJmpLen   = 5  // E9 rel32
	indirectJmpLen = 14 // FF 25 00000000 + 8-byte absolute pointer
)

// ReadAheadBytes is how many bytes past the minimum redirect length
// Install reads before disassembling, so DecodeAll has room to reach a
// return or unconditional jump ending at or past the jump's length without
// a second read.
// A package variable, not a constant, so a caller hooking functions with
// unusually long instructions can raise it.
var ReadAheadBytes = 32

var logger = log.New(io.Discard, "inline: ", 0)

// SetDebugMode toggles whether Install/Uninstall log trampoline
// allocation and the redirect jump they install.
func SetDebugMode(debug bool) {
	out := io.Writer(io.Discard)
	if debug {
		out = os.Stderr
	}
	logger = log.New(out, "inline: ", 0)
}

// Hook is one installed inline detour. The zero value is not usable;
// construct with Install.
type Hook struct {
	target      uintptr
	coveredLen  int
	savedBytes  []byte // original bytes at target, for Uninstall
	trampoline  *xmem.Block
	trampolineEntry uintptr
	installed   bool
}

// Install overwrites target's prologue with a jump to replacement, after
// building a trampoline that lets Original (or OriginalAs) still invoke
// the unmodified function. decoder classifies the prologue's instructions;
// alloc provides the executable memory the trampoline lives in.
func Install(target, replacement uintptr, decoder decode.Decoder, alloc xmem.Allocator) (*Hook, error) {
	redirectLen := redirectLength(target, replacement)

	// Read more than we expect to need; DecodeAll stops at the first return
	// or unconditional jump once at least redirectLen bytes are covered.
	raw := readMemory(target, redirectLen+ReadAheadBytes)

	plan, err := decode.DecodeAll(decoder, target, raw, redirectLen)
	if err != nil {
		return nil, fmt.Errorf("inline: planning prologue at %#x: %w", target, err)
	}
	coveredLen := 0
	for _, in := range plan {
		coveredLen += in.Length
	}
	planRaw := raw[:coveredLen]

	// Reserve trampoline space generously: every relocated instruction
	// takes at most 15 bytes of code (the longest x86 instruction, which
	// also bounds every widened or trailer-form branch) plus an 8-byte
	// trailer cell, and the tail jump back into the original function past
	// the overwritten prologue takes at most indirectJmpLen.
	const maxRelocatedLen = 15 + 8
	estimate := len(plan)*maxRelocatedLen + indirectJmpLen
	block, err := alloc.AllocNear(target, estimate)
	if err != nil {
		// AllocationFailure: retry with the alloc_any fallback. A trampoline
		// placed anywhere in the address space can still jump back into
		// target through the 14-byte indirect jump form, and any
		// relocated RIP-relative operand that the new, possibly-distant
		// location pushes out of range gets Relocate's own trailer
		// expansion; only a genuinely unrelocatable operand fails past
		// this point.
		logger.Printf("target %#x: alloc_near failed (%v), falling back to alloc_any", target, err)
		block, err = alloc.AllocAny(estimate)
		if err != nil {
			return nil, fmt.Errorf("inline: allocating trampoline (near and any both failed) for %#x: %w", target, err)
		}
	}

	result, err := relocate.Relocate(plan, planRaw, block.Addr)
	if err != nil {
		block.Free()
		return nil, fmt.Errorf("inline: relocating prologue at %#x: %w", target, err)
	}

	resumeAt := target + uintptr(coveredLen)
	tail, err := buildJump(block.Addr+uintptr(len(result.Code)), resumeAt)
	if err != nil {
		block.Free()
		return nil, fmt.Errorf("inline: building trampoline tail jump: %w", err)
	}
	code := append(result.Code, tail...)
	if len(code) > block.Size {
		block.Free()
		return nil, fmt.Errorf("inline: trampoline overflowed reserved space (%d > %d)", len(code), block.Size)
	}
	copy(block.Bytes(), code)
	osport.FlushInstructionCache(block.Addr, len(code))
	logger.Printf("target %#x: trampoline at %#x (%d bytes, %d instructions relocated)", target, block.Addr, len(code), len(plan))

	saved := append([]byte(nil), planRaw...)
	jump, err := buildJump(target, replacement)
	if err != nil {
		block.Free()
		return nil, fmt.Errorf("inline: building redirect jump: %w", err)
	}

	if err := patchTarget(target, coveredLen, jump); err != nil {
		block.Free()
		return nil, err
	}
	logger.Printf("target %#x: redirected to %#x (%d-byte jump, %d bytes covered)", target, replacement, len(jump), coveredLen)

	return &Hook{
		target:          target,
		coveredLen:      coveredLen,
		savedBytes:      saved,
		trampoline:      block,
		trampolineEntry: block.Addr,
		installed:       true,
	}, nil
}

// Uninstall restores target's original bytes and frees the trampoline.
// Calling Uninstall more than once is a no-op.
func (h *Hook) Uninstall() error {
	if h == nil || !h.installed {
		return nil
	}
	if err := patchTarget(h.target, h.coveredLen, h.savedBytes); err != nil {
		return err
	}
	logger.Printf("target %#x: restored original bytes, freeing trampoline", h.target)
	h.installed = false
	return h.trampoline.Free()
}

// Original returns the trampoline's entry point: a callable address that
// runs the target's original, unmodified prologue followed by a jump into
// the rest of the original function body.
func (h *Hook) Original() uintptr { return h.trampolineEntry }

// OriginalAs reinterprets a Hook's trampoline entry as a Go function value
// of type F. F must describe a function whose signature matches the
// target's native calling convention exactly; the cast is unchecked.
func OriginalAs[F any](h *Hook) F {
	// A Go func value points at a cell whose first word is the code
	// address, so the entry is boxed in such a cell before being stored.
	entry := new(uintptr)
	*entry = h.trampolineEntry
	var fn F
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(entry)
	return fn
}

// redirectLength is the number of bytes the live jump at target will
// occupy: a 5-byte rel32 jmp if replacement is within the x64 +/-2GiB
// displacement range of target, else a 14-byte absolute indirect jump.
func redirectLength(target, replacement uintptr) int {
	disp := int64(replacement) - int64(target+directJmpLen)
	if disp >= -(1<<31) && disp <= (1<<31)-1 {
		return directJmpLen
	}
	return indirectJmpLen
}

// buildJump encodes a jump from addr to dest, preferring the short rel32
// form when reachable.
func buildJump(addr, dest uintptr) ([]byte, error) {
	disp := int64(dest) - int64(addr+directJmpLen)
	if disp >= -(1<<31) && disp <= (1<<31)-1 {
		b := make([]byte, directJmpLen)
		b[0] = 0xE9
		binary.LittleEndian.PutUint32(b[1:], uint32(int32(disp)))
		return b, nil
	}
	b := make([]byte, indirectJmpLen)
	b[0] = 0xFF
	b[1] = 0x25
	// disp32 is 0: the absolute pointer sits immediately after this jump.
	binary.LittleEndian.PutUint64(b[6:], uint64(dest))
	return b, nil
}

// patchTarget writes code (len(code) <= coveredLen) at target, padding any
// remaining bytes up to coveredLen with single-byte NOPs, under a scoped
// RWX protection change.
func patchTarget(target uintptr, coveredLen int, code []byte) error {
	if len(code) > coveredLen {
		return fmt.Errorf("inline: patch of %d bytes does not fit in %d-byte covered region at %#x", len(code), coveredLen, target)
	}
	return osport.WithProtection(target, coveredLen, osport.ProtRead|osport.ProtWrite|osport.ProtExec, func() error {
		dst := unsafe.Slice((*byte)(unsafe.Pointer(target)), coveredLen)
		copy(dst, code)
		for i := len(code); i < coveredLen; i++ {
			dst[i] = 0x90
		}
		osport.FlushInstructionCache(target, coveredLen)
		return nil
	})
}

func readMemory(addr uintptr, n int) []byte {
	src := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	out := make([]byte, n)
	copy(out, src)
	return out
}
