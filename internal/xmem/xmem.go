// Package xmem is the Executable Allocator (detour spec §4.B): it hands out
// writable+executable memory pages, either near a requested address (for
// x64 relative-jump trampolines) or anywhere (for JIT stubs and cloned
// vtables), and tracks blocks so Free is safe and idempotent per handle.
//
// The block-chaining design — bump-allocate out of a growing last block,
// fall back to a dedicated mapping for oversized requests — mirrors
// wagon's exec/internal/compile.MMapAllocator, generalized from "append
// assembled machine code" to "reserve N bytes and hand back a pointer."
package xmem

import (
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

const (
	// minAllocSize is the size of a block requested from the OS when the
	// allocator's current block cannot satisfy a request.
	minAllocSize = 32 * 1024
	// allocationAlignment is the alignment every sub-allocation out of a
	// block is rounded up to, so that returned code/data starts on a
	// reasonably aligned boundary for the host's instruction decoder.
	allocationAlignment = 16
)

// Block is a single allocation returned by an Allocator. Addr is stable for
// the lifetime of the block; Free releases the underlying mapping.
type Block struct {
	Addr uintptr
	Size int

	mapping mmap.MMap
	freed   bool
}

// Bytes views the block's memory as a byte slice of its requested size,
// for callers that need to copy machine code or data into it directly.
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.Addr)), b.Size)
}

// Free releases the block's backing pages. Calling Free more than once is a
// no-op. Blocks returned by AllocAny live inside a bump block and have no
// individual mapping, so Free only marks them freed; their memory is not
// returned to the OS.
func (b *Block) Free() error {
	if b == nil || b.freed {
		return nil
	}
	b.freed = true
	if b.mapping == nil {
		return nil
	}
	return b.mapping.Unmap()
}

// AllocationError wraps a failure to obtain executable memory, either from
// the underlying mmap call or from the +/-2GiB locality constraint
// AllocNear enforces.
type AllocationError struct {
	Size int
	Near uintptr // zero if the request had no locality constraint
	Err  error
}

func (e *AllocationError) Error() string {
	if e.Near == 0 {
		return fmt.Sprintf("xmem: failed to allocate %d executable bytes: %v", e.Size, e.Err)
	}
	return fmt.Sprintf("xmem: failed to allocate %d executable bytes near %#x: %v", e.Size, e.Near, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// Allocator provides executable memory for trampolines, JIT stubs, and
// cloned vtables.
type Allocator interface {
	// AllocNear returns a block of at least size bytes whose address is
	// within +/-2GiB of hint. It fails with an error if no such region is
	// available.
	AllocNear(hint uintptr, size int) (*Block, error)
	// AllocAny returns executable memory with no locality constraint.
	AllocAny(size int) (*Block, error)
}

// MMapAllocator is the default Allocator, backed by mmap-go. It keeps only
// its current bump-allocation block ("last"), which AllocAny serves from
// and tests inspect; ownership and freeing is per-Block, not per-allocator.
type MMapAllocator struct {
	last *bumpBlock
}

// bumpBlock is a single mmap'd region that AllocAny sub-allocates out of
// until it is exhausted, matching wagon's allocator_test.go expectations
// (consumed/remaining accounting, allocationAlignment rounding).
type bumpBlock struct {
	mem       mmap.MMap
	consumed  uint32
	remaining uint32
}

// AllocAny implements Allocator. Requests that fit in the current bump
// block are satisfied from it; larger requests, or the first request,
// allocate a dedicated block sized to exactly cover the request (rounded
// up to allocationAlignment) when it exceeds minAllocSize, or a fresh
// minAllocSize block otherwise. Either new block becomes the current bump
// block.
func (a *MMapAllocator) AllocAny(size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("xmem: alloc size must be positive, got %d", size)
	}
	aligned := align(size, allocationAlignment)

	if a.last == nil || uint32(aligned) > a.last.remaining {
		blockSize := minAllocSize
		if aligned > blockSize {
			blockSize = aligned
		}
		m, err := mmap.MapRegion(nil, blockSize, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
		if err != nil {
			return nil, &AllocationError{Size: blockSize, Err: err}
		}
		a.last = &bumpBlock{mem: m, consumed: 0, remaining: uint32(blockSize)}
		logger.Printf("mapped a new %d-byte bump block at %#x", blockSize, addrOf(m))
	}

	off := a.last.consumed
	a.last.consumed += uint32(aligned)
	a.last.remaining -= uint32(aligned)
	logger.Printf("sub-allocated %d bytes (aligned %d) at offset %d", size, aligned, off)

	return &Block{
		Addr:    addrOf(a.last.mem) + uintptr(off),
		Size:    size,
		mapping: nil, // owned by the bump block, which is never unmapped
	}, nil
}

// AllocNear implements Allocator. mmap-go offers no hinted-address mapping,
// so AllocNear degrades to a dedicated single-block mapping (not served
// from the shared bump block, since that block's base address is not
// guaranteed to sit near hint) and verifies the +/-2GiB constraint the x64
// inline engine relies on for a 5-byte relative jump.
func (a *MMapAllocator) AllocNear(hint uintptr, size int) (*Block, error) {
	if size <= 0 {
		return nil, fmt.Errorf("xmem: alloc size must be positive, got %d", size)
	}
	blockSize := align(size, allocationAlignment)
	m, err := mmap.MapRegion(nil, blockSize, mmap.RDWR|mmap.EXEC, mmap.ANON, 0)
	if err != nil {
		return nil, &AllocationError{Size: blockSize, Near: hint, Err: err}
	}
	addr := addrOf(m)
	if !within2GiB(hint, addr) {
		m.Unmap()
		return nil, &AllocationError{Size: blockSize, Near: hint, Err: fmt.Errorf("no region within +/-2GiB available (got %#x)", addr)}
	}
	logger.Printf("mapped a %d-byte block at %#x near hint %#x", blockSize, addr, hint)
	return &Block{Addr: addr, Size: size, mapping: m}, nil
}

func within2GiB(hint, addr uintptr) bool {
	const twoGiB = 1 << 31
	var delta uintptr
	if addr >= hint {
		delta = addr - hint
	} else {
		delta = hint - addr
	}
	return delta < twoGiB
}

func align(n, to int) int {
	if n%to == 0 {
		return n
	}
	return n + (to - n%to)
}

func addrOf(m mmap.MMap) uintptr {
	if len(m) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m[0]))
}
