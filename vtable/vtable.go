// Package vtable implements the VTable Swap Engine (detour spec §4.F): it
// clones a C++-style virtual dispatch table, redirects one or more slots in
// the clone, and atomically swaps an object's table pointer to the clone —
// the polymorphic-hooking technique PolyHook2's VFuncSwapHook family
// implements in C++, rebuilt here with Go's atomic package standing in
// for std::atomic and generics standing in for its VFunc<I,FuncPtr>
// compile-time slot/type pairing.
package vtable

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/go-interpreter/detour/internal/xmem"
)

// ErrInvalidSlot is returned when a requested slot index is out of range
// for the discovered (or caller-supplied) table length.
var ErrInvalidSlot = errors.New("vtable: invalid slot index")

// MaxSlots bounds the table-length discovery walk (spec §4.F: "a bounded
// heuristic, not a guarantee"). A package variable rather than a
// constant, the way wagon controls its native-compile ceilings, so a
// caller hooking an unusually large table can raise it.
var MaxSlots = 512

// minPlausiblePointer rejects obviously-not-a-pointer cell values (zero
// pages, small integers stored where a vtable slot was expected) when
// walking a table whose real length is not otherwise known.
const minPlausiblePointer = 0x10000

var logger = log.New(io.Discard, "vtable: ", 0)

// SetDebugMode toggles whether table discovery and swap/restore logs its
// steps.
func SetDebugMode(debug bool) {
	out := io.Writer(io.Discard)
	if debug {
		out = os.Stderr
	}
	logger = log.New(out, "vtable: ", 0)
}

// discoverLength walks table's cells until one fails the plausibility
// check or MaxSlots is reached. This is a heuristic, not a sound method —
// callers who know their table's length should skip it in favor of
// CloneTableN.
func discoverLength(table uintptr) int {
	cells := unsafe.Slice((*uintptr)(unsafe.Pointer(table)), MaxSlots)
	for i, v := range cells {
		if v < minPlausiblePointer {
			logger.Printf("table at %#x: stopped walk at slot %d (cell %#x below plausibility threshold)", table, i, v)
			return i
		}
	}
	logger.Printf("table at %#x: walk reached MaxSlots (%d) without finding a boundary", table, MaxSlots)
	return MaxSlots
}

// CloneTable copies table's slots (length auto-discovered) into a fresh
// block of executable-adjacent memory. Returns the block and the number
// of slots cloned.
func CloneTable(table uintptr, alloc xmem.Allocator) (*xmem.Block, int, error) {
	n := discoverLength(table)
	return CloneTableN(table, n, alloc)
}

// CloneTableN copies exactly n slots from table into a fresh block,
// skipping the discovery heuristic when the caller already knows the
// table's length.
func CloneTableN(table uintptr, n int, alloc xmem.Allocator) (*xmem.Block, int, error) {
	if n <= 0 {
		return nil, 0, fmt.Errorf("vtable: table length must be positive, got %d", n)
	}
	block, err := alloc.AllocAny(n * 8)
	if err != nil {
		return nil, 0, fmt.Errorf("vtable: cloning %d-slot table at %#x: %w", n, table, err)
	}
	src := unsafe.Slice((*uintptr)(unsafe.Pointer(table)), n)
	dst := unsafe.Slice((*uintptr)(unsafe.Pointer(block.Addr)), n)
	copy(dst, src)
	return block, n, nil
}

// cellPtr views the 8 bytes at addr as an atomically accessible pointer
// cell — the object's vptr field, or one slot of a cloned table.
func cellPtr(addr uintptr) *unsafe.Pointer {
	return (*unsafe.Pointer)(unsafe.Pointer(addr))
}

// Slot is a type-tagged descriptor for one overridden virtual slot, the
// way PolyHook2's VFunc<I,FuncPtr> pairs a compile-time slot index with
// its function pointer type. Go generics get us partway to PolyHook2's
// compile-time pairing; OriginalAs below keeps a runtime assertion as a
// defense against a mismatched cast, since Slot's index and a Hook's
// actual hooked index are otherwise two independent values.
type Slot[F any] struct {
	Index int
}

// NewSlot builds a Slot tagged with the function pointer type F, for the
// slot at index.
func NewSlot[F any](index int) Slot[F] {
	return Slot[F]{Index: index}
}

// OriginalAs reinterprets h's saved original slot value as a Go function
// value of type F, identified by slot. It panics if slot.Index was not one
// of the slots h was actually installed on.
func OriginalAs[F any](h *Hook, slot Slot[F]) F {
	original, ok := h.originals[slot.Index]
	if !ok {
		panic("vtable: slot index does not match any slot the hook was installed on")
	}
	// A Go func value points at a cell whose first word is the code
	// address, so the original is boxed in such a cell before being stored.
	entry := new(uintptr)
	*entry = original
	var fn F
	*(*unsafe.Pointer)(unsafe.Pointer(&fn)) = unsafe.Pointer(entry)
	return fn
}

// Hook swaps one or more virtual slots for a single object instance: it
// clones the instance's current table, overwrites every redirected slot in
// the clone, and performs exactly one atomic repoint of the instance's
// vptr cell at the clone, so a caller that redirects several slots at once
// sees them all take effect together (spec §4.F's redirect map) and any
// slot left out of the map keeps reading through to the original table's
// implementation.
type Hook struct {
	vptrCell      uintptr
	originalTable uintptr
	clone         *xmem.Block
	originals     map[int]uintptr
	installed     bool
}

// Install hooks slot of the object whose vptr field starts at instance
// (almost always the object's own address, per the Itanium/MSVC ABI
// convention of storing the vptr as the first machine word). It is a
// single-entry convenience wrapper around InstallMany.
func Install(instance uintptr, slot int, replacement uintptr, alloc xmem.Allocator) (*Hook, error) {
	return InstallMany(instance, map[int]uintptr{slot: replacement}, alloc)
}

// InstallMany hooks every slot named in redirects (slot index -> new
// function address) on the object whose vptr field starts at instance. The
// instance's table is cloned once, every listed slot is overwritten in the
// clone, and the vptr cell is repointed to the clone with a single
// atomic.StorePointer, so all redirected slots become visible to callers
// simultaneously — matching §9's "builder that accepts a sequence of
// (index, fn) pairs" and the testable property that unlisted slots still
// read through to the original implementation.
func InstallMany(instance uintptr, redirects map[int]uintptr, alloc xmem.Allocator) (*Hook, error) {
	if len(redirects) == 0 {
		return nil, fmt.Errorf("vtable: redirects must be non-empty")
	}
	originalTable := uintptr(*cellPtr(instance))
	block, n, err := CloneTable(originalTable, alloc)
	if err != nil {
		return nil, err
	}
	for slot := range redirects {
		if slot < 0 || slot >= n {
			block.Free()
			return nil, fmt.Errorf("vtable: slot %d out of range for a %d-slot table: %w", slot, n, ErrInvalidSlot)
		}
	}

	cloneSlots := unsafe.Slice((*uintptr)(unsafe.Pointer(block.Addr)), n)
	originals := make(map[int]uintptr, len(redirects))
	for slot, replacement := range redirects {
		originals[slot] = cloneSlots[slot]
		cloneSlots[slot] = replacement
	}

	atomic.StorePointer(cellPtr(instance), unsafe.Pointer(block.Addr))
	logger.Printf("instance %#x: vptr %#x -> clone %#x (%d slot(s) redirected)", instance, originalTable, block.Addr, len(redirects))

	return &Hook{
		vptrCell:      instance,
		originalTable: originalTable,
		clone:         block,
		originals:     originals,
		installed:     true,
	}, nil
}

// Uninstall restores the instance's vptr to the original table and frees
// the clone. Idempotent.
func (h *Hook) Uninstall() error {
	if h == nil || !h.installed {
		return nil
	}
	atomic.StorePointer(cellPtr(h.vptrCell), unsafe.Pointer(h.originalTable))
	logger.Printf("instance %#x: vptr restored to %#x, freeing clone", h.vptrCell, h.originalTable)
	h.installed = false
	return h.clone.Free()
}

// Original returns the address the hooked slot held before Install. It
// panics if h redirects more than one slot; use OriginalAt for a
// multi-slot Hook built with InstallMany.
func (h *Hook) Original() uintptr {
	if len(h.originals) != 1 {
		panic("vtable: Original is only valid for a single-slot Hook; use OriginalAt")
	}
	for _, original := range h.originals {
		return original
	}
	panic("unreachable")
}

// OriginalAt returns the address slot held before it was overwritten in
// the clone. It panics if slot was not one of the redirected slots.
func (h *Hook) OriginalAt(slot int) uintptr {
	original, ok := h.originals[slot]
	if !ok {
		panic("vtable: slot was not redirected by this hook")
	}
	return original
}

// SharedInstance swaps one slot across every instance known to share a
// table, by patching each registered instance's vptr cell to the same
// clone — grounded on PolyHook2's SharedVTableSwapHook, which exists
// because cloning per-instance would be wasteful (and incorrect: two
// instances sharing a table are meant to keep sharing it) when many
// objects of the same class are hooked together.
type SharedInstance struct {
	originalTable uintptr
	clone         *xmem.Block
	slotIndex     int
	originalSlot  uintptr
	cells         []uintptr
	installed     bool
}

// NewSharedInstance clones table, overwrites slot in the clone, and
// prepares to redirect instance vptr cells added via AddInstance. It does
// not patch any instance until AddInstance is called.
func NewSharedInstance(table uintptr, slot int, replacement uintptr, alloc xmem.Allocator) (*SharedInstance, error) {
	block, n, err := CloneTable(table, alloc)
	if err != nil {
		return nil, err
	}
	if slot < 0 || slot >= n {
		block.Free()
		return nil, fmt.Errorf("vtable: slot %d out of range for a %d-slot table: %w", slot, n, ErrInvalidSlot)
	}
	cloneSlots := unsafe.Slice((*uintptr)(unsafe.Pointer(block.Addr)), n)
	originalSlot := cloneSlots[slot]
	cloneSlots[slot] = replacement

	return &SharedInstance{
		originalTable: table,
		clone:         block,
		slotIndex:     slot,
		originalSlot:  originalSlot,
		installed:     true,
	}, nil
}

// AddInstance redirects one more object's vptr cell to the shared clone.
func (h *SharedInstance) AddInstance(instanceVptrCell uintptr) error {
	if !h.installed {
		return fmt.Errorf("vtable: AddInstance after Uninstall")
	}
	atomic.StorePointer(cellPtr(instanceVptrCell), unsafe.Pointer(h.clone.Addr))
	h.cells = append(h.cells, instanceVptrCell)
	return nil
}

// Uninstall restores every added instance's vptr and frees the clone.
func (h *SharedInstance) Uninstall() error {
	if h == nil || !h.installed {
		return nil
	}
	for _, cell := range h.cells {
		atomic.StorePointer(cellPtr(cell), unsafe.Pointer(h.originalTable))
	}
	logger.Printf("restored %d instance(s) to table %#x, freeing shared clone", len(h.cells), h.originalTable)
	h.installed = false
	return h.clone.Free()
}

// Original returns the address the hooked slot held before it was
// overwritten in the clone.
func (h *SharedInstance) Original() uintptr { return h.originalSlot }

// RefCountedInstance wraps a SharedInstance with a reference count, so a
// swap installed on behalf of several independent owners is only actually
// torn down once every owner has released it — grounded on PolyHook2's
// ComVTableSwapHook, which defers unhooking a COM object's vtable until
// its own AddRef/Release bookkeeping reaches zero.
type RefCountedInstance struct {
	shared *SharedInstance
	refs   int32
}

// NewRefCountedInstance wraps shared with an initial reference count of 1.
func NewRefCountedInstance(shared *SharedInstance) *RefCountedInstance {
	return &RefCountedInstance{shared: shared, refs: 1}
}

// AddRef increments the reference count and returns its new value.
func (r *RefCountedInstance) AddRef() int32 {
	return atomic.AddInt32(&r.refs, 1)
}

// Release decrements the reference count, tearing down the underlying
// swap once it reaches zero. Returns the count after decrementing.
func (r *RefCountedInstance) Release() (int32, error) {
	n := atomic.AddInt32(&r.refs, -1)
	if n == 0 {
		return n, r.shared.Uninstall()
	}
	if n < 0 {
		return n, fmt.Errorf("vtable: Release called more times than AddRef")
	}
	return n, nil
}
