package vtable

import (
	"testing"
	"unsafe"

	"github.com/go-interpreter/detour/internal/xmem"
)

// fakeTable builds a heap-backed array of plausible "function pointer"
// cells followed by enough zeroed cells for discoverLength's walk to stay
// within a single Go allocation.
func fakeTable(t *testing.T, slots ...uintptr) uintptr {
	t.Helper()
	backing := make([]uintptr, MaxSlots+16)
	copy(backing, slots)
	return uintptr(unsafe.Pointer(&backing[0]))
}

func TestDiscoverLength(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010, 0x401020, 0x401030)
	if n := discoverLength(table); n != 4 {
		t.Fatalf("discoverLength = %d, want 4", n)
	}
}

func TestCloneTable(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010, 0x401020)
	alloc := &xmem.MMapAllocator{}

	block, n, err := CloneTable(table, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("n = %d, want 3", n)
	}
	clone := unsafe.Slice((*uintptr)(unsafe.Pointer(block.Addr)), n)
	want := []uintptr{0x401000, 0x401010, 0x401020}
	for i := range want {
		if clone[i] != want[i] {
			t.Errorf("clone[%d] = %#x, want %#x", i, clone[i], want[i])
		}
	}
}

func TestInstallAndUninstall(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010, 0x401020, 0x401030)
	alloc := &xmem.MMapAllocator{}

	instance := struct{ vptr uintptr }{vptr: table}
	addr := uintptr(unsafe.Pointer(&instance))

	hook, err := Install(addr, 2, 0xABCDEF0, alloc)
	if err != nil {
		t.Fatal(err)
	}
	if instance.vptr == table {
		t.Fatal("instance vptr was not redirected")
	}
	if hook.Original() != 0x401020 {
		t.Errorf("Original() = %#x, want 0x401020", hook.Original())
	}
	clone := unsafe.Slice((*uintptr)(unsafe.Pointer(instance.vptr)), 4)
	if clone[2] != 0xABCDEF0 {
		t.Errorf("clone[2] = %#x, want 0xabcdef0", clone[2])
	}
	// Untouched slots still read through to the original function
	// pointers, just via the clone.
	if clone[0] != 0x401000 {
		t.Errorf("clone[0] = %#x, want 0x401000", clone[0])
	}

	if err := hook.Uninstall(); err != nil {
		t.Fatal(err)
	}
	if instance.vptr != table {
		t.Errorf("instance.vptr after Uninstall = %#x, want original %#x", instance.vptr, table)
	}
	if err := hook.Uninstall(); err != nil {
		t.Fatalf("second Uninstall: %v", err)
	}
}

func TestOriginalAsPanicsOnSlotMismatch(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010, 0x401020)
	alloc := &xmem.MMapAllocator{}
	instance := struct{ vptr uintptr }{vptr: table}
	addr := uintptr(unsafe.Pointer(&instance))

	hook, err := Install(addr, 1, 0xFEED, alloc)
	if err != nil {
		t.Fatal(err)
	}
	defer hook.Uninstall()

	slot := NewSlot[func() int32](1)
	fn := OriginalAs(hook, slot)
	if fn == nil {
		t.Fatal("OriginalAs returned a nil function value")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for a mismatched slot index")
		}
	}()
	_ = OriginalAs(hook, NewSlot[func() int32](0))
}

func TestInstallManyRedirectsAllSlotsAtomically(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010, 0x401020, 0x401030)
	alloc := &xmem.MMapAllocator{}

	instance := struct{ vptr uintptr }{vptr: table}
	addr := uintptr(unsafe.Pointer(&instance))

	hook, err := InstallMany(addr, map[int]uintptr{0: 0xAAA, 2: 0xCCC}, alloc)
	if err != nil {
		t.Fatal(err)
	}
	defer hook.Uninstall()

	clone := unsafe.Slice((*uintptr)(unsafe.Pointer(instance.vptr)), 4)
	if clone[0] != 0xAAA {
		t.Errorf("clone[0] = %#x, want 0xaaa", clone[0])
	}
	if clone[2] != 0xCCC {
		t.Errorf("clone[2] = %#x, want 0xccc", clone[2])
	}
	// Slots 1 and 3 were never listed in the redirect map: they must still
	// read through to the original table's function pointers.
	if clone[1] != 0x401010 {
		t.Errorf("clone[1] = %#x, want 0x401010 (untouched)", clone[1])
	}
	if clone[3] != 0x401030 {
		t.Errorf("clone[3] = %#x, want 0x401030 (untouched)", clone[3])
	}

	if hook.OriginalAt(0) != 0x401000 {
		t.Errorf("OriginalAt(0) = %#x, want 0x401000", hook.OriginalAt(0))
	}
	if hook.OriginalAt(2) != 0x401020 {
		t.Errorf("OriginalAt(2) = %#x, want 0x401020", hook.OriginalAt(2))
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected Original() to panic on a multi-slot hook")
		}
	}()
	hook.Original()
}

func TestSharedInstanceAcrossMultipleObjects(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010)
	alloc := &xmem.MMapAllocator{}

	shared, err := NewSharedInstance(table, 1, 0xFEED, alloc)
	if err != nil {
		t.Fatal(err)
	}

	a := struct{ vptr uintptr }{vptr: table}
	b := struct{ vptr uintptr }{vptr: table}
	if err := shared.AddInstance(uintptr(unsafe.Pointer(&a))); err != nil {
		t.Fatal(err)
	}
	if err := shared.AddInstance(uintptr(unsafe.Pointer(&b))); err != nil {
		t.Fatal(err)
	}

	if a.vptr != b.vptr {
		t.Fatal("both instances should share the same clone address")
	}

	if err := shared.Uninstall(); err != nil {
		t.Fatal(err)
	}
	if a.vptr != table || b.vptr != table {
		t.Fatal("both instances should be restored to the original table")
	}
}

func TestRefCountedInstanceDefersTeardown(t *testing.T) {
	table := fakeTable(t, 0x401000, 0x401010)
	alloc := &xmem.MMapAllocator{}

	shared, err := NewSharedInstance(table, 0, 0xFEED, alloc)
	if err != nil {
		t.Fatal(err)
	}
	a := struct{ vptr uintptr }{vptr: table}
	shared.AddInstance(uintptr(unsafe.Pointer(&a)))

	rc := NewRefCountedInstance(shared)
	rc.AddRef() // refs = 2

	if n, err := rc.Release(); err != nil || n != 1 {
		t.Fatalf("Release = (%d, %v), want (1, nil)", n, err)
	}
	if a.vptr == table {
		t.Fatal("vtable should still be swapped with one outstanding reference")
	}

	if n, err := rc.Release(); err != nil || n != 0 {
		t.Fatalf("final Release = (%d, %v), want (0, nil)", n, err)
	}
	if a.vptr != table {
		t.Fatal("vtable should be restored once references reach zero")
	}
}
