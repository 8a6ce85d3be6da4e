//go:build darwin

package osport

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

func pageAlign(addr uintptr, size int) (uintptr, int) {
	start := addr &^ uintptr(pageSize-1)
	end := (addr + uintptr(size) + uintptr(pageSize) - 1) &^ uintptr(pageSize-1)
	return start, int(end - start)
}

// setProtection applies want to the covering page(s) and returns the
// caller-assumed prior protection. Darwin exposes no cheap equivalent of
// /proc/self/maps for an arbitrary address, so unlike protect_linux.go this
// assumes the common case for JIT/detour targets (RX) when the allocator
// does not already track the block; callers that allocated through xmem
// should prefer tracking protection themselves where precision matters.
func setProtection(addr uintptr, size int, want Protection) (Protection, error) {
	const assumedPrior = ProtRead | ProtExec

	pageAddr, pageSz := pageAlign(addr, size)
	prot := toUnixProt(unionProtection(assumedPrior, want))
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), pageSz)
	if err := unix.Mprotect(page, prot); err != nil {
		return 0, fmt.Errorf("mprotect(%#x, %d, %v): %w", addr, size, want, err)
	}
	return assumedPrior, nil
}

func toUnixProt(p Protection) int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// flushInstructionCache is a no-op on x86/x64, which keeps the I-cache
// coherent with data writes to the same linear address.
func flushInstructionCache(addr uintptr, size int) {
	_ = addr
	_ = size
}
