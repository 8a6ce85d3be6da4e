//go:build linux

package osport

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pageSize caches the host page size; protection changes must be applied
// to whole pages.
var pageSize = os.Getpagesize()

func pageAlign(addr uintptr, size int) (uintptr, int) {
	start := addr &^ uintptr(pageSize-1)
	end := (addr + uintptr(size) + uintptr(pageSize) - 1) &^ uintptr(pageSize-1)
	return start, int(end - start)
}

// setProtection applies want to the page(s) covering [addr, addr+size) and
// returns the protection that was in effect beforehand, read from
// /proc/self/maps since mprotect(2) itself does not report the prior value.
func setProtection(addr uintptr, size int, want Protection) (Protection, error) {
	prior, err := currentProtection(addr)
	if err != nil {
		return 0, err
	}

	pageAddr, pageSz := pageAlign(addr, size)
	prot := toUnixProt(unionProtection(prior, want))
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageAddr)), pageSz)
	if err := unix.Mprotect(page, prot); err != nil {
		return 0, fmt.Errorf("mprotect(%#x, %d, %v): %w", addr, size, want, err)
	}
	return prior, nil
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

// currentProtection scans /proc/self/maps for the mapping covering addr
// and parses its "rwxp" permission string. This is the Linux-only way to
// observe a page's current protection, since mprotect(2) does not return
// the prior value the way Windows' VirtualProtect does.
func currentProtection(addr uintptr) (Protection, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return 0, fmt.Errorf("osport: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lo, hi, ok := parseRange(fields[0])
		if !ok || addr < lo || addr >= hi {
			continue
		}
		perms := fields[1]
		var p Protection
		if strings.Contains(perms, "r") {
			p |= ProtRead
		}
		if strings.Contains(perms, "w") {
			p |= ProtWrite
		}
		if strings.Contains(perms, "x") {
			p |= ProtExec
		}
		return p, nil
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("osport: scan /proc/self/maps: %w", err)
	}
	return 0, fmt.Errorf("osport: no mapping found covering %#x", addr)
}

func parseRange(field string) (lo, hi uintptr, ok bool) {
	parts := strings.SplitN(field, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	a, err1 := strconv.ParseUint(parts[0], 16, 64)
	b, err2 := strconv.ParseUint(parts[1], 16, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uintptr(a), uintptr(b), true
}

// flushInstructionCache is a no-op on x86/x64: the architecture guarantees
// instruction-cache coherency with data writes to the same linear address,
// so no explicit flush instruction is required after patching code.
func flushInstructionCache(addr uintptr, size int) {
	_ = addr
	_ = size
}
