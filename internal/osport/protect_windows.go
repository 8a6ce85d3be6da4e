//go:build windows

package osport

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// setProtection applies the union of the current protection (read with
// VirtualQuery) and want to [addr, addr+size) via VirtualProtect, which
// — unlike POSIX mprotect(2) — directly reports the protection that was in
// effect beforehand, so no /proc-style lookup is needed here.
func setProtection(addr uintptr, size int, want Protection) (Protection, error) {
	var info windows.MemoryBasicInformation
	if err := windows.VirtualQuery(addr, &info, unsafe.Sizeof(info)); err != nil {
		return 0, fmt.Errorf("VirtualQuery(%#x): %w", addr, err)
	}
	var old uint32
	newProt := toWindowsProt(unionProtection(fromWindowsProt(info.Protect), want))
	if err := windows.VirtualProtect(addr, uintptr(size), newProt, &old); err != nil {
		return 0, fmt.Errorf("VirtualProtect(%#x, %d, %#x): %w", addr, size, newProt, err)
	}
	return fromWindowsProt(old), nil
}

func toWindowsProt(p Protection) uint32 {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0 && p&ProtRead != 0:
		return windows.PAGE_EXECUTE_READ
	case p&ProtExec != 0:
		return windows.PAGE_EXECUTE
	case p&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case p&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func fromWindowsProt(prot uint32) Protection {
	switch prot {
	case windows.PAGE_EXECUTE_READWRITE:
		return ProtRead | ProtWrite | ProtExec
	case windows.PAGE_EXECUTE_READ:
		return ProtRead | ProtExec
	case windows.PAGE_EXECUTE:
		return ProtExec
	case windows.PAGE_READWRITE:
		return ProtRead | ProtWrite
	case windows.PAGE_READONLY:
		return ProtRead
	default:
		return 0
	}
}

// flushInstructionCache calls the Win32 FlushInstructionCache API, the
// platform call spec §5 requires after writing instruction memory. This
// is the one supported platform where the cache-coherency story is not
// simply "no-op": Windows on ARM64 is not coherent, and calling the real
// API keeps this port correct if ported there, even though detour's
// scope (spec §1 Non-goals) is x86/x64 only.
func flushInstructionCache(addr uintptr, size int) {
	h, err := windows.GetCurrentProcess()
	if err != nil {
		return
	}
	_ = windows.FlushInstructionCache(h, addr, uintptr(size))
}
