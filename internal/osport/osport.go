// Package osport is the OS port consumed by the detour engines (spec §6):
// scoped page-protection changes and an instruction-cache-flush hook.
package osport

import "fmt"

// Protection is a bitmask of page permissions, independent of the host OS's
// native representation.
type Protection int

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) String() string {
	s := ""
	if p&ProtRead != 0 {
		s += "R"
	}
	if p&ProtWrite != 0 {
		s += "W"
	}
	if p&ProtExec != 0 {
		s += "X"
	}
	if s == "" {
		return "-"
	}
	return s
}

// WithProtection changes the protection of the page(s) covering
// [addr, addr+size) to the union of the current protection and want, runs
// body, then restores the exact prior protection — on every exit path,
// including a panic unwinding through body. If the protection change
// itself fails, it reports the failure and does not invoke body, per
// spec §4.A.
func WithProtection(addr uintptr, size int, want Protection, body func() error) (err error) {
	if size <= 0 {
		return fmt.Errorf("osport: size must be positive, got %d", size)
	}

	prior, setErr := setProtection(addr, size, want)
	if setErr != nil {
		return &ProtectionError{Addr: addr, Size: size, Err: setErr}
	}
	logger.Printf("%#x (%d bytes): %s -> %s", addr, size, prior, unionProtection(prior, want))

	restored := false
	defer func() {
		if restored {
			return
		}
		if _, restoreErr := setProtection(addr, size, prior); restoreErr != nil && err == nil {
			err = &ProtectionError{Addr: addr, Size: size, Err: restoreErr}
		}
	}()

	err = body()
	if _, restoreErr := setProtection(addr, size, prior); restoreErr != nil {
		restored = true
		if err == nil {
			err = &ProtectionError{Addr: addr, Size: size, Err: restoreErr}
		}
	} else {
		restored = true
		logger.Printf("%#x (%d bytes): restored -> %s", addr, size, prior)
	}
	return err
}

// ProtectionError wraps an OS-level failure to change page protection.
type ProtectionError struct {
	Addr uintptr
	Size int
	Err  error
}

func (e *ProtectionError) Error() string {
	return fmt.Sprintf("osport: protection change at %#x (%d bytes) failed: %v", e.Addr, e.Size, e.Err)
}

func (e *ProtectionError) Unwrap() error { return e.Err }

// FlushInstructionCache flushes the instruction cache for [addr, addr+size)
// after code at that range has been written, per spec §5 ("writes to
// instruction memory are followed by an explicit instruction-cache flush").
func FlushInstructionCache(addr uintptr, size int) {
	flushInstructionCache(addr, size)
}

// unionProtection computes the OS-native protection flags that are the
// union of the current and requested permissions, so that writers who
// need RW on a RX page get RWX rather than losing the X bit (and vice
// versa for writers who want to add X).
func unionProtection(current, want Protection) Protection {
	return current | want
}
