// Copyright 2024 The detour Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package detour provides runtime function interception on x86/x64: inline
// prologue detours, C++-style virtual dispatch table swapping, and a JIT
// marshalling stub that lets native code call back into a uniform
// Parameter Array.
package detour

import (
	"github.com/go-interpreter/detour/callback"
	"github.com/go-interpreter/detour/inline"
	"github.com/go-interpreter/detour/internal/decode"
	"github.com/go-interpreter/detour/internal/xmem"
	"github.com/go-interpreter/detour/vtable"
)

// defaultAllocator is shared by every top-level Install call; engines that
// need isolated allocators (tests, multiple independent detour managers)
// use the internal packages directly instead of this package.
var defaultAllocator = &xmem.MMapAllocator{}

// defaultDecoder decodes the host's native word size. Override by calling
// the inline package directly if a process ever needs to hook 32-bit code
// running under WoW64 or similar.
var defaultDecoder = decode.X86Decoder{Mode: 64}

// Handle is a client-facing inline detour: the target address, its
// trampoline, and registry membership bundled together so Uninstall needs
// no extra bookkeeping from the caller.
type Handle struct {
	target uintptr
	hook   *inline.Hook
}

// InstallInline hooks target so control transfers to replacement,
// returning a Handle that exposes the unmodified original via Original or
// OriginalAs. It fails with ErrAlreadyHooked if target is already
// registered.
func InstallInline(target, replacement uintptr) (*Handle, error) {
	hook, err := inline.Install(target, replacement, defaultDecoder, defaultAllocator)
	if err != nil {
		return nil, err
	}
	if err := register(target, hook.Uninstall); err != nil {
		hook.Uninstall()
		return nil, err
	}
	return &Handle{target: target, hook: hook}, nil
}

// Original returns the trampoline entry point that runs the target's
// original prologue followed by the rest of its unmodified body.
func (h *Handle) Original() uintptr { return h.hook.Original() }

// Uninstall restores target's original bytes and releases the trampoline.
// Idempotent.
func (h *Handle) Uninstall() error {
	err := h.hook.Uninstall()
	unregister(h.target)
	return err
}

// OriginalAs reinterprets h's trampoline entry as a Go function value of
// type F, which must describe a function matching the target's native
// calling convention.
func OriginalAs[F any](h *Handle) F {
	return inline.OriginalAs[F](h.hook)
}

// VHandle is a client-facing single-instance vtable hook.
type VHandle struct {
	instance uintptr
	hook     *vtable.Hook
}

// InstallVTable hooks slot of the virtual dispatch table reachable from
// instance (the object's address, whose first machine word the ABI
// defines as its vptr). It fails with ErrAlreadyHooked if the instance's
// vptr cell address is already registered.
func InstallVTable(instance uintptr, slot int, replacement uintptr) (*VHandle, error) {
	return InstallVTableMany(instance, map[int]uintptr{slot: replacement})
}

// InstallVTableMany hooks every slot named in redirects (slot index -> new
// function address) on the virtual dispatch table reachable from instance,
// as a single atomic clone-and-swap: every listed slot takes effect
// together, and any slot left out of redirects keeps reading through to
// the original table. It fails with ErrAlreadyHooked if the instance's
// vptr cell address is already registered.
func InstallVTableMany(instance uintptr, redirects map[int]uintptr) (*VHandle, error) {
	hook, err := vtable.InstallMany(instance, redirects, defaultAllocator)
	if err != nil {
		return nil, err
	}
	if err := register(instance, hook.Uninstall); err != nil {
		hook.Uninstall()
		return nil, err
	}
	return &VHandle{instance: instance, hook: hook}, nil
}

// Original returns the address the hooked slot held before Install. It
// panics if h redirects more than one slot; use OriginalAt instead.
func (h *VHandle) Original() uintptr { return h.hook.Original() }

// OriginalAt returns the address slot held before InstallVTableMany
// overwrote it in the clone.
func (h *VHandle) OriginalAt(slot int) uintptr { return h.hook.OriginalAt(slot) }

// Uninstall restores the instance's original vtable pointer. Idempotent.
func (h *VHandle) Uninstall() error {
	err := h.hook.Uninstall()
	unregister(h.instance)
	return err
}

// MakeCallback emits a native marshalling stub for sig that forwards its
// arguments, packed into a Parameter Array, to userCallback.
func MakeCallback(sig callback.FuncSignature, userCallback uintptr) (uintptr, error) {
	return callback.MakeCallback(sig, userCallback, defaultAllocator)
}
