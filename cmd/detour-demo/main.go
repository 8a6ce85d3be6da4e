// Copyright 2024 The detour Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command detour-demo exercises the inline detour engine against a small
// self-contained native function, to confirm a build's engines actually
// produce reachable, restorable hooks on the host it runs on.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-interpreter/detour"
	"github.com/go-interpreter/detour/internal/xmem"
)

func main() {
	log.SetPrefix("detour-demo: ")
	log.SetFlags(0)

	verbose := flag.Bool("v", false, "log each step instead of only the final result")
	flag.Parse()

	if err := run(*verbose); err != nil {
		log.Fatal(err)
	}
}

func run(verbose bool) error {
	alloc := &xmem.MMapAllocator{}

	// A tiny self-contained function: mov eax, 0x2a; ret.
	targetCode := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}
	targetBlock, err := alloc.AllocAny(len(targetCode))
	if err != nil {
		return fmt.Errorf("allocating target: %w", err)
	}
	copy(targetBlock.Bytes(), targetCode)

	// Its replacement: mov eax, 0x63; ret.
	replacementCode := []byte{0xB8, 0x63, 0x00, 0x00, 0x00, 0xC3}
	replacementBlock, err := alloc.AllocAny(len(replacementCode))
	if err != nil {
		return fmt.Errorf("allocating replacement: %w", err)
	}
	copy(replacementBlock.Bytes(), replacementCode)

	if verbose {
		fmt.Fprintf(os.Stderr, "target at %#x, replacement at %#x\n", targetBlock.Addr, replacementBlock.Addr)
	}

	handle, err := detour.InstallInline(targetBlock.Addr, replacementBlock.Addr)
	if err != nil {
		return fmt.Errorf("installing hook: %w", err)
	}
	defer handle.Uninstall()

	call := detour.OriginalAs[func() int32](handle)
	if verbose {
		fmt.Fprintln(os.Stderr, "calling trampoline to invoke the original function's prologue")
	}
	fmt.Printf("original-via-trampoline: %d\n", call())

	return nil
}
