package xmem

import (
	"io"
	"log"
	"os"
)

var logger = log.New(io.Discard, "xmem: ", 0)

// SetDebugMode toggles whether the allocator logs each mmap call and
// bump-allocation it performs.
func SetDebugMode(debug bool) {
	out := io.Writer(io.Discard)
	if debug {
		out = os.Stderr
	}
	logger = log.New(out, "xmem: ", 0)
}
