package osport

import (
	"io"
	"log"
	"os"
)

// logger narrates protection changes when debug logging is enabled,
// matching wagon's wasm/log.go pattern: a package-level *log.Logger that
// discards output until SetDebugMode(true) is called.
var logger = log.New(io.Discard, "osport: ", 0)

// SetDebugMode toggles whether WithProtection logs each protection change
// it makes and restores.
func SetDebugMode(debug bool) {
	out := io.Writer(io.Discard)
	if debug {
		out = os.Stderr
	}
	logger = log.New(out, "osport: ", 0)
}
