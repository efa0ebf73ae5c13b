// Package logging is the structured-logging facade shared by every
// package in this module. It wraps zerolog the same way the rest of the
// module wraps its other third-party dependencies: a small surface
// tailored to what callers actually need, with a library default that
// callers can override wholesale.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger = zerolog.New(io.Discard).With().Timestamp().Logger()
)

// SetLogger replaces the package-wide logger. Libraries are silent by
// default (io.Discard); applications embedding this module call SetLogger
// once at startup to route index diagnostics into their own logging
// pipeline.
func SetLogger(l zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
}

// SetConsoleWriter is a convenience for local development: human-readable
// output to stderr instead of the silent default.
func SetConsoleWriter() {
	SetLogger(zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger())
}

// Get returns the current package-wide logger.
func Get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Component returns a child logger tagged with a "component" field, used
// to distinguish diagnostics from the B+Tree, ART, hash table, and shared
// concurrency subsystems in a single application's log stream.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}
