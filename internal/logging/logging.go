// Package logging provides the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu      sync.Mutex
	base    zerolog.Logger
	initted bool
)

// Configure sets up the process-wide logger to write to w (typically a
// rotating file handle) at the given level. Must be called once before
// WithComponent is used; safe to call again in tests.
func Configure(w io.Writer, debug bool) {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if w == nil {
		w = os.Stderr
	}
	base = zerolog.New(w).With().Timestamp().Logger()
	initted = true
}

// WithComponent returns a logger tagged with the given subsystem name.
// Falls back to a stderr logger if Configure was never called, so that
// package-level var initialization (which often calls WithComponent) never
// panics on a nil logger.
func WithComponent(name string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !initted {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
		initted = true
	}
	return base.With().Str("component", name).Logger()
}
