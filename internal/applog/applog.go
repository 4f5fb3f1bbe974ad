// Package applog is the adapter's structured logging singleton. It mirrors
// the logger package shape used elsewhere in the corpus: a package-level
// *slog.Logger guarded by a mutex, lazily initialized, with WithSession and
// WithComponent child-logger helpers so every component logs with
// consistent structured fields instead of calling fmt.Printf.
package applog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	mu       sync.Mutex
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	initDone bool
)

// SetDebug toggles debug-level logging. Driven by the --trace CLI flag.
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// SetLevel parses the ACP_LOG_LEVEL environment knob ("debug", "info",
// "warn", "error"); unrecognized values are ignored.
func SetLevel(name string) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return
	}
	levelVar.Set(level)
}

func ensureInit() {
	if initDone {
		return
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true
}

// Init redirects the logger to w instead of stderr. Used by tests.
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar})
	root = slog.New(handler)
	initDone = true
}

// Get returns the root logger, initializing it against stderr if needed.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	ensureInit()
	return root
}

// WithSession returns a child logger tagged with a sessionId field.
func WithSession(sessionID string) *slog.Logger {
	return Get().With("sessionId", sessionID)
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(component string) *slog.Logger {
	return Get().With("component", component)
}

// Reset restores default state; used by tests that need isolation.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	root = nil
	initDone = false
	levelVar.Set(slog.LevelInfo)
}
