// Package iox provides I/O helpers for resource cleanup.
package iox

import (
	"io"
	"os"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup and b.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// DiscardErr calls fn and discards the returned error.
// Use for non-Close cleanup calls (e.g. Flush) where errors are unactionable:
//
//	defer iox.DiscardErr(w.Flush)
func DiscardErr(fn func() error) { _ = fn() }

// RemoveAll removes path recursively and reports the error to onErr instead
// of propagating it. Scratch-directory cleanup must never fail a run:
//
//	defer iox.RemoveAll(dir, func(err error) { logger.Warn(...) })
func RemoveAll(path string, onErr func(error)) {
	if err := os.RemoveAll(path); err != nil && onErr != nil {
		onErr(err)
	}
}
