// Package flock wraps the platform advisory file lock primitive behind one
// non-blocking call. Locks belong to the open file, so two opens of the same
// path conflict even inside one process.
package flock

import (
	"errors"
	"os"
)

// ErrWouldBlock is returned by TryLock when another holder owns the lock.
var ErrWouldBlock = errors.New("flock: would block")

// ErrUnsupported is returned on platforms without an advisory lock primitive.
var ErrUnsupported = errors.New("flock: unsupported platform")

// Open opens (creating if needed) the lock file at path.
func Open(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
}
