//go:build !unix && !windows

package flock

import "os"

func TryLock(*os.File) error { return ErrUnsupported }

func Unlock(*os.File) error { return ErrUnsupported }
