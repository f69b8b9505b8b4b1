//go:build unix || windows

package flock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryLock_ExclusiveAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "res.lock")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, TryLock(a))
	require.ErrorIs(t, TryLock(b), ErrWouldBlock)

	require.NoError(t, Unlock(a))
	require.NoError(t, TryLock(b))
	require.NoError(t, Unlock(b))
}
