package vigil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func lockers(t *testing.T) map[string]func() Locker {
	dir := t.TempDir()
	rdb, _ := newMiniClient(t)
	return map[string]func() Locker{
		// a fresh locker per caller models separate processes
		"file":  func() Locker { return NewFileLocker(dir) },
		"redis": func() Locker { return NewRedisLocker(rdb, "test", time.Minute) },
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, mk := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var (
				inside  atomic.Int32
				maxSeen atomic.Int32
				total   atomic.Int32
				wg      sync.WaitGroup
				errMu   sync.Mutex
				errs    []error
			)
			for i := 0; i < 6; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l := mk()
					for j := 0; j < 10; j++ {
						err := WithExclusiveLock(context.Background(), l, "shared", 5*time.Second, func() error {
							n := inside.Add(1)
							if n > maxSeen.Load() {
								maxSeen.Store(n)
							}
							total.Add(1)
							time.Sleep(time.Millisecond)
							inside.Add(-1)
							return nil
						})
						if err != nil {
							errMu.Lock()
							errs = append(errs, err)
							errMu.Unlock()
						}
					}
				}()
			}
			wg.Wait()
			require.Empty(t, errs)
			require.Equal(t, int32(1), maxSeen.Load())
			require.Equal(t, int32(60), total.Load())
		})
	}
}

func TestLockerTimeout(t *testing.T) {
	for name, mk := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			holder := mk()
			lease, err := holder.Acquire(context.Background(), "busy", time.Second)
			require.NoError(t, err)

			start := time.Now()
			_, err = mk().Acquire(context.Background(), "busy", 50*time.Millisecond)
			require.ErrorIs(t, err, ErrLockTimeout)
			require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

			// other resources are independent
			other, err := mk().Acquire(context.Background(), "idle", 50*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, other.Release())

			require.NoError(t, lease.Release())
			again, err := mk().Acquire(context.Background(), "busy", 50*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, again.Release())
		})
	}
}

func TestLockerHonorsContext(t *testing.T) {
	for name, mk := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			lease, err := mk().Acquire(context.Background(), "ctx", time.Second)
			require.NoError(t, err)
			defer lease.Release()

			ctx, cancel := context.WithCancel(context.Background())
			time.AfterFunc(20*time.Millisecond, cancel)
			_, err = mk().Acquire(ctx, "ctx", 5*time.Second)
			require.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestWithExclusiveLockReleasesOnError(t *testing.T) {
	for name, mk := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			l := mk()
			boom := errors.New("boom")
			err := WithExclusiveLock(context.Background(), l, "err", time.Second, func() error { return boom })
			require.ErrorIs(t, err, boom)

			lease, err := mk().Acquire(context.Background(), "err", 50*time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, lease.Release())
		})
	}
}

func TestRedisLeaseReleaseKeepsForeignToken(t *testing.T) {
	rdb, mr := newMiniClient(t)
	l := NewRedisLocker(rdb, "test", 100*time.Millisecond)
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)
	// the TTL frees the lock for another holder
	mr.FastForward(200 * time.Millisecond)
	fresh, err := l.Acquire(ctx, "job", time.Second)
	require.NoError(t, err)

	require.NoError(t, stale.Release())
	_, err = l.Acquire(ctx, "job", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrLockTimeout, "stale release must not drop the new holder's lock")
	require.NoError(t, fresh.Release())
}
