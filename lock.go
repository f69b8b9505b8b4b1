package vigil

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/UniQw/vigil/internal/flock"
	ikeys "github.com/UniQw/vigil/internal/keys"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultLockPoll = 20 * time.Millisecond

// Lease is a held exclusive lock.
type Lease interface {
	Release() error
}

// Locker hands out mutual-exclusion leases keyed by a resource name. The
// contract is identical for every backend: block up to timeout, then fail
// with ErrLockTimeout so the caller can skip this cycle.
type Locker interface {
	Acquire(ctx context.Context, resource string, timeout time.Duration) (Lease, error)
}

// WithExclusiveLock runs fn while holding the lock for resource. The lease is
// released on every exit path, panics included.
func WithExclusiveLock(ctx context.Context, l Locker, resource string, timeout time.Duration, fn func() error) (err error) {
	lease, err := l.Acquire(ctx, resource, timeout)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// pollUntil retries try every poll interval until it reports success, the
// timeout elapses or ctx is cancelled.
func pollUntil(ctx context.Context, timeout, poll time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockTimeout
		}
		wait := poll
		if left := time.Until(deadline); left < wait {
			wait = left
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// FileLocker uses OS advisory locks on sidecar files under dir. It works
// across processes sharing the vault as well as across goroutines.
type FileLocker struct {
	dir  string
	poll time.Duration
}

// NewFileLocker creates a locker keeping its lock files in dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir, poll: defaultLockPoll}
}

// Acquire implements Locker.
func (l *FileLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Lease, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "vigil: create lock dir %s", l.dir)
	}
	path := filepath.Join(l.dir, SanitizeID(resource)+".lock")
	f, err := flock.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "vigil: open lock %s", path)
	}
	err = pollUntil(ctx, timeout, l.poll, func() (bool, error) {
		switch err := flock.TryLock(f); {
		case err == nil:
			return true, nil
		case errors.Is(err, flock.ErrWouldBlock):
			return false, nil
		default:
			return false, errors.Wrapf(err, "vigil: lock %s", path)
		}
	})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileLease{f: f}, nil
}

type fileLease struct {
	f *os.File
}

func (l *fileLease) Release() error {
	if l.f == nil {
		return nil
	}
	uerr := flock.Unlock(l.f)
	cerr := l.f.Close()
	l.f = nil
	if uerr != nil {
		return uerr
	}
	return cerr
}

// releaseScript deletes the lock key only if it still holds our token.
var releaseScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
	`,
)

// RedisLocker implements Locker with SET NX PX tokens. The TTL bounds how long
// a crashed holder can block others.
type RedisLocker struct {
	rdb  redis.UniversalClient
	ns   ikeys.Namespace
	ttl  time.Duration
	poll time.Duration
}

// NewRedisLocker creates a locker; ttl <= 0 defaults to 30s.
func NewRedisLocker(rdb redis.UniversalClient, namespace string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{rdb: rdb, ns: ikeys.For(namespace), ttl: ttl, poll: defaultLockPoll}
}

// Acquire implements Locker.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, timeout time.Duration) (Lease, error) {
	key := l.ns.Lock(resource)
	token := uuid.NewString()
	err := pollUntil(ctx, timeout, l.poll, func() (bool, error) {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return false, errors.Wrapf(err, "vigil: lock %s", resource)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{rdb: l.rdb, key: key, token: token}, nil
}

type redisLease struct {
	rdb   redis.UniversalClient
	key   string
	token string
}

func (l *redisLease) Release() error {
	return releaseScript.Run(context.Background(), l.rdb, []string{l.key}, l.token).Err()
}
