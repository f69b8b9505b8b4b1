package vigil

import (
	"fmt"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestFileStore(t *testing.T, opts ...StoreOption) *FileStore {
	t.Helper()
	s := NewFileStore(t.TempDir(), opts...)
	require.NoError(t, s.Init())
	return s
}

func newMiniClient(t *testing.T) (*redis.Client, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, s
}

// storeFactories runs a test against every Store implementation.
func storeFactories(t *testing.T) map[string]func(t *testing.T, opts ...StoreOption) Store {
	return map[string]func(t *testing.T, opts ...StoreOption) Store{
		"file": func(t *testing.T, opts ...StoreOption) Store { return newTestFileStore(t, opts...) },
		"redis": func(t *testing.T, opts ...StoreOption) Store {
			rdb, _ := newMiniClient(t)
			return NewRedisStore(rdb, "test", opts...)
		},
	}
}

func newRecord(kind Kind, id string, stage Stage) *Record {
	return &Record{ID: id, Kind: kind, Stage: stage, Fields: map[string]string{"title": id}, Body: "# " + id + "\n"}
}

// recordingLogger keeps every formatted line by level.
type recordingLogger struct {
	mu    sync.Mutex
	lines map[string][]string
}

func (l *recordingLogger) add(level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lines == nil {
		l.lines = make(map[string][]string)
	}
	l.lines[level] = append(l.lines[level], fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Debugf(format string, args ...any) { l.add("debug", format, args...) }
func (l *recordingLogger) Infof(format string, args ...any)  { l.add("info", format, args...) }
func (l *recordingLogger) Warnf(format string, args ...any)  { l.add("warn", format, args...) }
func (l *recordingLogger) Errorf(format string, args ...any) { l.add("error", format, args...) }

func (l *recordingLogger) at(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines[level]...)
}
