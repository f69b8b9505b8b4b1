package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"
)

type fakeHandle struct {
	pid        int
	done       chan struct{}
	once       sync.Once
	ignoreTerm bool

	mu      sync.Mutex
	signals []os.Signal
	killed  bool
	err     error
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

func (h *fakeHandle) Pid() int { return h.pid }

func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	if !h.ignoreTerm {
		h.exit(nil)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.mu.Lock()
	h.killed = true
	h.mu.Unlock()
	h.exit(errors.New("signal: killed"))
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

// fakeLauncher starts fake processes. Names in crash exit immediately with
// status 1; names in stubborn ignore the graceful signal.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPid  int
	crash    map[string]bool
	stubborn map[string]bool
	fail     map[string]error
	launches map[string]int
	handles  map[string][]*fakeHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPid:  1000,
		crash:    map[string]bool{},
		stubborn: map[string]bool{},
		fail:     map[string]error{},
		launches: map[string]int{},
		handles:  map[string][]*fakeHandle{},
	}
}

func (l *fakeLauncher) Launch(_ context.Context, spec ProcessSpec) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches[spec.Name]++
	if err := l.fail[spec.Name]; err != nil {
		return nil, err
	}
	l.nextPid++
	h := newFakeHandle(l.nextPid)
	h.ignoreTerm = l.stubborn[spec.Name]
	if l.crash[spec.Name] {
		h.exit(errors.New("exit status 1"))
	}
	l.handles[spec.Name] = append(l.handles[spec.Name], h)
	return h, nil
}

func (l *fakeLauncher) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches[name]
}

func (l *fakeLauncher) last(name string) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	hs := l.handles[name]
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
