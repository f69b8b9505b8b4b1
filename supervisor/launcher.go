package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/pkg/errors"
)

// Handle is a launched process. Alive never blocks.
type Handle interface {
	Pid() int
	Alive() bool
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr is the wait error after Done; nil for a clean exit.
	ExitErr() error
}

// Launcher starts processes from specs.
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Handle, error)
}

// ExecLauncher launches real OS processes.
type ExecLauncher struct {
	// Env is appended to the parent environment for every child.
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Launch implements Launcher. The child is not bound to ctx; the
// orchestrator stops it explicitly.
func (l *ExecLauncher) Launch(_ context.Context, spec ProcessSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return nil, errors.Errorf("supervisor: process %q has no command", spec.Name)
	}
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	cmd.Env = append(os.Environ(), l.Env...)
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.Interval > 0 {
		cmd.Env = append(cmd.Env, "VIGIL_INTERVAL="+spec.Interval.String())
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "supervisor: start %s", spec.Name)
	}
	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (h *execHandle) Pid() int { return h.cmd.Process.Pid }

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Signal(sig os.Signal) error {
	if !h.Alive() {
		return nil
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if !h.Alive() {
		return nil
	}
	err := h.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}
