package supervisor

import (
	"context"
	"os"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/internal/proc"
)

// WatchdogConfig defines how the orchestrator is kept alive.
type WatchdogConfig struct {
	// Orchestrator is the command that runs the orchestrator.
	Orchestrator ProcessSpec
	// PidFile is written by the orchestrator; a live pid there is adopted
	// instead of launching a second orchestrator.
	PidFile string
	// Interval between checks. Default 30s.
	Interval time.Duration
	// StopGrace bounds the shutdown of an orchestrator the watchdog launched.
	StopGrace time.Duration
	Logger    vigil.Logger
	// Alive checks a pid; defaults to proc.Alive.
	Alive func(pid int) bool
}

// Watchdog restarts the orchestrator whenever it is gone. Nothing watches
// the watchdog; run it under the platform service manager.
type Watchdog struct {
	cfg      WatchdogConfig
	launcher Launcher
	log      vigil.Logger

	child    Handle
	adopted  int
	launches int
}

// NewWatchdog creates a watchdog.
func NewWatchdog(cfg WatchdogConfig, launcher Launcher) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 15 * time.Second
	}
	if cfg.Alive == nil {
		cfg.Alive = proc.Alive
	}
	if cfg.Orchestrator.Name == "" {
		cfg.Orchestrator.Name = "orchestrator"
	}
	log := cfg.Logger
	if log == nil {
		log = vigil.NopLogger{}
	}
	return &Watchdog{cfg: cfg, launcher: launcher, log: log}
}

// Launches returns how many times the watchdog started the orchestrator.
func (w *Watchdog) Launches() int { return w.launches }

// Check verifies the orchestrator is alive and launches it otherwise. It
// reports whether a launch happened.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	if w.child != nil {
		if w.child.Alive() {
			return false, nil
		}
		w.log.Warnf("orchestrator exited: pid=%d exit=%s", w.child.Pid(), exitString(w.child))
		w.child = nil
	}
	if pid := w.pidFromFile(); pid > 0 && pid != os.Getpid() && w.cfg.Alive(pid) {
		if w.adopted != pid {
			w.log.Infof("adopted running orchestrator: pid=%d", pid)
			w.adopted = pid
		}
		return false, nil
	}
	if w.adopted != 0 {
		w.log.Warnf("adopted orchestrator gone: pid=%d", w.adopted)
		w.adopted = 0
	}
	h, err := w.launcher.Launch(ctx, w.cfg.Orchestrator)
	if err != nil {
		return false, err
	}
	w.child = h
	w.launches++
	w.log.Infof("orchestrator launched: pid=%d launches=%d", h.Pid(), w.launches)
	return true, nil
}

func (w *Watchdog) pidFromFile() int {
	if w.cfg.PidFile == "" {
		return 0
	}
	pid, err := proc.ReadPidFile(w.cfg.PidFile)
	if err != nil {
		return 0
	}
	return pid
}

// Run checks on every tick until ctx is cancelled, then stops the
// orchestrator it launched. An adopted orchestrator is left running.
func (w *Watchdog) Run(ctx context.Context) error {
	w.log.Infof("watchdog starting: interval=%s", w.cfg.Interval)
	if _, err := w.Check(ctx); err != nil {
		w.log.Errorf("orchestrator launch failed: err=%v", err)
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopChild()
			return nil
		case <-ticker.C:
			if _, err := w.Check(ctx); err != nil {
				w.log.Errorf("orchestrator launch failed: err=%v", err)
			}
		}
	}
}

func (w *Watchdog) stopChild() {
	if w.child == nil || !w.child.Alive() {
		return
	}
	w.log.Infof("stopping orchestrator: pid=%d", w.child.Pid())
	if err := w.child.Signal(proc.TerminateSignal); err != nil {
		_ = w.child.Kill()
	}
	select {
	case <-w.child.Done():
	case <-time.After(w.cfg.StopGrace):
		w.log.Warnf("orchestrator did not stop in time; killing: pid=%d", w.child.Pid())
		_ = w.child.Kill()
	}
}
