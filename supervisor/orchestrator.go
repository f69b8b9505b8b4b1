package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/internal/proc"
	"github.com/pkg/errors"
)

// Config defines the orchestrator behaviour.
type Config struct {
	Processes []ProcessSpec
	// HealthInterval is the tick of Run. Default 60s.
	HealthInterval time.Duration
	// MaxRestarts is how many restarts are allowed inside RestartWindow; the
	// next crash marks the process degraded. Default 5.
	MaxRestarts int
	// RestartWindow is the rolling window restarts are counted in. Default 10m.
	RestartWindow time.Duration
	// StopGrace bounds how long StopAll waits before killing. Default 10s.
	StopGrace time.Duration
	// StatusFile, PidFile and ControlDir are optional paths used by Run.
	StatusFile string
	PidFile    string
	ControlDir string
	// HealthDir holds watcher health files merged into Status.
	HealthDir string
	Logger    vigil.Logger
	Clock     func() time.Time
}

type process struct {
	spec         ProcessSpec
	state        ProcessState
	handle       Handle
	recent       []time.Time
	restartCount int
	startedAt    time.Time
	lastCheck    time.Time
	lastExit     string
}

// Orchestrator supervises a fixed set of processes.
type Orchestrator struct {
	cfg      Config
	launcher Launcher
	log      vigil.Logger

	mu     sync.Mutex
	procs  []*process
	byName map[string]*process
	active bool
}

// New creates an orchestrator. The process list is fixed for its lifetime.
func New(cfg Config, launcher Launcher) (*Orchestrator, error) {
	if err := Validate(cfg.Processes); err != nil {
		return nil, err
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.RestartWindow <= 0 {
		cfg.RestartWindow = 10 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = vigil.NopLogger{}
	}
	o := &Orchestrator{cfg: cfg, launcher: launcher, log: log, byName: make(map[string]*process, len(cfg.Processes))}
	for _, spec := range cfg.Processes {
		p := &process{spec: spec, state: StateStopped}
		o.procs = append(o.procs, p)
		o.byName[spec.Name] = p
	}
	return o, nil
}

func (o *Orchestrator) setState(p *process, to ProcessState) {
	next, err := Transition(p.state, to)
	if err != nil {
		o.log.Errorf("process state: name=%s err=%v", p.spec.Name, err)
		return
	}
	p.state = next
}

// StartAll launches every enabled, stopped process.
func (o *Orchestrator) StartAll(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active = true
	now := o.cfg.Clock()
	for _, p := range o.procs {
		if !p.spec.Enabled {
			o.log.Debugf("process disabled: name=%s", p.spec.Name)
			continue
		}
		if p.state != StateStopped {
			continue
		}
		o.launch(ctx, p, now, false)
	}
}

// launch starts p. A restart is counted before the attempt so failed
// launches also count towards the bound.
func (o *Orchestrator) launch(ctx context.Context, p *process, now time.Time, restart bool) {
	if restart {
		p.recent = append(p.recent, now)
		p.restartCount++
	}
	o.setState(p, StateStarting)
	h, err := o.launcher.Launch(ctx, p.spec)
	if err != nil {
		p.handle = nil
		p.lastExit = err.Error()
		o.setState(p, StateCrashed)
		o.log.Errorf("process launch failed: name=%s err=%v", p.spec.Name, err)
		return
	}
	p.handle = h
	p.startedAt = now
	p.lastCheck = now
	o.setState(p, StateRunning)
	if restart {
		o.log.Warnf("process restarted: name=%s pid=%d restarts=%d", p.spec.Name, h.Pid(), p.restartCount)
	} else {
		o.log.Infof("process started: name=%s pid=%d", p.spec.Name, h.Pid())
	}
}

// HealthCheck checks every process without blocking and restarts crashed
// ones that allow it. Once MaxRestarts restarts fall inside RestartWindow,
// the next crash marks the process degraded instead.
func (o *Orchestrator) HealthCheck(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.active {
		return
	}
	now := o.cfg.Clock()
	for _, p := range o.procs {
		if p.state == StateRunning {
			p.lastCheck = now
			if p.handle != nil && p.handle.Alive() {
				continue
			}
			p.lastExit = exitString(p.handle)
			o.setState(p, StateCrashed)
			o.log.Warnf("process crashed: name=%s exit=%s", p.spec.Name, p.lastExit)
		}
		if p.state != StateCrashed || !p.spec.RestartOnFail {
			continue
		}
		p.recent = pruneBefore(p.recent, now.Add(-o.cfg.RestartWindow))
		if len(p.recent) >= o.cfg.MaxRestarts {
			o.setState(p, StateDegraded)
			p.handle = nil
			o.log.Errorf("process degraded: name=%s restarts=%d window=%s", p.spec.Name, len(p.recent), o.cfg.RestartWindow)
			continue
		}
		o.launch(ctx, p, now, true)
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func exitString(h Handle) string {
	if h == nil {
		return "not started"
	}
	select {
	case <-h.Done():
	default:
		return "gone"
	}
	if err := h.ExitErr(); err != nil {
		return err.Error()
	}
	return "exit status 0"
}

// Reset clears a degraded process and starts it again when the
// orchestrator is running.
func (o *Orchestrator) Reset(ctx context.Context, name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, name)
	}
	if p.state != StateDegraded {
		return fmt.Errorf("%w: %s is %s", ErrNotDegraded, name, p.state)
	}
	o.setState(p, StateStopped)
	p.recent = nil
	o.log.Infof("process reset: name=%s", name)
	if o.active && p.spec.Enabled {
		o.launch(ctx, p, o.cfg.Clock(), false)
	}
	return nil
}

// StopAll asks every running process to terminate, waits up to StopGrace
// and kills the rest. It is safe to call repeatedly.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	o.active = false
	var pending []*process
	for _, p := range o.procs {
		switch p.state {
		case StateRunning, StateStarting:
			o.setState(p, StateStopping)
			if err := p.handle.Signal(proc.TerminateSignal); err != nil {
				o.log.Warnf("graceful stop failed; killing: name=%s err=%v", p.spec.Name, err)
				_ = p.handle.Kill()
			}
			pending = append(pending, p)
		case StateCrashed, StateDegraded:
			o.setState(p, StateStopped)
			p.handle = nil
		}
	}
	o.mu.Unlock()

	if len(pending) > 0 {
		o.log.Infof("stopping processes: count=%d grace=%s", len(pending), o.cfg.StopGrace)
	}
	grace := time.NewTimer(o.cfg.StopGrace)
	defer grace.Stop()
	expired := false
	for _, p := range pending {
		if !expired {
			select {
			case <-p.handle.Done():
				continue
			case <-grace.C:
				expired = true
			case <-ctx.Done():
				expired = true
			}
		}
		select {
		case <-p.handle.Done():
			continue
		default:
		}
		o.log.Warnf("process did not stop in time; killing: name=%s pid=%d", p.spec.Name, p.handle.Pid())
		_ = p.handle.Kill()
		select {
		case <-p.handle.Done():
		case <-time.After(time.Second):
			o.log.Errorf("process not reaped after kill: name=%s pid=%d", p.spec.Name, p.handle.Pid())
		}
	}

	o.mu.Lock()
	for _, p := range pending {
		p.lastExit = exitString(p.handle)
		p.handle = nil
		o.setState(p, StateStopped)
	}
	o.mu.Unlock()
}

// Status reports every managed process, merged with the health file the
// process publishes when it is a watcher.
func (o *Orchestrator) Status() []ProcessStatus {
	o.mu.Lock()
	now := o.cfg.Clock()
	out := make([]ProcessStatus, 0, len(o.procs))
	for _, p := range o.procs {
		st := ProcessStatus{
			Name:         p.spec.Name,
			State:        p.state,
			RestartCount: p.restartCount,
			LastCheck:    p.lastCheck,
			LastExit:     p.lastExit,
		}
		if p.state == StateRunning && p.handle != nil {
			st.Pid = p.handle.Pid()
			st.StartedAt = p.startedAt
			st.Uptime = now.Sub(p.startedAt).Truncate(time.Second)
		}
		out = append(out, st)
	}
	o.mu.Unlock()

	if o.cfg.HealthDir == "" {
		return out
	}
	for i := range out {
		h, ok, err := vigil.ReadHealth(o.cfg.HealthDir, out[i].Name)
		if err != nil {
			o.log.Debugf("health unreadable: name=%s err=%v", out[i].Name, err)
			continue
		}
		if ok {
			out[i].Health = &h
		}
	}
	return out
}

// Snapshot returns the status as written to the status file.
func (o *Orchestrator) Snapshot() Snapshot {
	return Snapshot{Pid: os.Getpid(), UpdatedAt: o.cfg.Clock().UTC(), Processes: o.Status()}
}

// Run starts every process, health-checks on each tick and stops them all
// once ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	pid := os.Getpid()
	if o.cfg.PidFile != "" {
		if err := os.MkdirAll(filepath.Dir(o.cfg.PidFile), 0o755); err != nil {
			return errors.Wrap(err, "supervisor: pid dir")
		}
		if err := proc.WritePidFile(o.cfg.PidFile, pid); err != nil {
			return err
		}
		defer func() {
			if err := proc.RemovePidFile(o.cfg.PidFile, pid); err != nil {
				o.log.Warnf("remove pid file: err=%v", err)
			}
		}()
	}
	o.log.Infof("orchestrator starting: pid=%d processes=%d interval=%s", pid, len(o.procs), o.cfg.HealthInterval)
	o.StartAll(ctx)
	o.writeStatus()

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.log.Infof("orchestrator stopping")
			stopCtx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace+5*time.Second)
			o.StopAll(stopCtx)
			cancel()
			o.writeStatus()
			return nil
		case <-ticker.C:
			o.applyControl(ctx)
			o.HealthCheck(ctx)
			o.writeStatus()
		}
	}
}

func (o *Orchestrator) writeStatus() {
	if o.cfg.StatusFile == "" {
		return
	}
	if err := WriteSnapshot(o.cfg.StatusFile, o.Snapshot()); err != nil {
		o.log.Warnf("write status failed: err=%v", err)
	}
}

const resetPrefix = "reset-"

// RequestReset leaves a reset request for a running orchestrator, which
// picks it up on its next tick.
func RequestReset(controlDir, name string) error {
	if err := os.MkdirAll(controlDir, 0o755); err != nil {
		return errors.Wrapf(err, "supervisor: create %s", controlDir)
	}
	path := filepath.Join(controlDir, resetPrefix+vigil.SanitizeID(name))
	return errors.Wrap(os.WriteFile(path, []byte(name), 0o644), "supervisor: write reset request")
}

func (o *Orchestrator) applyControl(ctx context.Context) {
	if o.cfg.ControlDir == "" {
		return
	}
	entries, err := os.ReadDir(o.cfg.ControlDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), resetPrefix) {
			continue
		}
		path := filepath.Join(o.cfg.ControlDir, e.Name())
		data, err := os.ReadFile(path)
		_ = os.Remove(path)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(data))
		if err := o.Reset(ctx, name); err != nil {
			o.log.Warnf("reset request ignored: name=%s err=%v", name, err)
		}
	}
}
