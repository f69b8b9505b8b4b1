package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/UniQw/vigil"
	"github.com/stretchr/testify/require"
)

func specs(names ...string) []ProcessSpec {
	out := make([]ProcessSpec, 0, len(names))
	for _, n := range names {
		out = append(out, ProcessSpec{Name: n, Command: []string{"vigil", "watch", n}, Enabled: true, RestartOnFail: true})
	}
	return out
}

func stateOf(o *Orchestrator, name string) ProcessStatus {
	for _, st := range o.Status() {
		if st.Name == name {
			return st
		}
	}
	return ProcessStatus{}
}

func TestOrchestrator_ScenarioCrashingProcess(t *testing.T) {
	l := newFakeLauncher()
	l.crash["crasher"] = true
	clk := newFakeClock()
	o, err := New(Config{
		Processes:     specs("gmail", "crasher", "filedrop"),
		MaxRestarts:   5,
		RestartWindow: time.Hour,
		Clock:         clk.Now,
	}, l)
	require.NoError(t, err)
	ctx := context.Background()

	o.StartAll(ctx)
	for _, n := range []string{"gmail", "crasher", "filedrop"} {
		require.Equal(t, 1, l.count(n))
	}

	// first tick: crash detected and restarted
	clk.Advance(time.Minute)
	o.HealthCheck(ctx)
	st := stateOf(o, "crasher")
	require.Equal(t, 1, st.RestartCount)
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, StateRunning, stateOf(o, "gmail").State)
	require.Equal(t, 0, stateOf(o, "gmail").RestartCount)

	for i := 0; i < 10; i++ {
		clk.Advance(time.Minute)
		o.HealthCheck(ctx)
	}
	st = stateOf(o, "crasher")
	require.Equal(t, StateDegraded, st.State)
	require.Equal(t, 5, st.RestartCount)
	// initial launch plus exactly five restarts
	require.Equal(t, 6, l.count("crasher"))
	require.Equal(t, StateRunning, stateOf(o, "filedrop").State)
}

func TestOrchestrator_RestartBoundIsExact(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7} {
		l := newFakeLauncher()
		l.crash["w"] = true
		clk := newFakeClock()
		o, err := New(Config{Processes: specs("w"), MaxRestarts: n, RestartWindow: time.Hour, Clock: clk.Now}, l)
		require.NoError(t, err)
		ctx := context.Background()
		o.StartAll(ctx)

		for i := 0; i < n; i++ {
			clk.Advance(time.Second)
			o.HealthCheck(ctx)
			require.Equal(t, StateRunning, stateOf(o, "w").State, "n=%d restart %d", n, i+1)
		}
		clk.Advance(time.Second)
		o.HealthCheck(ctx)
		require.Equal(t, StateDegraded, stateOf(o, "w").State, "n=%d", n)
		require.Equal(t, n, stateOf(o, "w").RestartCount)
		require.Equal(t, n+1, l.count("w"))

		// degraded stays put
		clk.Advance(time.Second)
		o.HealthCheck(ctx)
		require.Equal(t, n+1, l.count("w"))
	}
}

func TestOrchestrator_RestartWindowRolls(t *testing.T) {
	l := newFakeLauncher()
	l.crash["w"] = true
	clk := newFakeClock()
	o, err := New(Config{Processes: specs("w"), MaxRestarts: 2, RestartWindow: 10 * time.Minute, Clock: clk.Now}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)

	// restarts spread wider than the window never accumulate
	for i := 0; i < 6; i++ {
		clk.Advance(6 * time.Minute)
		o.HealthCheck(ctx)
		require.Equal(t, StateRunning, stateOf(o, "w").State)
	}
	require.Equal(t, 6, stateOf(o, "w").RestartCount)
}

func TestOrchestrator_NoRestartWhenDisabled(t *testing.T) {
	l := newFakeLauncher()
	l.crash["oneshot"] = true
	sp := specs("oneshot", "off")
	sp[0].RestartOnFail = false
	sp[1].Enabled = false
	o, err := New(Config{Processes: sp}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)

	require.Equal(t, StateCrashed, stateOf(o, "oneshot").State)
	require.Equal(t, 1, l.count("oneshot"))
	require.Equal(t, StateStopped, stateOf(o, "off").State)
	require.Equal(t, 0, l.count("off"))
}

func TestOrchestrator_LaunchFailureCountsAsRestart(t *testing.T) {
	l := newFakeLauncher()
	l.fail["w"] = errors.New("exec: not found")
	o, err := New(Config{Processes: specs("w"), MaxRestarts: 2, RestartWindow: time.Hour}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)
	require.Equal(t, StateCrashed, stateOf(o, "w").State)

	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	require.Equal(t, StateDegraded, stateOf(o, "w").State)
	require.Equal(t, 3, l.count("w"))
}

func TestOrchestrator_Reset(t *testing.T) {
	l := newFakeLauncher()
	l.crash["w"] = true
	o, err := New(Config{Processes: specs("w", "ok"), MaxRestarts: 1, RestartWindow: time.Hour}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	require.Equal(t, StateDegraded, stateOf(o, "w").State)

	require.ErrorIs(t, o.Reset(ctx, "ok"), ErrNotDegraded)
	require.ErrorIs(t, o.Reset(ctx, "nope"), ErrUnknownProcess)

	l.mu.Lock()
	l.crash["w"] = false
	l.mu.Unlock()
	require.NoError(t, o.Reset(ctx, "w"))
	require.Equal(t, StateRunning, stateOf(o, "w").State)
	require.Equal(t, 3, l.count("w"))
}

func TestOrchestrator_StopAll_GracefulThenKill(t *testing.T) {
	l := newFakeLauncher()
	l.stubborn["stubborn"] = true
	l.crash["dead"] = true
	o, err := New(Config{Processes: specs("polite", "stubborn", "dead"), StopGrace: 50 * time.Millisecond, MaxRestarts: 1}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	require.Equal(t, StateDegraded, stateOf(o, "dead").State)

	start := time.Now()
	o.StopAll(ctx)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	require.False(t, l.last("polite").wasKilled())
	require.True(t, l.last("stubborn").wasKilled())
	for _, n := range []string{"polite", "stubborn", "dead"} {
		require.Equal(t, StateStopped, stateOf(o, n).State, n)
	}

	// idempotent, and no restarts after stop
	o.StopAll(ctx)
	o.HealthCheck(ctx)
	require.Equal(t, 1, l.count("polite"))
}

func TestOrchestrator_StatusIncludesHealthAndUptime(t *testing.T) {
	dir := t.TempDir()
	rep := vigil.NewFileHealthReporter(dir)
	require.NoError(t, rep.Report(context.Background(), vigil.WatcherHealth{Name: "gmail", Status: vigil.HealthDegraded, ConsecutiveAuthFailures: 3}))

	l := newFakeLauncher()
	clk := newFakeClock()
	o, err := New(Config{Processes: specs("gmail"), HealthDir: dir, Clock: clk.Now}, l)
	require.NoError(t, err)
	o.StartAll(context.Background())
	clk.Advance(90 * time.Second)

	st := stateOf(o, "gmail")
	require.Equal(t, StateRunning, st.State)
	require.Equal(t, 90*time.Second, st.Uptime)
	require.Equal(t, l.last("gmail").Pid(), st.Pid)
	require.NotNil(t, st.Health)
	require.Equal(t, vigil.HealthDegraded, st.Health.Status)
}

func TestOrchestrator_RunWritesStatusAndPid(t *testing.T) {
	dir := t.TempDir()
	statusPath := filepath.Join(dir, "status.json")
	pidPath := filepath.Join(dir, "orchestrator.pid")
	l := newFakeLauncher()
	o, err := New(Config{
		Processes:      specs("a"),
		HealthInterval: 10 * time.Millisecond,
		StatusFile:     statusPath,
		PidFile:        pidPath,
		ControlDir:     filepath.Join(dir, "control"),
		StopGrace:      50 * time.Millisecond,
	}, l)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := ReadSnapshot(statusPath)
		return err == nil && len(snap.Processes) == 1 && snap.Processes[0].State == StateRunning
	}, time.Second, 10*time.Millisecond)
	require.FileExists(t, pidPath)

	cancel()
	require.NoError(t, <-done)
	require.NoFileExists(t, pidPath)
	snap, err := ReadSnapshot(statusPath)
	require.NoError(t, err)
	require.Equal(t, StateStopped, snap.Processes[0].State)
}

func TestOrchestrator_ResetRequestViaControlDir(t *testing.T) {
	dir := t.TempDir()
	control := filepath.Join(dir, "control")
	l := newFakeLauncher()
	l.crash["w"] = true
	o, err := New(Config{Processes: specs("w"), MaxRestarts: 1, ControlDir: control}, l)
	require.NoError(t, err)
	ctx := context.Background()
	o.StartAll(ctx)
	o.HealthCheck(ctx)
	o.HealthCheck(ctx)
	require.Equal(t, StateDegraded, stateOf(o, "w").State)

	require.NoError(t, RequestReset(control, "w"))
	o.applyControl(ctx)
	require.Equal(t, 3, l.count("w"))
	require.NoFileExists(t, filepath.Join(control, "reset-w"))
}

func TestNew_RejectsBadSpecs(t *testing.T) {
	_, err := New(Config{Processes: []ProcessSpec{{Name: "a"}}}, newFakeLauncher())
	require.Error(t, err)
	_, err = New(Config{Processes: append(specs("a"), specs("a")...)}, newFakeLauncher())
	require.Error(t, err)
}
