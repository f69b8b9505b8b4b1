package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntime_StartStop_Idempotent(t *testing.T) {
	rt := New(Config{})

	// start/stop multiple times should be safe
	rt.Start()
	rt.Start()
	require.True(t, rt.Started())
	time.Sleep(20 * time.Millisecond)
	rt.Stop()
	rt.Stop()
	require.False(t, rt.Started())

	// restart after stop
	rt.Start()
	rt.Stop()
}

func TestRuntime_JobsTick(t *testing.T) {
	var runs atomic.Int32
	rt := New(Config{Jobs: []Job{{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("ignored")
		},
	}}})
	rt.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	rt.Stop()

	after := runs.Load()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "no ticks after Stop")
}

func TestRuntime_ImmediateJob(t *testing.T) {
	ran := make(chan struct{}, 1)
	rt := New(Config{Jobs: []Job{{
		Name:      "now",
		Interval:  time.Hour,
		Immediate: true,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}}})
	rt.Start()
	defer rt.Stop()
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("immediate job did not run")
	}
}

func TestRuntime_JobPanicDoesNotKillLoop(t *testing.T) {
	var runs atomic.Int32
	rt := New(Config{Jobs: []Job{{
		Name:     "boom",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			panic("boom")
		},
	}}})
	rt.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	rt.Stop()
}

func TestRuntime_WorkersDrainThenIdle(t *testing.T) {
	var left atomic.Int32
	left.Store(5)
	var polls atomic.Int32
	rt := New(Config{
		Concurrency: 2,
		IdleWait:    20 * time.Millisecond,
		Work: func(context.Context) (bool, error) {
			polls.Add(1)
			for {
				n := left.Load()
				if n <= 0 {
					return false, nil
				}
				if left.CompareAndSwap(n, n-1) {
					return true, nil
				}
			}
		},
	})
	rt.Start()
	require.Eventually(t, func() bool { return left.Load() == 0 }, time.Second, 5*time.Millisecond)
	rt.Stop()
	require.GreaterOrEqual(t, polls.Load(), int32(5))
}

func TestRuntime_SkipsInvalidJobs(t *testing.T) {
	rt := New(Config{Jobs: []Job{{Name: "no-run", Interval: time.Second}, {Name: "no-interval", Run: func(context.Context) error { return nil }}}})
	rt.Start()
	rt.Stop()
}
