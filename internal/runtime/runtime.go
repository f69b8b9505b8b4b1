package runtime

import (
	"context"
	"sync"
	"time"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package to avoid an import cycle.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Job is a maintenance routine run on a fixed interval.
type Job struct {
	Name     string
	Interval time.Duration
	// Immediate runs the job once right after Start instead of waiting a tick.
	Immediate bool
	Run       func(ctx context.Context) error
}

// WorkFunc processes at most one unit of work. It reports whether it found
// any; an idle worker waits IdleWait before polling again.
type WorkFunc func(ctx context.Context) (bool, error)

type Config struct {
	Jobs        []Job
	Concurrency int
	Work        WorkFunc
	IdleWait    time.Duration
	Logger      Logger
}

type Runtime struct {
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	log     Logger
}

// New creates a runtime that runs jobs on tickers and Concurrency workers
// looping over Work.
func New(cfg Config) *Runtime {
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = time.Second
	}
	return &Runtime{cfg: cfg, log: lg}
}

// Start launches workers and job goroutines. Calling it twice is a no-op.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: concurrency=%d jobs=%d", rt.workers(), len(rt.cfg.Jobs))

	for i := 0; i < rt.workers(); i++ {
		rt.wg.Add(1)
		go func(id int) {
			defer rt.wg.Done()
			rt.workerLoop(ctx, id)
		}(i)
	}

	for _, job := range rt.cfg.Jobs {
		if job.Run == nil || job.Interval <= 0 {
			rt.log.Warnf("runtime: skipping job name=%s interval=%s", job.Name, job.Interval)
			continue
		}
		rt.wg.Add(1)
		go func(j Job) {
			defer rt.wg.Done()
			rt.jobLoop(ctx, j)
		}(job)
	}
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	cancel := rt.cancel
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	cancel()
	rt.wg.Wait()
}

// Started reports whether the runtime is running.
func (rt *Runtime) Started() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.started
}

func (rt *Runtime) workers() int {
	if rt.cfg.Work == nil {
		return 0
	}
	return rt.cfg.Concurrency
}

func (rt *Runtime) jobLoop(ctx context.Context, j Job) {
	if j.Immediate {
		rt.runJob(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.runJob(ctx, j)
		}
	}
}

func (rt *Runtime) runJob(ctx context.Context, j Job) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("job panicked: name=%s panic=%v", j.Name, r)
		}
	}()
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		rt.log.Warnf("job failed: name=%s err=%v", j.Name, err)
	}
}

func (rt *Runtime) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		found, err := rt.work(ctx)
		if err != nil && ctx.Err() == nil {
			rt.log.Warnf("worker error: worker=%d err=%v", id, err)
		}
		if found && err == nil {
			continue
		}
		t := time.NewTimer(rt.cfg.IdleWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (rt *Runtime) work(ctx context.Context) (found bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Errorf("worker panicked: panic=%v", r)
			found = false
		}
	}()
	return rt.cfg.Work(ctx)
}
