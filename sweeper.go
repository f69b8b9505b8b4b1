package vigil

import (
	"context"
	"sync"
	"time"

	rtm "github.com/UniQw/vigil/internal/runtime"
)

// SweeperConfig defines the maintenance intervals.
type SweeperConfig struct {
	// ExpiryInterval is how often pending requests are checked. Default 1m.
	ExpiryInterval time.Duration
	// ReconcileInterval fixes status drift after human moves. Default 5m.
	// Ignored when the store is not a Reconciler.
	ReconcileInterval time.Duration
	// PruneInterval and Retention drive deletion of terminal records. Both
	// must be positive for pruning to run.
	PruneInterval time.Duration
	Retention     time.Duration
	Logger        Logger
}

// Sweeper runs expiry, reconcile and retention on bounded intervals.
type Sweeper struct {
	rt      *rtm.Runtime
	mu      sync.Mutex
	started bool
	log     Logger
}

// NewSweeper creates a sweeper over the approvals service.
func NewSweeper(a *Approvals, cfg SweeperConfig) *Sweeper {
	l := orNop(cfg.Logger)
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = time.Minute
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 5 * time.Minute
	}
	jobs := []rtm.Job{{
		Name:      "expiry",
		Interval:  cfg.ExpiryInterval,
		Immediate: true,
		Run: func(ctx context.Context) error {
			_, err := a.SweepExpired(ctx)
			return err
		},
	}}
	if rc, ok := a.Store().(Reconciler); ok {
		jobs = append(jobs, rtm.Job{
			Name:      "reconcile",
			Interval:  cfg.ReconcileInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				n, err := rc.Reconcile(ctx)
				if n > 0 {
					l.Infof("reconciled status drift: fixed=%d", n)
				}
				return err
			},
		})
	}
	if cfg.PruneInterval > 0 && cfg.Retention > 0 {
		retention := cfg.Retention
		jobs = append(jobs, rtm.Job{
			Name:     "prune",
			Interval: cfg.PruneInterval,
			Run: func(ctx context.Context) error {
				n, err := a.Prune(ctx, retention)
				if n > 0 {
					l.Infof("pruned terminal records: count=%d retention=%s", n, retention)
				}
				return err
			},
		})
	}
	return &Sweeper{rt: rtm.New(rtm.Config{Jobs: jobs, Logger: rtLogger{Logger: l}}), log: l}
}

// Start launches the maintenance routines. It is idempotent and non-blocking.
func (s *Sweeper) Start() {
	s.mu.Lock()
	if s.started {
		s.log.Warnf("sweeper already started; ignoring Start()")
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	s.log.Infof("starting sweeper")
	s.rt.Start()
}

// Stop waits for the running routines to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.log.Warnf("sweeper not started; ignoring Stop()")
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()
	s.log.Infof("stopping sweeper")
	s.rt.Stop()
}

// rtLogger adapts the public Logger to the internal runtime logger interface.
type rtLogger struct{ Logger }
