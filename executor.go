package vigil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/vigil/internal/hctx"
	rtm "github.com/UniQw/vigil/internal/runtime"
	"github.com/pkg/errors"
)

// ExecutorConfig defines the configuration for an Executor.
type ExecutorConfig struct {
	// Concurrency is the number of worker goroutines. Default 1.
	Concurrency int
	// PollInterval is how long an idle worker waits before listing the
	// approved stage again. Default 5s.
	PollInterval time.Duration
	// Retry is applied to each handler call. Zero means DefaultRetryPolicy.
	Retry RetryPolicy
	// Locker serializes executions of the same record across workers and
	// processes. Required.
	Locker Locker
	// LockTimeout bounds the wait for a record lock. Default 2s.
	LockTimeout time.Duration
	// Actor is written to the audit log. Default "executor".
	Actor string
	// Logger is the logger used for executor events.
	Logger Logger
}

// Executor hands approved records to the handlers registered on a Mux and
// moves each one to done or failed. Records whose action has no handler are
// left in place for the external agent.
type Executor struct {
	rt        *rtm.Runtime
	approvals *Approvals
	mux       *Mux
	cfg       ExecutorConfig
	mu        sync.Mutex
	started   bool
	log       Logger
}

// NewExecutor creates a new executor.
func NewExecutor(a *Approvals, cfg ExecutorConfig, mux *Mux) *Executor {
	l := cfg.Logger
	if l == nil {
		l = NewFmtLogger()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.Actor == "" {
		cfg.Actor = "executor"
	}
	cfg.Retry = cfg.Retry.OrDefault()
	e := &Executor{approvals: a, mux: mux, cfg: cfg, log: l}
	e.rt = rtm.New(rtm.Config{
		Concurrency: cfg.Concurrency,
		Work:        e.processNext,
		IdleWait:    cfg.PollInterval,
		Logger:      rtLogger{Logger: l},
	})
	return e
}

// Start launches the executor workers. It is idempotent and non-blocking.
func (e *Executor) Start() {
	e.mu.Lock()
	if e.started {
		e.log.Warnf("executor already started; ignoring Start()")
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	e.log.Infof("starting executor: concurrency=%d actions=%d", e.cfg.Concurrency, len(e.mux.handlers))
	e.rt.Start()
}

// Stop shuts the executor down, waiting for running handlers to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	if !e.started {
		e.log.Warnf("executor not started; ignoring Stop()")
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()
	e.log.Infof("stopping executor")
	e.rt.Stop()
}

// Drain executes every runnable approved record once and returns how many
// reached a terminal stage.
func (e *Executor) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		found, err := e.processNext(ctx)
		if err != nil {
			return n, err
		}
		if !found {
			return n, nil
		}
		n++
	}
}

func (e *Executor) runnable(r *Record) bool {
	return e.mux.Handles(r.Field(FieldAction))
}

// processNext executes the first approved record it can lock.
func (e *Executor) processNext(ctx context.Context) (bool, error) {
	candidates, err := e.approvals.Store().List(ctx, StageApproved, e.runnable)
	if err != nil {
		return false, err
	}
	for _, c := range candidates {
		done, err := e.tryExecute(ctx, c.Ref())
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				continue
			}
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) tryExecute(ctx context.Context, ref Ref) (done bool, err error) {
	resource := fmt.Sprintf("exec-%s-%s", ref.Kind, ref.ID)
	err = WithExclusiveLock(ctx, e.cfg.Locker, resource, e.cfg.LockTimeout, func() error {
		// another worker may have finished it while we waited
		rec, err := e.approvals.Store().Get(ctx, ref)
		if err != nil {
			if errors.Is(err, ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if rec.Stage != StageApproved {
			return nil
		}
		done = e.execute(ctx, rec)
		return nil
	})
	return done, err
}

// execute runs the handler under the retry policy and records the outcome.
func (e *Executor) execute(ctx context.Context, rec *Record) bool {
	action := rec.Field(FieldAction)
	h, ok := e.mux.lookup(action)
	if !ok {
		return false
	}
	st := hctx.New(action)
	hctxCtx := hctx.WithState(ctx, st)
	err := e.cfg.Retry.Do(hctxCtx, func(ctx context.Context, attempt int) error {
		st.Attempt = attempt
		err := safeCall(ctx, h, rec.Clone())
		if err != nil && ctx.Err() == nil && attempt < e.cfg.Retry.MaxAttempts && !IsPermanent(err) {
			e.log.Warnf("handler error; retrying: ref=%s action=%s attempt=%d err=%v", rec.Ref(), action, attempt, err)
		}
		return err
	})
	if ctx.Err() != nil {
		// shutting down; the record stays approved and runs again next start
		return false
	}
	if err != nil {
		if _, ferr := e.approvals.Fail(ctx, rec.Ref(), e.cfg.Actor, err); ferr != nil {
			e.log.Errorf("approved->failed failed: ref=%s action=%s err=%v", rec.Ref(), action, ferr)
			return false
		}
		e.log.Warnf("action failed: ref=%s action=%s attempts=%d dur=%s err=%v", rec.Ref(), action, st.Attempt, st.Elapsed(), err)
		return true
	}
	if _, cerr := e.approvals.Complete(ctx, rec.Ref(), e.cfg.Actor, st.Result); cerr != nil {
		e.log.Errorf("approved->done failed: ref=%s action=%s err=%v", rec.Ref(), action, cerr)
		return false
	}
	e.log.Debugf("action done: ref=%s action=%s attempts=%d dur=%s", rec.Ref(), action, st.Attempt, st.Elapsed())
	return true
}

func safeCall(ctx context.Context, h ActionFunc, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, rec)
}
