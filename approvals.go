package vigil

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Audit action names.
const (
	AuditRequest  = "request"
	AuditEscalate = "escalate"
	AuditApprove  = "approve"
	AuditReject   = "reject"
	AuditExpire   = "expire"
	AuditComplete = "complete"
	AuditFail     = "fail"
	AuditPrune    = "prune"
)

// ReasonExpired is the rejection reason written by the expiry sweep.
const ReasonExpired = "expired"

// SweepActor is the actor recorded for expiry rejections.
const SweepActor = "expiry-sweep"

// fieldCompletedAt stamps done/failed records for retention.
const fieldCompletedAt = "completed_at"

// Auditor records transitions. *AuditLog implements it.
type Auditor interface {
	Append(ctx context.Context, e AuditEntry) error
}

// ApprovalsOption customizes an Approvals service.
type ApprovalsOption func(*Approvals)

// WithApprovalsClock overrides the clock used for deadlines and decisions.
func WithApprovalsClock(clock func() time.Time) ApprovalsOption {
	return func(a *Approvals) { a.now = clock }
}

// WithApprovalsLogger sets the logger.
func WithApprovalsLogger(l Logger) ApprovalsOption {
	return func(a *Approvals) { a.log = orNop(l) }
}

// Approvals drives records through the approval state machine. The store
// move is the arbiter between concurrent actors; every successful
// transition is written to the audit log.
type Approvals struct {
	store Store
	audit Auditor
	now   func() time.Time
	log   Logger
}

// NewApprovals creates the service. audit may be nil.
func NewApprovals(store Store, audit Auditor, opts ...ApprovalsOption) *Approvals {
	a := &Approvals{store: store, audit: audit, now: time.Now, log: NopLogger{}}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Store returns the underlying store.
func (a *Approvals) Store() Store { return a.store }

// Request creates an approval request directly in pending_approval.
func (a *Approvals) Request(ctx context.Context, opts ...Option) (*Record, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	now := a.now().UTC()
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	rec := &Record{
		ID:        id,
		Kind:      KindApprovalRequest,
		Priority:  o.priority,
		Stage:     StagePendingApproval,
		CreatedAt: now,
		Fields:    o.fields,
		Body:      o.body,
	}
	switch {
	case !o.expiresAt.IsZero():
		rec.ExpiresAt = o.expiresAt
	case o.expireIn > 0:
		rec.ExpiresAt = now.Add(o.expireIn)
	}
	if err := a.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	a.record(ctx, AuditEntry{Actor: actorOr(o.actor, "agent"), Action: AuditRequest, Kind: rec.Kind, ID: rec.ID, To: rec.Stage})
	return rec, nil
}

// Escalate moves a needs_action record into pending_approval, optionally
// with a deadline.
func (a *Approvals) Escalate(ctx context.Context, ref Ref, actor string, expireIn time.Duration) (*Record, error) {
	now := a.now().UTC()
	rec, err := a.store.Move(ctx, ref, StageNeedsAction, StagePendingApproval, func(r *Record) {
		if expireIn > 0 {
			r.ExpiresAt = now.Add(expireIn)
		}
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, AuditEntry{Actor: actorOr(actor, "agent"), Action: AuditEscalate, Kind: ref.Kind, ID: ref.ID, From: StageNeedsAction, To: StagePendingApproval})
	return rec, nil
}

// Approve moves a pending record to approved. A request past its deadline is
// rejected as expired instead and ErrExpired is returned.
func (a *Approvals) Approve(ctx context.Context, ref Ref, actor, reason string) (*Record, error) {
	return a.decide(ctx, ref, StageApproved, DecisionApproved, AuditApprove, actor, reason)
}

// Reject moves a pending record to rejected.
func (a *Approvals) Reject(ctx context.Context, ref Ref, actor, reason string) (*Record, error) {
	return a.decide(ctx, ref, StageRejected, DecisionRejected, AuditReject, actor, reason)
}

func (a *Approvals) decide(ctx context.Context, ref Ref, to Stage, d Decision, action, actor, reason string) (*Record, error) {
	cur, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if cur.Stage != StagePendingApproval {
		if err := checkTransition(cur.Stage, to); err != nil {
			return nil, err
		}
		return nil, ErrLostRace
	}
	now := a.now().UTC()
	if cur.Expired(now) {
		if _, err := a.expire(ctx, ref, now); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}
	actor = actorOr(actor, "human")
	rec, err := a.store.Move(ctx, ref, StagePendingApproval, to, func(r *Record) {
		r.Decision = d
		r.DecidedBy = actor
		r.DecidedAt = now
		r.Reason = reason
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, AuditEntry{Time: now, Actor: actor, Action: action, Kind: ref.Kind, ID: ref.ID, From: StagePendingApproval, To: to, Reason: reason})
	return rec, nil
}

// Complete moves an approved (or needs_action) record to done.
func (a *Approvals) Complete(ctx context.Context, ref Ref, actor, result string) (*Record, error) {
	return a.finish(ctx, ref, StageDone, AuditComplete, actor, func(r *Record) {
		r.Result = result
	})
}

// Fail moves an approved (or needs_action) record to failed with cause
// captured in the record.
func (a *Approvals) Fail(ctx context.Context, ref Ref, actor string, cause error) (*Record, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return a.finish(ctx, ref, StageFailed, AuditFail, actor, func(r *Record) {
		r.Error = msg
	})
}

func (a *Approvals) finish(ctx context.Context, ref Ref, to Stage, action, actor string, mutate func(*Record)) (*Record, error) {
	cur, err := a.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	from := cur.Stage
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	now := a.now().UTC()
	rec, err := a.store.Move(ctx, ref, from, to, func(r *Record) {
		mutate(r)
		if r.Fields == nil {
			r.Fields = make(map[string]string, 1)
		}
		r.Fields[fieldCompletedAt] = formatTime(now)
	})
	if err != nil {
		return nil, err
	}
	e := AuditEntry{Time: now, Actor: actorOr(actor, "agent"), Action: action, Kind: ref.Kind, ID: ref.ID, From: from, To: to}
	if to == StageFailed {
		e.Reason = rec.Error
	} else {
		e.Note = rec.Result
	}
	a.record(ctx, e)
	return rec, nil
}

// SweepResult counts what an expiry sweep did.
type SweepResult struct {
	Expired   int
	LostRaces int
	Failed    int
}

// SweepExpired rejects every pending record whose deadline has passed.
// A record that another actor moved first is a lost race: it is logged and
// the sweep continues. Running it again is a no-op.
func (a *Approvals) SweepExpired(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := a.now().UTC()
	due, err := a.store.List(ctx, StagePendingApproval, func(r *Record) bool { return r.Expired(now) })
	if err != nil {
		return res, err
	}
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := a.expire(ctx, rec.Ref(), now)
		switch {
		case err == nil:
			res.Expired++
		case errors.Is(err, ErrLostRace), errors.Is(err, ErrRecordNotFound):
			res.LostRaces++
			a.log.Infof("lost race: ref=%s action=expire", rec.Ref())
		default:
			res.Failed++
			a.log.Warnf("expire failed: ref=%s err=%v", rec.Ref(), err)
		}
	}
	if res.Expired > 0 || res.LostRaces > 0 || res.Failed > 0 {
		a.log.Infof("expiry sweep: expired=%d lost_races=%d failed=%d", res.Expired, res.LostRaces, res.Failed)
	}
	return res, nil
}

func (a *Approvals) expire(ctx context.Context, ref Ref, now time.Time) (*Record, error) {
	rec, err := a.store.Move(ctx, ref, StagePendingApproval, StageRejected, func(r *Record) {
		r.Decision = DecisionExpired
		r.DecidedBy = SweepActor
		r.DecidedAt = now
		r.Reason = ReasonExpired
	})
	if err != nil {
		return nil, err
	}
	a.record(ctx, AuditEntry{Time: now, Actor: SweepActor, Action: AuditExpire, Kind: ref.Kind, ID: ref.ID, From: StagePendingApproval, To: StageRejected, Reason: ReasonExpired})
	return rec, nil
}

// Prune deletes terminal records whose last transition is older than
// retention. It is the only path that destroys records.
func (a *Approvals) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := a.now().UTC().Add(-retention)
	pruned := 0
	for _, st := range AllStages {
		if !st.Terminal() {
			continue
		}
		old, err := a.store.List(ctx, st, func(r *Record) bool { return settledAt(r).Before(cutoff) })
		if err != nil {
			return pruned, err
		}
		for _, rec := range old {
			if err := a.store.Delete(ctx, rec.Ref(), st); err != nil {
				if errors.Is(err, ErrRecordNotFound) {
					continue
				}
				return pruned, err
			}
			pruned++
			a.record(ctx, AuditEntry{Actor: "retention", Action: AuditPrune, Kind: rec.Kind, ID: rec.ID, From: st})
		}
	}
	return pruned, nil
}

// settledAt is the latest known timestamp of a record.
func settledAt(r *Record) time.Time {
	t := r.CreatedAt
	if r.DecidedAt.After(t) {
		t = r.DecidedAt
	}
	if v := r.Field(fieldCompletedAt); v != "" {
		if ct, err := parseTime(v); err == nil && ct.After(t) {
			t = ct
		}
	}
	return t
}

func (a *Approvals) record(ctx context.Context, e AuditEntry) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Append(ctx, e); err != nil {
		a.log.Warnf("audit append failed: action=%s ref=%s:%s err=%v", e.Action, e.Kind, e.ID, err)
	}
}

func actorOr(actor, def string) string {
	if actor == "" {
		return def
	}
	return actor
}
