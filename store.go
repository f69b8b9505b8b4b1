package vigil

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Store is the task record store. Stage placement is the record state; every
// implementation guarantees a record lives in exactly one stage at any time.
type Store interface {
	// Create writes a new record into its initial stage (needs_action or
	// pending_approval). It returns ErrDuplicateRecord if the ref exists in any stage.
	Create(ctx context.Context, rec *Record) error
	// Move atomically transitions a record. Exactly one of several concurrent
	// movers succeeds; the others get ErrLostRace. mutate, when non-nil, is
	// applied to the record before it is written at its destination.
	Move(ctx context.Context, ref Ref, from, to Stage, mutate func(*Record)) (*Record, error)
	// Get locates a record in whichever stage currently holds it.
	Get(ctx context.Context, ref Ref) (*Record, error)
	// List returns the records of a stage, urgent first then oldest first.
	List(ctx context.Context, stage Stage, filter RecordFilter) ([]*Record, error)
	// Delete removes a record from a stage. It exists for retention only.
	Delete(ctx context.Context, ref Ref, stage Stage) error
}

// Reconciler is implemented by stores whose records can be moved behind
// their back (humans moving files) and may need their status field fixed.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

type storeOptions struct {
	now func() time.Time
	log Logger
}

// StoreOption customizes a store during construction.
type StoreOption func(*storeOptions)

// WithClock overrides the clock used for created/decided timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = clock
	}
}

// WithStoreLogger sets the logger used for skipped or drifting records.
func WithStoreLogger(l Logger) StoreOption {
	return func(o *storeOptions) {
		o.log = l
	}
}

func buildStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{now: time.Now, log: NopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = orNop(o.log)
	return o
}

// prepareCreate validates a record about to be created and fills defaults.
func prepareCreate(rec *Record, now time.Time) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if _, err := ParseKind(string(rec.Kind)); err != nil {
		return err
	}
	if rec.Stage == "" {
		rec.Stage = StageNeedsAction
	}
	if rec.Stage != StageNeedsAction && rec.Stage != StagePendingApproval {
		return ErrInvalidInitialStage
	}
	if rec.Priority == "" {
		rec.Priority = PriorityMedium
	}
	if _, err := ParsePriority(string(rec.Priority)); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if !rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.ExpiresAt.UTC()
	}
	return nil
}

func sortRecords(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		ri, rj := recs[i].Priority.Rank(), recs[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
