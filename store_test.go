package vigil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Contract tests shared by the file and Redis stores.

func TestStoreCreateAndDuplicate(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			s := mk(t, WithClock(clock.Now))
			ctx := context.Background()

			rec := newRecord(KindEmail, "msg-1", "")
			require.NoError(t, s.Create(ctx, rec))
			require.Equal(t, StageNeedsAction, rec.Stage)
			require.Equal(t, PriorityMedium, rec.Priority)
			require.True(t, rec.CreatedAt.Equal(clock.Now()))

			require.ErrorIs(t, s.Create(ctx, newRecord(KindEmail, "msg-1", StageNeedsAction)), ErrDuplicateRecord)
			// same id, other kind is a different record
			require.NoError(t, s.Create(ctx, newRecord(KindMessage, "msg-1", StageNeedsAction)))

			require.ErrorIs(t, s.Create(ctx, newRecord(KindEmail, "x", StageApproved)), ErrInvalidInitialStage)
			require.ErrorIs(t, s.Create(ctx, newRecord("fax", "x", StageNeedsAction)), ErrUnknownKind)

			got, err := s.Get(ctx, Ref{Kind: KindEmail, ID: "msg-1"})
			require.NoError(t, err)
			require.Equal(t, "msg-1", got.Field("title"))
			require.Equal(t, StageNeedsAction, got.Stage)

			_, err = s.Get(ctx, Ref{Kind: KindEmail, ID: "nope"})
			require.ErrorIs(t, err, ErrRecordNotFound)
		})
	}
}

func TestStoreMoveKeepsSingleLocation(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			rec := newRecord(KindApprovalRequest, "req-1", StagePendingApproval)
			require.NoError(t, s.Create(ctx, rec))

			moved, err := s.Move(ctx, rec.Ref(), StagePendingApproval, StageApproved, func(r *Record) {
				r.Decision = DecisionApproved
				r.DecidedBy = "alex"
			})
			require.NoError(t, err)
			require.Equal(t, StageApproved, moved.Stage)

			for _, st := range AllStages {
				recs, err := s.List(ctx, st, nil)
				require.NoError(t, err)
				if st == StageApproved {
					require.Len(t, recs, 1)
					require.Equal(t, "alex", recs[0].DecidedBy)
				} else {
					require.Empty(t, recs, st)
				}
			}

			_, err = s.Move(ctx, rec.Ref(), StagePendingApproval, StageRejected, nil)
			require.ErrorIs(t, err, ErrLostRace)
			_, err = s.Move(ctx, Ref{Kind: KindEmail, ID: "ghost"}, StageNeedsAction, StageDone, nil)
			require.ErrorIs(t, err, ErrRecordNotFound)
			_, err = s.Move(ctx, rec.Ref(), StageApproved, StagePendingApproval, nil)
			require.ErrorIs(t, err, ErrInvalidTransition)

			_, err = s.Move(ctx, rec.Ref(), StageApproved, StageDone, func(r *Record) { r.Result = "sent" })
			require.NoError(t, err)
			_, err = s.Move(ctx, rec.Ref(), StageDone, StageFailed, nil)
			require.ErrorIs(t, err, ErrTerminalRecord)

			got, err := s.Get(ctx, rec.Ref())
			require.NoError(t, err)
			require.Equal(t, StageDone, got.Stage)
			require.Equal(t, "sent", got.Result)
			require.Equal(t, DecisionApproved, got.Decision)
		})
	}
}

func TestStoreConcurrentMoveHasOneWinner(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			rec := newRecord(KindApprovalRequest, "contested", StagePendingApproval)
			require.NoError(t, s.Create(ctx, rec))

			const movers = 8
			var (
				wg     sync.WaitGroup
				mu     sync.Mutex
				wins   []Stage
				losses int

				unexpected []error
			)
			for i := 0; i < movers; i++ {
				to := StageApproved
				if i%2 == 1 {
					to = StageRejected
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := s.Move(ctx, rec.Ref(), StagePendingApproval, to, nil)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						wins = append(wins, to)
					case errors.Is(err, ErrLostRace):
						losses++
					default:
						unexpected = append(unexpected, err)
					}
				}()
			}
			wg.Wait()
			require.Empty(t, unexpected)
			require.Len(t, wins, 1)
			require.Equal(t, movers-1, losses)

			got, err := s.Get(ctx, rec.Ref())
			require.NoError(t, err)
			require.Equal(t, wins[0], got.Stage)
			total := 0
			for _, st := range AllStages {
				recs, err := s.List(ctx, st, nil)
				require.NoError(t, err)
				total += len(recs)
			}
			require.Equal(t, 1, total)
		})
	}
}

func TestStoreListOrderAndFilter(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			clock := newTestClock()
			s := mk(t, WithClock(clock.Now))
			ctx := context.Background()
			for _, c := range []struct {
				id   string
				prio Priority
			}{{"old-low", PriorityLow}, {"old-med", PriorityMedium}, {"new-urgent", PriorityUrgent}, {"new-med", PriorityMedium}} {
				r := newRecord(KindEmail, c.id, StageNeedsAction)
				r.Priority = c.prio
				require.NoError(t, s.Create(ctx, r))
				clock.Advance(time.Minute)
			}
			recs, err := s.List(ctx, StageNeedsAction, nil)
			require.NoError(t, err)
			ids := make([]string, 0, len(recs))
			for _, r := range recs {
				ids = append(ids, r.ID)
			}
			require.Equal(t, []string{"new-urgent", "old-med", "new-med", "old-low"}, ids)

			med, err := s.List(ctx, StageNeedsAction, func(r *Record) bool { return r.Priority == PriorityMedium })
			require.NoError(t, err)
			require.Len(t, med, 2)

			_, err = s.List(ctx, "limbo", nil)
			require.ErrorIs(t, err, ErrUnknownStage)
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, mk := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			ctx := context.Background()
			rec := newRecord(KindPlan, "p1", StageNeedsAction)
			require.NoError(t, s.Create(ctx, rec))

			require.ErrorIs(t, s.Delete(ctx, rec.Ref(), StageDone), ErrRecordNotFound)
			require.NoError(t, s.Delete(ctx, rec.Ref(), StageNeedsAction))
			_, err := s.Get(ctx, rec.Ref())
			require.ErrorIs(t, err, ErrRecordNotFound)
			// a deleted id can be materialized again
			require.NoError(t, s.Create(ctx, newRecord(KindPlan, "p1", StageNeedsAction)))
		})
	}
}
