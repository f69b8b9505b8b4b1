package vigil

import (
	"context"
	"fmt"

	ikeys "github.com/UniQw/vigil/internal/keys"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// createScript atomically reserves the record hash and indexes it in its stage.
var createScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
	redis.call('HSET', KEYS[1], 'stage', ARGV[1], 'data', ARGV[2])
	redis.call('SADD', KEYS[2], ARGV[3])
	return 1
	`,
)

// moveScript atomically transitions a record if it is still in the expected stage.
// Returns 1 on success, 0 when another actor moved it first, -1 when it does not exist.
var moveScript = redis.NewScript(
	// language=Lua
	`
	local cur = redis.call('HGET', KEYS[1], 'stage')
	if not cur then return -1 end
	if cur ~= ARGV[2] then return 0 end
	redis.call('SREM', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[1])
	redis.call('HSET', KEYS[1], 'stage', ARGV[3], 'data', ARGV[4])
	return 1
	`,
)

// deleteScript removes a record only if it still sits in the given stage.
var deleteScript = redis.NewScript(
	// language=Lua
	`
	local cur = redis.call('HGET', KEYS[1], 'stage')
	if cur ~= ARGV[2] then return 0 end
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[1])
	return 1
	`,
)

// RedisStore keeps records in Redis: one hash per record (stage + encoded
// markdown) and one set per stage. Create and Move run as Lua scripts so the
// stage check and the update cannot interleave with another actor.
type RedisStore struct {
	rdb  redis.UniversalClient
	ns   ikeys.Namespace
	opts storeOptions
}

// NewRedisStore creates a store under the given namespace.
func NewRedisStore(rdb redis.UniversalClient, namespace string, opts ...StoreOption) *RedisStore {
	return &RedisStore{rdb: rdb, ns: ikeys.For(namespace), opts: buildStoreOptions(opts)}
}

// Create implements Store.
func (s *RedisStore) Create(ctx context.Context, rec *Record) error {
	if err := prepareCreate(rec, s.opts.now()); err != nil {
		return err
	}
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	member := ikeys.Member(string(rec.Kind), rec.ID)
	res, err := createScript.Run(ctx, s.rdb,
		[]string{s.ns.Record(string(rec.Kind), rec.ID), s.ns.Stage(string(rec.Stage))},
		string(rec.Stage), data, member,
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "vigil: create %s", rec.Ref())
	}
	if res == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

// Move implements Store.
func (s *RedisStore) Move(ctx context.Context, ref Ref, from, to Stage, mutate func(*Record)) (*Record, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	rec, err := s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rec.Stage != from {
		return nil, ErrLostRace
	}
	rec.Stage = to
	if mutate != nil {
		mutate(rec)
	}
	rec.Stage = to
	data, err := MarshalRecord(rec)
	if err != nil {
		return nil, err
	}
	res, err := moveScript.Run(ctx, s.rdb,
		[]string{s.ns.Record(string(ref.Kind), ref.ID), s.ns.Stage(string(from)), s.ns.Stage(string(to))},
		ikeys.Member(string(ref.Kind), ref.ID), string(from), string(to), data,
	).Int64()
	if err != nil {
		return nil, errors.Wrapf(err, "vigil: move %s", ref)
	}
	switch res {
	case 1:
		return rec, nil
	case 0:
		return nil, ErrLostRace
	default:
		return nil, ErrRecordNotFound
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, ref Ref) (*Record, error) {
	vals, err := s.rdb.HMGet(ctx, s.ns.Record(string(ref.Kind), ref.ID), "stage", "data").Result()
	if err != nil {
		return nil, errors.Wrapf(err, "vigil: get %s", ref)
	}
	return decodeRedisRecord(vals)
}

func decodeRedisRecord(vals []any) (*Record, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, ErrRecordNotFound
	}
	stage, _ := vals[0].(string)
	data, _ := vals[1].(string)
	rec, err := UnmarshalRecord([]byte(data))
	if err != nil {
		return nil, err
	}
	st, err := ParseStage(stage)
	if err != nil {
		return nil, fmt.Errorf("%w: stage %q", ErrMalformedRecord, stage)
	}
	rec.Stage = st
	return rec, nil
}

// List implements Store. Members whose hash vanished or cannot be decoded
// are skipped.
func (s *RedisStore) List(ctx context.Context, stage Stage, filter RecordFilter) ([]*Record, error) {
	if _, err := ParseStage(string(stage)); err != nil {
		return nil, err
	}
	members, err := s.rdb.SMembers(ctx, s.ns.Stage(string(stage))).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "vigil: list %s", stage)
	}
	if len(members) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.SliceCmd, 0, len(members))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, m := range members {
			kind, id, ok := ikeys.SplitMember(m)
			if !ok {
				continue
			}
			cmds = append(cmds, p.HMGet(ctx, s.ns.Record(kind, id), "stage", "data"))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, errors.Wrapf(err, "vigil: list %s", stage)
	}
	out := make([]*Record, 0, len(cmds))
	for _, cmd := range cmds {
		rec, err := decodeRedisRecord(cmd.Val())
		if err != nil {
			if !errors.Is(err, ErrRecordNotFound) {
				s.opts.log.Warnf("skipping unreadable record: stage=%s err=%v", stage, err)
			}
			continue
		}
		if rec.Stage != stage {
			continue
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, ref Ref, stage Stage) error {
	res, err := deleteScript.Run(ctx, s.rdb,
		[]string{s.ns.Record(string(ref.Kind), ref.ID), s.ns.Stage(string(stage))},
		ikeys.Member(string(ref.Kind), ref.ID), string(stage),
	).Int64()
	if err != nil {
		return errors.Wrapf(err, "vigil: delete %s", ref)
	}
	if res == 0 {
		return ErrRecordNotFound
	}
	return nil
}
