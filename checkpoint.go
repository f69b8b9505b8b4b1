package vigil

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	ikeys "github.com/UniQw/vigil/internal/keys"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Checkpoint is a watcher's persisted set of already-materialized source ids.
type Checkpoint interface {
	// Seen reports whether id was materialized before.
	Seen(ctx context.Context, id string) (bool, error)
	// Mark durably records id. It returns only once the id is persisted.
	Mark(ctx context.Context, id string) error
}

type checkpointFile struct {
	Watcher   string    `json:"watcher"`
	UpdatedAt time.Time `json:"updated_at"`
	IDs       []string  `json:"ids"`
}

// FileCheckpoint stores ids in a JSON sidecar file. Writes merge with the file
// on disk under an exclusive lock so a second instance never loses ids. Ids
// are never evicted: once retention prunes a record, the checkpoint is the
// only thing stopping a source that still reports it from materializing it
// again.
type FileCheckpoint struct {
	watcher string
	path    string
	locker  Locker
	timeout time.Duration
	enc     Encoder

	mu     sync.Mutex
	loaded bool
	seen   map[string]struct{}
}

// NewFileCheckpoint creates a checkpoint for watcher stored in dir/<watcher>.json.
func NewFileCheckpoint(dir, watcher string, locker Locker) *FileCheckpoint {
	return &FileCheckpoint{
		watcher: watcher,
		path:    filepath.Join(dir, SanitizeID(watcher)+".json"),
		locker:  locker,
		timeout: 5 * time.Second,
		enc:     defaultEncoder,
	}
}

// Path returns the sidecar file.
func (c *FileCheckpoint) Path() string { return c.path }

// Seen implements Checkpoint.
func (c *FileCheckpoint) Seen(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		state, err := c.read()
		if err != nil {
			return false, err
		}
		c.remember(state.IDs)
		c.loaded = true
	}
	_, ok := c.seen[id]
	return ok, nil
}

// Mark implements Checkpoint.
func (c *FileCheckpoint) Mark(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return WithExclusiveLock(ctx, c.locker, "checkpoint-"+c.watcher, c.timeout, func() error {
		state, err := c.read()
		if err != nil {
			return err
		}
		present := false
		for _, existing := range state.IDs {
			if existing == id {
				present = true
				break
			}
		}
		if !present {
			state.IDs = append(state.IDs, id)
		}
		state.Watcher = c.watcher
		state.UpdatedAt = time.Now().UTC()
		if err := WriteJSONFile(c.enc, c.path, state); err != nil {
			return err
		}
		c.seen = nil
		c.remember(state.IDs)
		c.loaded = true
		return nil
	})
}

func (c *FileCheckpoint) remember(ids []string) {
	if c.seen == nil {
		c.seen = make(map[string]struct{}, len(ids))
	}
	for _, id := range ids {
		c.seen[id] = struct{}{}
	}
}

func (c *FileCheckpoint) read() (checkpointFile, error) {
	var state checkpointFile
	_, err := ReadJSONFile(c.enc, c.path, &state)
	return state, err
}

// RedisCheckpoint keeps ids in a Redis set, mirroring the unique-id set used
// for de-duplication.
type RedisCheckpoint struct {
	rdb redis.UniversalClient
	key string
}

// NewRedisCheckpoint creates a checkpoint for watcher under namespace.
func NewRedisCheckpoint(rdb redis.UniversalClient, namespace, watcher string) *RedisCheckpoint {
	return &RedisCheckpoint{rdb: rdb, key: ikeys.Checkpoint(namespace, watcher)}
}

// Seen implements Checkpoint.
func (c *RedisCheckpoint) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := c.rdb.SIsMember(ctx, c.key, id).Result()
	if err != nil {
		return false, errors.Wrap(err, "vigil: checkpoint lookup")
	}
	return ok, nil
}

// Mark implements Checkpoint.
func (c *RedisCheckpoint) Mark(ctx context.Context, id string) error {
	return errors.Wrap(c.rdb.SAdd(ctx, c.key, id).Err(), "vigil: checkpoint mark")
}
