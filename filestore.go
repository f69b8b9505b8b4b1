package vigil

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	// StateDir holds vigil's own sidecar files (checkpoints, locks, health, status).
	StateDir = ".vigil"
	// LogsDir holds the daily audit logs.
	LogsDir = "Logs"

	fileTimeLayout = "20060102T150405Z"
	recordExt      = ".md"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileStore keeps records as markdown files in one directory per stage under
// a vault root. Creation publishes a fully written file with a no-clobber
// link; transitions are a single rename, which is the race arbiter.
type FileStore struct {
	root string
	opts storeOptions
}

// NewFileStore builds a store rooted at the vault directory. Call Init to
// create the directory layout.
func NewFileStore(root string, opts ...StoreOption) *FileStore {
	return &FileStore{root: filepath.Clean(root), opts: buildStoreOptions(opts)}
}

// Root returns the vault root.
func (s *FileStore) Root() string { return s.root }

// StageDir returns the absolute directory of a stage.
func (s *FileStore) StageDir(stage Stage) string { return filepath.Join(s.root, stage.Dir()) }

// StatePath joins elem under the vault's sidecar directory.
func (s *FileStore) StatePath(elem ...string) string {
	return filepath.Join(append([]string{s.root, StateDir}, elem...)...)
}

// Init creates every stage directory plus the logs and sidecar directories.
func (s *FileStore) Init() error {
	dirs := []string{filepath.Join(s.root, LogsDir), s.StatePath("checkpoints"), s.StatePath("locks"), s.StatePath("health")}
	for _, st := range AllStages {
		dirs = append(dirs, s.StageDir(st))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "vigil: create %s", dir)
		}
	}
	return nil
}

// FileName returns the file name a record is stored under. It embeds the
// kind, the sanitized source id, a digest of the raw id and the creation
// timestamp. The digest keeps ids that sanitize to the same text apart.
func FileName(rec *Record) string {
	return fmt.Sprintf("%s_%s_%s_%s%s", rec.Kind, SanitizeID(rec.ID), idDigest(rec.ID), rec.CreatedAt.UTC().Format(fileTimeLayout), recordExt)
}

func idDigest(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:4])
}

// SanitizeID maps an arbitrary source id to a filesystem-safe fragment.
func SanitizeID(id string) string {
	safe := strings.Trim(unsafeChars.ReplaceAllString(id, "-"), "-.")
	if len(safe) > 80 {
		safe = safe[:80]
	}
	if safe == "" {
		safe = "record"
	}
	return safe
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, rec *Record) error {
	if err := prepareCreate(rec, s.opts.now()); err != nil {
		return err
	}
	if _, err := s.Get(ctx, rec.Ref()); err == nil {
		return ErrDuplicateRecord
	} else if !errors.Is(err, ErrRecordNotFound) {
		return err
	}
	data, err := MarshalRecord(rec)
	if err != nil {
		return err
	}
	dir := s.StageDir(rec.Stage)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "vigil: create %s", dir)
	}
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	final := filepath.Join(dir, FileName(rec))
	if err := os.Link(tmp, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return s.occupied(final, rec.Ref())
		}
		return errors.Wrapf(err, "vigil: publish %s", final)
	}
	rec.Path = final
	return nil
}

// occupied explains a publish that found its file name taken. Only the same
// ref is a duplicate; anything else is a name clash the caller may retry.
func (s *FileStore) occupied(path string, ref Ref) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "vigil: publish %s", path)
	}
	other, err := UnmarshalRecord(data)
	if err == nil && other.Ref() == ref {
		return ErrDuplicateRecord
	}
	return errors.Errorf("vigil: file name %s already used by another record", filepath.Base(path))
}

// Move implements Store.
func (s *FileStore) Move(ctx context.Context, ref Ref, from, to Stage, mutate func(*Record)) (*Record, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	src, rec, err := s.find(ref, from)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, s.missing(ctx, ref)
		}
		return nil, err
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

	dstDir := s.StageDir(to)
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "vigil: create %s", dstDir)
	}
	dst := filepath.Join(dstDir, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		if _, serr := os.Stat(src); errors.Is(serr, fs.ErrNotExist) {
			// another mover got there first
			return nil, ErrLostRace
		}
		return nil, errors.Wrapf(ErrDuplicateRecord, "vigil: %s already exists", dst)
	}
	// stage the new content next to the destination before the arbiter rename
	tmp, err := writeTemp(dstDir, data)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(src, dst); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrLostRace
		}
		return nil, errors.Wrapf(err, "vigil: move %s", ref)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return nil, errors.Wrapf(err, "vigil: rewrite %s after move", dst)
	}
	rec.Path = dst
	return rec, nil
}

// missing explains why a record is absent from the expected stage: somebody
// else moved it (lost race) or it never existed.
func (s *FileStore) missing(ctx context.Context, ref Ref) error {
	if _, err := s.Get(ctx, ref); err == nil {
		return ErrLostRace
	}
	return ErrRecordNotFound
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, ref Ref) (*Record, error) {
	var found *Record
	for _, st := range AllStages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, rec, err := s.find(ref, st)
		if errors.Is(err, ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if found != nil {
			s.opts.log.Warnf("record in several stages: ref=%s stages=%s,%s", ref, found.Stage, rec.Stage)
			continue
		}
		found = rec
	}
	if found == nil {
		return nil, ErrRecordNotFound
	}
	return found, nil
}

// find looks for ref inside one stage directory. Files named before the id
// digest was part of the name are still matched by the wider pattern.
func (s *FileStore) find(ref Ref, stage Stage) (string, *Record, error) {
	prefix := filepath.Join(s.StageDir(stage), fmt.Sprintf("%s_%s_", ref.Kind, SanitizeID(ref.ID)))
	for _, pattern := range []string{prefix + idDigest(ref.ID) + "_*" + recordExt, prefix + "*" + recordExt} {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return "", nil, errors.Wrapf(err, "vigil: glob %s", pattern)
		}
		for _, path := range matches {
			rec, err := s.read(path, stage)
			if err != nil {
				// vanished between glob and read, or unreadable; keep looking
				continue
			}
			if rec.ID == ref.ID && rec.Kind == ref.Kind {
				return path, rec, nil
			}
		}
	}
	return "", nil, ErrRecordNotFound
}

func (s *FileStore) read(path string, stage Stage) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec, err := UnmarshalRecord(data)
	if err != nil {
		return nil, errors.Wrapf(err, "vigil: decode %s", path)
	}
	rec.Stage = stage
	rec.Path = path
	return rec, nil
}

// List implements Store. Unreadable files are logged and skipped.
func (s *FileStore) List(ctx context.Context, stage Stage, filter RecordFilter) ([]*Record, error) {
	if _, err := ParseStage(string(stage)); err != nil {
		return nil, err
	}
	paths, err := s.recordFiles(stage)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(paths))
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.read(path, stage)
		switch {
		case errors.Is(err, ErrMalformedRecord):
			// never listed, so never swept or executed, until a human fixes it
			s.opts.log.Errorf("record stuck, cannot be decoded: path=%s err=%v", path, err)
			continue
		case err != nil:
			if !errors.Is(err, fs.ErrNotExist) {
				s.opts.log.Warnf("skipping unreadable record: path=%s err=%v", path, err)
			}
			continue
		}
		if filter == nil || filter(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *FileStore) recordFiles(stage Stage) ([]string, error) {
	dir := s.StageDir(stage)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "vigil: read %s", dir)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	return paths, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, ref Ref, stage Stage) error {
	path, _, err := s.find(ref, stage)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrRecordNotFound
		}
		return errors.Wrapf(err, "vigil: delete %s", path)
	}
	return nil
}

// Reconcile rewrites the status field of records whose file was moved by a
// human so the metadata mirrors the directory again. It returns the number
// of files fixed.
func (s *FileStore) Reconcile(ctx context.Context) (int, error) {
	fixed := 0
	for _, st := range AllStages {
		paths, err := s.recordFiles(st)
		if err != nil {
			return fixed, err
		}
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				return fixed, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			rec, err := UnmarshalRecord(data)
			if err != nil || rec.Stage == st {
				continue
			}
			s.opts.log.Infof("status drift: ref=%s status=%s dir=%s", rec.Ref(), rec.Stage, st)
			rec.Stage = st
			if st == StageApproved && rec.Decision == "" {
				rec.Decision = DecisionApproved
			}
			if st == StageRejected && rec.Decision == "" {
				rec.Decision = DecisionRejected
			}
			out, err := MarshalRecord(rec)
			if err != nil {
				continue
			}
			tmp, err := writeTemp(filepath.Dir(path), out)
			if err != nil {
				return fixed, err
			}
			if _, err := os.Stat(path); err != nil {
				// moved again meanwhile; leave it for the next pass
				_ = os.Remove(tmp)
				continue
			}
			if err := os.Rename(tmp, path); err != nil {
				_ = os.Remove(tmp)
				return fixed, errors.Wrapf(err, "vigil: reconcile %s", path)
			}
			fixed++
		}
	}
	return fixed, nil
}

// writeTemp writes data to a hidden, synced temp file in dir and returns its path.
func writeTemp(dir string, data []byte) (string, error) {
	path := filepath.Join(dir, ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", errors.Wrapf(err, "vigil: create temp in %s", dir)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "vigil: write %s", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrapf(err, "vigil: sync %s", path)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrapf(err, "vigil: close %s", path)
	}
	return path, nil
}

// writeFileAtomic replaces path with data via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "vigil: create %s", dir)
	}
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "vigil: replace %s", path)
	}
	return nil
}
