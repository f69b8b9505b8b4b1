package vigil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

const auditDayLayout = "2006-01-02"

// AuditEntry is one line of the daily audit log.
type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Kind   Kind      `json:"kind,omitempty"`
	ID     string    `json:"id,omitempty"`
	From   Stage     `json:"from,omitempty"`
	To     Stage     `json:"to,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// AuditLog persists transitions to one JSON array file per UTC day. Several
// processes append to the same file, so every append runs under an
// exclusive lock: read, merge, write temp, rename.
type AuditLog struct {
	dir     string
	locker  Locker
	timeout time.Duration
	now     func() time.Time
	enc     Encoder
	log     Logger
}

// AuditOption customizes an AuditLog.
type AuditOption func(*AuditLog)

// WithAuditClock overrides the clock used to stamp entries and pick the day file.
func WithAuditClock(clock func() time.Time) AuditOption {
	return func(a *AuditLog) { a.now = clock }
}

// WithAuditLockTimeout sets how long Append waits for the file lock. Default 5s.
func WithAuditLockTimeout(d time.Duration) AuditOption {
	return func(a *AuditLog) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAuditLogger sets the logger used when a corrupt day file is set aside.
func WithAuditLogger(l Logger) AuditOption {
	return func(a *AuditLog) { a.log = orNop(l) }
}

// NewAuditLog creates an audit log writing into dir.
func NewAuditLog(dir string, locker Locker, opts ...AuditOption) *AuditLog {
	a := &AuditLog{
		dir:     dir,
		locker:  locker,
		timeout: 5 * time.Second,
		now:     time.Now,
		enc:     defaultEncoder,
		log:     NopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Path returns the file backing the given day.
func (a *AuditLog) Path(day time.Time) string {
	return filepath.Join(a.dir, day.UTC().Format(auditDayLayout)+".json")
}

// Append adds an entry to today's file. A lock timeout is returned as
// ErrLockTimeout; callers log it and move on.
func (a *AuditLog) Append(ctx context.Context, e AuditEntry) error {
	if a == nil {
		return nil
	}
	if e.Time.IsZero() {
		e.Time = a.now()
	}
	e.Time = e.Time.UTC()
	path := a.Path(e.Time)
	return WithExclusiveLock(ctx, a.locker, filepath.Base(path), a.timeout, func() error {
		entries, err := a.read(path)
		switch {
		case errors.Is(err, ErrCorruptFile):
			// keep the undecodable file for a human instead of overwriting it
			aside := fmt.Sprintf("%s.corrupt-%d", path, a.now().UnixNano())
			a.log.Warnf("audit log corrupt; moved aside: path=%s aside=%s err=%v", path, aside, err)
			if rerr := os.Rename(path, aside); rerr != nil {
				return errors.Wrapf(rerr, "vigil: set aside %s", path)
			}
			entries = nil
		case err != nil:
			return err
		}
		entries = append(entries, e)
		data, err := a.enc.Encode(entries)
		if err != nil {
			return errors.Wrap(err, "vigil: encode audit log")
		}
		return writeFileAtomic(path, data)
	})
}

// Entries returns every entry recorded on the given day.
func (a *AuditLog) Entries(day time.Time) ([]AuditEntry, error) {
	return a.read(a.Path(day))
}

// Tail returns up to n of today's most recent entries.
func (a *AuditLog) Tail(n int) []AuditEntry {
	if a == nil || n <= 0 {
		return nil
	}
	entries, err := a.Entries(a.now())
	if err != nil || len(entries) == 0 {
		return nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}

func (a *AuditLog) read(path string) ([]AuditEntry, error) {
	var entries []AuditEntry
	if _, err := ReadJSONFile(a.enc, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
