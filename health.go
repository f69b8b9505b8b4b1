package vigil

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// HealthStatus is the self-reported condition of a watcher.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	// HealthFailing means the last poll failed with a non-auth error.
	HealthFailing HealthStatus = "failing"
	// HealthDegraded means auth failures crossed the threshold; a human
	// has to fix credentials. The loop keeps polling meanwhile.
	HealthDegraded HealthStatus = "degraded"
	HealthStopped  HealthStatus = "stopped"
)

// WatcherHealth is the snapshot a watcher publishes for the orchestrator.
type WatcherHealth struct {
	Name                    string        `json:"name"`
	Status                  HealthStatus  `json:"status"`
	Pid                     int           `json:"pid,omitempty"`
	LastPoll                time.Time     `json:"last_poll,omitempty"`
	LastSuccess             time.Time     `json:"last_success,omitempty"`
	LastError               string        `json:"last_error,omitempty"`
	LastErrorCategory       ErrorCategory `json:"last_error_category,omitempty"`
	ConsecutiveFailures     int           `json:"consecutive_failures"`
	ConsecutiveAuthFailures int           `json:"consecutive_auth_failures"`
	Materialized            int           `json:"materialized"`
	Duplicates              int           `json:"duplicates"`
	Skipped                 int           `json:"skipped"`
	UpdatedAt               time.Time     `json:"updated_at"`
}

// HealthReporter publishes watcher health.
type HealthReporter interface {
	Report(ctx context.Context, h WatcherHealth) error
}

// FileHealthReporter writes one JSON file per watcher into dir. Each file has
// a single writer, so a plain atomic replace is enough.
type FileHealthReporter struct {
	dir string
	pid int
	enc Encoder
}

// NewFileHealthReporter creates a reporter writing into dir.
func NewFileHealthReporter(dir string) *FileHealthReporter {
	return &FileHealthReporter{dir: dir, pid: os.Getpid(), enc: defaultEncoder}
}

// HealthPath returns the health file of watcher name inside dir.
func HealthPath(dir, name string) string {
	return filepath.Join(dir, SanitizeID(name)+".json")
}

// Report implements HealthReporter.
func (r *FileHealthReporter) Report(_ context.Context, h WatcherHealth) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return errors.Wrapf(err, "vigil: create %s", r.dir)
	}
	if h.Pid == 0 {
		h.Pid = r.pid
	}
	return WriteJSONFile(r.enc, HealthPath(r.dir, h.Name), h)
}

// ReadHealth loads the last snapshot written by watcher name. A missing file
// yields ok=false and no error.
func ReadHealth(dir, name string) (WatcherHealth, bool, error) {
	var h WatcherHealth
	ok, err := ReadJSONFile(defaultEncoder, HealthPath(dir, name), &h)
	return h, ok, err
}
