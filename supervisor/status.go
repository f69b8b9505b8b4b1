package supervisor

import (
	"io/fs"
	"time"

	"github.com/UniQw/vigil"
	"github.com/pkg/errors"
)

// ProcessStatus is the externally visible state of one managed process.
type ProcessStatus struct {
	Name         string               `json:"name"`
	State        ProcessState         `json:"state"`
	Pid          int                  `json:"pid,omitempty"`
	RestartCount int                  `json:"restart_count"`
	StartedAt    time.Time            `json:"started_at,omitempty"`
	Uptime       time.Duration        `json:"uptime"`
	LastCheck    time.Time            `json:"last_check,omitempty"`
	LastExit     string               `json:"last_exit,omitempty"`
	Health       *vigil.WatcherHealth `json:"health,omitempty"`
}

// Snapshot is the status file written by a running orchestrator.
type Snapshot struct {
	Pid       int             `json:"pid"`
	UpdatedAt time.Time       `json:"updated_at"`
	Processes []ProcessStatus `json:"processes"`
}

var statusEncoder vigil.Encoder = &vigil.JSONEncoder{}

// WriteSnapshot atomically replaces path with snap.
func WriteSnapshot(path string, snap Snapshot) error {
	return errors.Wrap(vigil.WriteJSONFile(statusEncoder, path, snap), "supervisor: write status")
}

// ReadSnapshot loads the status file at path. A missing file is reported as
// fs.ErrNotExist.
func ReadSnapshot(path string) (Snapshot, error) {
	var snap Snapshot
	ok, err := vigil.ReadJSONFile(statusEncoder, path, &snap)
	if err != nil {
		return snap, errors.Wrap(err, "supervisor: read status")
	}
	if !ok {
		return snap, errors.Wrapf(fs.ErrNotExist, "supervisor: read %s", path)
	}
	return snap, nil
}
