// Package proc checks process liveness by pid and names the graceful stop
// signal per platform. The checks never block.
package proc

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ReadPidFile returns the pid stored in path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, errors.Errorf("proc: malformed pid file %s", path)
	}
	return pid, nil
}

// WritePidFile atomically writes pid into path.
func WritePidFile(path string, pid int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return errors.Wrapf(err, "proc: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "proc: replace %s", path)
	}
	return nil
}

// RemovePidFile deletes path if it still holds pid.
func RemovePidFile(path string, pid int) error {
	cur, err := ReadPidFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if cur != pid {
		return nil
	}
	return os.Remove(path)
}
