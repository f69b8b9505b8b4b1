package supervisor

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProcessSpec declares one managed process.
type ProcessSpec struct {
	Name    string
	Command []string
	Enabled bool
	// RestartOnFail restarts the process after a crash. Default true.
	RestartOnFail bool
	// Interval, when set, is handed to the child as VIGIL_INTERVAL.
	Interval time.Duration
	Env      map[string]string
	Dir      string
}

type rawSpec struct {
	Name          string            `yaml:"name"`
	Command       yaml.Node         `yaml:"command"`
	Enabled       *bool             `yaml:"enabled"`
	RestartOnFail *bool             `yaml:"restart_on_fail"`
	Interval      time.Duration     `yaml:"interval"`
	Env           map[string]string `yaml:"env"`
	Dir           string            `yaml:"dir"`
}

// UnmarshalYAML accepts command as a list or a whitespace-separated string
// and defaults enabled and restart_on_fail to true.
func (s *ProcessSpec) UnmarshalYAML(node *yaml.Node) error {
	var raw rawSpec
	if err := node.Decode(&raw); err != nil {
		return err
	}
	var cmd []string
	switch raw.Command.Kind {
	case 0:
	case yaml.ScalarNode:
		cmd = strings.Fields(raw.Command.Value)
	case yaml.SequenceNode:
		if err := raw.Command.Decode(&cmd); err != nil {
			return fmt.Errorf("process %q: command: %w", raw.Name, err)
		}
	default:
		return fmt.Errorf("process %q: command must be a string or a list", raw.Name)
	}
	*s = ProcessSpec{
		Name:          raw.Name,
		Command:       cmd,
		Enabled:       raw.Enabled == nil || *raw.Enabled,
		RestartOnFail: raw.RestartOnFail == nil || *raw.RestartOnFail,
		Interval:      raw.Interval,
		Env:           raw.Env,
		Dir:           raw.Dir,
	}
	return nil
}

// Validate checks a list of specs for missing fields and duplicate names.
func Validate(specs []ProcessSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if s.Name == "" {
			return fmt.Errorf("supervisor: process #%d has no name", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("supervisor: duplicate process %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(s.Command) == 0 {
			return fmt.Errorf("supervisor: process %q has no command", s.Name)
		}
	}
	return nil
}
