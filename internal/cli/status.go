package cli

import (
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/internal/proc"
	"github.com/UniQw/vigil/supervisor"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	stateStyle = map[supervisor.ProcessState]lipgloss.Style{
		supervisor.StateRunning:  lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")),
		supervisor.StateStarting: lipgloss.NewStyle().Foreground(lipgloss.Color("#AAAAAA")),
		supervisor.StateCrashed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB74D")),
		supervisor.StateDegraded: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B")),
		supervisor.StateStopped:  lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
	}
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show managed processes, watcher health and stage counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			snap, err := supervisor.ReadSnapshot(a.statusFile())
			switch {
			case errors.Is(err, fs.ErrNotExist):
				outln(cmd, dimStyle.Render("Orchestrator has not written a status file yet."))
			case err != nil:
				return err
			default:
				outln(cmd, renderSnapshot(snap, proc.Alive(snap.Pid), time.Now()))
			}

			counts := make([]string, 0, len(vigil.AllStages))
			for _, st := range vigil.AllStages {
				recs, err := a.store.List(cmd.Context(), st, nil)
				if err != nil {
					return err
				}
				counts = append(counts, fmt.Sprintf("%s=%d", st.Dir(), len(recs)))
			}
			outln(cmd, headStyle.Render("Records"))
			outln(cmd, strings.Join(counts, "  "))
			return nil
		},
	}
}

// renderSnapshot lays out one row per process.
func renderSnapshot(snap supervisor.Snapshot, alive bool, now time.Time) string {
	title := fmt.Sprintf("Orchestrator pid %d, updated %s ago", snap.Pid, now.Sub(snap.UpdatedAt).Round(time.Second))
	if !alive {
		title += " (not running)"
	}
	cols := []int{16, 10, 8, 9, 12, 30}
	cell := func(i int, s string) string {
		return lipgloss.NewStyle().Width(cols[i]).Render(s)
	}
	lines := []string{
		headStyle.Render(title),
		headStyle.Render(cell(0, "NAME") + cell(1, "STATE") + cell(2, "PID") + cell(3, "RESTARTS") + cell(4, "UPTIME") + cell(5, "HEALTH")),
	}
	for _, p := range snap.Processes {
		state := string(p.State)
		if st, ok := stateStyle[p.State]; ok {
			state = st.Render(state)
		}
		pid := "-"
		if p.Pid > 0 {
			pid = fmt.Sprint(p.Pid)
		}
		health := "-"
		if h := p.Health; h != nil {
			health = string(h.Status)
			if h.ConsecutiveAuthFailures > 0 {
				health += fmt.Sprintf(" auth_failures=%d", h.ConsecutiveAuthFailures)
			}
		}
		lines = append(lines, cell(0, p.Name)+cell(1, state)+cell(2, pid)+cell(3, fmt.Sprint(p.RestartCount))+cell(4, p.Uptime.Round(time.Second).String())+cell(5, health))
		if p.LastExit != "" && p.State != supervisor.StateRunning {
			lines = append(lines, dimStyle.Render("  last exit: "+p.LastExit))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <name>",
		Short: "Ask the running orchestrator to restart a degraded process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := supervisor.RequestReset(a.controlDir(), args[0]); err != nil {
				return err
			}
			outf(cmd, "Reset of %s requested; applied on the orchestrator's next health check\n", args[0])
			return nil
		},
	}
}
