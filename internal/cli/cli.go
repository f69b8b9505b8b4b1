// Package cli wires the vigil binaries: watchers, sweeper, orchestrator,
// watchdog and the human-facing approval commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/UniQw/vigil/internal/config"
	"github.com/UniQw/vigil/internal/log"
	"github.com/UniQw/vigil/supervisor"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the vigil command tree. The config path defaults to
// $VIGIL_CONFIG, then ./vigil.yaml.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "vigil",
		Short:         "File-backed automation backbone with human approval",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	def := os.Getenv("VIGIL_CONFIG")
	if def == "" {
		def = config.FileName
	}
	rootCmd.PersistentFlags().String("config", def, "path to vigil.yaml")
	SetupCLI(rootCmd)
	return rootCmd
}

// SetupCLI registers every subcommand on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		initCmd(),
		orchestratorCmd(),
		watchdogCmd(),
		watchCmd(),
		sweepCmd(),
		statusCmd(),
		resetCmd(),
		listCmd(),
		requestCmd(),
		approveCmd(),
		rejectCmd(),
		auditCmd(),
	)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the vault layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if created {
				outf(cmd, "Wrote %s\n", path)
			} else {
				outf(cmd, "Config %s already exists; left untouched\n", path)
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			outf(cmd, "Vault ready at %s\n", a.cfg.Vault)
			return nil
		},
	}
}

func orchestratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Supervise the configured watcher and sweeper processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			procs := a.cfg.Orchestrator.Processes
			if len(procs) == 0 {
				procs = defaultProcesses(a.cfg, exe)
			}
			oc := a.cfg.Orchestrator
			o, err := supervisor.New(supervisor.Config{
				Processes:      procs,
				HealthInterval: oc.HealthInterval,
				MaxRestarts:    oc.MaxRestarts,
				RestartWindow:  oc.RestartWindow,
				StopGrace:      oc.StopGrace,
				StatusFile:     a.statusFile(),
				PidFile:        a.pidFile(),
				ControlDir:     a.controlDir(),
				HealthDir:      a.healthDir(),
				Logger:         logger("orchestrator"),
			}, childLauncher(cmd))
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return o.Run(ctx)
		},
	}
}

func watchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Keep the orchestrator running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			command := a.cfg.Watchdog.Command
			if len(command) == 0 {
				exe, err := os.Executable()
				if err != nil {
					return err
				}
				command = []string{exe, "orchestrator"}
			}
			wd := supervisor.NewWatchdog(supervisor.WatchdogConfig{
				Orchestrator: supervisor.ProcessSpec{
					Name:          "orchestrator",
					Command:       command,
					Enabled:       true,
					RestartOnFail: true,
				},
				PidFile:   a.pidFile(),
				Interval:  a.cfg.Watchdog.Interval,
				StopGrace: a.cfg.Orchestrator.StopGrace + 5*time.Second,
				Logger:    logger("watchdog"),
			}, childLauncher(cmd))
			ctx, stop := signalContext(cmd)
			defer stop()
			return wd.Run(ctx)
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <name>",
		Short: "Run one configured watcher until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			w, err := a.watcher(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd)
			defer stop()
			return w.Run(ctx)
		},
	}
}

// childLauncher starts children with the same config file the parent used.
func childLauncher(cmd *cobra.Command) *supervisor.ExecLauncher {
	path, _ := cmd.Flags().GetString("config")
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &supervisor.ExecLauncher{
		Env:    []string{"VIGIL_CONFIG=" + path},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// defaultProcesses runs every configured watcher plus the sweeper when the
// config lists no processes.
func defaultProcesses(cfg *config.Config, exe string) []supervisor.ProcessSpec {
	names := make([]string, 0, len(cfg.Watchers))
	for name := range cfg.Watchers {
		names = append(names, name)
	}
	sort.Strings(names)
	specs := make([]supervisor.ProcessSpec, 0, len(names)+1)
	for _, name := range names {
		specs = append(specs, supervisor.ProcessSpec{
			Name:          name,
			Command:       []string{exe, "watch", name},
			Enabled:       true,
			RestartOnFail: true,
			Interval:      cfg.Watchers[name].Interval,
		})
	}
	specs = append(specs, supervisor.ProcessSpec{
		Name:          "sweeper",
		Command:       []string{exe, "sweep"},
		Enabled:       true,
		RestartOnFail: true,
	})
	log.GetLogger().Debugf("Using default process list: %d processes", len(specs))
	return specs
}

func outf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func outln(cmd *cobra.Command, s string) {
	fmt.Fprintln(cmd.OutOrStdout(), s)
}
