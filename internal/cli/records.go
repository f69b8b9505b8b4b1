package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/internal/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue approval requests, fix status drift and prune old records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			once, _ := cmd.Flags().GetBool("once")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			sc := a.cfg.Sweep
			if once {
				ctx := cmd.Context()
				res, err := a.approvals.SweepExpired(ctx)
				if err != nil {
					return err
				}
				outf(cmd, "Expired %d, lost races %d, failed %d\n", res.Expired, res.LostRaces, res.Failed)
				if rc, ok := a.store.(vigil.Reconciler); ok {
					n, err := rc.Reconcile(ctx)
					if err != nil {
						return err
					}
					outf(cmd, "Reconciled %d records\n", n)
				}
				if sc.Retention > 0 {
					n, err := a.approvals.Prune(ctx, sc.Retention)
					if err != nil {
						return err
					}
					outf(cmd, "Pruned %d records\n", n)
				}
				return nil
			}
			s := vigil.NewSweeper(a.approvals, vigil.SweeperConfig{
				ExpiryInterval:    sc.ExpiryInterval,
				ReconcileInterval: sc.ReconcileInterval,
				PruneInterval:     sc.PruneInterval,
				Retention:         sc.Retention,
				Logger:            logger("sweeper"),
			})
			ctx, stop := signalContext(cmd)
			defer stop()
			s.Start()
			<-ctx.Done()
			s.Stop()
			return nil
		},
	}
	cmd.Flags().Bool("once", false, "run a single pass and exit")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [stage]",
		Short: "List records in a stage (default needs_action)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stage := vigil.StageNeedsAction
			if len(args) == 1 {
				st, err := vigil.ParseStage(args[0])
				if err != nil {
					return errors.Wrapf(err, "%q", args[0])
				}
				stage = st
			}
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			recs, err := a.store.List(cmd.Context(), stage, nil)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				outf(cmd, "No records in %s.\n", stage.Dir())
				return nil
			}
			outf(cmd, "%s:\n", stage.Dir())
			for _, r := range recs {
				line := fmt.Sprintf("- %s [%s] %s", r.Ref(), r.Priority, r.CreatedAt.Format(time.RFC3339))
				if t := r.Field("title"); t != "" {
					line += " " + t
				}
				if !r.ExpiresAt.IsZero() {
					line += " (expires " + r.ExpiresAt.Format(time.RFC3339) + ")"
				}
				if r.Reason != "" {
					line += " reason=" + r.Reason
				}
				if r.Error != "" {
					line += " error=" + r.Error
				}
				outln(cmd, line)
			}
			return nil
		},
	}
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request <title>",
		Short: "Create an approval request in Pending_Approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			id, _ := flags.GetString("id")
			action, _ := flags.GetString("action")
			prio, _ := flags.GetString("priority")
			expireIn, _ := flags.GetDuration("expire-in")
			body, _ := flags.GetString("body")
			actor, _ := flags.GetString("actor")
			fields, _ := flags.GetStringArray("field")

			p, err := vigil.ParsePriority(prio)
			if err != nil {
				return errors.Wrapf(err, "%q", prio)
			}
			title := args[0]
			if body == "" {
				body = "# " + title + "\n"
			}
			opts := []vigil.Option{
				vigil.RecordID(id),
				vigil.WithPriority(p),
				vigil.ExpireIn(expireIn),
				vigil.WithBody(body),
				vigil.RequestedBy(actor),
				vigil.WithField("title", title),
			}
			if action != "" {
				opts = append(opts, vigil.Action(action))
			}
			for _, kv := range fields {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return errors.Errorf("invalid --field %q, want key=value", kv)
				}
				opts = append(opts, vigil.WithField(k, v))
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := a.approvals.Request(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			msg := fmt.Sprintf("Created %s in %s", rec.Ref(), rec.Stage.Dir())
			if !rec.ExpiresAt.IsZero() {
				msg += ", expires " + rec.ExpiresAt.Format(time.RFC3339)
			}
			outln(cmd, msg)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("id", "", "record id (default: random uuid)")
	f.String("action", "", "action the executor runs once approved")
	f.String("priority", string(vigil.PriorityMedium), "critical, high, medium or low")
	f.Duration("expire-in", 0, "auto-reject after this long (0 = never)")
	f.String("body", "", "markdown body")
	f.String("actor", "cli", "requesting actor")
	f.StringArray("field", nil, "extra key=value field (repeatable)")
	return cmd
}

func approveCmd() *cobra.Command {
	return decisionCmd("approve", "Approve a pending request", func(a *app, cmd *cobra.Command, ref vigil.Ref, actor, reason string) (*vigil.Record, error) {
		return a.approvals.Approve(cmd.Context(), ref, actor, reason)
	})
}

func rejectCmd() *cobra.Command {
	return decisionCmd("reject", "Reject a pending request", func(a *app, cmd *cobra.Command, ref vigil.Ref, actor, reason string) (*vigil.Record, error) {
		return a.approvals.Reject(cmd.Context(), ref, actor, reason)
	})
}

type decideFunc func(a *app, cmd *cobra.Command, ref vigil.Ref, actor, reason string) (*vigil.Record, error)

func decisionCmd(use, short string, decide decideFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <kind:id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := vigil.ParseRef(args[0])
			if err != nil {
				return err
			}
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			rec, err := decide(a, cmd, ref, actor, reason)
			switch {
			case errors.Is(err, vigil.ErrExpired):
				outf(cmd, "%s had expired and was rejected\n", ref)
				return err
			case err != nil:
				log.GetLogger().Errorf("Failed to %s %s: %v", use, ref, err)
				return err
			}
			outf(cmd, "%s moved to %s by %s\n", rec.Ref(), rec.Stage.Dir(), rec.DecidedBy)
			return nil
		},
	}
	cmd.Flags().String("actor", "human", "who decided")
	cmd.Flags().String("reason", "", "reason recorded with the decision")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, _ := cmd.Flags().GetString("day")
			tail, _ := cmd.Flags().GetInt("tail")
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			var entries []vigil.AuditEntry
			if day != "" {
				t, err := time.Parse("2006-01-02", day)
				if err != nil {
					return errors.Wrapf(err, "invalid --day %q", day)
				}
				if entries, err = a.audit.Entries(t); err != nil {
					return err
				}
				if tail > 0 && len(entries) > tail {
					entries = entries[len(entries)-tail:]
				}
			} else {
				entries = a.audit.Tail(tail)
			}
			if len(entries) == 0 {
				outln(cmd, "No audit entries.")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s %-10s %-9s %s:%s", e.Time.Format(time.RFC3339), e.Actor, e.Action, e.Kind, e.ID)
				if e.From != "" || e.To != "" {
					line += fmt.Sprintf(" %s -> %s", e.From, e.To)
				}
				if e.Reason != "" {
					line += " reason=" + e.Reason
				}
				outln(cmd, line)
			}
			return nil
		},
	}
	cmd.Flags().String("day", "", "UTC day to show (YYYY-MM-DD); default today")
	cmd.Flags().Int("tail", 20, "show at most this many entries")
	return cmd
}
