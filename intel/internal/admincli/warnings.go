package admincli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/netintel/intel/internal/domain"
)

func (a *App) warningsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warnings",
		Short: "Triage tenant early warnings",
	}

	var status string
	listCmd := &cobra.Command{
		Use:   "list TENANT",
		Short: "List a tenant's early warnings, highest score first",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			var filter domain.WarningStatus
			if status != "" {
				var err error
				if filter, err = domain.ParseWarningStatus(status); err != nil {
					return err
				}
			}
			warnings, err := s.store.ListWarnings(ctx, domain.TenantID(args[0]), filter)
			if err != nil {
				return err
			}
			table := newTable(s.out, "Pattern", "Cohort", "Score", "Status", "Last Match", "Rationale")
			for _, w := range warnings {
				table.Append([]string{
					w.PatternID,
					string(w.CohortKey),
					fmt.Sprintf("%.2f", w.MatchScore),
					string(w.Status),
					formatTime(w.LastMatchedAt),
					w.Rationale,
				})
			}
			table.Render()
			return nil
		}),
	}
	listCmd.Flags().StringVar(&status, "status", "", "only warnings with this status (open, acknowledged, dismissed)")

	cmd.AddCommand(
		listCmd,
		a.transitionCmd("ack", "Acknowledge a warning", domain.WarningAcknowledged),
		a.transitionCmd("dismiss", "Dismiss a warning", domain.WarningDismissed),
		a.transitionCmd("reopen", "Reopen a warning", domain.WarningOpen),
	)
	return cmd
}

func (a *App) transitionCmd(use, short string, status domain.WarningStatus) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   use + " TENANT PATTERN",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			w, err := s.gate.TransitionWarning(ctx, domain.TenantID(args[0]), args[1], status, actor, reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(s.out, "%s %s\n", w.PatternID, w.Status)
			return nil
		}),
	}
	actorFlag(cmd, &actor)
	cmd.Flags().StringVar(&reason, "reason", "", "why the status changes")
	return cmd
}

func (a *App) reviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect work units that exhausted their retries",
	}

	var since time.Duration
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List review items",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			items, err := s.store.ListReviewItems(ctx, s.clock.Now().Add(-since))
			if err != nil {
				return err
			}
			table := newTable(s.out, "Stage", "Unit", "Hour", "Reason", "Flagged")
			for _, it := range items {
				table.Append([]string{it.Stage, it.Unit, formatTime(it.HourBucket), it.Reason, formatTime(it.CreatedAt)})
			}
			table.Render()
			return nil
		}),
	}
	listCmd.Flags().DurationVar(&since, "since", 24*time.Hour, "only items flagged within this duration")

	cmd.AddCommand(listCmd)
	return cmd
}
