package admincli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/netintel/intel/internal/bootstrap"
	"github.com/malbeclabs/netintel/intel/internal/domain"
)

var errAuditMismatch = errors.New("flag record does not match the audit trail")

func actorFlag(cmd *cobra.Command, actor *string) {
	cmd.Flags().StringVar(actor, "actor", bootstrap.Getenv("INTEL_ACTOR", ""), "operator identity recorded in the audit trail (env: INTEL_ACTOR)")
}

func (a *App) flagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "Inspect and change tenant feature flags",
	}

	getCmd := &cobra.Command{
		Use:   "get TENANT",
		Short: "Show a tenant's feature flags",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			flags, err := s.store.GetFlags(ctx, domain.TenantID(args[0]))
			if err != nil {
				return err
			}
			table := newTable(s.out, "Flag", "Enabled")
			for _, name := range domain.FlagNames {
				table.Append([]string{string(name), strconv.FormatBool(flags.Get(name))})
			}
			table.Render()
			return nil
		}),
	}

	var actor, reason string
	setCmd := &cobra.Command{
		Use:   "set TENANT FLAG=BOOL...",
		Short: "Change feature flags and record the change in the audit trail",
		Args:  cobra.MinimumNArgs(2),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			patch, err := parseFlagAssignments(args[1:])
			if err != nil {
				return err
			}
			events, err := s.gate.PatchFlags(ctx, domain.TenantID(args[0]), patch, actor, reason)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(s.out, "no change")
				return nil
			}
			for _, e := range events {
				fmt.Fprintf(s.out, "%s %s\n", e.ID, describeEvent(e))
			}
			return nil
		}),
	}
	actorFlag(setCmd, &actor)
	setCmd.Flags().StringVar(&reason, "reason", "", "why the change is made")

	verifyCmd := &cobra.Command{
		Use:   "verify TENANT",
		Short: "Check that every flag value is explained by the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			discrepancies, err := s.gate.VerifyAuditTrail(ctx, domain.TenantID(args[0]))
			if err != nil {
				return err
			}
			if len(discrepancies) == 0 {
				fmt.Fprintln(s.out, "audit trail consistent")
				return nil
			}
			for _, d := range discrepancies {
				fmt.Fprintln(s.out, d.String())
			}
			return fmt.Errorf("%w: %d discrepancies", errAuditMismatch, len(discrepancies))
		}),
	}

	cmd.AddCommand(getCmd, setCmd, verifyCmd)
	return cmd
}

func parseFlagAssignments(args []string) (map[domain.FlagName]bool, error) {
	patch := make(map[domain.FlagName]bool, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("expected FLAG=BOOL, got %q", arg)
		}
		flag, err := domain.ParseFlagName(name)
		if err != nil {
			return nil, err
		}
		v, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("flag %s: %w", name, err)
		}
		patch[flag] = v
	}
	return patch, nil
}

func (a *App) eventsCmd() *cobra.Command {
	var (
		eventType string
		actor     string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events TENANT",
		Short: "List a tenant's governance events, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			filter := domain.EventFilter{EventType: eventType, Actor: actor, Limit: limit}
			if since > 0 {
				filter.Since = s.clock.Now().Add(-since)
			}
			events, err := s.gate.ListEvents(ctx, domain.TenantID(args[0]), filter)
			if err != nil {
				return err
			}
			table := newTable(s.out, "Time", "Actor", "Type", "Change", "Context")
			for _, e := range events {
				table.Append([]string{formatTime(e.CreatedAt), e.Actor, e.EventType, describeEvent(e), e.Context})
			}
			table.Render()
			return nil
		}),
	}
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type")
	cmd.Flags().StringVar(&actor, "actor", "", "only events by this actor")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events, 0 for all")
	return cmd
}

// describeEvent renders the sanitized details of known event types.
func describeEvent(e domain.GovernanceEvent) string {
	switch e.EventType {
	case domain.EventFlagChanged:
		return fmt.Sprintf("%v: %v -> %v", e.Details["flag"], e.Details["previous"], e.Details["value"])
	case domain.EventWarningStatusChanged:
		return fmt.Sprintf("%v: %v -> %v", e.Details["pattern_id"], e.Details["previous"], e.Details["status"])
	}
	return e.EventType
}
