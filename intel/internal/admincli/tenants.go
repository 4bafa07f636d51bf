package admincli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/netintel/intel/internal/cohort"
)

func (a *App) tenantsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenants",
		Short: "Manage the private tenant directory",
	}

	var file string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Upsert tenants and their cohort attributes from a directory file",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			tenants, err := cohort.LoadDirectory(file)
			if err != nil {
				return err
			}
			if err := s.store.UpsertTenants(ctx, tenants); err != nil {
				return fmt.Errorf("failed to upsert tenants: %w", err)
			}
			fmt.Fprintf(s.out, "synced %d tenants\n", len(tenants))
			return nil
		}),
	}
	syncCmd.Flags().StringVarP(&file, "file", "f", "", "tenant directory yaml")
	_ = syncCmd.MarkFlagRequired("file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: a.withSession(func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error {
			tenants, err := s.store.ListTenants(ctx)
			if err != nil {
				return err
			}
			table := newTable(s.out, "Tenant", "Region", "Size", "Vertical")
			for _, t := range tenants {
				table.Append([]string{string(t.ID), t.Region, t.Size, t.Vertical})
			}
			table.Render()
			return nil
		}),
	}

	cmd.AddCommand(syncCmd, listCmd)
	return cmd
}
