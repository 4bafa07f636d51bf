// Package admincli implements intel-admin, the operator CLI for tenant
// directory sync, feature flags, the governance audit trail, warning triage
// and telemetry replay.
package admincli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/netintel/intel/internal/bootstrap"
	"github.com/malbeclabs/netintel/intel/internal/governance"
	"github.com/malbeclabs/netintel/intel/internal/store"
	"github.com/malbeclabs/netintel/intel/internal/store/pgstore"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run() ExitCode {
	_ = godotenv.Load()
	if err := (&App{}).RootCmd().Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

// App carries dependencies that tests replace.
type App struct {
	// Store, when set, is used instead of opening the configured backend.
	Store store.Store
	Clock clockwork.Clock
}

func (a *App) RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "intel-admin",
		Short:        "Operator CLI for the network intelligence pipeline.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "set debug logging level")
	flags.String("store", bootstrap.Getenv("INTEL_STORE", bootstrap.StorePostgres), "store backend: postgres or memory (env: INTEL_STORE)")
	flags.String("postgres-dsn", bootstrap.Getenv("INTEL_POSTGRES_DSN", ""), "postgres connection string (env: INTEL_POSTGRES_DSN)")

	rootCmd.AddCommand(
		a.migrateCmd(),
		a.tenantsCmd(),
		a.flagsCmd(),
		a.eventsCmd(),
		a.warningsCmd(),
		a.reviewCmd(),
		a.telemetryCmd(),
	)
	return rootCmd
}

type session struct {
	log   *slog.Logger
	out   io.Writer
	clock clockwork.Clock
	store store.Store
	gate  *governance.Gate
}

type sessionFunc func(ctx context.Context, s *session, cmd *cobra.Command, args []string) error

// withSession opens the store and gate for the duration of one command.
func (a *App) withSession(f sessionFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		log, err := rootLogger(cmd)
		if err != nil {
			return err
		}
		clock := a.Clock
		if clock == nil {
			clock = clockwork.NewRealClock()
		}

		st := a.Store
		if st == nil {
			backend, _ := cmd.Root().PersistentFlags().GetString("store")
			dsn, _ := cmd.Root().PersistentFlags().GetString("postgres-dsn")
			opened, closeStore, err := bootstrap.OpenStore(ctx, log, clock, bootstrap.StoreConfig{Backend: backend, PostgresDSN: dsn})
			if err != nil {
				return err
			}
			defer closeStore()
			st = opened
		}

		gate, err := governance.New(&governance.Config{Logger: log, Store: st, Clock: clock})
		if err != nil {
			return fmt.Errorf("failed to create governance gate: %w", err)
		}

		s := &session{log: log, out: cmd.OutOrStdout(), clock: clock, store: st, gate: gate}
		if err := f(ctx, s, cmd, args); err != nil {
			log.Debug("Command failed", "command", cmd.CommandPath(), "error", err)
			return err
		}
		return nil
	}
}

func rootLogger(cmd *cobra.Command) (*slog.Logger, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	return bootstrap.NewLogger(verbose), nil
}

func (a *App) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := rootLogger(cmd)
			if err != nil {
				return err
			}
			dsn, _ := cmd.Root().PersistentFlags().GetString("postgres-dsn")
			if dsn == "" {
				return errors.New("--postgres-dsn is required for migrate")
			}
			if err := pgstore.Migrate(log, dsn); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
