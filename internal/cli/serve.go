package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"oauth-refresher/internal/app"
	"oauth-refresher/internal/common/logging"
)

func newServeCmd(state *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the proactive refresh sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.config
			if err := cfg.ValidateServe(); err != nil {
				logging.Error("Configuration validation failed", err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logging.Info("Starting oauth-refresher",
				logging.Field{Key: "version", Value: Version},
				logging.Field{Key: "database_type", Value: cfg.DatabaseType},
			)

			application, err := app.New(ctx, cfg)
			if err != nil {
				logging.Error("Failed to initialize application", err)
				return err
			}
			defer application.Close()

			return application.Serve(ctx)
		},
	}
}

func newMigrateCmd(state *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the connection store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.config.ValidateStorage(); err != nil {
				return err
			}
			if err := app.Migrate(cmd.Context(), state.config); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}
