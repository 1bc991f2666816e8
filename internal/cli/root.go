// Package cli implements the oauth-refresher command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"oauth-refresher/internal/common/logging"
	"oauth-refresher/internal/config"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0"

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	EnvFile string
	Verbose bool
	JSON    bool
}

type runtimeState struct {
	flags  GlobalFlags
	config *config.Config
}

// NewRootCmd builds the command tree. Each call returns an independent tree
// with its own flag state.
func NewRootCmd() *cobra.Command {
	state := &runtimeState{}

	root := &cobra.Command{
		Use:   "oauth-refresher",
		Short: "Keeps accounting-provider OAuth tokens valid",
		Long: `oauth-refresher hands out valid Xero access tokens for stored tenant
connections, refreshing them under a per-connection lock and deactivating
connections whose refresh grant is gone.

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnvFile(state.flags.EnvFile); err != nil {
				return err
			}
			state.config = config.Load()

			// One-shot commands keep stdout for their own output.
			level := state.config.LogLevel
			if cmd.Name() != "serve" && !state.flags.Verbose {
				level = "error"
			}
			return logging.InitGlobalLogger(level, state.config.LogFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.MustSync()
		},
	}

	root.PersistentFlags().StringVar(&state.flags.EnvFile, "env-file", ".env", "Path to a dotenv file")
	root.PersistentFlags().BoolVarP(&state.flags.Verbose, "verbose", "v", false, "Enable log output for one-shot commands")
	root.PersistentFlags().BoolVar(&state.flags.JSON, "json", false, "Output in JSON format")

	root.AddCommand(
		newServeCmd(state),
		newMigrateCmd(state),
		newRefreshCmd(state),
		newHealthCmd(state),
		newImportCmd(state),
		newTokenCmd(state),
		newRevokeCmd(state),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of oauth-refresher",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oauth-refresher %s (%s %s/%s)\n",
				Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
