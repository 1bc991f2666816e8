package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"oauth-refresher/internal/auth"
	"oauth-refresher/internal/common/errors"
	"oauth-refresher/internal/redis"
)

func newTokenCmd(state *runtimeState) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for a calling service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			authService, err := auth.New(state.config.JWTSecret, nil)
			if err != nil {
				return err
			}
			token, err := authService.GenerateJWT(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "Name of the calling service")
	cmd.Flags().DurationVar(&ttl, "ttl", auth.DefaultTokenTTL, "Token lifetime")
	_ = cmd.MarkFlagRequired("subject")

	return cmd
}

func newRevokeCmd(state *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke an API token before it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := state.config
			if !cfg.RedisEnabled() {
				return errors.ConfigError("REDIS_ADDRESS is required to revoke tokens")
			}

			client, err := redis.NewClient(&redis.Config{
				Address:  cfg.RedisAddress,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDBNumber(),
				PoolSize: cfg.RedisPoolSizeNumber(),
			})
			if err != nil {
				return err
			}
			defer client.Close()

			authService, err := auth.New(cfg.JWTSecret, client)
			if err != nil {
				return err
			}
			if err := authService.RevokeJWT(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Token revoked")
			return nil
		},
	}
}
