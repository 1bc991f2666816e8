package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"oauth-refresher/internal/app"
	"oauth-refresher/internal/common/utils"
	"oauth-refresher/internal/common/validation"
	"oauth-refresher/internal/connections"
	"oauth-refresher/internal/crypto"
	"oauth-refresher/internal/oauth2"
	"oauth-refresher/internal/storage"
)

type refreshOutput struct {
	ConnectionID string    `json:"connection_id"`
	AccessToken  string    `json:"access_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Refreshed    bool      `json:"refreshed"`
}

func newRefreshCmd(state *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <connection-id>",
		Short: "Return a valid access token for a connection, refreshing it if needed",
		Long: `Runs the same code path as the HTTP token endpoint once. The access
token is printed masked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.config.Validate(); err != nil {
				return err
			}

			application, err := app.New(cmd.Context(), state.config)
			if err != nil {
				return err
			}
			defer application.Close()

			token, err := application.Engine.GetValidAccessToken(cmd.Context(), args[0])
			if err != nil {
				if failure, ok := oauth2.AsRefreshFailure(err); ok && failure.ShouldDeactivate {
					return fmt.Errorf("%w (the tenant must reconnect)", err)
				}
				return err
			}

			out := refreshOutput{
				ConnectionID: args[0],
				AccessToken:  utils.MaskToken(token.Value),
				ExpiresAt:    token.ExpiresAt.UTC(),
				Refreshed:    token.Refreshed,
			}
			if state.flags.JSON {
				return printJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Connection:   %s\n", out.ConnectionID)
			fmt.Fprintf(w, "Access token: %s\n", out.AccessToken)
			fmt.Fprintf(w, "Expires at:   %s (in %s)\n", out.ExpiresAt.Format(time.RFC3339),
				time.Until(out.ExpiresAt).Round(time.Second))
			fmt.Fprintf(w, "Refreshed:    %t\n", out.Refreshed)
			if token.PersistErr != nil {
				fmt.Fprintf(w, "Warning:      %s\n", token.PersistErr.Message)
			}
			return nil
		},
	}
}

func newHealthCmd(state *runtimeState) *cobra.Command {
	return &cobra.Command{
		Use:   "health <connection-id>",
		Short: "Report token expiry and status for a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.config.ValidateStorage(); err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), state)
			if err != nil {
				return err
			}
			defer store.Close()

			conn, err := store.Fetch(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			status := oauth2.CheckConnectionHealth(conn)
			if state.flags.JSON {
				return printJSON(cmd.OutOrStdout(), status)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Connection: %s (tenant %s)\n", status.ConnectionID, status.TenantRef)
			fmt.Fprintf(w, "Active:     %t\n", status.IsActive)
			fmt.Fprintf(w, "Healthy:    %t\n", status.IsHealthy)
			fmt.Fprintf(w, "Expires:    %s (%d minutes)\n", status.ExpiresAt.UTC().Format(time.RFC3339), status.MinutesUntilExpiry)
			for _, warning := range status.Warnings {
				fmt.Fprintf(w, "Warning:    %s\n", warning)
			}
			return nil
		},
	}
}

type importOptions struct {
	ID           string        `json:"id" validate:"max=128"`
	TenantRef    string        `json:"tenant" validate:"notblank,max=255"`
	TenantID     string        `json:"xero-tenant-id" validate:"max=255"`
	TenantName   string        `json:"xero-tenant-name" validate:"max=255"`
	AccessToken  string        `json:"access-token" validate:"notblank"`
	RefreshToken string        `json:"refresh-token" validate:"notblank"`
	ExpiresIn    time.Duration `json:"expires-in" validate:"gt=0"`
}

func newImportCmd(state *runtimeState) *cobra.Command {
	opts := &importOptions{}

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Store a connection from an existing token pair",
		Long: `Creates an active connection from tokens obtained elsewhere, for
example by the consent flow of another service. Tokens are encrypted with
TOKEN_ENCRYPTION_KEY before they are stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := state.config.ValidateStorage(); err != nil {
				return err
			}
			if err := validation.Struct(opts); err != nil {
				return err
			}

			cipher, err := crypto.NewTokenCipher(state.config.EncryptionKey)
			if err != nil {
				return err
			}
			access, err := cipher.Encrypt(opts.AccessToken)
			if err != nil {
				return err
			}
			refresh, err := cipher.Encrypt(opts.RefreshToken)
			if err != nil {
				return err
			}

			store, err := openStore(cmd.Context(), state)
			if err != nil {
				return err
			}
			defer store.Close()

			conn := &connections.Connection{
				ID:                 opts.ID,
				TenantRef:          opts.TenantRef,
				Provider:           connections.ProviderXero,
				ProviderTenantID:   opts.TenantID,
				ProviderTenantName: opts.TenantName,
				AccessToken:        access,
				RefreshToken:       refresh,
				ExpiresAt:          time.Now().Add(opts.ExpiresIn),
				IsActive:           true,
			}
			if err := store.Create(cmd.Context(), conn); err != nil {
				return err
			}

			if state.flags.JSON {
				return printJSON(cmd.OutOrStdout(), conn)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported connection %s for tenant %s\n", conn.ID, conn.TenantRef)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "Connection id (generated when empty)")
	cmd.Flags().StringVar(&opts.TenantRef, "tenant", "", "Internal tenant reference")
	cmd.Flags().StringVar(&opts.TenantID, "xero-tenant-id", "", "Xero tenant id")
	cmd.Flags().StringVar(&opts.TenantName, "xero-tenant-name", "", "Xero organisation name")
	cmd.Flags().StringVar(&opts.AccessToken, "access-token", "", "Current access token")
	cmd.Flags().StringVar(&opts.RefreshToken, "refresh-token", "", "Current refresh token")
	cmd.Flags().DurationVar(&opts.ExpiresIn, "expires-in", 30*time.Minute, "Remaining access token lifetime")
	return cmd
}

// openStore opens the configured repository with its schema up to date.
func openStore(ctx context.Context, state *runtimeState) (connections.Repository, error) {
	store, err := storage.Open(ctx, state.config)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(store); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
