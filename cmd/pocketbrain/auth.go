package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pocketbrain/pocketbrain/pkg/auth"
	"github.com/pocketbrain/pocketbrain/pkg/config"
)

func newAuthCmd() *cobra.Command {
	authCmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored OAuth credentials",
	}

	authCmd.AddCommand(&cobra.Command{
		Use:       "login [anthropic|openai]",
		Short:     "Run the browser-based OAuth PKCE flow for a provider and store the resulting credential",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"anthropic", "openai"},
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			var cfg auth.OAuthProviderConfig
			switch provider {
			case "anthropic":
				cfg = auth.AnthropicOAuthConfig()
			case "openai":
				cfg = auth.OpenAIOAuthConfig()
			default:
				return fmt.Errorf("unknown provider %q, expected anthropic or openai", provider)
			}

			appCfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if err := auth.Configure(appCfg.CredentialsPath()); err != nil {
				return fmt.Errorf("configuring credential storage: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			cred, err := auth.RunLoginFlow(ctx, cfg, func(url string) {
				fmt.Fprintf(cmd.OutOrStdout(), "Open this URL to finish login:\n\n  %s\n\n", url)
			})
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			if err := auth.SetCredential(provider, cred); err != nil {
				return fmt.Errorf("storing credential: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s credential.\n", provider)
			return nil
		},
	})

	return authCmd
}
