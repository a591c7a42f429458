// Package app provides the commands of the ssod daemon.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/giantswarm/sso-core/batch"
	"github.com/giantswarm/sso-core/keys"
)

// version is injected at build time
var version = "dev"

// NewRootCmd creates the ssod command tree. Each call gets its own viper
// instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:               "ssod",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Single sign-on authorization server",
		Long: `ssod is an OAuth 2.0 and OpenID Connect authorization server.

Configuration is read from the file given with --config and can be
overridden with SSO_ environment variables, where nested keys are joined
with underscores (tokens.access_ttl becomes SSO_TOKENS_ACCESS_TTL).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	root.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "text", "Log format (text or json)")
	bindFlag(v, "config", root.PersistentFlags().Lookup("config"))
	bindFlag(v, "log.level", root.PersistentFlags().Lookup("log-level"))
	bindFlag(v, "log.format", root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newValidateCmd(v))
	root.AddCommand(newKeysCmd(v))
	root.AddCommand(newEmergencyCmd(v))
	root.AddCommand(newVersionCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ssod version: %s\n", version)
		},
	}
}

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Catalog != "" {
				cat, err := LoadCatalog(cfg.Catalog)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Catalog %s: %d clients, %d users\n",
					cfg.Catalog, len(cat.Clients), len(cat.Users))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}
}

func newKeysCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active signing key",
		Long: `Generate a new active signing key. The previous key stays published in
the JWKS for keys.overlap so that issued tokens keep verifying.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd.Context(), v, func(ctx context.Context, m *keys.Manager) error {
				kid, err := m.Rotate(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Active signing key: %s\n", kid)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the published JWKS",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withKeys(cmd.Context(), v, func(ctx context.Context, m *keys.Manager) error {
				if err := m.Reload(ctx); err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(m.JWKS())
			})
		},
	})
	return cmd
}

func newEmergencyCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Emergency revocation tooling",
	}

	var initiator string
	confirm := &cobra.Command{
		Use:   "confirm",
		Short: "Mint a confirmation token for an emergency batch job",
		Long: `Mint a single-use confirmation token for an emergency batch job.

The token is signed with confirmation_secret, bound to the administrator
given with --initiator and valid for five minutes. Pass it as
confirmation_token when creating the job. Only holders of the secret can
mint it; the admin API never issues one.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.ConfirmationSecret == "" {
				return fmt.Errorf("emergency confirmation needs confirmation_secret to be configured")
			}
			token, expiresAt, err := batch.IssueConfirmation([]byte(cfg.ConfirmationSecret), cfg.Issuer, initiator, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Confirmation token: %s\nExpires at: %s\n",
				token, expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	confirm.Flags().StringVar(&initiator, "initiator", "", "Administrator user ID that will submit the emergency job")
	_ = confirm.MarkFlagRequired("initiator")
	cmd.AddCommand(confirm)

	return cmd
}

// withKeys opens the configured persistent store and runs fn with a key
// manager on it.
func withKeys(ctx context.Context, v *viper.Viper, fn func(context.Context, *keys.Manager) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != storageSQLite {
		return fmt.Errorf("key management needs a persistent storage backend, got %q", cfg.Storage.Backend)
	}
	logger := newLogger(cfg.Log, nil)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	encryptor, err := newEncryptor(cfg.EncryptionKey)
	if err != nil {
		return err
	}
	m, err := keys.New(st.store, encryptor, cfg.keysConfig(), logger)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}
