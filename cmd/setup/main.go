package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/eleven-am/stylestream/internal/bootstrap"
	"github.com/eleven-am/stylestream/internal/settings"
	"github.com/spf13/cobra"
)

const defaultDSN = "file:stylestream.db"

func newRootCmd() *cobra.Command {
	var dsn string

	root := &cobra.Command{
		Use:          "stylestream-setup",
		Short:        "Configure the stylestream API key and data-sharing consent",
		SilenceUsage: true,
	}

	dsnDefault := os.Getenv("SETTINGS_DSN")
	if dsnDefault == "" {
		dsnDefault = defaultDSN
	}
	root.PersistentFlags().StringVar(&dsn, "dsn", dsnDefault, "settings database DSN (sqlite path or postgres URL)")

	open := func() (*settings.Store, error) {
		db, err := bootstrap.OpenDatabase(dsn)
		if err != nil {
			return nil, fmt.Errorf("open settings database: %w", err)
		}
		store := settings.NewStore(db)
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("migrate settings: %w", err)
		}
		return store, nil
	}

	root.AddCommand(
		newShowCmd(open),
		newKeyCmd(open),
		newServerCmd(open),
		newConsentCmd(open),
	)
	return root
}

type storeOpener func() (*settings.Store, error)

func printSettings(w io.Writer, s *settings.Settings) {
	key := "not configured"
	if s.HasAPIKey() {
		key = s.APIKeyPrefix
	}
	server := s.ServerURL
	if server == "" {
		server = "(default)"
	}
	fmt.Fprintf(w, "API key:               %s\n", key)
	fmt.Fprintf(w, "Server URL:            %s\n", server)
	fmt.Fprintf(w, "Setup complete:        %t\n", s.SetupComplete)
	fmt.Fprintf(w, "Accepted terms:        %t\n", s.AcceptedTerms)
	fmt.Fprintf(w, "Share usage analytics: %t\n", s.ShareUsageAnalytics)
	fmt.Fprintf(w, "Share training data:   %t\n", s.ShareTrainingData)
	fmt.Fprintf(w, "Store captures online: %t\n", s.StoreCapturesOnline)
}

func newShowCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			s, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}
}

func newKeyCmd(open storeOpener) *cobra.Command {
	key := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored API key",
	}

	key.AddCommand(&cobra.Command{
		Use:   "set <api-key>",
		Short: "Store an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			s, err := store.SetAPIKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key saved (%s)\n", s.APIKeyPrefix)
			return nil
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			if _, err := store.ClearAPIKey(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed")
			return nil
		},
	})
	return key
}

func newServerCmd(open storeOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "server <url>",
		Short: "Store the stylization server URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			s, err := store.SetServerURL(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL set to %s\n", s.ServerURL)
			return nil
		},
	}
}

func newConsentCmd(open storeOpener) *cobra.Command {
	var (
		acceptTerms bool
		consent     settings.Consent
	)

	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Accept the terms and record data-sharing choices",
		Long: `Consent records the terms acceptance and data-sharing choices. Setup is
marked complete once the terms are accepted and an API key is stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if acceptTerms {
				if _, err := store.AcceptTerms(ctx); err != nil {
					return err
				}
			}
			s, err := store.SaveConsent(ctx, consent)
			if err != nil {
				return err
			}
			if s.AcceptedTerms && s.HasAPIKey() && !s.SetupComplete {
				if s, err = store.SetSetupComplete(ctx, true); err != nil {
					return err
				}
			}
			printSettings(cmd.OutOrStdout(), s)
			return nil
		},
	}

	cmd.Flags().BoolVar(&acceptTerms, "accept-terms", false, "accept the terms of service")
	cmd.Flags().BoolVar(&consent.ShareUsageAnalytics, "share-usage", false, "share anonymous usage analytics")
	cmd.Flags().BoolVar(&consent.ShareTrainingData, "share-training", false, "allow captures to be used as training data")
	cmd.Flags().BoolVar(&consent.StoreCapturesOnline, "store-captures", false, "record stylized frames to the frame store")
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
