package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"example.com/klyne-ingest/internal/auth"
	"example.com/klyne-ingest/internal/domain"
)

func newKeysCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	cmd.AddCommand(
		newKeysCreateCmd(opts),
		newKeysSetActiveCmd(opts, "revoke", "Deactivate an API key", false),
		newKeysSetActiveCmd(opts, "activate", "Reactivate an API key", true),
		newKeysListCmd(opts),
	)
	return cmd
}

func newKeysCreateCmd(opts *rootOptions) *cobra.Command {
	var pkg, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key for a package",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			token, err := domain.GenerateKey(cfg.APIKeyPrefix)
			if err != nil {
				return err
			}
			k, err := store.CreateAPIKey(cmd.Context(), domain.APIKey{
				Key:         token,
				PackageName: pkg,
				Active:      true,
				Description: description,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "id:      %d\npackage: %s\nkey:     %s\n", k.ID, k.PackageName, k.Key)
			return nil
		},
	}
	cmd.Flags().StringVar(&pkg, "package", "", "package the key may submit events for")
	cmd.Flags().StringVar(&description, "description", "", "free-form note")
	_ = cmd.MarkFlagRequired("package")
	return cmd
}

func newKeysSetActiveCmd(opts *rootOptions, use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetAPIKeyActive(cmd.Context(), id, active); err != nil {
				return err
			}
			state := "revoked"
			if active {
				state = "activated"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "key %d %s\n", id, state)
			if !active && cfg.APIKeyCacheTTL > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "running servers may accept it for up to %s\n", cfg.APIKeyCacheTTL)
			}
			return nil
		},
	}
}

func newKeysListCmd(opts *rootOptions) *cobra.Command {
	var pkg string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			keys, err := store.ListAPIKeys(cmd.Context(), pkg)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPACKAGE\tKEY\tACTIVE\tCREATED\tDESCRIPTION")
			for _, k := range keys {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%s\t%s\n",
					k.ID, k.PackageName, auth.Redact(k.Key), k.Active, k.CreatedAt.Format(time.RFC3339), k.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&pkg, "package", "", "only keys for this package")
	return cmd
}
