package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/klyne-ingest/internal/ratelimit"
)

func newWindowsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "windows",
		Short: "Rate limit window housekeeping",
	}
	cmd.AddCommand(newWindowsPurgeCmd(opts))
	return cmd
}

func newWindowsPurgeCmd(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete rate limit windows older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
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

			limiter, err := ratelimit.New(store, ratelimit.Options{Limit: cfg.RateLimit, Window: cfg.RateLimitWindow})
			if err != nil {
				return err
			}
			n, err := limiter.PurgeBefore(cmd.Context(), limiter.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d windows\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "age cutoff")
	return cmd
}
