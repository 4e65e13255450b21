package cmd

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/halcyonsec/shadowmap/internal/config"
	"github.com/halcyonsec/shadowmap/internal/observability"
	"github.com/halcyonsec/shadowmap/internal/store"
)

// newStatsCmd creates the `stats` command, which aggregates counters across
// every task in the configured database.
func newStatsCmd() *cobra.Command {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints aggregate counters across all stored scan tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("stats requires a database (SHADOWMAP_DATABASE_URL)")
			}

			dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer dbPool.Close()

			pg, err := store.NewPostgres(ctx, dbPool, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize database store: %w", err)
			}

			stats, err := pg.Stats(ctx)
			if err != nil {
				return fmt.Errorf("aggregating stats: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}
	return statsCmd
}
