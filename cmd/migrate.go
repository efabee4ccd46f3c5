package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"biome-tales/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update tables and seed the biome catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			store, err := storage.Open(cfg.Database, log)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.AutoMigrate(); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			if err := store.SeedBiomes(cmd.Context(), cfg.Biomes); err != nil {
				return fmt.Errorf("seed biomes: %w", err)
			}

			log.Info("migration complete",
				zap.String("driver", cfg.Database.Driver),
				zap.Int("biomes", len(cfg.Biomes)),
			)
			return nil
		},
	}
}
