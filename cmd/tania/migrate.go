package main

import (
	"github.com/spf13/cobra"

	"github.com/taniahq/tania/pkg/db"
	"github.com/taniahq/tania/pkg/db/migrations"
	"github.com/taniahq/tania/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPool)
		if err != nil {
			return err
		}
		defer database.Close()

		runner := db.NewMigrationRunner(database)
		if err := runner.Run(ctx, migrations.All(migrations.Options{
			EmbeddingDimensions: cfg.Embedding.Dimensions,
			HNSWM:               cfg.Vector.HNSWM,
			HNSWEfConstruction:  cfg.Vector.HNSWEfConstruction,
		})); err != nil {
			return err
		}
		logger.G(ctx).Info("migrations applied")
		return nil
	},
}
