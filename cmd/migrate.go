package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castboard/spotlight/spotlight"
	"github.com/castboard/spotlight/spotlight/database"
	"github.com/castboard/spotlight/spotlight/migration"
	"github.com/spf13/cobra"
)

var (
	migrateMongoURI string
	migrateMongoDB  string
)

var migrateCMD = &cobra.Command{
	Use:   "migrate",
	Short: "Import the legacy document store into Postgres",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := spotlight.LoadConfig(configPath)
		if err != nil {
			return err
		}

		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		db, err := database.New(dbCtx, cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.InitializeSchema(dbCtx); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		migrator, err := migration.NewMigrator(db.BunDB(), migrateMongoURI, migrateMongoDB)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer closeCancel()
			if err := migrator.Close(closeCtx); err != nil {
				slog.Warn("Failed to disconnect legacy store", slog.Any("error", err))
			}
		}()

		if err := migrator.MigrateAll(ctx); err != nil {
			slog.Error("Migration failed", slog.Any("error", err))
			return err
		}

		slog.Info("Migration completed successfully")
		return nil
	},
}

func init() {
	migrateCMD.Flags().StringVar(&migrateMongoURI, "mongo-uri", "mongodb://localhost:27017", "legacy store connection URI")
	migrateCMD.Flags().StringVar(&migrateMongoDB, "mongo-db", "castboard", "legacy database name")
	rootCmd.AddCommand(migrateCMD)
}
