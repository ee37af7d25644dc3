package main

import (
	"github.com/spf13/cobra"

	"taskboard/db"
	"taskboard/internal/store"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the PostgreSQL schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync()
			sqlDB, err := openMigrationDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := store.ApplyMigrations(cmd.Context(), sqlDB, db.Migrations()); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every applied migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync()
			sqlDB, err := openMigrationDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer sqlDB.Close()
			if err := store.RollbackMigrations(cmd.Context(), sqlDB, db.Migrations()); err != nil {
				return err
			}
			logger.Info("migrations rolled back")
			return nil
		},
	})
	return cmd
}
