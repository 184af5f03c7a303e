package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/inkwell/internal/config"
	"github.com/zulandar/inkwell/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Storage management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the state tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			gormDB, err := db.OpenAndMigrate(cfg.Storage)
			if err != nil {
				return err
			}
			defer db.Close(gormDB)

			target := cfg.Storage.Path
			if cfg.Storage.Driver != config.DriverSQLite {
				target = cfg.Storage.Driver
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d tables in %s\n", len(db.AllModels()), target)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}
