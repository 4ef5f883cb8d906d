package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sudooom.im.livechat/internal/config"
	"sudooom.im.livechat/internal/db/migrate"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down]",
	Short: "Apply or roll back the embedded PostgreSQL migrations",
	Long: `Apply or roll back the SQL migrations embedded in the binary against
database.postgres. The pebble driver needs no migrations.

Example usage:
  livechat migrate up
  LIVECHAT_DATABASE_POSTGRES_DSN=postgres://... livechat migrate down`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("database.driver is %q, migrations only apply to %q", cfg.Database.Driver, config.DriverPostgres)
	}
	if err := migrate.Run(cfg.PostgresDSN(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
	return nil
}
