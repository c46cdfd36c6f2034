package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/classifieds/backend/internal/app"
	"github.com/PortNumber53/classifieds/backend/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations, repairing a dirty schema once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.Migrate(current.db, current.logger); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return printVersion(cmd)
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force <version>",
	Short: "Record a schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[0])
		}
		if err := migrations.ForceVersion(current.db, uint(v)); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateFixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Roll a dirty schema back to its last clean version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.FixDirtyDatabase(current.db, current.logger); err != nil {
			return err
		}
		return printVersion(cmd)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) error {
	v, dirty, err := migrations.Version(current.db)
	if err != nil {
		return err
	}
	cmd.Printf("schema version %d (dirty: %t)\n", v, dirty)
	return nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateForceCmd, migrateFixCmd, migrateStatusCmd)
}
