// Command billingctl is the operator tool for the billing database: schema
// migrations, one-off sweeps, manual refunds and catalog inspection.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/PortNumber53/classifieds/backend/internal/app"
	"github.com/PortNumber53/classifieds/backend/internal/config"
	"github.com/PortNumber53/classifieds/backend/internal/logging"
)

type env struct {
	cfg    config.Config
	logger *zap.Logger
	db     *sql.DB
}

var current env

var rootCmd = &cobra.Command{
	Use:           "billingctl",
	Short:         "Operate the classifieds billing backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load("../.env", ".env")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		logger, err := logging.New(cfg.Environment)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		db, err := app.OpenDB(cmd.Context(), cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		current = env{cfg: cfg, logger: logger, db: db}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current.db != nil {
			_ = current.db.Close()
		}
		if current.logger != nil {
			_ = current.logger.Sync()
		}
	},
}

// services builds the full service graph for commands that need more than
// the raw database.
func services(ctx context.Context) (*app.App, error) {
	return app.New(ctx, current.cfg, current.db, current.logger)
}

func main() {
	rootCmd.AddCommand(migrateCmd, sweepCmd, ledgerCmd, catalogCmd, jobsCmd)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
