// Command popis runs the stock audit server and its maintenance tasks.
package main

import (
	"database/sql"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/config"
	"github.com/erazemk/popis/internal/db"
	"github.com/erazemk/popis/internal/logging"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "popis",
	Short: "Warehouse stock audits and lot reconciliation",
	Long: `popis records physical stock counts in audit sessions and merges them
into the canonical lot store when a session is closed.

Settings come from an optional YAML file, a .env file and POPIS_ environment
variables such as POPIS_SERVER_ADDR or POPIS_DATABASE_PATH.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
}

// app is what every subcommand needs: settings, a logger and the database.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *sql.DB
	close  func()
}

// setup loads configuration, builds the logger and opens the migrated
// database. The caller must call close.
func setup() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		closeLog()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		close: func() {
			database.Close()
			closeLog()
		},
	}, nil
}
