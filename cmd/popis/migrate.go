package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erazemk/popis/internal/db"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply pending schema migrations and exit. serve does the same on
startup, so this is only needed to prepare a database ahead of time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := setup()
		if err != nil {
			return err
		}
		defer rt.close()

		version, err := db.SchemaVersion(rt.db)
		if err != nil {
			return err
		}
		if latest := db.LatestVersion(); version != latest {
			return fmt.Errorf("database is at schema version %d, expected %d", version, latest)
		}
		rt.logger.Info("database ready", zap.String("path", rt.cfg.Database.Path), zap.Int("schema_version", version))
		fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema version %d\n", rt.cfg.Database.Path, version)
		return nil
	},
}
