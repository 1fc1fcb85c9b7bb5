package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeromegn/cr-sqlite/internal/database"
)

var migrateDown int

var migrateCmd = &cobra.Command{
	Use:   "migrate <db> <migrations-dir>",
	Short: "Run goose migrations against the host application schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, migrationsDir := args[0], args[1]
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if migrateDown > 0 {
			return database.RunMigrationsDown(dbPath, migrationsDir, migrateDown, logger)
		}
		return database.RunMigrations(dbPath, migrationsDir, logger)
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "roll back this many migrations instead of migrating up")
}
