// Package cmd implements the crsqlctl command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "crsqlctl",
	Short: "Operate a crsqlite-enabled SQLite database",
	Long: `crsqlctl drives a SQLite database through the crsqlite extension:
converting tables into conflict-free replicated relations, inspecting the
local site identity, exporting and importing changesets, running host
schema migrations, and serving a metrics/health endpoint.

Examples:
  crsqlctl as-crr app.db todos
  crsqlctl site-id app.db
  crsqlctl changes app.db --since-db-version 10 --format json
  crsqlctl merge app.db changes.json
  crsqlctl migrate app.db ./migrations
  crsqlctl serve app.db --addr :9090
`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion records build-time version metadata for the version command.
func SetVersion(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("crsqlctl %s (commit %s, built %s)\n", version, gitCommit, buildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(asCRRCmd)
	rootCmd.AddCommand(siteIDCmd)
	rootCmd.AddCommand(changesCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(serveCmd)
}
