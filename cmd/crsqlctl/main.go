// Command crsqlctl operates a crsqlite-enabled SQLite database: converting
// tables into conflict-free replicated relations, inspecting the local
// site identity, exporting/importing changesets, running host schema
// migrations, and serving a metrics/health endpoint.
package main

import (
	"fmt"
	"os"

	"github.com/jeromegn/cr-sqlite/cmd/crsqlctl/cmd"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cmd.SetVersion(Version, BuildTime, GitCommit)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crsqlctl: %v\n", err)
		os.Exit(1)
	}
}
