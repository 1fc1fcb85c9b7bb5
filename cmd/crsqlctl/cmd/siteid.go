package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

var siteIDCmd = &cobra.Command{
	Use:   "site-id <db>",
	Short: "Print the local site identity, creating one on first use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := args[0]

		db, err := openDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		var id crsql.SiteID
		ctx := context.Background()
		err = withState(ctx, db, func(s *crsql.ConnState) error {
			id = s.SiteID()
			return nil
		})
		if err != nil {
			return fmt.Errorf("site-id: %w", err)
		}
		cmd.Println(id.String())
		return nil
	},
}
