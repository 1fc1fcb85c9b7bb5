package cmd

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
)

var validate = validator.New()

// tableNameInput validates CLI-supplied table names: plain identifiers
// only, no quoting, whitespace, or schema-qualification games that
// would change the meaning of the DDL/DML strings built around them.
type tableNameInput struct {
	Table string `validate:"required,excludesall=' \"\t\n;()"`
}

func validateTableName(table string) error {
	return validate.Struct(tableNameInput{Table: table})
}

var asCRRCmd = &cobra.Command{
	Use:   "as-crr <db> <table>",
	Short: "Convert a table into a conflict-free replicated relation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, table := args[0], args[1]
		if err := validateTableName(table); err != nil {
			return err
		}

		db, err := openDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		err = withState(ctx, db, func(s *crsql.ConnState) error {
			return crsql.CreateCRR(s, table, false)
		})
		if err != nil {
			return fmt.Errorf("as-crr %s: %w", table, err)
		}
		cmd.Printf("%s is now a CRR\n", table)
		return nil
	},
}
