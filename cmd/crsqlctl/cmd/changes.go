package cmd

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	changesSinceDBVersion int64
	changesSinceSiteID    string
	changesFormat         string
	changesOut            string
)

var changesCmd = &cobra.Command{
	Use:   "changes <db>",
	Short: "Export tracked changes as a serialized batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := args[0]

		db, err := openDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		batch, err := exportChanges(context.Background(), db, changesSinceDBVersion, changesSinceSiteID)
		if err != nil {
			return fmt.Errorf("changes: %w", err)
		}

		encoded, err := encodeBatch(batch, changesFormat)
		if err != nil {
			return err
		}

		if changesOut == "" {
			cmd.Print(string(encoded))
			return nil
		}
		return os.WriteFile(changesOut, encoded, 0o644)
	},
}

func init() {
	changesCmd.Flags().Int64Var(&changesSinceDBVersion, "since-db-version", 0, "only include changes with db_version greater than this")
	changesCmd.Flags().StringVar(&changesSinceSiteID, "since-site-id", "", "hex site id to filter by (optional)")
	changesCmd.Flags().StringVar(&changesFormat, "format", "json", "output format: json or yaml")
	changesCmd.Flags().StringVar(&changesOut, "out", "", "write to this file instead of stdout")
}

// exportChanges drives the crsql_changes virtual table directly over
// database/sql: it is the exported read surface, so a plain SELECT is
// enough, no raw connection needed.
func exportChanges(ctx context.Context, db *sql.DB, sinceDBVersion int64, sinceSiteIDHex string) (changeBatch, error) {
	query := `SELECT tbl, pk, cid, val, col_version, db_version, site_id, cl, seq, site_version
		FROM crsql_changes WHERE db_version > ?`
	args := []any{sinceDBVersion}
	if sinceSiteIDHex != "" {
		raw, err := hex.DecodeString(sinceSiteIDHex)
		if err != nil {
			return changeBatch{}, fmt.Errorf("invalid --since-site-id: %w", err)
		}
		query += " AND site_id = ?"
		args = append(args, raw)
	}
	query += " ORDER BY db_version, seq"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return changeBatch{}, fmt.Errorf("query crsql_changes: %w", err)
	}
	defer rows.Close()

	var batch changeBatch
	for rows.Next() {
		var (
			table                                      string
			pk, siteID                                 []byte
			cid                                         int
			val                                         any
			colVersion, dbVersion, cl, seq, siteVersion int64
		)
		if err := rows.Scan(&table, &pk, &cid, &val, &colVersion, &dbVersion, &siteID, &cl, &seq, &siteVersion); err != nil {
			return changeBatch{}, fmt.Errorf("scan crsql_changes row: %w", err)
		}
		batch.Changes = append(batch.Changes, changeRecordDTO{
			Table:       table,
			PK:          hex.EncodeToString(pk),
			CID:         cid,
			Value:       val,
			ColVersion:  colVersion,
			DBVersion:   dbVersion,
			SiteID:      hex.EncodeToString(siteID),
			CL:          cl,
			Seq:         seq,
			SiteVersion: siteVersion,
		})
	}
	return batch, rows.Err()
}

func encodeBatch(batch changeBatch, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(batch)
	case "json", "":
		return json.MarshalIndent(batch, "", "  ")
	default:
		return nil, fmt.Errorf("unknown format %q, want json or yaml", format)
	}
}

func decodeBatch(data []byte, format string) (changeBatch, error) {
	var batch changeBatch
	switch format {
	case "yaml":
		err := yaml.Unmarshal(data, &batch)
		return batch, err
	default:
		err := json.Unmarshal(data, &batch)
		return batch, err
	}
}
