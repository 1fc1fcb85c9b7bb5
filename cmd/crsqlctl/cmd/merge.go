package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/jeromegn/cr-sqlite/internal/crsql"
	"github.com/jeromegn/cr-sqlite/internal/metrics"
)

var (
	mergeFormat    string
	mergeRateLimit float64
	mergeBurst     int
)

var mergeCmd = &cobra.Command{
	Use:   "merge <db> <changes-file>",
	Short: "Apply a serialized change batch from a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath, changesFile := args[0], args[1]

		data, err := os.ReadFile(changesFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", changesFile, err)
		}

		format := mergeFormat
		if format == "" {
			format = formatFromExt(changesFile)
		}
		batch, err := decodeBatch(data, format)
		if err != nil {
			return fmt.Errorf("decode %s: %w", changesFile, err)
		}

		records, err := toChangeRecords(batch)
		if err != nil {
			return err
		}

		db, err := openDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

			// Bounds how fast a single peer's batch can be fed through
			// Merge, independent of how large the file is.
		limiter := rate.NewLimiter(rate.Limit(mergeRateLimit), mergeBurst)

		var stats crsql.MergeStats
		ctx := context.Background()
		err = withState(ctx, db, func(s *crsql.ConnState) error {
			for _, r := range records {
				if !limiter.Allow() {
					metrics.IngestThrottled.Inc()
					if werr := limiter.Wait(ctx); werr != nil {
						return werr
					}
				}
				one, err := crsql.MergeWithStats(s, []crsql.ChangeRecord{r})
				if err != nil {
					return err
				}
				stats.Accepted += one.Accepted
				stats.Dropped += one.Dropped
				stats.Resurrected += one.Resurrected
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}

		metrics.RecordMerge(stats.Accepted, stats.Dropped, stats.Resurrected)
		cmd.Printf("accepted=%d dropped=%d resurrected=%d\n", stats.Accepted, stats.Dropped, stats.Resurrected)
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringVar(&mergeFormat, "format", "", "input format: json or yaml (default: infer from file extension)")
	mergeCmd.Flags().Float64Var(&mergeRateLimit, "rate", 500, "max change records applied per second")
	mergeCmd.Flags().IntVar(&mergeBurst, "burst", 50, "burst size for the ingest rate limiter")
}

func formatFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func toChangeRecords(batch changeBatch) ([]crsql.ChangeRecord, error) {
	records := make([]crsql.ChangeRecord, 0, len(batch.Changes))
	for i, dto := range batch.Changes {
		pk, err := hex.DecodeString(dto.PK)
		if err != nil {
			return nil, fmt.Errorf("change %d: invalid pk hex: %w", i, err)
		}
		siteIDBytes, err := hex.DecodeString(dto.SiteID)
		if err != nil {
			return nil, fmt.Errorf("change %d: invalid site_id hex: %w", i, err)
		}
		var siteID crsql.SiteID
		if len(siteIDBytes) != len(siteID) {
			return nil, fmt.Errorf("change %d: site_id must decode to %d bytes, got %d", i, len(siteID), len(siteIDBytes))
		}
		copy(siteID[:], siteIDBytes)

		records = append(records, crsql.ChangeRecord{
			Table:       dto.Table,
			PK:          pk,
			CID:         dto.CID,
			Value:       dto.Value,
			ColVersion:  crsql.ColumnVersion(dto.ColVersion),
			DBVersion:   crsql.DBVersion(dto.DBVersion),
			SiteID:      siteID,
			CL:          dto.CL,
			Seq:         crsql.Seq(dto.Seq),
			SiteVersion: crsql.SiteVersion(dto.SiteVersion),
		})
	}
	return records, nil
}
