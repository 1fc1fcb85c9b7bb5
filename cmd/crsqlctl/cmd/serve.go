package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeromegn/cr-sqlite/internal/metrics"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <db>",
	Short: "Expose /healthz and /metrics for a running database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dbPath := args[0]

		db, err := openDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if err := db.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte("unhealthy: " + err.Error()))
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		mux.Handle("/metrics", metrics.NewHandler(2*time.Second))

		server := &http.Server{Addr: serveAddr, Handler: mux}

		stopRefresh := make(chan struct{})
		go refreshVersionGauges(db, stopRefresh)
		defer close(stopRefresh)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

		errCh := make(chan error, 1)
		go func() {
			cmd.Printf("serving on %s\n", serveAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-quit:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":9090", "listen address for /healthz and /metrics")
}

// refreshVersionGauges periodically samples db/site version into the
// Prometheus gauges so /metrics reflects the live database rather than
// only the value at process start.
func refreshVersionGauges(db *sql.DB, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			// The engine derives both the committed db-version and
			// site-version from this site's crsql_site_version row.
			var v int64
			err := db.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(version), 0) FROM crsql_site_version WHERE site_id = crsql_site_id()`).Scan(&v)
			if err != nil {
				slog.Warn("version gauge refresh failed", "error", err)
			} else {
				metrics.SetVersions(v, v)
			}
			cancel()
		}
	}
}
