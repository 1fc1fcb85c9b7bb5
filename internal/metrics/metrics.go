// Package metrics exposes Prometheus metrics for the crsqlite engine:
// capture operations, merge accept/drop counts, clock table size, and
// current db/site version.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureOperationsTotal counts capture trigger invocations by
	// operation (insert/update/delete) and table.
	CaptureOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crsql",
			Subsystem: "capture",
			Name:      "operations_total",
			Help:      "Total capture trigger invocations by operation and table",
		},
		[]string{"operation", "table"},
	)

	// MergeRecordsTotal counts merged change records by outcome
	// (accepted, dropped, resurrected).
	MergeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "crsql",
			Subsystem: "merge",
			Name:      "records_total",
			Help:      "Total change records processed by Merge, by outcome",
		},
		[]string{"outcome"},
	)

	// MergeDuration tracks Merge call latency in seconds.
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "crsql",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Merge call duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	// ClockTableRows tracks the row count of a table's clock table.
	ClockTableRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "crsql",
			Subsystem: "clock",
			Name:      "table_rows",
			Help:      "Row count of a user table's clock (shadow) table",
		},
		[]string{"table"},
	)

	// DBVersion exposes the current committed db-version.
	DBVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crsql",
			Subsystem: "clock",
			Name:      "db_version",
			Help:      "Current committed db-version",
		},
	)

	// SiteVersion exposes the current committed site-version.
	SiteVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "crsql",
			Subsystem: "clock",
			Name:      "site_version",
			Help:      "Current committed site-version for this site",
		},
	)

	// IngestThrottled counts merge calls the ingest rate limiter made
	// wait for a token before they ran.
	IngestThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "crsql",
			Subsystem: "merge",
			Name:      "ingest_throttled_total",
			Help:      "Total merge calls delayed by the ingest rate limiter",
		},
	)
)

// RecordCapture records a capture trigger invocation.
func RecordCapture(operation, table string) {
	CaptureOperationsTotal.WithLabelValues(operation, table).Inc()
}

// RecordMerge records merge outcomes from a MergeStats result.
func RecordMerge(accepted, dropped, resurrected int) {
	if accepted > 0 {
		MergeRecordsTotal.WithLabelValues("accepted").Add(float64(accepted))
	}
	if dropped > 0 {
		MergeRecordsTotal.WithLabelValues("dropped").Add(float64(dropped))
	}
	if resurrected > 0 {
		MergeRecordsTotal.WithLabelValues("resurrected").Add(float64(resurrected))
	}
}

// SetClockTableRows sets the observed row count for a table's clock table.
func SetClockTableRows(table string, rows int64) {
	ClockTableRows.WithLabelValues(table).Set(float64(rows))
}

// SetVersions sets the db/site version gauges.
func SetVersions(db, site int64) {
	DBVersion.Set(float64(db))
	SiteVersion.Set(float64(site))
}
