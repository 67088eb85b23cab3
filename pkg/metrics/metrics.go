// Package metrics exposes Prometheus metrics for the replication
// engine. Metric registration happens at init through promauto; the
// worker and runner record through the package-level vectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsRead counts rows decoded from staged objects.
	// Labels: table
	RowsRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_rows_read_total",
			Help: "Rows read from staged objects",
		},
		[]string{"table"},
	)

	// RowsApplied counts rows that reached the sink, split by outcome.
	// Labels: table, outcome (upserted/deleted/skipped)
	RowsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_rows_applied_total",
			Help: "Rows applied to the sink by outcome",
		},
		[]string{"table", "outcome"},
	)

	// TablesSynced counts table syncs by final status.
	// Labels: status (succeeded/failed/skipped)
	TablesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_tables_synced_total",
			Help: "Table syncs by final status",
		},
		[]string{"status"},
	)

	// StageDuration tracks how long the staging phase of a table sync
	// takes, including retries.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tributary_stage_duration_seconds",
			Help:    "Staging phase duration per table",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"table"},
	)

	// SyncDuration tracks end-to-end table sync duration.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tributary_sync_duration_seconds",
			Help:    "End-to-end sync duration per table",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
		},
		[]string{"table"},
	)

	// StageRetries counts staging attempt retries.
	StageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_stage_retries_total",
			Help: "Staging attempts retried after a retryable failure",
		},
		[]string{"table"},
	)

	// ActiveWorkers gauges how many table syncs are in flight.
	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tributary_active_workers",
			Help: "Table syncs currently in flight",
		},
	)

	// Checkpoints counts committed checkpoints, split between
	// mid-stream provisional checkpoints and final watermark commits.
	Checkpoints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tributary_checkpoints_total",
			Help: "Committed checkpoints by kind (provisional/final)",
		},
		[]string{"table", "kind"},
	)
)

// Outcome labels for RowsApplied
const (
	OutcomeUpserted = "upserted"
	OutcomeDeleted  = "deleted"
	OutcomeSkipped  = "skipped"
)

// Timer measures one duration and feeds it to a histogram on Stop
type Timer struct {
	start time.Time
	obs   prometheus.Observer
}

// NewTimer starts a timer against the given observer
func NewTimer(obs prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), obs: obs}
}

// Stop records the elapsed time and returns it
func (t *Timer) Stop() time.Duration {
	d := time.Since(t.start)
	t.obs.Observe(d.Seconds())
	return d
}
