// Package tributary provides a stage-based bulk replication engine that
// synchronizes tables from operational sources (PostgreSQL, Snowflake) into
// a warehouse sink through an object-store staging area.
//
// Tributary favors bounded memory and restartable progress over raw latency:
//   - Source data is exported to compressed parquet objects in object storage
//     before a single row touches the sink.
//   - Each staged object carries the exact watermark range it covers, so a
//     table's watermark only ever advances over data that is durably applied.
//   - Per-row checksums classify rows as new, changed, or unchanged, turning
//     full re-exports into cheap incremental applies and enabling deletion
//     inference without touching the source twice.
//   - Every table syncs independently under a bounded worker pool; one
//     table's failure never blocks or poisons another.
//
// # Architecture
//
// A run flows through five stages per table:
//
//  1. Plan: the catalog adapter discovers columns and keys, and the planner
//     picks a strategy (incremental past the stored watermark, or full).
//  2. Stage: a source-specific stager exports rows to parquet objects under
//     a run-scoped prefix, recording the covered watermark range.
//  3. Stream: the worker reads staged objects in order, classifies each row
//     against the persisted checksum index, and batches changed rows into
//     the sink, checkpointing a provisional watermark as objects complete.
//  4. Reconcile: on full keyed passes, rows present in the index but absent
//     from the export are deleted from the sink.
//  5. Checkpoint: the final watermark (the staged range high) and the new
//     checksum index are persisted, then staged objects are removed.
//
// # Quick Start
//
// Run a sync from a YAML config:
//
//	import (
//	    "context"
//	    "github.com/tributary-data/tributary/pkg/config"
//	    "github.com/tributary-data/tributary/pkg/runner"
//	)
//
//	cfg, err := config.Load("tributary.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	r := runner.New(cfg)
//	report, err := r.Run(context.Background())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, t := range report.Tables {
//	    fmt.Printf("%s: %s (%d rows)\n", t.Table, t.Status, t.RowsRead)
//	}
//
// Or use the CLI:
//
//	tributary run --config tributary.yaml
//
// # Package Layout
//
//   - pkg/catalog: source metadata discovery (columns, keys, types)
//   - pkg/plan: replication planning and per-table overrides
//   - pkg/stage: client-side and server-side staging exporters
//   - pkg/objectstore: S3 and in-memory staging stores
//   - pkg/format: parquet read/write for staged objects
//   - pkg/checksum: row digests, change detection, watermark encoding
//   - pkg/sink: batched warehouse apply (upsert/delete)
//   - pkg/state: durable per-table sync state and checksum indexes
//   - pkg/worker: the per-table sync state machine and scheduler
//   - pkg/runner: end-to-end run orchestration and reporting
package tributary
