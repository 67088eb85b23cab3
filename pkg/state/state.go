// Package state persists per-table sync progress: the watermark, the
// checksum index and the table's sync status. The store is the unit of
// resumability; workers only ever touch their own table's records, which
// is what makes the scheduler safe without cross-worker locking.
package state

import (
	"context"
	"time"

	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/plan"
)

// Status is the lifecycle status of a table sync
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// SyncState is one table's persisted sync record. It is created when the
// table is scheduled, mutated only by the owning worker, and retained
// after completion for audit and resumability.
type SyncState struct {
	Table string `json:"table"`

	// Watermark is the last durably committed replication-column value,
	// in canonical string form. Empty for full-only tables and before
	// the first successful incremental pass.
	Watermark string `json:"watermark,omitempty"`

	// ProvisionalWatermark tracks mid-pass progress. It bounds
	// reprocessing after a crash but never becomes authoritative; only
	// the final checkpoint promotes it to Watermark.
	ProvisionalWatermark string `json:"provisional_watermark,omitempty"`

	RowsProcessed    int64     `json:"rows_processed"`
	Status           Status    `json:"status"`
	LastCheckpointAt time.Time `json:"last_checkpoint_at,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`

	// LastError records why the previous attempt failed, if it did
	LastError string `json:"last_error,omitempty"`

	// Plan is the plan the table last synced under, kept so the planner
	// can hold the strategy stable across runs.
	Plan *plan.TablePlan `json:"plan,omitempty"`
}

// Store persists sync state and checksum indexes per table. Writes to
// different tables never conflict; implementations must make Save durable
// before returning.
type Store interface {
	// Load returns the table's state, or nil when the table has never
	// been synced
	Load(ctx context.Context, table string) (*SyncState, error)
	// Save durably writes the table's state
	Save(ctx context.Context, st *SyncState) error
	// LoadIndex returns the table's checksum index, empty when absent
	LoadIndex(ctx context.Context, table string) (checksum.Index, error)
	// SaveIndex durably writes the table's checksum index
	SaveIndex(ctx context.Context, table string, ix checksum.Index) error
	// Close releases the store
	Close() error
}
