// Package stage executes the source-side bulk export and streams the
// resulting objects back in. A stager writes one table's rows to the
// object store under a collision-free run/table prefix; the object
// reader chains the staged objects into a single row iterator.
package stage

import (
	"context"
	"strings"
	"time"

	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
)

// StagedObject is one columnar file produced by a bulk export. It is
// exclusively owned by the worker that staged it until cleanup deletes it.
type StagedObject struct {
	Ref    objectstore.Ref `json:"ref"`
	URI    string          `json:"uri"`
	Format string          `json:"format"`
	Table  string          `json:"table"`

	// ApproxRowCount is the export's row estimate, used for progress
	// reporting only
	ApproxRowCount int64 `json:"approx_row_count"`

	// WatermarkLow and WatermarkHigh record the exact replication-column
	// range the export actually covered, in canonical form. The worker
	// derives the next watermark from these, never from wall-clock
	// assumptions, so a size-capped export cannot overrun the cursor.
	WatermarkLow  string `json:"watermark_low,omitempty"`
	WatermarkHigh string `json:"watermark_high,omitempty"`
}

// Stager executes the bulk export for one table plan. Stage blocks until
// the source confirms the export completed; implementations honor the
// context deadline and classify failures as retryable stage errors or
// transient connection errors.
type Stager interface {
	Stage(ctx context.Context, p *plan.TablePlan, watermarkLow string) ([]StagedObject, error)
}

// RowIterator is a pull-based, finite sequence of rows. Next returns
// io.EOF when the sequence is exhausted. Iterators are restartable only
// from the beginning of their objects, never from an arbitrary offset.
type RowIterator interface {
	Next() (models.Row, error)
	Close() error
}

// StagePrefix returns the collision-free object-store prefix for one
// table's staged objects within one run.
func StagePrefix(runID, table string) string {
	safe := strings.ReplaceAll(table, "/", "_")
	return "stage/" + runID + "/" + safe + "/"
}

// StageTimeoutDefault bounds a single export attempt when no timeout is
// configured.
const StageTimeoutDefault = 30 * time.Minute
