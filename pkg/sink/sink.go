package sink

import (
	"context"

	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/state"
)

// Sink applies replicated changes to a destination. Changes queue per
// table; Flush makes one table's queued changes durable, so a worker's
// checkpoint boundary is also a durability boundary for its table and
// only its table. A worker never advances its watermark past rows the
// sink has not flushed for that table.
type Sink interface {
	// Upsert queues an insert-or-replace of the row keyed by the
	// table's primary key.
	Upsert(ctx context.Context, p *plan.TablePlan, row models.Row) error
	// Delete queues removal of the rows identified by the given primary
	// keys. Missing keys are not an error.
	Delete(ctx context.Context, p *plan.TablePlan, keys []models.Row) error
	// Flush makes the table's queued changes durable. A failed flush
	// surfaces to the table owning the queued changes; other tables'
	// queues are untouched.
	Flush(ctx context.Context, p *plan.TablePlan) error
	// Checkpoint notifies the sink that the table's sync state was
	// durably advanced. States arrive in commit order and never
	// regress.
	Checkpoint(ctx context.Context, p *plan.TablePlan, st *state.SyncState) error
	// Close releases the sink's resources.
	Close(ctx context.Context) error
}
