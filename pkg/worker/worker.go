// Package worker runs the per-table sync state machine and the bounded
// scheduler that fans tables out across workers. Each table sync moves
// through staging, streaming, reconciling and checkpointing; state is
// isolated per table so one failure never blocks its siblings.
package worker

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/metrics"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/retry"
	"github.com/tributary-data/tributary/pkg/sink"
	"github.com/tributary-data/tributary/pkg/stage"
	"github.com/tributary-data/tributary/pkg/state"
)

// Phase names the step a table sync is in. Transitions run strictly
// forward; Failed is reachable from every non-terminal phase.
type Phase string

const (
	PhasePending       Phase = "pending"
	PhaseStaging       Phase = "staging"
	PhaseStreaming     Phase = "streaming"
	PhaseReconciling   Phase = "reconciling"
	PhaseCheckpointing Phase = "checkpointing"
	PhaseSucceeded     Phase = "succeeded"
	PhaseFailed        Phase = "failed"
)

const defaultCheckpointRows = 50000

// Result is the outcome of one table sync
type Result struct {
	Table         string        `json:"table"`
	Phase         Phase         `json:"phase"`
	RowsRead      int64         `json:"rows_read"`
	Upserted      int64         `json:"upserted"`
	Deleted       int64         `json:"deleted"`
	Skipped       int64         `json:"skipped"`
	SkippedGroups int           `json:"skipped_groups,omitempty"`
	Watermark     string        `json:"watermark,omitempty"`
	Duration      time.Duration `json:"duration"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
}

// Options tunes a worker
type Options struct {
	// CheckpointRows commits a provisional checkpoint after this many
	// streamed rows
	CheckpointRows int64
	// StageRetry governs retries of failed staging attempts
	StageRetry *retry.Policy
}

// Worker syncs one table at a time through the full state machine
type Worker struct {
	stager stage.Stager
	store  objectstore.Store
	sink   sink.Sink
	states state.Store
	runID  string
	opts   Options
}

// New creates a worker. The sink and state store may be shared across
// workers; both are safe for concurrent use.
func New(stager stage.Stager, store objectstore.Store, snk sink.Sink, states state.Store, runID string, opts Options) *Worker {
	if opts.CheckpointRows <= 0 {
		opts.CheckpointRows = defaultCheckpointRows
	}
	if opts.StageRetry == nil {
		opts.StageRetry = retry.DefaultPolicy()
	}
	return &Worker{
		stager: stager,
		store:  store,
		sink:   snk,
		states: states,
		runID:  runID,
		opts:   opts,
	}
}

// Sync replicates one table. It always returns a Result; Result.Err is
// set when the sync failed, and the table's persisted state reflects the
// failure.
func (w *Worker) Sync(ctx context.Context, p *plan.TablePlan) *Result {
	start := time.Now()
	ctx = logger.ContextWithRun(ctx, w.runID, p.Table)
	lg := logger.WithContext(ctx)
	res := &Result{Table: p.Table, Phase: PhasePending}

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()
	defer func() {
		res.Duration = time.Since(start)
		metrics.SyncDuration.WithLabelValues(p.Table).Observe(res.Duration.Seconds())
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
	}()

	st, priorIndex, err := w.loadState(ctx, p)
	if err != nil {
		return w.fail(ctx, lg, st, res, err)
	}

	// STAGING
	res.Phase = PhaseStaging
	objects, err := w.stageWithRetry(ctx, lg, p, st.Watermark)
	if err != nil {
		return w.fail(ctx, lg, st, res, err)
	}

	if len(objects) == 0 && p.Strategy == plan.StrategyIncremental {
		lg.Info("no changes since last watermark", zap.String("watermark", st.Watermark))
		res.Watermark = st.Watermark
		if err := w.succeed(ctx, lg, p, st, res, priorIndex, nil); err != nil {
			return w.fail(ctx, lg, st, res, err)
		}
		res.Phase = PhaseSucceeded
		metrics.TablesSynced.WithLabelValues("succeeded").Inc()
		return res
	}

	fullPass := p.Strategy == plan.StrategyFull
	detector := checksum.NewDetector(p.Columns, p.PrimaryKey, priorIndex, fullPass)

	// STREAMING
	res.Phase = PhaseStreaming
	reader := stage.NewObjectReader(ctx, w.store, objects, lg)
	defer reader.Close()

	if err := w.stream(ctx, lg, p, st, reader, detector, objects, res); err != nil {
		return w.fail(ctx, lg, st, res, err)
	}
	res.SkippedGroups = reader.SkippedGroups()

	// RECONCILING
	res.Phase = PhaseReconciling
	if err := w.reconcile(ctx, lg, p, detector, res); err != nil {
		return w.fail(ctx, lg, st, res, err)
	}

	// CHECKPOINTING
	res.Phase = PhaseCheckpointing
	if err := w.sink.Flush(ctx, p); err != nil {
		return w.fail(ctx, lg, st, res, errors.Wrap(err, errors.ErrorTypeSink, "final flush failed"))
	}
	res.Watermark = committedWatermark(p, st.Watermark, objects)
	if err := w.succeed(ctx, lg, p, st, res, detector.UpdatedIndex(), objects); err != nil {
		return w.fail(ctx, lg, st, res, err)
	}

	res.Phase = PhaseSucceeded
	metrics.TablesSynced.WithLabelValues("succeeded").Inc()
	lg.Info("table sync succeeded",
		zap.Int64("rows_read", res.RowsRead),
		zap.Int64("upserted", res.Upserted),
		zap.Int64("deleted", res.Deleted),
		zap.Int64("skipped", res.Skipped),
		zap.String("watermark", res.Watermark))
	return res
}

func (w *Worker) loadState(ctx context.Context, p *plan.TablePlan) (*state.SyncState, checksum.Index, error) {
	st, err := w.states.Load(ctx, p.Table)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to load sync state")
	}
	if st == nil {
		st = &state.SyncState{Table: p.Table}
	}

	ix, err := w.states.LoadIndex(ctx, p.Table)
	if err != nil {
		return st, nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to load checksum index")
	}

	st.Status = state.StatusRunning
	st.Plan = p
	st.LastError = ""
	st.UpdatedAt = time.Now().UTC()
	if err := w.states.Save(ctx, st); err != nil {
		return st, nil, errors.Wrap(err, errors.ErrorTypeStateStore, "failed to mark sync running")
	}
	return st, ix, nil
}

func (w *Worker) stageWithRetry(ctx context.Context, lg *zap.Logger, p *plan.TablePlan, watermark string) ([]stage.StagedObject, error) {
	timer := metrics.NewTimer(metrics.StageDuration.WithLabelValues(p.Table))
	defer timer.Stop()

	var objects []stage.StagedObject
	attempt := 0
	err := w.opts.StageRetry.ExecuteIf(ctx, func() error {
		attempt++
		if attempt > 1 {
			metrics.StageRetries.WithLabelValues(p.Table).Inc()
			lg.Warn("retrying stage", zap.Int("attempt", attempt))
		}
		var err error
		objects, err = w.stager.Stage(ctx, p, watermark)
		return err
	}, errors.IsRetryable)
	if err != nil {
		return nil, err
	}
	return objects, nil
}

func (w *Worker) stream(ctx context.Context, lg *zap.Logger, p *plan.TablePlan, st *state.SyncState,
	reader *stage.ObjectReader, detector *checksum.Detector, objects []stage.StagedObject, res *Result) error {

	var sinceCheckpoint int64
	for {
		row, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		res.RowsRead++
		metrics.RowsRead.WithLabelValues(p.Table).Inc()

		class, _, _ := detector.Classify(row)
		switch class {
		case checksum.New, checksum.Changed:
			if err := w.sink.Upsert(ctx, p, row); err != nil {
				return errors.Wrap(err, errors.ErrorTypeSink, "upsert failed")
			}
			res.Upserted++
			metrics.RowsApplied.WithLabelValues(p.Table, metrics.OutcomeUpserted).Inc()
		case checksum.Unchanged:
			res.Skipped++
			metrics.RowsApplied.WithLabelValues(p.Table, metrics.OutcomeSkipped).Inc()
		}

		sinceCheckpoint++
		if sinceCheckpoint >= w.opts.CheckpointRows {
			if err := w.provisionalCheckpoint(ctx, lg, p, st, reader, objects, res.RowsRead); err != nil {
				return err
			}
			sinceCheckpoint = 0
		}
	}
	return nil
}

// provisionalCheckpoint flushes the sink and records mid-pass progress.
// The provisional watermark only covers objects the reader has fully
// consumed; a crash re-reads at most the object in flight.
func (w *Worker) provisionalCheckpoint(ctx context.Context, lg *zap.Logger, p *plan.TablePlan, st *state.SyncState,
	reader *stage.ObjectReader, objects []stage.StagedObject, rowsRead int64) error {

	if err := w.sink.Flush(ctx, p); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "checkpoint flush failed")
	}

	objectIdx, _ := reader.Position()
	provisional := ""
	if p.Strategy == plan.StrategyIncremental && objectIdx > 0 && objectIdx <= len(objects) {
		provisional = objects[objectIdx-1].WatermarkHigh
	}

	st.ProvisionalWatermark = provisional
	st.RowsProcessed = rowsRead
	st.LastCheckpointAt = time.Now().UTC()
	st.UpdatedAt = st.LastCheckpointAt
	if err := w.states.Save(ctx, st); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to save checkpoint")
	}
	if err := w.sink.Checkpoint(ctx, p, st); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "checkpoint rejected by sink")
	}

	metrics.Checkpoints.WithLabelValues(p.Table, "provisional").Inc()
	lg.Debug("provisional checkpoint", zap.Int64("rows", rowsRead), zap.String("provisional_watermark", provisional))
	return nil
}

// reconcile applies deletion inference. It only ever runs on a full pass
// over a keyed table; anything else would report rows outside the
// scanned range as deleted.
func (w *Worker) reconcile(ctx context.Context, lg *zap.Logger, p *plan.TablePlan, detector *checksum.Detector, res *Result) error {
	if !p.DetectDeletes {
		return nil
	}

	deleted, err := detector.Deletions()
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}

	cols := keyColumns(p)
	keys := make([]models.Row, 0, len(deleted))
	for _, enc := range deleted {
		key, err := checksum.DecodeKey(enc, cols)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to decode deleted key")
		}
		keys = append(keys, key)
	}

	if err := w.sink.Delete(ctx, p, keys); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "delete failed")
	}
	res.Deleted = int64(len(keys))
	metrics.RowsApplied.WithLabelValues(p.Table, metrics.OutcomeDeleted).Add(float64(len(keys)))
	lg.Info("inferred deletions applied", zap.Int("keys", len(keys)))
	return nil
}

// succeed commits the final checkpoint and cleans the staged objects.
// Cleanup strictly follows the state save: losing staged objects before
// the watermark is durable would orphan the pass.
func (w *Worker) succeed(ctx context.Context, lg *zap.Logger, p *plan.TablePlan, st *state.SyncState, res *Result,
	ix checksum.Index, objects []stage.StagedObject) error {

	if err := w.states.SaveIndex(ctx, st.Table, ix); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to save checksum index")
	}

	st.Status = state.StatusSucceeded
	st.Watermark = res.Watermark
	st.ProvisionalWatermark = ""
	st.RowsProcessed = res.RowsRead
	st.LastCheckpointAt = time.Now().UTC()
	st.UpdatedAt = st.LastCheckpointAt
	if err := w.states.Save(ctx, st); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStateStore, "failed to save final checkpoint")
	}
	if err := w.sink.Checkpoint(ctx, p, st); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSink, "checkpoint rejected by sink")
	}
	metrics.Checkpoints.WithLabelValues(st.Table, "final").Inc()

	if len(objects) > 0 {
		prefix := stage.StagePrefix(w.runID, st.Table)
		if err := w.store.Delete(ctx, prefix); err != nil {
			// The sync is already durable; stale staged objects cost
			// storage, not correctness.
			lg.Warn("failed to clean staged objects", zap.String("prefix", prefix), zap.Error(err))
		}
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, lg *zap.Logger, st *state.SyncState, res *Result, err error) *Result {
	res.Phase = PhaseFailed
	res.Err = err
	metrics.TablesSynced.WithLabelValues("failed").Inc()
	lg.Error("table sync failed", zap.Error(err))

	if st != nil {
		st.Status = state.StatusFailed
		st.LastError = err.Error()
		st.UpdatedAt = time.Now().UTC()
		if saveErr := w.states.Save(ctx, st); saveErr != nil {
			lg.Error("failed to persist failure state", zap.Error(saveErr))
		}
	}
	return res
}

// committedWatermark picks the watermark the final checkpoint commits:
// the highest staged range bound, never a value invented from row order.
func committedWatermark(p *plan.TablePlan, prior string, objects []stage.StagedObject) string {
	if p.Strategy != plan.StrategyIncremental {
		return ""
	}

	t := replicationColumnType(p)
	high := prior
	for _, obj := range objects {
		if checksum.CompareCanonical(obj.WatermarkHigh, high, t) > 0 {
			high = obj.WatermarkHigh
		}
	}
	return high
}

func replicationColumnType(p *plan.TablePlan) catalog.ColumnType {
	for _, c := range p.Columns {
		if c.Name == p.ReplicationColumn {
			return c.Type
		}
	}
	return catalog.ColumnTypeString
}

// keyColumns returns the primary key columns in their declared order
func keyColumns(p *plan.TablePlan) []catalog.Column {
	cols := make([]catalog.Column, 0, len(p.PrimaryKey))
	for _, name := range p.PrimaryKey {
		for _, c := range p.Columns {
			if c.Name == name {
				cols = append(cols, c)
				break
			}
		}
	}
	return cols
}
