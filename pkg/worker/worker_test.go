package worker

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/format"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/retry"
	"github.com/tributary-data/tributary/pkg/sink"
	"github.com/tributary-data/tributary/pkg/stage"
	"github.com/tributary-data/tributary/pkg/state"
)

const testRunID = "test-run"

func usersPlan(strategy plan.Strategy, detectDeletes bool) *plan.TablePlan {
	p := &plan.TablePlan{
		Table:      "public.users",
		PrimaryKey: []string{"id"},
		Strategy:   strategy,
		Columns: []catalog.Column{
			{Name: "id", Type: catalog.ColumnTypeInt},
			{Name: "name", Type: catalog.ColumnTypeString},
			{Name: "updated_at", Type: catalog.ColumnTypeTimestamp},
		},
		DetectDeletes: detectDeletes && strategy == plan.StrategyFull,
	}
	if strategy == plan.StrategyIncremental {
		p.ReplicationColumn = "updated_at"
	}
	return p
}

// stubStager serves pre-staged objects and can fail a number of
// attempts first.
type stubStager struct {
	store    objectstore.Store
	objects  []stage.StagedObject
	failures int
	failWith error
	calls    int
	lastLow  string
}

func (s *stubStager) Stage(ctx context.Context, p *plan.TablePlan, low string) ([]stage.StagedObject, error) {
	s.calls++
	s.lastLow = low
	if s.failures > 0 {
		s.failures--
		return nil, s.failWith
	}
	return s.objects, nil
}

// stageRows writes rows into one staged parquet object in the store
func stageRows(t *testing.T, store objectstore.Store, p *plan.TablePlan, part int, rows []models.Row, low, high string) stage.StagedObject {
	t.Helper()

	var buf bytes.Buffer
	w, err := format.NewWriter(&buf, p.Columns)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())

	key := fmt.Sprintf("%spart-%05d.parquet", stage.StagePrefix(testRunID, p.Table), part)
	require.NoError(t, store.Put(context.Background(), key, bytes.NewReader(buf.Bytes())))

	return stage.StagedObject{
		Ref:            objectstore.Ref{Key: key, Size: int64(buf.Len())},
		URI:            store.URI(key),
		Format:         "parquet",
		Table:          p.Table,
		ApproxRowCount: int64(len(rows)),
		WatermarkLow:   low,
		WatermarkHigh:  high,
	}
}

func newTestWorker(stager stage.Stager, store objectstore.Store, snk sink.Sink, states state.Store, opts Options) *Worker {
	if opts.StageRetry == nil {
		opts.StageRetry = retry.NoRetry()
	}
	return New(stager, store, snk, states, testRunID, opts)
}

func TestSyncFullPassUpsertsEverything(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	capture := sink.NewCaptureSink()
	p := usersPlan(plan.StrategyFull, false)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.Row{
		{"id": int64(1), "name": "alice", "updated_at": ts},
		{"id": int64(2), "name": "bob", "updated_at": ts},
		{"id": int64(3), "name": "carol", "updated_at": ts},
	}
	obj := stageRows(t, store, p, 0, rows, "", "")
	stager := &stubStager{store: store, objects: []stage.StagedObject{obj}}

	w := newTestWorker(stager, store, capture, states, Options{})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, PhaseSucceeded, res.Phase)
	assert.Equal(t, int64(3), res.RowsRead)
	assert.Equal(t, int64(3), res.Upserted)
	assert.Equal(t, int64(0), res.Skipped)
	assert.Len(t, capture.Upserts(p.Table), 3)

	st, err := states.Load(ctx, p.Table)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, state.StatusSucceeded, st.Status)
	assert.Equal(t, int64(3), st.RowsProcessed)

	ix, err := states.LoadIndex(ctx, p.Table)
	require.NoError(t, err)
	assert.Len(t, ix, 3)

	// Staged objects are gone after success.
	refs, err := store.List(ctx, stage.StagePrefix(testRunID, p.Table))
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestSyncSecondFullPassAppliesDelta(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	p := usersPlan(plan.StrategyFull, true)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	firstRows := []models.Row{
		{"id": int64(1), "name": "alice", "updated_at": ts},
		{"id": int64(2), "name": "bob", "updated_at": ts},
		{"id": int64(3), "name": "carol", "updated_at": ts},
	}
	obj := stageRows(t, store, p, 0, firstRows, "", "")
	w := newTestWorker(&stubStager{store: store, objects: []stage.StagedObject{obj}}, store, sink.NewCaptureSink(), states, Options{})
	require.NoError(t, w.Sync(ctx, p).Err)

	// Second pass: bob changed, carol gone, dave new.
	secondRows := []models.Row{
		{"id": int64(1), "name": "alice", "updated_at": ts},
		{"id": int64(2), "name": "bobby", "updated_at": ts.Add(time.Hour)},
		{"id": int64(4), "name": "dave", "updated_at": ts.Add(time.Hour)},
	}
	obj2 := stageRows(t, store, p, 1, secondRows, "", "")
	capture := sink.NewCaptureSink()
	w2 := newTestWorker(&stubStager{store: store, objects: []stage.StagedObject{obj2}}, store, capture, states, Options{})
	res := w2.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Upserted)
	assert.Equal(t, int64(1), res.Skipped)
	assert.Equal(t, int64(1), res.Deleted)

	deletes := capture.Deletes(p.Table)
	require.Len(t, deletes, 1)
	assert.Equal(t, int64(3), deletes[0]["id"])

	ix, err := states.LoadIndex(ctx, p.Table)
	require.NoError(t, err)
	assert.Len(t, ix, 3)
}

func TestSyncIncrementalCommitsStagedRangeHigh(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	capture := sink.NewCaptureSink()
	p := usersPlan(plan.StrategyIncremental, false)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	high := "2026-03-01T14:00:00Z"
	rows := []models.Row{
		{"id": int64(10), "name": "x", "updated_at": ts.Add(time.Hour)},
		{"id": int64(11), "name": "y", "updated_at": ts.Add(2 * time.Hour)},
	}
	obj := stageRows(t, store, p, 0, rows, "2026-03-01T12:00:00Z", high)
	stager := &stubStager{store: store, objects: []stage.StagedObject{obj}}

	w := newTestWorker(stager, store, capture, states, Options{})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, high, res.Watermark)

	st, err := states.Load(ctx, p.Table)
	require.NoError(t, err)
	assert.Equal(t, high, st.Watermark)
	assert.Empty(t, st.ProvisionalWatermark)
}

func TestSyncIncrementalPassesStoredWatermarkToStager(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	p := usersPlan(plan.StrategyIncremental, false)

	require.NoError(t, states.Save(ctx, &state.SyncState{
		Table:     p.Table,
		Watermark: "2026-03-01T12:00:00Z",
		Status:    state.StatusSucceeded,
	}))

	stager := &stubStager{store: store}
	w := newTestWorker(stager, store, sink.NewCaptureSink(), states, Options{})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, "2026-03-01T12:00:00Z", stager.lastLow)
	// Nothing staged: watermark holds.
	assert.Equal(t, "2026-03-01T12:00:00Z", res.Watermark)
	assert.Equal(t, PhaseSucceeded, res.Phase)
}

func TestSyncRetriesRetryableStagingFailure(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	p := usersPlan(plan.StrategyFull, false)

	obj := stageRows(t, store, p, 0, []models.Row{{"id": int64(1), "name": "a", "updated_at": time.Now().UTC()}}, "", "")
	stager := &stubStager{
		store:    store,
		objects:  []stage.StagedObject{obj},
		failures: 2,
		failWith: errors.New(errors.ErrorTypeStage, "export hiccup"),
	}

	w := newTestWorker(stager, store, sink.NewCaptureSink(), states, Options{
		StageRetry: &retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, stager.calls)
	assert.Equal(t, PhaseSucceeded, res.Phase)
}

func TestSyncDoesNotRetryPermanentStagingFailure(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	p := usersPlan(plan.StrategyFull, false)

	stager := &stubStager{
		store:    store,
		failures: 10,
		failWith: errors.New(errors.ErrorTypeValidation, "bad plan"),
	}

	w := newTestWorker(stager, store, sink.NewCaptureSink(), states, Options{
		StageRetry: &retry.Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	})
	res := w.Sync(ctx, p)

	require.Error(t, res.Err)
	assert.Equal(t, PhaseFailed, res.Phase)
	assert.Equal(t, 1, stager.calls)
}

func TestSyncSinkFailureMarksTableFailed(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	capture := sink.NewCaptureSink()
	p := usersPlan(plan.StrategyFull, false)

	obj := stageRows(t, store, p, 0, []models.Row{{"id": int64(1), "name": "a", "updated_at": time.Now().UTC()}}, "", "")
	capture.FailNext(errors.New(errors.ErrorTypeSink, "destination down"))

	w := newTestWorker(&stubStager{store: store, objects: []stage.StagedObject{obj}}, store, capture, states, Options{})
	res := w.Sync(ctx, p)

	require.Error(t, res.Err)
	assert.Equal(t, PhaseFailed, res.Phase)

	st, err := states.Load(ctx, p.Table)
	require.NoError(t, err)
	assert.Equal(t, state.StatusFailed, st.Status)
	assert.NotEmpty(t, st.LastError)

	// Staged objects survive a failed pass.
	refs, err := store.List(ctx, stage.StagePrefix(testRunID, p.Table))
	require.NoError(t, err)
	assert.NotEmpty(t, refs)
}

func TestSyncProvisionalCheckpointAdvancesOverConsumedObjects(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	p := usersPlan(plan.StrategyIncremental, false)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var objects []stage.StagedObject
	for part := 0; part < 3; part++ {
		rows := make([]models.Row, 0, 10)
		for i := 0; i < 10; i++ {
			rows = append(rows, models.Row{
				"id":         int64(part*10 + i),
				"name":       "n",
				"updated_at": ts.Add(time.Duration(part) * time.Hour),
			})
		}
		high := ts.Add(time.Duration(part) * time.Hour).Format(time.RFC3339)
		objects = append(objects, stageRows(t, store, p, part, rows, "", high))
	}

	w := newTestWorker(&stubStager{store: store, objects: objects}, store, sink.NewCaptureSink(), states, Options{
		CheckpointRows: 10,
	})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(30), res.RowsRead)

	st, err := states.Load(ctx, p.Table)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, st.Status)
	// Final commit is the highest staged bound.
	assert.Equal(t, objects[2].WatermarkHigh, st.Watermark)
}

func TestSyncKeylessTable(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	capture := sink.NewCaptureSink()

	p := &plan.TablePlan{
		Table:    "public.log_lines",
		Strategy: plan.StrategyFull,
		Columns: []catalog.Column{
			{Name: "line", Type: catalog.ColumnTypeString},
			{Name: "updated_at", Type: catalog.ColumnTypeTimestamp},
		},
		ChecksumIdentity: true,
	}

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []models.Row{
		{"line": "first", "updated_at": ts},
		{"line": "second", "updated_at": ts},
	}
	obj := stageRows(t, store, p, 0, rows, "", "")

	w := newTestWorker(&stubStager{store: store, objects: []stage.StagedObject{obj}}, store, capture, states, Options{})
	res := w.Sync(ctx, p)

	require.NoError(t, res.Err)
	assert.Equal(t, int64(2), res.Upserted)

	// Re-running the identical pass skips every row.
	obj2 := stageRows(t, store, p, 1, rows, "", "")
	w2 := newTestWorker(&stubStager{store: store, objects: []stage.StagedObject{obj2}}, store, sink.NewCaptureSink(), states, Options{})
	res2 := w2.Sync(ctx, p)

	require.NoError(t, res2.Err)
	assert.Equal(t, int64(0), res2.Upserted)
	assert.Equal(t, int64(2), res2.Skipped)
}

func TestSyncReportsCheckpointsToSink(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	states := state.NewMemoryStore()
	capture := sink.NewCaptureSink()
	p := usersPlan(plan.StrategyIncremental, false)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var objects []stage.StagedObject
	for part := 0; part < 2; part++ {
		rows := make([]models.Row, 0, 10)
		for i := 0; i < 10; i++ {
			rows = append(rows, models.Row{
				"id":         int64(part*10 + i),
				"name":       "n",
				"updated_at": ts.Add(time.Duration(part) * time.Hour),
			})
		}
		high := ts.Add(time.Duration(part) * time.Hour).Format(time.RFC3339)
		objects = append(objects, stageRows(t, store, p, part, rows, "", high))
	}

	w := newTestWorker(&stubStager{store: store, objects: objects}, store, capture, states, Options{
		CheckpointRows: 10,
	})
	res := w.Sync(ctx, p)
	require.NoError(t, res.Err)

	cps := capture.Checkpoints(p.Table)
	require.NotEmpty(t, cps)

	// Every state-store save is echoed to the sink in commit order,
	// never regressing.
	for i := 1; i < len(cps); i++ {
		assert.GreaterOrEqual(t, cps[i].RowsProcessed, cps[i-1].RowsProcessed)
	}
	last := cps[len(cps)-1]
	assert.Equal(t, state.StatusSucceeded, last.Status)
	assert.Equal(t, objects[1].WatermarkHigh, last.Watermark)

	// Sink flushes happened per table at each checkpoint boundary.
	assert.GreaterOrEqual(t, capture.Flushes(p.Table), 2)
}
