package runner

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/config"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/format"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/sink"
	"github.com/tributary-data/tributary/pkg/stage"
	"github.com/tributary-data/tributary/pkg/state"
)

type stubCatalog struct {
	entries []catalog.Entry
}

func (c *stubCatalog) ListTables(context.Context) ([]catalog.Entry, error) {
	return c.entries, nil
}

func (c *stubCatalog) Close(context.Context) error { return nil }

// memStager stages a fixed row set per table into the memory store
type memStager struct {
	store      objectstore.Store
	rows       map[string][]models.Row
	failTables map[string]bool
}

func (s *memStager) Stage(ctx context.Context, p *plan.TablePlan, low string) ([]stage.StagedObject, error) {
	if s.failTables[p.Table] {
		return nil, errors.New(errors.ErrorTypeValidation, "simulated failure")
	}
	rows := s.rows[p.Table]
	if len(rows) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	w, err := format.NewWriter(&buf, p.Columns)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%spart-00000.parquet", stage.StagePrefix("test", p.Table))
	if err := s.store.Put(ctx, key, bytes.NewReader(buf.Bytes())); err != nil {
		return nil, err
	}
	return []stage.StagedObject{{
		Ref:            objectstore.Ref{Key: key, Size: int64(buf.Len())},
		Format:         "parquet",
		Table:          p.Table,
		ApproxRowCount: int64(len(rows)),
	}}, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Source.DSN = "postgres://unused"
	cfg.Stage.Type = "memory"
	cfg.Sink.Type = "capture"
	cfg.Sync.Workers = 2
	return cfg
}

func usersEntry(name string) catalog.Entry {
	return catalog.Entry{
		Name:       name,
		PrimaryKey: []string{"id"},
		Columns: []catalog.Column{
			{Name: "id", Type: catalog.ColumnTypeInt},
			{Name: "name", Type: catalog.ColumnTypeString},
		},
	}
}

func TestRunnerFullRunReport(t *testing.T) {
	store := objectstore.NewMemoryStore()

	r := New(testConfig())
	r.catalogOverride = &stubCatalog{entries: []catalog.Entry{
		usersEntry("public.users"),
		usersEntry("public.orders"),
	}}
	r.storeOverride = store
	r.sinkOverride = sink.NewCaptureSink()
	r.statesOverride = state.NewMemoryStore()
	r.stagerOverride = &memStager{
		store: store,
		rows: map[string][]models.Row{
			"public.users":  {{"id": int64(1), "name": "a"}, {"id": int64(2), "name": "b"}},
			"public.orders": {{"id": int64(10), "name": "x"}},
		},
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, report.OK())
	require.Len(t, report.Tables, 2)
	for _, tr := range report.Tables {
		assert.Equal(t, TableSucceeded, tr.Status)
	}
}

func TestRunnerReportsPerTableFailure(t *testing.T) {
	store := objectstore.NewMemoryStore()

	r := New(testConfig())
	r.catalogOverride = &stubCatalog{entries: []catalog.Entry{
		usersEntry("public.good"),
		usersEntry("public.bad"),
	}}
	r.storeOverride = store
	r.sinkOverride = sink.NewCaptureSink()
	r.statesOverride = state.NewMemoryStore()
	r.stagerOverride = &memStager{
		store:      store,
		rows:       map[string][]models.Row{"public.good": {{"id": int64(1), "name": "a"}}},
		failTables: map[string]bool{"public.bad": true},
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.False(t, report.OK())

	var bad *TableReport
	for i := range report.Tables {
		if report.Tables[i].Table == "public.bad" {
			bad = &report.Tables[i]
		}
	}
	require.NotNil(t, bad)
	assert.Equal(t, TableFailed, bad.Status)
	assert.NotEmpty(t, bad.Reason)
}

func TestRunnerSkipsExcludedTables(t *testing.T) {
	store := objectstore.NewMemoryStore()

	cfg := testConfig()
	cfg.Tables = map[string]plan.TableOverride{
		"public.audit": {Exclude: true},
	}

	r := New(cfg)
	r.catalogOverride = &stubCatalog{entries: []catalog.Entry{
		usersEntry("public.users"),
		usersEntry("public.audit"),
	}}
	r.storeOverride = store
	r.sinkOverride = sink.NewCaptureSink()
	r.statesOverride = state.NewMemoryStore()
	r.stagerOverride = &memStager{store: store, rows: map[string][]models.Row{}}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Succeeded)
}

func TestRunnerSkipsUndescribableTables(t *testing.T) {
	store := objectstore.NewMemoryStore()

	r := New(testConfig())
	r.catalogOverride = &stubCatalog{entries: []catalog.Entry{
		usersEntry("public.users"),
		{Name: "public.broken", Err: errors.New(errors.ErrorTypeCatalog, "permission denied for relation broken")},
	}}
	r.storeOverride = store
	r.sinkOverride = sink.NewCaptureSink()
	r.statesOverride = state.NewMemoryStore()
	r.stagerOverride = &memStager{
		store: store,
		rows:  map[string][]models.Row{"public.users": {{"id": int64(1), "name": "a"}}},
	}

	report, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	var broken *TableReport
	for i := range report.Tables {
		if report.Tables[i].Table == "public.broken" {
			broken = &report.Tables[i]
		}
	}
	require.NotNil(t, broken)
	assert.Equal(t, TableSkipped, broken.Status)
	assert.Contains(t, broken.Reason, "permission denied")
}

func TestRunnerPlanDryRun(t *testing.T) {
	r := New(testConfig())
	r.catalogOverride = &stubCatalog{entries: []catalog.Entry{usersEntry("public.users")}}
	r.statesOverride = state.NewMemoryStore()

	plans, err := r.Plan(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "public.users", plans[0].Table)
	assert.Equal(t, plan.StrategyFull, plans[0].Strategy)
}
