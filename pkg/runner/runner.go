// Package runner wires the engine together for one run: catalog
// discovery, planning, the scheduled table syncs, and the final run
// report.
package runner

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/config"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/metrics"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/retry"
	"github.com/tributary-data/tributary/pkg/sink"
	"github.com/tributary-data/tributary/pkg/stage"
	"github.com/tributary-data/tributary/pkg/state"
	"github.com/tributary-data/tributary/pkg/worker"
)

// TableStatus is a table's final disposition in the run report
type TableStatus string

const (
	TableSucceeded TableStatus = "SUCCEEDED"
	TableFailed    TableStatus = "FAILED"
	TableSkipped   TableStatus = "SKIPPED"
)

// TableReport is one table's line in the run report
type TableReport struct {
	Table     string        `json:"table"`
	Status    TableStatus   `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	RowsRead  int64         `json:"rows_read,omitempty"`
	Upserted  int64         `json:"upserted,omitempty"`
	Deleted   int64         `json:"deleted,omitempty"`
	Skipped   int64         `json:"skipped,omitempty"`
	Watermark string        `json:"watermark,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Report summarizes one run
type Report struct {
	RunID      string        `json:"run_id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Tables     []TableReport `json:"tables"`
}

// OK reports whether every scheduled table succeeded
func (r *Report) OK() bool {
	return r.Failed == 0
}

// Runner executes replication runs for one configuration
type Runner struct {
	cfg    *config.Config
	logger *zap.Logger

	// test seams; production wiring fills these from the config
	catalogOverride catalog.Catalog
	stagerOverride  stage.Stager
	storeOverride   objectstore.Store
	sinkOverride    sink.Sink
	statesOverride  state.Store
}

// New creates a runner for the given configuration
func New(cfg *config.Config) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "runner")),
	}
}

// Plan discovers the catalog and returns the plans a run would execute,
// without syncing anything. Excluded tables are omitted.
func (r *Runner) Plan(ctx context.Context) ([]*plan.TablePlan, error) {
	cat, err := r.openCatalog(ctx)
	if err != nil {
		return nil, err
	}
	defer cat.Close(ctx)

	states, err := r.openStateStore()
	if err != nil {
		return nil, err
	}
	defer states.Close()

	plans, _, err := r.buildPlans(ctx, cat, states)
	return plans, err
}

// Run executes one full replication run and returns its report. The
// returned error covers setup failures only; per-table failures land in
// the report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     newRunID(),
		StartedAt: time.Now().UTC(),
	}
	lg := r.logger.With(zap.String("run_id", report.RunID))
	lg.Info("starting replication run")

	cat, err := r.openCatalog(ctx)
	if err != nil {
		return nil, err
	}
	defer cat.Close(ctx)

	states, err := r.openStateStore()
	if err != nil {
		return nil, err
	}
	defer states.Close()

	store, err := r.openObjectStore(ctx)
	if err != nil {
		return nil, err
	}

	snk, closeSink, err := r.openSink(ctx)
	if err != nil {
		return nil, err
	}
	defer closeSink()

	stager, closeStager, err := r.openStager(ctx, store, report.RunID)
	if err != nil {
		return nil, err
	}
	defer closeStager()

	plans, skipped, err := r.buildPlans(ctx, cat, states)
	if err != nil {
		return nil, err
	}
	report.Tables = append(report.Tables, skipped...)

	w := worker.New(stager, store, snk, states, report.RunID, worker.Options{
		CheckpointRows: r.cfg.Sync.CheckpointRows,
		StageRetry:     retry.DefaultPolicy().WithMaxAttempts(r.cfg.Sync.StageAttempts),
	})
	sched := worker.NewScheduler(w, worker.SchedulerOptions{
		Parallelism: r.cfg.Sync.Workers,
		Deadline:    r.cfg.Sync.Deadline.Std(),
	})

	for _, res := range sched.Run(ctx, plans) {
		report.Tables = append(report.Tables, tableReport(res))
	}

	for _, t := range report.Tables {
		switch t.Status {
		case TableSucceeded:
			report.Succeeded++
		case TableFailed:
			report.Failed++
		case TableSkipped:
			report.Skipped++
		}
	}

	report.FinishedAt = time.Now().UTC()
	lg.Info("replication run finished",
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// buildPlans plans every non-excluded catalog table, feeding each table's
// prior plan back in so strategies stay stable across runs.
func (r *Runner) buildPlans(ctx context.Context, cat catalog.Catalog, states state.Store) ([]*plan.TablePlan, []TableReport, error) {
	entries, err := cat.ListTables(ctx)
	if err != nil {
		return nil, nil, err
	}

	planner := plan.NewPlanner(r.cfg.PlanOptions())

	var plans []*plan.TablePlan
	var skipped []TableReport
	for _, entry := range entries {
		if ov, ok := r.cfg.Tables[entry.Name]; ok && ov.Exclude {
			skipped = append(skipped, TableReport{Table: entry.Name, Status: TableSkipped, Reason: "excluded by configuration"})
			metrics.TablesSynced.WithLabelValues("skipped").Inc()
			continue
		}
		if entry.Err != nil {
			skipped = append(skipped, TableReport{Table: entry.Name, Status: TableSkipped, Reason: entry.Err.Error()})
			metrics.TablesSynced.WithLabelValues("skipped").Inc()
			continue
		}

		var prior *plan.TablePlan
		if st, err := states.Load(ctx, entry.Name); err == nil && st != nil {
			prior = st.Plan
		}

		p, err := planner.Plan(entry, prior)
		if err != nil {
			skipped = append(skipped, TableReport{Table: entry.Name, Status: TableSkipped, Reason: err.Error()})
			metrics.TablesSynced.WithLabelValues("skipped").Inc()
			continue
		}
		plans = append(plans, p)
	}
	return plans, skipped, nil
}

func (r *Runner) openCatalog(ctx context.Context) (catalog.Catalog, error) {
	if r.catalogOverride != nil {
		return r.catalogOverride, nil
	}
	switch r.cfg.Source.Type {
	case "postgres":
		return catalog.NewPostgresCatalog(ctx, r.cfg.Source.DSN, r.cfg.Source.Schema)
	case "snowflake":
		return catalog.NewSnowflakeCatalog(&r.cfg.Source.Snowflake)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown source type %q", r.cfg.Source.Type)
	}
}

func (r *Runner) openStateStore() (state.Store, error) {
	if r.statesOverride != nil {
		return r.statesOverride, nil
	}
	return state.NewFileStore(r.cfg.State.Dir, r.cfg.State.Compression)
}

func (r *Runner) openObjectStore(ctx context.Context) (objectstore.Store, error) {
	if r.storeOverride != nil {
		return r.storeOverride, nil
	}
	switch r.cfg.Stage.Type {
	case "s3":
		return objectstore.NewS3Store(ctx, r.cfg.Stage.S3)
	case "memory":
		return objectstore.NewMemoryStore(), nil
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown stage type %q", r.cfg.Stage.Type)
	}
}

func (r *Runner) openSink(ctx context.Context) (sink.Sink, func(), error) {
	if r.sinkOverride != nil {
		return r.sinkOverride, func() {}, nil
	}
	switch r.cfg.Sink.Type {
	case "postgres":
		pool, err := pgxpool.New(ctx, r.cfg.Sink.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres sink")
		}
		s := sink.NewPostgresSink(pool, sink.PostgresSinkOptions{BatchSize: r.cfg.Sink.BatchSize})
		return s, pool.Close, nil
	case "capture":
		return sink.NewCaptureSink(), func() {}, nil
	default:
		return nil, nil, errors.Newf(errors.ErrorTypeConfig, "unknown sink type %q", r.cfg.Sink.Type)
	}
}

func (r *Runner) openStager(ctx context.Context, store objectstore.Store, runID string) (stage.Stager, func(), error) {
	if r.stagerOverride != nil {
		return r.stagerOverride, func() {}, nil
	}
	switch r.cfg.Source.Type {
	case "postgres":
		pool, err := pgxpool.New(ctx, r.cfg.Source.DSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect for staging")
		}
		s := stage.NewPostgresStager(pool, store, runID, stage.PostgresStagerOptions{
			MaxFileRows: r.cfg.Stage.MaxFileRows,
			Timeout:     r.cfg.Stage.Timeout.Std(),
		})
		return s, pool.Close, nil
	case "snowflake":
		dsn, err := r.cfg.Source.Snowflake.DSN()
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build snowflake DSN")
		}
		db, err := sql.Open("snowflake", dsn)
		if err != nil {
			return nil, nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect for staging")
		}
		s := stage.NewSnowflakeStager(db, store, runID, stage.SnowflakeStagerOptions{
			StorageIntegration: r.cfg.Source.StorageIntegration,
			Timeout:            r.cfg.Stage.Timeout.Std(),
		})
		return s, func() { db.Close() }, nil
	default:
		return nil, nil, errors.Newf(errors.ErrorTypeConfig, "unknown source type %q", r.cfg.Source.Type)
	}
}

func tableReport(res *worker.Result) TableReport {
	t := TableReport{
		Table:     res.Table,
		RowsRead:  res.RowsRead,
		Upserted:  res.Upserted,
		Deleted:   res.Deleted,
		Skipped:   res.Skipped,
		Watermark: res.Watermark,
		Duration:  res.Duration,
	}
	switch {
	case res.Phase == worker.PhaseSucceeded:
		t.Status = TableSucceeded
	case res.Phase == worker.PhasePending && res.Err == nil:
		t.Status = TableSkipped
		t.Reason = "run deadline reached before dispatch"
	default:
		t.Status = TableFailed
		t.Reason = res.Error
	}
	return t
}

func newRunID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return time.Now().UTC().Format("20060102T150405Z") + "-" + hex.EncodeToString(b[:])
}
