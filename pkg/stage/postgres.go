package stage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/format"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
)

const defaultMaxFileRows = 100000

// PostgresStager exports a PostgreSQL table by streaming the watermark
// range through a client-side Parquet writer into the object store.
// PostgreSQL has no native unload to external storage, so the engine
// plays the exporter itself.
type PostgresStager struct {
	pool        *pgxpool.Pool
	store       objectstore.Store
	runID       string
	maxFileRows int64
	timeout     time.Duration
	logger      *zap.Logger
}

// PostgresStagerOptions tunes a postgres stager
type PostgresStagerOptions struct {
	// MaxFileRows rotates staged objects after this many rows
	MaxFileRows int64
	// Timeout bounds one export attempt
	Timeout time.Duration
}

// NewPostgresStager creates a stager writing under the given run ID
func NewPostgresStager(pool *pgxpool.Pool, store objectstore.Store, runID string, opts PostgresStagerOptions) *PostgresStager {
	if opts.MaxFileRows <= 0 {
		opts.MaxFileRows = defaultMaxFileRows
	}
	if opts.Timeout <= 0 {
		opts.Timeout = StageTimeoutDefault
	}
	return &PostgresStager{
		pool:        pool,
		store:       store,
		runID:       runID,
		maxFileRows: opts.MaxFileRows,
		timeout:     opts.Timeout,
		logger:      logger.With(zap.String("component", "postgres_stager"), zap.String("run_id", runID)),
	}
}

// Stage exports the table's watermark range to staged Parquet objects.
func (s *PostgresStager) Stage(ctx context.Context, p *plan.TablePlan, watermarkLow string) ([]StagedObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := s.buildQuery(p, watermarkLow)
	if err != nil {
		return nil, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to acquire connection")
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, s.classify(ctx, err, "export query failed")
	}
	defer rows.Close()

	w := &stageWriter{
		stager: s,
		plan:   p,
		prefix: StagePrefix(s.runID, p.Table),
		low:    watermarkLow,
	}

	var replCol *catalog.Column
	if p.ReplicationColumn != "" {
		if c, ok := columnOf(p.Columns, p.ReplicationColumn); ok {
			replCol = &c
		}
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, s.classify(ctx, err, "failed to read row values")
		}

		row := make(models.Row, len(p.Columns))
		descs := rows.FieldDescriptions()
		for i, fd := range descs {
			if i < len(values) {
				row[fd.Name] = convertPostgresValue(values[i])
			}
		}

		if replCol != nil {
			w.observe(checksum.Canonical(row[replCol.Name], replCol.Type), replCol.Type)
		}

		if err := w.write(ctx, row); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify(ctx, err, "export stream failed")
	}

	objects, err := w.finish(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.Info("staged table export",
		zap.String("table", p.Table),
		zap.Int("objects", len(objects)),
		zap.Int64("rows", w.totalRows))

	return objects, nil
}

func (s *PostgresStager) buildQuery(p *plan.TablePlan, watermarkLow string) (string, []interface{}, error) {
	cols := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		cols = append(cols, pgx.Identifier{c.Name}.Sanitize())
	}

	table := sanitizeQualified(p.Table)
	query := "SELECT " + strings.Join(cols, ", ") + " FROM " + table

	var args []interface{}
	if p.Strategy == plan.StrategyIncremental && watermarkLow != "" {
		col, ok := columnOf(p.Columns, p.ReplicationColumn)
		if !ok {
			return "", nil, errors.Newf(errors.ErrorTypeValidation, "replication column %s missing from plan for %s", p.ReplicationColumn, p.Table)
		}
		low, err := checksum.ParseWatermark(watermarkLow, col.Type)
		if err != nil {
			return "", nil, errors.Wrap(err, errors.ErrorTypeStateStore, "stored watermark is unparseable")
		}
		query += " WHERE " + pgx.Identifier{p.ReplicationColumn}.Sanitize() + " > $1"
		args = append(args, low)
	}
	if p.Strategy == plan.StrategyIncremental {
		query += " ORDER BY " + pgx.Identifier{p.ReplicationColumn}.Sanitize()
	}

	return query, args, nil
}

// classify splits export failures into timeouts, transient connectivity
// errors and source-side stage errors; all are retryable per the
// worker's attempt budget.
func (s *PostgresStager) classify(ctx context.Context, err error, msg string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "export attempt timed out")
	}
	if ctx.Err() == context.Canceled {
		return errors.Wrap(err, errors.ErrorTypeStage, "export cancelled")
	}
	return errors.Wrap(err, errors.ErrorTypeStage, msg)
}

// stageWriter rotates rows into staged Parquet objects
type stageWriter struct {
	stager *PostgresStager
	plan   *plan.TablePlan
	prefix string

	buf     bytes.Buffer
	writer  *format.Writer
	objects []StagedObject

	totalRows int64
	fileRows  int64
	low       string
	high      string
}

func (w *stageWriter) observe(canonical string, t catalog.ColumnType) {
	if canonical == "" {
		return
	}
	if w.high == "" || checksum.CompareCanonical(canonical, w.high, t) > 0 {
		w.high = canonical
	}
}

func (w *stageWriter) write(ctx context.Context, row models.Row) error {
	if w.writer == nil {
		w.buf.Reset()
		writer, err := format.NewWriter(&w.buf, w.plan.Columns)
		if err != nil {
			return err
		}
		w.writer = writer
		w.fileRows = 0
	}

	if err := w.writer.Write(row); err != nil {
		return err
	}
	w.totalRows++
	w.fileRows++

	if w.fileRows >= w.stager.maxFileRows {
		return w.rotate(ctx)
	}
	return nil
}

func (w *stageWriter) rotate(ctx context.Context) error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Close(); err != nil {
		return err
	}
	w.writer = nil

	key := fmt.Sprintf("%spart-%05d.parquet", w.prefix, len(w.objects))
	if err := w.stager.store.Put(ctx, key, bytes.NewReader(w.buf.Bytes())); err != nil {
		return w.stager.classify(ctx, err, "failed to upload staged object")
	}

	w.objects = append(w.objects, StagedObject{
		Ref:            objectstore.Ref{Key: key, Size: int64(w.buf.Len())},
		URI:            w.stager.store.URI(key),
		Format:         "parquet",
		Table:          w.plan.Table,
		ApproxRowCount: w.fileRows,
	})
	return nil
}

func (w *stageWriter) finish(ctx context.Context) ([]StagedObject, error) {
	if w.writer != nil && w.fileRows > 0 {
		if err := w.rotate(ctx); err != nil {
			return nil, err
		}
	} else if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			return nil, err
		}
		w.writer = nil
	}

	// An empty incremental export covered nothing; the high watermark
	// stays wherever the low one was.
	high := w.high
	if high == "" {
		high = w.low
	}
	for i := range w.objects {
		w.objects[i].WatermarkLow = w.low
		w.objects[i].WatermarkHigh = high
	}

	return w.objects, nil
}

func columnOf(cols []catalog.Column, name string) (catalog.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return catalog.Column{}, false
}

func sanitizeQualified(table string) string {
	parts := strings.Split(table, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, pgx.Identifier{p}.Sanitize())
	}
	return strings.Join(out, ".")
}

func convertPostgresValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC()
	case [16]byte: // uuid
		return fmt.Sprintf("%x-%x-%x-%x-%x", val[0:4], val[4:6], val[6:8], val[8:10], val[10:16])
	default:
		return v
	}
}
