package stage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/checksum"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/objectstore"
	"github.com/tributary-data/tributary/pkg/plan"
)

// SnowflakeStager drives a server-side unload: Snowflake writes the
// watermark range straight to the object store with COPY INTO, so row
// bytes never pass through the engine during staging.
type SnowflakeStager struct {
	db          *sql.DB
	store       objectstore.Store
	runID       string
	integration string
	maxFileSize int64
	timeout     time.Duration
	logger      *zap.Logger
}

// SnowflakeStagerOptions tunes a snowflake stager
type SnowflakeStagerOptions struct {
	// StorageIntegration names the Snowflake storage integration that
	// grants write access to the staging bucket
	StorageIntegration string
	// MaxFileSize caps each unloaded file in bytes
	MaxFileSize int64
	// Timeout bounds one unload attempt
	Timeout time.Duration
}

// NewSnowflakeStager creates a stager unloading under the given run ID.
func NewSnowflakeStager(db *sql.DB, store objectstore.Store, runID string, opts SnowflakeStagerOptions) *SnowflakeStager {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 256 * 1024 * 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = StageTimeoutDefault
	}
	return &SnowflakeStager{
		db:          db,
		store:       store,
		runID:       runID,
		integration: opts.StorageIntegration,
		maxFileSize: opts.MaxFileSize,
		timeout:     opts.Timeout,
		logger:      logger.With(zap.String("component", "snowflake_stager"), zap.String("run_id", runID)),
	}
}

// Stage unloads the table's watermark range and lists the produced
// objects. The range bounds are resolved with a snapshot query before
// the unload so the staged objects carry the exact interval they cover.
func (s *SnowflakeStager) Stage(ctx context.Context, p *plan.TablePlan, watermarkLow string) ([]StagedObject, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	table := quoteQualified(p.Table)
	where, args, err := s.rangePredicate(p, watermarkLow)
	if err != nil {
		return nil, err
	}

	high, count, err := s.resolveRange(ctx, p, table, where, args)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		s.logger.Info("nothing to stage", zap.String("table", p.Table), zap.String("watermark", watermarkLow))
		return nil, nil
	}

	prefix := StagePrefix(s.runID, p.Table)
	if err := s.unload(ctx, p, table, where, args, prefix); err != nil {
		return nil, err
	}

	refs, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeStage, "failed to list unloaded objects")
	}
	if len(refs) == 0 {
		return nil, errors.Newf(errors.ErrorTypeStage, "unload for %s reported %d rows but produced no objects", p.Table, count)
	}

	perObject := count / int64(len(refs))
	objects := make([]StagedObject, 0, len(refs))
	for _, ref := range refs {
		objects = append(objects, StagedObject{
			Ref:            ref,
			URI:            s.store.URI(ref.Key),
			Format:         "parquet",
			Table:          p.Table,
			ApproxRowCount: perObject,
			WatermarkLow:   watermarkLow,
			WatermarkHigh:  high,
		})
	}

	s.logger.Info("unloaded table export",
		zap.String("table", p.Table),
		zap.Int("objects", len(objects)),
		zap.Int64("rows", count),
		zap.String("watermark_high", high))

	return objects, nil
}

func (s *SnowflakeStager) rangePredicate(p *plan.TablePlan, watermarkLow string) (string, []interface{}, error) {
	if p.Strategy != plan.StrategyIncremental || watermarkLow == "" {
		return "", nil, nil
	}
	col, ok := columnOf(p.Columns, p.ReplicationColumn)
	if !ok {
		return "", nil, errors.Newf(errors.ErrorTypeValidation, "replication column %s missing from plan for %s", p.ReplicationColumn, p.Table)
	}
	low, err := checksum.ParseWatermark(watermarkLow, col.Type)
	if err != nil {
		return "", nil, errors.Wrap(err, errors.ErrorTypeStateStore, "stored watermark is unparseable")
	}
	return " WHERE " + quoteIdentSF(p.ReplicationColumn) + " > ?", []interface{}{low}, nil
}

// resolveRange snapshots the covered interval before the unload runs.
func (s *SnowflakeStager) resolveRange(ctx context.Context, p *plan.TablePlan, table, where string, args []interface{}) (string, int64, error) {
	var count int64
	if p.Strategy == plan.StrategyIncremental {
		col, _ := columnOf(p.Columns, p.ReplicationColumn)
		query := "SELECT MAX(" + quoteIdentSF(p.ReplicationColumn) + "), COUNT(*) FROM " + table + where
		var max interface{}
		if err := s.db.QueryRowContext(ctx, query, args...).Scan(&max, &count); err != nil {
			return "", 0, s.classify(ctx, err, "range snapshot query failed")
		}
		high := checksum.Canonical(normalizeScanned(max), col.Type)
		return high, count, nil
	}

	query := "SELECT COUNT(*) FROM " + table
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return "", 0, s.classify(ctx, err, "row count query failed")
	}
	return "", count, nil
}

func (s *SnowflakeStager) unload(ctx context.Context, p *plan.TablePlan, table, where string, args []interface{}, prefix string) error {
	cols := make([]string, 0, len(p.Columns))
	for _, c := range p.Columns {
		cols = append(cols, quoteIdentSF(c.Name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY INTO '%s' FROM (SELECT %s FROM %s%s)",
		s.store.URI(prefix), strings.Join(cols, ", "), table, where)
	if s.integration != "" {
		fmt.Fprintf(&b, " STORAGE_INTEGRATION = %s", quoteIdentSF(s.integration))
	}
	fmt.Fprintf(&b, " FILE_FORMAT = (TYPE = PARQUET) HEADER = TRUE MAX_FILE_SIZE = %d OVERWRITE = TRUE", s.maxFileSize)

	if _, err := s.db.ExecContext(ctx, b.String(), args...); err != nil {
		return s.classify(ctx, err, "unload statement failed")
	}
	return nil
}

func (s *SnowflakeStager) classify(ctx context.Context, err error, msg string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "unload attempt timed out")
	}
	return errors.Wrap(err, errors.ErrorTypeStage, msg)
}

func normalizeScanned(v interface{}) interface{} {
	switch val := v.(type) {
	case time.Time:
		return val.UTC()
	case []byte:
		return string(val)
	default:
		return v
	}
}

func quoteIdentSF(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteQualified(table string) string {
	parts := strings.Split(table, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, quoteIdentSF(p))
	}
	return strings.Join(out, ".")
}
