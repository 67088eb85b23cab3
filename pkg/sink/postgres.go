package sink

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
	"github.com/tributary-data/tributary/pkg/models"
	"github.com/tributary-data/tributary/pkg/plan"
	"github.com/tributary-data/tributary/pkg/state"
)

const defaultSinkBatchSize = 500

// PostgresSink applies changes with batched INSERT ... ON CONFLICT
// statements. Statements queue per table and ship as one pgx batch per
// flush; the sink is shared across workers, so a flush only ever moves
// the calling table's statements and a failed flush only ever reaches
// the table that owns them.
type PostgresSink struct {
	pool      *pgxpool.Pool
	batchSize int
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*pgx.Batch
	sqlByID map[string]string
}

// PostgresSinkOptions tunes a postgres sink
type PostgresSinkOptions struct {
	// BatchSize flushes a table automatically after this many queued
	// statements
	BatchSize int
}

// NewPostgresSink creates a sink writing through the given pool
func NewPostgresSink(pool *pgxpool.Pool, opts PostgresSinkOptions) *PostgresSink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultSinkBatchSize
	}
	return &PostgresSink{
		pool:      pool,
		batchSize: opts.BatchSize,
		logger:    logger.With(zap.String("component", "postgres_sink")),
		pending:   map[string]*pgx.Batch{},
		sqlByID:   map[string]string{},
	}
}

// Upsert queues an insert-or-replace for the row
func (s *PostgresSink) Upsert(ctx context.Context, p *plan.TablePlan, row models.Row) error {
	query := s.upsertSQL(p)
	args := make([]interface{}, 0, len(p.Columns))
	for _, c := range p.Columns {
		args = append(args, row[c.Name])
	}

	s.mu.Lock()
	b := s.batch(p.Table)
	b.Queue(query, args...)
	full := b.Len() >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx, p)
	}
	return nil
}

// Delete queues a delete for each primary key
func (s *PostgresSink) Delete(ctx context.Context, p *plan.TablePlan, keys []models.Row) error {
	if len(p.PrimaryKey) == 0 {
		return errors.New(errors.ErrorTypeValidation, "cannot delete from a table without a primary key")
	}
	query := s.deleteSQL(p)

	s.mu.Lock()
	b := s.batch(p.Table)
	for _, key := range keys {
		args := make([]interface{}, 0, len(p.PrimaryKey))
		for _, col := range p.PrimaryKey {
			args = append(args, key[col])
		}
		b.Queue(query, args...)
	}
	full := b.Len() >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx, p)
	}
	return nil
}

// Flush ships the table's queued batch inside one transaction
func (s *PostgresSink) Flush(ctx context.Context, p *plan.TablePlan) error {
	s.mu.Lock()
	batch := s.pending[p.Table]
	delete(s.pending, p.Table)
	s.mu.Unlock()

	if batch == nil || batch.Len() == 0 {
		return nil
	}
	return s.ship(ctx, p.Table, batch)
}

// Checkpoint flushes anything still queued for the table. The state is
// already durable in the state store by the time it arrives here.
func (s *PostgresSink) Checkpoint(ctx context.Context, p *plan.TablePlan, st *state.SyncState) error {
	if err := s.Flush(ctx, p); err != nil {
		return err
	}
	s.logger.Debug("checkpoint acknowledged",
		zap.String("table", p.Table),
		zap.String("watermark", st.Watermark),
		zap.String("status", string(st.Status)))
	return nil
}

// Close flushes every table's remaining statements. The pool is owned
// by the caller and stays open.
func (s *PostgresSink) Close(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = map[string]*pgx.Batch{}
	s.mu.Unlock()

	for table, batch := range pending {
		if batch.Len() == 0 {
			continue
		}
		if err := s.ship(ctx, table, batch); err != nil {
			return err
		}
	}
	return nil
}

// batch returns the table's pending batch, creating it when absent. The
// caller holds s.mu.
func (s *PostgresSink) batch(table string) *pgx.Batch {
	b := s.pending[table]
	if b == nil {
		b = &pgx.Batch{}
		s.pending[table] = b
	}
	return b
}

func (s *PostgresSink) ship(ctx context.Context, table string, batch *pgx.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrapf(err, errors.ErrorTypeConnection, "failed to begin sink transaction for %s", table)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return errors.Wrapf(err, errors.ErrorTypeSink, "sink batch statement %d for %s failed", i, table)
		}
	}
	if err := results.Close(); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeSink, "failed to close sink batch for %s", table)
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrapf(err, errors.ErrorTypeSink, "failed to commit sink batch for %s", table)
	}

	s.logger.Debug("flushed sink batch", zap.String("table", table), zap.Int("statements", batch.Len()))
	return nil
}

func (s *PostgresSink) upsertSQL(p *plan.TablePlan) string {
	id := "u:" + p.Table
	s.mu.Lock()
	if q, ok := s.sqlByID[id]; ok {
		s.mu.Unlock()
		return q
	}
	s.mu.Unlock()

	cols := make([]string, 0, len(p.Columns))
	placeholders := make([]string, 0, len(p.Columns))
	updates := make([]string, 0, len(p.Columns))
	keySet := map[string]bool{}
	for _, k := range p.PrimaryKey {
		keySet[k] = true
	}
	for i, c := range p.Columns {
		quoted := pgx.Identifier{c.Name}.Sanitize()
		cols = append(cols, quoted)
		placeholders = append(placeholders, placeholder(i+1))
		if !keySet[c.Name] {
			updates = append(updates, quoted+" = EXCLUDED."+quoted)
		}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sanitizeQualified(p.Table))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(placeholders, ", "))
	b.WriteString(")")

	if len(p.PrimaryKey) > 0 {
		quotedKeys := make([]string, 0, len(p.PrimaryKey))
		for _, k := range p.PrimaryKey {
			quotedKeys = append(quotedKeys, pgx.Identifier{k}.Sanitize())
		}
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(quotedKeys, ", "))
		if len(updates) > 0 {
			b.WriteString(") DO UPDATE SET ")
			b.WriteString(strings.Join(updates, ", "))
		} else {
			b.WriteString(") DO NOTHING")
		}
	}

	q := b.String()
	s.mu.Lock()
	s.sqlByID[id] = q
	s.mu.Unlock()
	return q
}

func (s *PostgresSink) deleteSQL(p *plan.TablePlan) string {
	id := "d:" + p.Table
	s.mu.Lock()
	if q, ok := s.sqlByID[id]; ok {
		s.mu.Unlock()
		return q
	}
	s.mu.Unlock()

	conds := make([]string, 0, len(p.PrimaryKey))
	for i, k := range p.PrimaryKey {
		conds = append(conds, pgx.Identifier{k}.Sanitize()+" = "+placeholder(i+1))
	}
	q := "DELETE FROM " + sanitizeQualified(p.Table) + " WHERE " + strings.Join(conds, " AND ")

	s.mu.Lock()
	s.sqlByID[id] = q
	s.mu.Unlock()
	return q
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func sanitizeQualified(table string) string {
	parts := strings.Split(table, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, pgx.Identifier{p}.Sanitize())
	}
	return strings.Join(out, ".")
}
