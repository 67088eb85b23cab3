// Package plan builds immutable per-table replication plans from catalog
// metadata. A plan fixes the table's primary key, replication strategy and
// watermark column for one sync run; plans are rebuilt each run from live
// catalog state.
package plan

import (
	"strings"

	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/catalog"
	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
)

// Strategy is the replication strategy for a table
type Strategy string

const (
	// StrategyFull re-reads the entire table every run
	StrategyFull Strategy = "full"
	// StrategyIncremental reads only rows past the stored watermark
	StrategyIncremental Strategy = "incremental"
)

// TablePlan is the immutable plan for one table's sync. If Strategy is
// StrategyIncremental, ReplicationColumn names a column whose type is
// temporal or monotonically orderable.
type TablePlan struct {
	Table             string           `json:"table"`
	PrimaryKey        []string         `json:"primary_key"`
	Strategy          Strategy         `json:"strategy"`
	ReplicationColumn string           `json:"replication_column,omitempty"`
	Columns           []catalog.Column `json:"columns"`

	// ChecksumIdentity marks a keyless table: rows carry no upsert key
	// and are identified by content checksum only (append/replace).
	ChecksumIdentity bool `json:"checksum_identity,omitempty"`

	// DetectDeletes enables deletion inference for this table. Only ever
	// true for full-strategy tables with a primary key; the worker
	// enforces the same guard independently.
	DetectDeletes bool `json:"detect_deletes,omitempty"`
}

// NonKeyColumns returns the columns that participate in the row checksum,
// in catalog order.
func (p *TablePlan) NonKeyColumns() []catalog.Column {
	if len(p.PrimaryKey) == 0 {
		return p.Columns
	}
	keys := make(map[string]struct{}, len(p.PrimaryKey))
	for _, k := range p.PrimaryKey {
		keys[k] = struct{}{}
	}
	cols := make([]catalog.Column, 0, len(p.Columns))
	for _, c := range p.Columns {
		if _, ok := keys[c.Name]; !ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// Validate checks the plan invariants
func (p *TablePlan) Validate() error {
	if p.Table == "" {
		return errors.New(errors.ErrorTypeValidation, "plan has no table name")
	}
	if len(p.Columns) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "plan for %s has no columns", p.Table)
	}
	if p.Strategy == StrategyIncremental {
		if p.ReplicationColumn == "" {
			return errors.Newf(errors.ErrorTypeValidation, "incremental plan for %s has no replication column", p.Table)
		}
		col, ok := columnByName(p.Columns, p.ReplicationColumn)
		if !ok {
			return errors.Newf(errors.ErrorTypeValidation, "replication column %s missing from plan for %s", p.ReplicationColumn, p.Table)
		}
		if !col.Type.IsOrderable() {
			return errors.Newf(errors.ErrorTypeValidation, "replication column %s of %s is not orderable", p.ReplicationColumn, p.Table)
		}
	}
	if p.DetectDeletes && (p.Strategy != StrategyFull || len(p.PrimaryKey) == 0) {
		return errors.Newf(errors.ErrorTypeValidation, "deletion inference on %s requires a full pass over a keyed table", p.Table)
	}
	return nil
}

// TableOverride carries per-table configuration overrides applied at
// plan-build time.
type TableOverride struct {
	// Strategy forces full or incremental replication when non-empty
	Strategy Strategy `yaml:"strategy" json:"strategy"`
	// ReplicationColumn forces the watermark column when non-empty
	ReplicationColumn string `yaml:"replication_column" json:"replication_column"`
	// DetectDeletes overrides the global deletion-inference flag
	DetectDeletes *bool `yaml:"detect_deletes" json:"detect_deletes"`
	// Exclude skips the table entirely
	Exclude bool `yaml:"exclude" json:"exclude"`
}

// Options configures the planner
type Options struct {
	// ReplicationColumnNames are the conventional watermark column names,
	// matched case-insensitively.
	ReplicationColumnNames []string
	// DetectDeletes enables deletion inference globally; it only takes
	// effect on tables that end up with a full strategy and a key.
	DetectDeletes bool
	// ForceFull makes every table plan a full pass this run, regardless
	// of replication columns and prior strategy
	ForceFull bool
	// Overrides maps qualified table names to per-table overrides
	Overrides map[string]TableOverride
}

// DefaultReplicationColumnNames are the conventional names tried when no
// override names a replication column.
var DefaultReplicationColumnNames = []string{
	"updated_at",
	"modified_at",
	"update_time",
	"last_modified",
	"last_updated",
	"updated",
}

// Planner turns catalog entries into table plans
type Planner struct {
	opts   Options
	logger *zap.Logger
}

// NewPlanner creates a planner with the given options
func NewPlanner(opts Options) *Planner {
	if len(opts.ReplicationColumnNames) == 0 {
		opts.ReplicationColumnNames = DefaultReplicationColumnNames
	}
	return &Planner{
		opts:   opts,
		logger: logger.With(zap.String("component", "planner")),
	}
}

// Plan builds the table plan for one catalog entry. prior is the plan from
// the previous run (nil on first sync); it keeps the strategy stable unless
// schema changes invalidate it.
func (pl *Planner) Plan(entry catalog.Entry, prior *TablePlan) (*TablePlan, error) {
	override := pl.opts.Overrides[entry.Name]
	if override.Exclude {
		return nil, errors.Newf(errors.ErrorTypeValidation, "table %s is excluded", entry.Name)
	}
	switch override.Strategy {
	case "", StrategyFull, StrategyIncremental:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "table %s has unknown strategy override %q", entry.Name, override.Strategy)
	}

	p := &TablePlan{
		Table:      entry.Name,
		PrimaryKey: append([]string(nil), entry.PrimaryKey...),
		Columns:    append([]catalog.Column(nil), entry.Columns...),
	}

	// No key constraint: fail closed to a full, checksum-identity plan.
	if len(p.PrimaryKey) == 0 {
		p.ChecksumIdentity = true
	}

	replCol, err := pl.chooseReplicationColumn(entry, prior, override)
	if err != nil {
		return nil, err
	}

	if replCol != "" {
		p.Strategy = StrategyIncremental
		p.ReplicationColumn = replCol
	} else {
		p.Strategy = StrategyFull
	}

	if override.Strategy == StrategyFull || pl.opts.ForceFull {
		p.Strategy = StrategyFull
		p.ReplicationColumn = ""
	}

	detect := pl.opts.DetectDeletes
	if override.DetectDeletes != nil {
		detect = *override.DetectDeletes
	}
	p.DetectDeletes = detect && p.Strategy == StrategyFull && len(p.PrimaryKey) > 0

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// chooseReplicationColumn picks the watermark column, or "" for full
// replication.
func (pl *Planner) chooseReplicationColumn(entry catalog.Entry, prior *TablePlan, override TableOverride) (string, error) {
	// A forced column must exist and be orderable; an invalid override is
	// a configuration error, not a silent fallback.
	if override.ReplicationColumn != "" {
		col, ok := entry.Column(override.ReplicationColumn)
		if !ok {
			return "", errors.Newf(errors.ErrorTypeConfig, "configured replication column %s does not exist on %s", override.ReplicationColumn, entry.Name)
		}
		if !col.Type.IsOrderable() {
			return "", errors.Newf(errors.ErrorTypeConfig, "configured replication column %s on %s has non-orderable type %s", col.Name, entry.Name, col.Type)
		}
		return col.Name, nil
	}

	// Keep the prior run's choice when it is still valid.
	if prior != nil && prior.Strategy == StrategyIncremental {
		if col, ok := entry.Column(prior.ReplicationColumn); ok && col.Type.IsOrderable() {
			return col.Name, nil
		}
		// The column the previous run cursored on is gone: degrade to a
		// full pass and keep going.
		pl.logger.Warn("replication column disappeared, degrading to full replication",
			zap.String("table", entry.Name),
			zap.String("column", prior.ReplicationColumn))
		if override.Strategy != StrategyIncremental {
			return "", nil
		}
	}

	for _, name := range pl.opts.ReplicationColumnNames {
		for _, col := range entry.Columns {
			if strings.EqualFold(col.Name, name) && col.Type.IsOrderable() {
				return col.Name, nil
			}
		}
	}

	if override.Strategy == StrategyIncremental {
		return "", errors.Newf(errors.ErrorTypeConfig, "table %s is forced incremental but has no usable replication column", entry.Name)
	}

	return "", nil
}

func columnByName(cols []catalog.Column, name string) (catalog.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	return catalog.Column{}, false
}
