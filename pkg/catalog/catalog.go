// Package catalog defines table metadata discovery for replication sources.
// A Catalog adapter lists the tables a source exposes along with their
// columns and key constraints; the planner turns each entry into a table
// plan. Source-specific adapters live alongside this file.
package catalog

import "context"

// ColumnType represents the logical data type of a column
type ColumnType string

const (
	ColumnTypeString    ColumnType = "string"
	ColumnTypeInt       ColumnType = "int"
	ColumnTypeFloat     ColumnType = "float"
	ColumnTypeBool      ColumnType = "bool"
	ColumnTypeTimestamp ColumnType = "timestamp"
	ColumnTypeDate      ColumnType = "date"
	ColumnTypeJSON      ColumnType = "json"
	ColumnTypeBinary    ColumnType = "binary"
)

// IsTemporal reports whether the type is a timestamp or date
func (t ColumnType) IsTemporal() bool {
	return t == ColumnTypeTimestamp || t == ColumnTypeDate
}

// IsOrderable reports whether values of this type are monotonically
// orderable, making the column usable as a replication watermark.
func (t ColumnType) IsOrderable() bool {
	return t.IsTemporal() || t == ColumnTypeInt || t == ColumnTypeFloat
}

// Column describes a single column of a discovered table
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Nullable bool       `json:"nullable"`
}

// Entry describes one discovered table
type Entry struct {
	// Name is the qualified table name (schema.table)
	Name string `json:"name"`
	// Columns in catalog ordinal order
	Columns []Column `json:"columns"`
	// PrimaryKey holds the key constraint columns, empty when none exists
	PrimaryKey []string `json:"primary_key"`

	// Err records a discovery failure scoped to this table. An entry
	// with Err set carries no usable metadata and cannot be planned;
	// the failure never aborts discovery of the other tables.
	Err error `json:"-"`
}

// Column returns the column with the given name, case-sensitively
func (e *Entry) Column(name string) (Column, bool) {
	for _, c := range e.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Catalog discovers the tables available on a replication source
type Catalog interface {
	// ListTables returns the entries for all tables visible to the
	// configured source connection
	ListTables(ctx context.Context) ([]Entry, error)
	// Close releases the underlying source connection
	Close(ctx context.Context) error
}
