package catalog

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
)

// PostgresCatalog discovers tables from a PostgreSQL source using
// information_schema.
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	schema string
	logger *zap.Logger
}

// NewPostgresCatalog connects to the source and returns a catalog adapter
// scoped to the given schema ("public" when empty).
func NewPostgresCatalog(ctx context.Context, connString, schema string) (*PostgresCatalog, error) {
	if schema == "" {
		schema = "public"
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create connection pool")
	}

	return &PostgresCatalog{
		pool:   pool,
		schema: schema,
		logger: logger.With(zap.String("component", "postgres_catalog"), zap.String("schema", schema)),
	}, nil
}

// ListTables discovers all base tables in the configured schema along with
// their columns and primary key constraints.
func (c *PostgresCatalog) ListTables(ctx context.Context) ([]Entry, error) {
	names, err := c.listTableNames(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, err := c.describeTable(ctx, name)
		if err != nil {
			// A table we cannot describe cannot be planned; the rest of
			// the schema still can.
			c.logger.Warn("failed to describe table", zap.String("table", name), zap.Error(err))
			entries = append(entries, Entry{Name: c.schema + "." + name, Err: err})
			continue
		}
		entries = append(entries, entry)
	}

	c.logger.Info("discovered tables", zap.Int("count", len(entries)))

	return entries, nil
}

func (c *PostgresCatalog) listTableNames(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, c.schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to list tables")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to scan table name")
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "error iterating table names")
	}

	return names, nil
}

func (c *PostgresCatalog) describeTable(ctx context.Context, table string) (Entry, error) {
	entry := Entry{Name: c.schema + "." + table}

	rows, err := c.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, c.schema, table)
	if err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to query table columns")
	}
	defer rows.Close()

	for rows.Next() {
		var columnName, dataType, isNullable string
		if err := rows.Scan(&columnName, &dataType, &isNullable); err != nil {
			return Entry{}, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to scan column row")
		}
		entry.Columns = append(entry.Columns, Column{
			Name:     columnName,
			Type:     mapPostgresType(dataType),
			Nullable: isNullable == "YES",
		})
	}
	if err := rows.Err(); err != nil {
		return Entry{}, errors.Wrap(err, errors.ErrorTypeCatalog, "error iterating column rows")
	}

	if len(entry.Columns) == 0 {
		return Entry{}, errors.Newf(errors.ErrorTypeCatalog, "table %s not found or has no columns", entry.Name)
	}

	pk, err := c.primaryKey(ctx, table)
	if err != nil {
		return Entry{}, err
	}
	entry.PrimaryKey = pk

	return entry, nil
}

func (c *PostgresCatalog) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1
		  AND tc.table_name = $2
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position
	`, c.schema, table)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to query primary key")
	}
	defer rows.Close()

	var key []string
	for rows.Next() {
		var column string
		if err := rows.Scan(&column); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to scan key column")
		}
		key = append(key, column)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "error iterating key columns")
	}

	return key, nil
}

// Close releases the connection pool
func (c *PostgresCatalog) Close(ctx context.Context) error {
	c.pool.Close()
	return nil
}

// mapPostgresType maps PostgreSQL data types to catalog column types
func mapPostgresType(pgType string) ColumnType {
	switch pgType {
	case "integer", "bigint", "smallint", "serial", "bigserial":
		return ColumnTypeInt
	case "numeric", "decimal", "real", "double precision":
		return ColumnTypeFloat
	case "boolean":
		return ColumnTypeBool
	case "timestamp", "timestamp without time zone", "timestamp with time zone", "timestamptz":
		return ColumnTypeTimestamp
	case "date":
		return ColumnTypeDate
	case "json", "jsonb":
		return ColumnTypeJSON
	case "bytea":
		return ColumnTypeBinary
	default:
		return ColumnTypeString
	}
}
