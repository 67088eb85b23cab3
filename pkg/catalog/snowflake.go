package catalog

import (
	"context"
	"database/sql"
	"strings"

	sf "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/tributary-data/tributary/pkg/errors"
	"github.com/tributary-data/tributary/pkg/logger"
)

// SnowflakeCatalog discovers tables from a Snowflake source database.
type SnowflakeCatalog struct {
	db       *sql.DB
	database string
	schema   string
	logger   *zap.Logger
}

// SnowflakeConfig holds the connection parameters for a Snowflake source
type SnowflakeConfig struct {
	Account   string `yaml:"account" json:"account"`
	User      string `yaml:"user" json:"user"`
	Password  string `yaml:"password" json:"password"`
	Database  string `yaml:"database" json:"database"`
	Schema    string `yaml:"schema" json:"schema"`
	Warehouse string `yaml:"warehouse" json:"warehouse"`
	Role      string `yaml:"role" json:"role"`
}

// DSN builds the gosnowflake connection string
func (c *SnowflakeConfig) DSN() (string, error) {
	cfg := &sf.Config{
		Account:   c.Account,
		User:      c.User,
		Password:  c.Password,
		Database:  c.Database,
		Schema:    c.Schema,
		Warehouse: c.Warehouse,
		Role:      c.Role,
	}
	return sf.DSN(cfg)
}

// NewSnowflakeCatalog connects to Snowflake and returns a catalog adapter
// scoped to the configured database and schema.
func NewSnowflakeCatalog(cfg *SnowflakeConfig) (*SnowflakeCatalog, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build snowflake DSN")
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to open snowflake connection")
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "PUBLIC"
	}

	return &SnowflakeCatalog{
		db:       db,
		database: cfg.Database,
		schema:   strings.ToUpper(schema),
		logger:   logger.With(zap.String("component", "snowflake_catalog"), zap.String("schema", schema)),
	}, nil
}

// DB exposes the underlying connection so the snowflake stager can reuse it.
func (c *SnowflakeCatalog) DB() *sql.DB {
	return c.db
}

// ListTables discovers all base tables in the configured schema along with
// their columns and primary key constraints.
func (c *SnowflakeCatalog) ListTables(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
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

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entry, err := c.describeTable(ctx, name)
		if err != nil {
			c.logger.Warn("failed to describe table", zap.String("table", name), zap.Error(err))
			entries = append(entries, Entry{Name: c.schema + "." + name, Err: err})
			continue
		}
		entries = append(entries, entry)
	}

	c.logger.Info("discovered tables", zap.Int("count", len(entries)))

	return entries, nil
}

func (c *SnowflakeCatalog) describeTable(ctx context.Context, table string) (Entry, error) {
	entry := Entry{Name: c.schema + "." + table}

	rows, err := c.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
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
			Type:     mapSnowflakeType(dataType),
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

// primaryKey reads the key constraint via SHOW PRIMARY KEYS. The result
// set layout is positional, so rows are scanned generically and the
// column_name field picked out by header name.
func (c *SnowflakeCatalog) primaryKey(ctx context.Context, table string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SHOW PRIMARY KEYS IN TABLE "+quoteIdent(c.schema)+"."+quoteIdent(table))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to show primary keys")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to read result columns")
	}

	nameIdx := -1
	for i, col := range cols {
		if strings.EqualFold(col, "column_name") {
			nameIdx = i
			break
		}
	}
	if nameIdx < 0 {
		return nil, errors.New(errors.ErrorTypeCatalog, "unexpected SHOW PRIMARY KEYS result layout")
	}

	var key []string
	values := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "failed to scan key row")
		}
		switch v := values[nameIdx].(type) {
		case string:
			key = append(key, v)
		case []byte:
			key = append(key, string(v))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCatalog, "error iterating key rows")
	}

	return key, nil
}

// Close releases the database connection
func (c *SnowflakeCatalog) Close(ctx context.Context) error {
	return c.db.Close()
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// mapSnowflakeType maps Snowflake data types to catalog column types
func mapSnowflakeType(sfType string) ColumnType {
	switch strings.ToUpper(sfType) {
	case "NUMBER", "DECIMAL", "NUMERIC", "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "BYTEINT":
		return ColumnTypeInt
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "REAL":
		return ColumnTypeFloat
	case "BOOLEAN":
		return ColumnTypeBool
	case "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "TIMESTAMP", "DATETIME":
		return ColumnTypeTimestamp
	case "DATE":
		return ColumnTypeDate
	case "VARIANT", "OBJECT", "ARRAY":
		return ColumnTypeJSON
	case "BINARY", "VARBINARY":
		return ColumnTypeBinary
	default:
		return ColumnTypeString
	}
}
