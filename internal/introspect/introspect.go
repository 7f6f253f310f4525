// Package introspect reads table and column catalogs from datasources and
// normalises them into one column model.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/models"
	"dynamic-api/internal/pool"

	"github.com/spf13/cast"
)

var ErrTableNotFound = errors.New("table not found")

type Column struct {
	Name          string          `json:"name" yaml:"name"`
	RawType       string          `json:"rawType" yaml:"raw_type"`
	LogicalType   models.DataType `json:"type" yaml:"type"`
	Nullable      bool            `json:"nullable" yaml:"nullable"`
	PrimaryKey    bool            `json:"primaryKey" yaml:"primary_key"`
	AutoIncrement bool            `json:"autoIncrement" yaml:"auto_increment"`
	Default       *string         `json:"default,omitempty" yaml:"default,omitempty"`
	MaxLength     *int            `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
}

type TableSchema struct {
	Dialect dialect.Name `json:"dialect" yaml:"dialect"`
	Table   string       `json:"table" yaml:"table"`
	Columns []Column     `json:"columns" yaml:"columns"`
}

// PrimaryKey returns the first primary key column, if any.
func (s TableSchema) PrimaryKey() (Column, bool) {
	for _, c := range s.Columns {
		if c.PrimaryKey {
			return c, true
		}
	}
	return Column{}, false
}

// Executor is the part of the pool registry the introspector reads through.
type Executor interface {
	Has(key string) bool
	Execute(ctx context.Context, key, sql string, args []any, d dialect.Name) ([]dialect.Row, error)
}

type Introspector struct {
	pools  Executor
	lookup pool.Opener
	logger *slog.Logger
}

func New(pools Executor, logger *slog.Logger) *Introspector {
	return NewWithOpener(pools, logger, dialect.Lookup)
}

func NewWithOpener(pools Executor, logger *slog.Logger, lookup pool.Opener) *Introspector {
	return &Introspector{pools: pools, lookup: lookup, logger: logger}
}

func (i *Introspector) ListTables(ctx context.Context, ds pool.DatasourceConfig) ([]string, error) {
	drv, err := i.lookup(string(ds.Dialect))
	if err != nil {
		return nil, err
	}

	query, args := drv.ListTablesQuery(ds.Database)
	rows, err := i.query(ctx, drv, ds, query, args)
	if err != nil {
		return nil, err
	}

	tables := make([]string, 0, len(rows))
	for n, row := range rows {
		name, err := cast.ToStringE(field(row, "table_name"))
		if err != nil || name == "" {
			return nil, fmt.Errorf("unreadable table name in catalog row %d", n)
		}
		tables = append(tables, name)
	}
	return tables, nil
}

// DescribeTable returns the full column list of table or an error; it never
// returns a partial schema.
func (i *Introspector) DescribeTable(ctx context.Context, ds pool.DatasourceConfig, table string) (TableSchema, error) {
	drv, err := i.lookup(string(ds.Dialect))
	if err != nil {
		return TableSchema{}, err
	}

	query, args := drv.DescribeTableQuery(ds.Database, table)
	rows, err := i.query(ctx, drv, ds, query, args)
	if err != nil {
		return TableSchema{}, err
	}
	if len(rows) == 0 {
		return TableSchema{}, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	schema := TableSchema{Dialect: drv.Name(), Table: table, Columns: make([]Column, 0, len(rows))}
	for n, row := range rows {
		col, err := normalise(row)
		if err != nil {
			return TableSchema{}, fmt.Errorf("column %d of %s: %w", n, table, err)
		}
		schema.Columns = append(schema.Columns, col)
	}
	return schema, nil
}

// query prefers the datasource's live pool and otherwise opens a single
// connection pool that is closed before returning.
func (i *Introspector) query(ctx context.Context, drv dialect.Driver, ds pool.DatasourceConfig, sql string, args []any) ([]dialect.Row, error) {
	key := ds.Key()
	if i.pools != nil && i.pools.Has(key) {
		return i.pools.Execute(ctx, key, sql, args, ds.Dialect)
	}

	cfg := ds.Config
	cfg.MaxConnections = 1
	p, err := drv.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			i.logger.Warn("error closing introspection pool", "datasource_id", ds.ID, "error", err)
		}
	}()
	return p.Query(ctx, sql, args)
}

func normalise(row dialect.Row) (Column, error) {
	var col Column
	var err error

	if col.Name, err = cast.ToStringE(field(row, "column_name")); err != nil || col.Name == "" {
		return col, errors.New("missing column name")
	}
	if col.RawType, err = cast.ToStringE(field(row, "data_type")); err != nil || col.RawType == "" {
		return col, fmt.Errorf("missing data type for %s", col.Name)
	}
	col.LogicalType = MapTypeToLogical(col.RawType)

	if col.Nullable, err = flag(field(row, "is_nullable")); err != nil {
		return col, fmt.Errorf("is_nullable of %s: %w", col.Name, err)
	}
	if col.PrimaryKey, err = flag(field(row, "is_primary_key")); err != nil {
		return col, fmt.Errorf("is_primary_key of %s: %w", col.Name, err)
	}
	if col.AutoIncrement, err = flag(field(row, "is_auto_increment")); err != nil {
		return col, fmt.Errorf("is_auto_increment of %s: %w", col.Name, err)
	}

	if v := field(row, "column_default"); v != nil {
		s, err := cast.ToStringE(v)
		if err != nil {
			return col, fmt.Errorf("column_default of %s: %w", col.Name, err)
		}
		s = strings.TrimSpace(s)
		col.Default = &s
	}
	if v := field(row, "max_length"); v != nil {
		n, err := cast.ToIntE(v)
		if err != nil {
			return col, fmt.Errorf("max_length of %s: %w", col.Name, err)
		}
		if n > 0 {
			col.MaxLength = &n
		}
	}
	return col, nil
}

// flag reads catalog yes/no values in any of the shapes drivers return them.
func flag(v any) (bool, error) {
	if s, ok := v.(string); ok {
		switch strings.ToUpper(strings.TrimSpace(s)) {
		case "YES", "Y":
			return true, nil
		case "NO", "N", "":
			return false, nil
		}
	}
	if v == nil {
		return false, nil
	}
	return cast.ToBoolE(v)
}

// field looks a column up case-insensitively; catalogs disagree on case.
func field(row dialect.Row, name string) any {
	if v, ok := row[name]; ok {
		return v
	}
	for k, v := range row {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

// MapTypeToLogical maps a raw catalog type to a parameter data type.
func MapTypeToLogical(raw string) models.DataType {
	t := strings.ToLower(raw)
	switch {
	case strings.Contains(t, "int") || strings.Contains(t, "serial"):
		return models.TypeNumber
	case strings.Contains(t, "decimal") || strings.Contains(t, "numeric") || strings.Contains(t, "number") ||
		strings.Contains(t, "float") || strings.Contains(t, "double") || strings.Contains(t, "real") ||
		strings.Contains(t, "money"):
		return models.TypeNumber
	case strings.Contains(t, "bool") || t == "bit":
		return models.TypeBoolean
	case strings.Contains(t, "date") || strings.Contains(t, "time"):
		return models.TypeDate
	case strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "clob"):
		return models.TypeString
	case strings.Contains(t, "json") || strings.Contains(t, "blob"):
		return models.TypeObject
	default:
		return models.TypeString
	}
}
