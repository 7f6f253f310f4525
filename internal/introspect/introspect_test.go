package introspect

import (
	"context"
	"errors"
	"testing"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/logger"
	"dynamic-api/internal/models"
	"dynamic-api/internal/pool"

	"github.com/stretchr/testify/require"
)

type stubPool struct {
	rows   []dialect.Row
	err    error
	closed bool
	query  string
	args   []any
}

func (p *stubPool) Query(_ context.Context, q string, args []any) ([]dialect.Row, error) {
	p.query, p.args = q, args
	return p.rows, p.err
}
func (p *stubPool) Ping(context.Context) error { return nil }
func (p *stubPool) Stats() dialect.Stats       { return dialect.Stats{} }

func (p *stubPool) Close() error {
	p.closed = true
	return nil
}

// stubDriver keeps the real catalog queries and swaps the connection.
type stubDriver struct {
	dialect.Driver
	pool    *stubPool
	openErr error
	opened  dialect.Config
}

func (d *stubDriver) Open(_ context.Context, cfg dialect.Config) (dialect.Pool, error) {
	d.opened = cfg
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.pool, nil
}

type stubRegistry struct {
	keys map[string]bool
	rows []dialect.Row
	used string
}

func (r *stubRegistry) Has(key string) bool { return r.keys[key] }
func (r *stubRegistry) Execute(_ context.Context, key, _ string, _ []any, _ dialect.Name) ([]dialect.Row, error) {
	r.used = key
	return r.rows, nil
}

func newStub(t *testing.T, name dialect.Name, p *stubPool, reg Executor) (*Introspector, *stubDriver) {
	t.Helper()
	base, err := dialect.Lookup(string(name))
	require.NoError(t, err)
	drv := &stubDriver{Driver: base, pool: p}
	return NewWithOpener(reg, logger.Discard(), func(string) (dialect.Driver, error) { return drv, nil }), drv
}

func ds(name dialect.Name) pool.DatasourceConfig {
	return pool.DatasourceConfig{ID: 4, Dialect: name, Config: dialect.Config{Host: "h", Database: "shop", MaxConnections: 10}}
}

func TestListTablesUsesTemporaryPool(t *testing.T) {
	p := &stubPool{rows: []dialect.Row{{"table_name": "orders"}, {"TABLE_NAME": "users"}}}
	in, drv := newStub(t, dialect.MySQL, p, &stubRegistry{})

	tables, err := in.ListTables(context.Background(), ds(dialect.MySQL))
	require.NoError(t, err)
	require.Equal(t, []string{"orders", "users"}, tables)
	require.True(t, p.closed)
	require.Equal(t, 1, drv.opened.MaxConnections)
	require.Equal(t, []any{"shop"}, p.args)
}

func TestListTablesPrefersLivePool(t *testing.T) {
	reg := &stubRegistry{keys: map[string]bool{"postgres:4": true}, rows: []dialect.Row{{"table_name": "live"}}}
	p := &stubPool{}
	in, _ := newStub(t, dialect.Postgres, p, reg)

	tables, err := in.ListTables(context.Background(), ds(dialect.Postgres))
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, tables)
	require.Equal(t, "postgres:4", reg.used)
	require.Empty(t, p.query)
}

func TestListTablesPropagatesConnectionError(t *testing.T) {
	in, drv := newStub(t, dialect.Oracle, &stubPool{}, nil)
	drv.openErr = &dialect.DriverError{Dialect: dialect.Oracle, Err: errors.New("ORA-12541: TNS:no listener")}

	_, err := in.ListTables(context.Background(), ds(dialect.Oracle))
	var de *dialect.DriverError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "ORA-12541: TNS:no listener", err.Error())
}

func TestUnsupportedDialect(t *testing.T) {
	in := New(nil, logger.Discard())
	_, err := in.ListTables(context.Background(), ds("sybase"))
	require.ErrorIs(t, err, dialect.ErrUnsupportedDialect)
}

func TestDescribeTableNormalisesRows(t *testing.T) {
	p := &stubPool{rows: []dialect.Row{
		{"column_name": "id", "data_type": "int(11)", "is_nullable": "NO", "is_primary_key": "YES", "is_auto_increment": "YES", "column_default": nil, "max_length": nil},
		{"column_name": "email", "data_type": "varchar(255)", "is_nullable": "NO", "is_primary_key": "NO", "is_auto_increment": "NO", "column_default": nil, "max_length": int64(255)},
		{"column_name": "active", "data_type": "boolean", "is_nullable": "YES", "is_primary_key": "NO", "is_auto_increment": "NO", "column_default": "true", "max_length": nil},
		{"COLUMN_NAME": "CREATED_AT", "DATA_TYPE": "TIMESTAMP(6)", "IS_NULLABLE": "Y", "IS_PRIMARY_KEY": "N", "IS_AUTO_INCREMENT": "N", "COLUMN_DEFAULT": "SYSDATE ", "MAX_LENGTH": "0"},
	}}
	in, _ := newStub(t, dialect.MySQL, p, nil)

	schema, err := in.DescribeTable(context.Background(), ds(dialect.MySQL), "users")
	require.NoError(t, err)
	require.Equal(t, dialect.MySQL, schema.Dialect)
	require.Len(t, schema.Columns, 4)

	id := schema.Columns[0]
	require.True(t, id.PrimaryKey)
	require.True(t, id.AutoIncrement)
	require.False(t, id.Nullable)
	require.Equal(t, models.TypeNumber, id.LogicalType)
	require.Nil(t, id.Default)

	email := schema.Columns[1]
	require.Equal(t, 255, *email.MaxLength)
	require.Equal(t, models.TypeString, email.LogicalType)

	require.Equal(t, "true", *schema.Columns[2].Default)
	require.Equal(t, models.TypeBoolean, schema.Columns[2].LogicalType)

	created := schema.Columns[3]
	require.True(t, created.Nullable)
	require.Equal(t, models.TypeDate, created.LogicalType)
	require.Equal(t, "SYSDATE", *created.Default)
	require.Nil(t, created.MaxLength)

	pk, ok := schema.PrimaryKey()
	require.True(t, ok)
	require.Equal(t, "id", pk.Name)
}

func TestDescribeTableIsAllOrNothing(t *testing.T) {
	p := &stubPool{rows: []dialect.Row{
		{"column_name": "id", "data_type": "int", "is_nullable": "NO", "is_primary_key": "YES", "is_auto_increment": "NO"},
		{"column_name": "broken", "data_type": "int", "is_nullable": "SOMETIMES", "is_primary_key": "NO", "is_auto_increment": "NO"},
	}}
	in, _ := newStub(t, dialect.MySQL, p, nil)

	schema, err := in.DescribeTable(context.Background(), ds(dialect.MySQL), "t")
	require.Error(t, err)
	require.Empty(t, schema.Columns)
}

func TestDescribeMissingTable(t *testing.T) {
	in, _ := newStub(t, dialect.Postgres, &stubPool{rows: []dialect.Row{}}, nil)
	_, err := in.DescribeTable(context.Background(), ds(dialect.Postgres), "ghost")
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestMapTypeToLogical(t *testing.T) {
	tests := map[string]models.DataType{
		"INT":                         models.TypeNumber,
		"bigserial":                   models.TypeNumber,
		"decimal(10,2)":               models.TypeNumber,
		"NUMBER":                      models.TypeNumber,
		"double precision":            models.TypeNumber,
		"boolean":                     models.TypeBoolean,
		"bit":                         models.TypeBoolean,
		"datetime2":                   models.TypeDate,
		"timestamp without time zone": models.TypeDate,
		"varchar(20)":                 models.TypeString,
		"NVARCHAR2":                   models.TypeString,
		"text":                        models.TypeString,
		"jsonb":                       models.TypeObject,
		"longblob":                    models.TypeObject,
		"uuid":                        models.TypeString,
	}
	for raw, expected := range tests {
		require.Equal(t, expected, MapTypeToLogical(raw), raw)
	}
}
