package dialect

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"
)

type mssqlDriver struct{}

func (mssqlDriver) Name() Name { return MSSQL }

func (mssqlDriver) Open(ctx context.Context, cfg Config) (Pool, error) {
	q := url.Values{}
	q.Set("database", cfg.Database)
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(portOr(cfg.Port, 1433))),
		RawQuery: q.Encode(),
	}

	db, err := sql.Open("sqlserver", u.String())
	if err != nil {
		return nil, wrap(MSSQL, err)
	}
	p := newSQLPool(db, MSSQL, cfg.MaxConnections)
	p.rewrite = RewriteNamedParams
	return openSQLPool(ctx, p)
}

// Placeholder is positional here; the pool rewrites markers to @paramN.
func (mssqlDriver) Placeholder(int) string { return "?" }

var selectHeadRe = regexp.MustCompile(`(?i)^(\s*SELECT)(\s+DISTINCT)?\s+`)

func (mssqlDriver) ApplyRowCap(query string, limit int) string {
	if !NeedsRowCap(query) {
		return query
	}
	return selectHeadRe.ReplaceAllString(query, "${1}${2} TOP "+strconv.Itoa(limit)+" ")
}

func (mssqlDriver) ListTablesQuery(database string) (string, []any) {
	return `SELECT TABLE_NAME AS table_name
FROM INFORMATION_SCHEMA.TABLES
WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_CATALOG = ?
ORDER BY TABLE_NAME`, []any{database}
}

func (mssqlDriver) DescribeTableQuery(database, table string) (string, []any) {
	return `SELECT c.COLUMN_NAME AS column_name,
	c.DATA_TYPE AS data_type,
	c.IS_NULLABLE AS is_nullable,
	CASE WHEN pk.COLUMN_NAME IS NOT NULL THEN 'YES' ELSE 'NO' END AS is_primary_key,
	CASE WHEN COLUMNPROPERTY(OBJECT_ID(c.TABLE_SCHEMA + '.' + c.TABLE_NAME), c.COLUMN_NAME, 'IsIdentity') = 1 THEN 'YES' ELSE 'NO' END AS is_auto_increment,
	c.COLUMN_DEFAULT AS column_default,
	c.CHARACTER_MAXIMUM_LENGTH AS max_length
FROM INFORMATION_SCHEMA.COLUMNS c
LEFT JOIN (
	SELECT kcu.COLUMN_NAME
	FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
	JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
	WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY' AND tc.TABLE_NAME = ?
) pk ON pk.COLUMN_NAME = c.COLUMN_NAME
WHERE c.TABLE_NAME = ? AND c.TABLE_CATALOG = ?
ORDER BY c.ORDINAL_POSITION`, []any{table, table, database}
}

func (mssqlDriver) SessionInit() []string { return nil }

// RewriteNamedParams replaces each positional ? outside literals, bracketed
// identifiers and comments with @paramN and pairs the values with sql.Named
// arguments.
func RewriteNamedParams(query string, args []any) (string, []any) {
	var b strings.Builder
	b.Grow(len(query) + 8*len(args))

	named := make([]any, 0, len(args))
	n := 0
	for i := 0; i < len(query); {
		if end := skipOpaque(query, i); end > i {
			b.WriteString(query[i:end])
			i = end
			continue
		}
		if query[i] != '?' {
			b.WriteByte(query[i])
			i++
			continue
		}
		n++
		name := "param" + strconv.Itoa(n)
		b.WriteString("@" + name)
		if n <= len(args) {
			named = append(named, sql.Named(name, args[n-1]))
		}
		i++
	}
	return b.String(), named
}
