package dialect

import (
	"context"
	"database/sql"
	"strconv"
	"strings"

	go_ora "github.com/sijms/go-ora/v2"
)

type oracleDriver struct{}

func (oracleDriver) Name() Name { return Oracle }

func (d oracleDriver) Open(ctx context.Context, cfg Config) (Pool, error) {
	dsn := go_ora.BuildUrl(cfg.Host, portOr(cfg.Port, 1521), cfg.Database, cfg.Username, cfg.Password, nil)

	db, err := sql.Open("oracle", dsn)
	if err != nil {
		return nil, wrap(Oracle, err)
	}
	p := newSQLPool(db, Oracle, cfg.MaxConnections)
	p.checkout = true
	p.sessionInit = d.SessionInit()
	return openSQLPool(ctx, p)
}

func (oracleDriver) Placeholder(n int) string { return ":" + strconv.Itoa(n) }

func (oracleDriver) ApplyRowCap(query string, limit int) string {
	return appendRowCap(query, "FETCH FIRST "+strconv.Itoa(limit)+" ROWS ONLY")
}

func (oracleDriver) ListTablesQuery(string) (string, []any) {
	return `SELECT table_name AS "table_name" FROM user_tables ORDER BY table_name`, nil
}

func (oracleDriver) DescribeTableQuery(_, table string) (string, []any) {
	table = strings.ToUpper(table)
	return `SELECT c.column_name AS "column_name",
	c.data_type AS "data_type",
	CASE WHEN c.nullable = 'Y' THEN 'YES' ELSE 'NO' END AS "is_nullable",
	CASE WHEN pk.column_name IS NOT NULL THEN 'YES' ELSE 'NO' END AS "is_primary_key",
	CASE WHEN c.identity_column = 'YES' THEN 'YES' ELSE 'NO' END AS "is_auto_increment",
	c.data_default AS "column_default",
	NULLIF(c.char_length, 0) AS "max_length"
FROM user_tab_columns c
LEFT JOIN (
	SELECT cols.column_name
	FROM user_constraints cons
	JOIN user_cons_columns cols ON cons.constraint_name = cols.constraint_name
	WHERE cons.constraint_type = 'P' AND cons.table_name = :1
) pk ON pk.column_name = c.column_name
WHERE c.table_name = :2
ORDER BY c.column_id`, []any{table, table}
}

func (oracleDriver) SessionInit() []string {
	return []string{"ALTER SESSION SET TIME_ZONE = '+00:00'"}
}
