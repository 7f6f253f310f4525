package dialect

import (
	"context"
	"database/sql"
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

type mysqlDriver struct{}

func (mysqlDriver) Name() Name { return MySQL }

func (d mysqlDriver) Open(ctx context.Context, cfg Config) (Pool, error) {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(portOr(cfg.Port, 3306)))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"time_zone": "'+00:00'", "charset": "utf8mb4"}

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, wrap(MySQL, err)
	}
	return openSQLPool(ctx, newSQLPool(db, MySQL, cfg.MaxConnections))
}

func (mysqlDriver) Placeholder(int) string { return "?" }

func (mysqlDriver) ApplyRowCap(query string, limit int) string {
	return appendRowCap(query, "LIMIT "+strconv.Itoa(limit))
}

func (mysqlDriver) ListTablesQuery(database string) (string, []any) {
	return `SELECT TABLE_NAME AS table_name
FROM information_schema.TABLES
WHERE TABLE_SCHEMA = ? AND TABLE_TYPE = 'BASE TABLE'
ORDER BY TABLE_NAME`, []any{database}
}

func (mysqlDriver) DescribeTableQuery(database, table string) (string, []any) {
	return `SELECT COLUMN_NAME AS column_name,
	COLUMN_TYPE AS data_type,
	IS_NULLABLE AS is_nullable,
	CASE WHEN COLUMN_KEY = 'PRI' THEN 'YES' ELSE 'NO' END AS is_primary_key,
	CASE WHEN EXTRA LIKE '%auto_increment%' THEN 'YES' ELSE 'NO' END AS is_auto_increment,
	COLUMN_DEFAULT AS column_default,
	CHARACTER_MAXIMUM_LENGTH AS max_length
FROM information_schema.COLUMNS
WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
ORDER BY ORDINAL_POSITION`, []any{database, table}
}

// SessionInit is empty: the time zone travels in the DSN.
func (mysqlDriver) SessionInit() []string { return nil }

func portOr(port, fallback int) int {
	if port <= 0 {
		return fallback
	}
	return port
}
