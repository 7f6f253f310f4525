package dialect

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresDriver struct{}

func (postgresDriver) Name() Name { return Postgres }

func (postgresDriver) Open(ctx context.Context, cfg Config) (Pool, error) {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(portOr(cfg.Port, 5432))),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}

	poolConfig, err := pgxpool.ParseConfig(u.String())
	if err != nil {
		return nil, wrap(Postgres, fmt.Errorf("failed to parse postgres config: %w", err))
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	poolConfig.MaxConns = int32(maxConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, wrap(Postgres, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(Postgres, err)
	}
	return &pgPool{pool: pool}, nil
}

func (postgresDriver) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDriver) ApplyRowCap(query string, limit int) string {
	return appendRowCap(query, "LIMIT "+strconv.Itoa(limit))
}

func (postgresDriver) ListTablesQuery(string) (string, []any) {
	return `SELECT table_name::text AS table_name
FROM information_schema.tables
WHERE table_schema = 'public' AND table_type = 'BASE TABLE'
ORDER BY table_name`, nil
}

func (postgresDriver) DescribeTableQuery(_, table string) (string, []any) {
	return `SELECT c.column_name::text AS column_name,
	c.data_type::text AS data_type,
	c.is_nullable::text AS is_nullable,
	CASE WHEN pk.column_name IS NOT NULL THEN 'YES' ELSE 'NO' END AS is_primary_key,
	CASE WHEN c.is_identity = 'YES' OR c.column_default LIKE 'nextval(%' THEN 'YES' ELSE 'NO' END AS is_auto_increment,
	c.column_default::text AS column_default,
	c.character_maximum_length::int AS max_length
FROM information_schema.columns c
LEFT JOIN (
	SELECT kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public' AND tc.table_name = $1
) pk ON pk.column_name = c.column_name
WHERE c.table_schema = 'public' AND c.table_name = $1
ORDER BY c.ordinal_position`, []any{table}
}

// SessionInit is empty: the time zone is a connection runtime parameter.
func (postgresDriver) SessionInit() []string { return nil }

type pgPool struct {
	pool *pgxpool.Pool
}

func (p *pgPool) Query(ctx context.Context, query string, args []any) ([]Row, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(Postgres, err)
	}
	result, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, wrap(Postgres, err)
	}
	return result, nil
}

func (p *pgPool) Ping(ctx context.Context) error {
	return wrap(Postgres, p.pool.Ping(ctx))
}

func (p *pgPool) Stats() Stats {
	s := p.pool.Stat()
	return Stats{
		Open:  int(s.TotalConns()),
		InUse: int(s.AcquiredConns()),
		Idle:  int(s.IdleConns()),
		Max:   int(s.MaxConns()),
	}
}

func (p *pgPool) Close() error {
	p.pool.Close()
	return nil
}
