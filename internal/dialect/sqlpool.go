package dialect

import (
	"context"
	"database/sql"
	"time"
)

// sqlPool serves the database/sql backed dialects. Oracle sets checkout so
// every query runs on an explicitly acquired connection that is released
// afterwards; MSSQL sets rewrite to turn positional markers into named ones.
type sqlPool struct {
	db          *sql.DB
	name        Name
	max         int
	checkout    bool
	sessionInit []string
	rewrite     func(query string, args []any) (string, []any)
}

func newSQLPool(db *sql.DB, name Name, maxConns int) *sqlPool {
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)
	return &sqlPool{db: db, name: name, max: maxConns}
}

func openSQLPool(ctx context.Context, p *sqlPool) (*sqlPool, error) {
	if err := p.Ping(ctx); err != nil {
		p.db.Close()
		return nil, err
	}
	return p, nil
}

func (p *sqlPool) Query(ctx context.Context, query string, args []any) ([]Row, error) {
	if p.rewrite != nil {
		query, args = p.rewrite(query, args)
	}

	if !p.checkout {
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, wrap(p.name, err)
		}
		return scanRows(p.name, rows)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, wrap(p.name, err)
	}
	defer conn.Close()

	for _, stmt := range p.sessionInit {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return nil, wrap(p.name, err)
		}
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(p.name, err)
	}
	return scanRows(p.name, rows)
}

func (p *sqlPool) Ping(ctx context.Context) error {
	return wrap(p.name, p.db.PingContext(ctx))
}

func (p *sqlPool) Stats() Stats {
	s := p.db.Stats()
	return Stats{Open: s.OpenConnections, InUse: s.InUse, Idle: s.Idle, Max: p.max}
}

func (p *sqlPool) Close() error {
	return p.db.Close()
}

func scanRows(name Name, rows *sql.Rows) ([]Row, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, wrap(name, err)
	}

	result := make([]Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, wrap(name, err)
		}

		row := make(Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(name, err)
	}
	return result, nil
}
