// Package dialect collapses the four supported relational engines behind one
// Driver capability: connect, execute, catalog queries, row capping and
// session initialisation.
package dialect

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type Name string

const (
	MySQL    Name = "mysql"
	Postgres Name = "postgres"
	MSSQL    Name = "mssql"
	Oracle   Name = "oracle"
)

func (n Name) String() string { return string(n) }

var ErrUnsupportedDialect = errors.New("unsupported dialect")

// Config is everything a driver needs to open a pool against one datasource.
type Config struct {
	Host           string
	Port           int
	Database       string
	Username       string
	Password       string
	MaxConnections int
}

// Row is one result row keyed by column name.
type Row = map[string]any

type Stats struct {
	Open  int `json:"open"`
	InUse int `json:"inUse"`
	Idle  int `json:"idle"`
	Max   int `json:"max"`
}

// Pool is a live, bounded set of connections to one datasource.
type Pool interface {
	Query(ctx context.Context, query string, args []any) ([]Row, error)
	Ping(ctx context.Context) error
	Stats() Stats
	Close() error
}

type Driver interface {
	Name() Name
	// Open creates and pings a pool. A pool that cannot be pinged is closed
	// before the error is returned.
	Open(ctx context.Context, cfg Config) (Pool, error)
	// Placeholder returns the bound-parameter marker for the n-th value (1-based).
	Placeholder(n int) string
	ApplyRowCap(query string, limit int) string
	ListTablesQuery(database string) (string, []any)
	DescribeTableQuery(database, table string) (string, []any)
	SessionInit() []string
}

// DriverError carries the dialect of a failed driver call. Error() is the
// driver's own message, unmodified.
type DriverError struct {
	Dialect Name
	Err     error
}

func (e *DriverError) Error() string { return e.Err.Error() }

func (e *DriverError) Unwrap() error { return e.Err }

func wrap(name Name, err error) error {
	if err == nil {
		return nil
	}
	var de *DriverError
	if errors.As(err, &de) {
		return err
	}
	return &DriverError{Dialect: name, Err: err}
}

var drivers = map[Name]Driver{
	MySQL:    mysqlDriver{},
	Postgres: postgresDriver{},
	MSSQL:    mssqlDriver{},
	Oracle:   oracleDriver{},
}

// Lookup selects the driver for a dialect tag.
func Lookup(name string) (Driver, error) {
	d, ok := drivers[Name(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, name)
	}
	return d, nil
}

func Names() []Name {
	return []Name{MySQL, Postgres, MSSQL, Oracle}
}

var (
	limitClauseRe = regexp.MustCompile(`(?i)\b(LIMIT\s+\S+|TOP\s*\(?\s*\d+|FETCH\s+(FIRST|NEXT)\s+|ROWNUM\b)`)
	selectRe      = regexp.MustCompile(`(?i)^\s*SELECT\b`)
)

// NeedsRowCap reports whether query is a SELECT without any row-limit clause.
// Text inside literals and comments does not count as a clause.
func NeedsRowCap(query string) bool {
	return selectRe.MatchString(query) && !limitClauseRe.MatchString(maskOpaque(query))
}

// splitTerminator separates a trailing statement terminator from the body.
func splitTerminator(query string) (string, string) {
	body := strings.TrimRight(query, " \t\r\n")
	if strings.HasSuffix(body, ";") {
		return strings.TrimRight(strings.TrimSuffix(body, ";"), " \t\r\n"), ";"
	}
	return body, ""
}

func appendRowCap(query, clause string) string {
	if !NeedsRowCap(query) {
		return query
	}
	body, term := splitTerminator(query)
	return body + " " + clause + term
}
