package engine

import (
	"testing"

	"dynamic-api/internal/dialect"

	"github.com/stretchr/testify/require"
)

func driver(t *testing.T, name dialect.Name) dialect.Driver {
	t.Helper()
	d, err := dialect.Lookup(string(name))
	require.NoError(t, err)
	return d
}

func TestRender_PathParameterIsBound(t *testing.T) {
	sql, args := Render("SELECT * FROM users WHERE id = {{id}}", map[string]any{"id": "42"}, driver(t, dialect.Postgres), 0)
	require.Equal(t, "SELECT * FROM users WHERE id = $1 LIMIT 1000", sql)
	require.Equal(t, []any{"42"}, args)
}

func TestRender_RawIdentifierIsNotEscaped(t *testing.T) {
	bag := map[string]any{"order_by": "name; DROP TABLE users", "order": "DESC", "limit": 10}
	sql, args := Render("SELECT * FROM users ORDER BY {{order_by}} {{order}} LIMIT {{limit}}", bag, driver(t, dialect.MySQL), 0)

	require.Equal(t, "SELECT * FROM users ORDER BY name; DROP TABLE users DESC LIMIT 10", sql)
	require.Empty(t, args)
}

func TestRender_SearchIsQuotedPattern(t *testing.T) {
	sql, args := Render("SELECT * FROM books WHERE title LIKE {{search}} OR author LIKE {{search}}",
		map[string]any{"search": "O'Brien"}, driver(t, dialect.MySQL), 0)
	require.Equal(t, "SELECT * FROM books WHERE title LIKE '%O''Brien%' OR author LIKE '%O''Brien%' LIMIT 1000", sql)
	require.Empty(t, args)
}

func TestRender_BindsInOccurrenceOrder(t *testing.T) {
	bag := map[string]any{"a": 1, "b": "two", "limit": 5}
	sqlText := "SELECT * FROM t WHERE b = {{b}} AND a = {{a}} OR b2 = {{b}} LIMIT {{limit}}"

	sql, args := Render(sqlText, bag, driver(t, dialect.Oracle), 0)
	require.Equal(t, "SELECT * FROM t WHERE b = :1 AND a = :2 OR b2 = :3 LIMIT 5", sql)
	require.Equal(t, []any{"two", 1, "two"}, args)

	sql, _ = Render(sqlText, bag, driver(t, dialect.MSSQL), 0)
	require.Equal(t, "SELECT * FROM t WHERE b = ? AND a = ? OR b2 = ? LIMIT 5", sql)
}

func TestRender_RowCapPerDialect(t *testing.T) {
	expected := map[dialect.Name]string{
		dialect.MySQL:    "SELECT name FROM users WHERE active = ? LIMIT 1000;",
		dialect.Postgres: "SELECT name FROM users WHERE active = $1 LIMIT 1000;",
		dialect.MSSQL:    "SELECT TOP 1000 name FROM users WHERE active = ?;",
		dialect.Oracle:   "SELECT name FROM users WHERE active = :1 FETCH FIRST 1000 ROWS ONLY;",
	}
	for name, want := range expected {
		sql, args := Render("SELECT name FROM users WHERE active = {{active}};", map[string]any{"active": true}, driver(t, name), 0)
		require.Equal(t, want, sql, name)
		require.Equal(t, []any{true}, args)
	}
}

func TestRender_SearchTextCannotLiftRowCap(t *testing.T) {
	expected := map[dialect.Name]string{
		dialect.MySQL:    "SELECT id, title FROM books WHERE title LIKE '%limit 5%' LIMIT 1000",
		dialect.Postgres: "SELECT id, title FROM books WHERE title LIKE '%limit 5%' LIMIT 1000",
		dialect.MSSQL:    "SELECT TOP 1000 id, title FROM books WHERE title LIKE '%limit 5%'",
		dialect.Oracle:   "SELECT id, title FROM books WHERE title LIKE '%limit 5%' FETCH FIRST 1000 ROWS ONLY",
	}
	for name, want := range expected {
		sql, _ := Render("SELECT id, title FROM books WHERE title LIKE {{search}}", map[string]any{"search": "limit 5"}, driver(t, name), 0)
		require.Equal(t, want, sql, name)
	}

	sql, _ := Render("SELECT id FROM books WHERE title LIKE {{search}}", map[string]any{"search": "x' top 5 fetch first '"}, driver(t, dialect.MySQL), 0)
	require.Equal(t, "SELECT id FROM books WHERE title LIKE '%x'' top 5 fetch first ''%' LIMIT 1000", sql)
}

func TestRender_CustomRowCapAndWrites(t *testing.T) {
	sql, _ := Render("SELECT 1", nil, driver(t, dialect.Postgres), 50)
	require.Equal(t, "SELECT 1 LIMIT 50", sql)

	sql, args := Render("DELETE FROM users WHERE id = {{id}}", map[string]any{"id": 3}, driver(t, dialect.Postgres), 0)
	require.Equal(t, "DELETE FROM users WHERE id = $1", sql)
	require.Equal(t, []any{3}, args)
}

func TestRender_UnknownPlaceholderIsLeftInPlace(t *testing.T) {
	sql, args := Render("UPDATE t SET a = {{a}} WHERE id = {{id}}", map[string]any{"id": 1}, driver(t, dialect.MySQL), 0)
	require.Equal(t, "UPDATE t SET a = {{a}} WHERE id = ?", sql)
	require.Equal(t, []any{1}, args)
}
