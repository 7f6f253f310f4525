package generator

import (
	"testing"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/introspect"
	"dynamic-api/internal/models"
	"dynamic-api/internal/params"

	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func usersSchema(d dialect.Name) introspect.TableSchema {
	return introspect.TableSchema{
		Dialect: d,
		Table:   "users",
		Columns: []introspect.Column{
			{Name: "id", RawType: "int", LogicalType: models.TypeNumber, PrimaryKey: true, AutoIncrement: true},
			{Name: "name", RawType: "varchar(100)", LogicalType: models.TypeString, MaxLength: intPtr(100)},
			{Name: "bio", RawType: "text", LogicalType: models.TypeString, Nullable: true},
			{Name: "created_at", RawType: "timestamp", LogicalType: models.TypeDate, Nullable: true},
		},
	}
}

func byKind(drafts []Draft) map[Kind]Draft {
	out := make(map[Kind]Draft, len(drafts))
	for _, d := range drafts {
		out[d.Kind] = d
	}
	return out
}

func TestGenerateCRUD_WithPrimaryKey(t *testing.T) {
	drafts := GenerateCRUD(usersSchema(dialect.MySQL), "", "")
	require.Len(t, drafts, 8)
	kinds := byKind(drafts)

	one := kinds[KindGetOne]
	require.Equal(t, "GET", one.Method)
	require.Equal(t, "/users/:id", one.Path)
	require.Equal(t, "SELECT id, name, bio, created_at FROM users WHERE id = {{id}}", one.SQL)
	require.Len(t, one.Parameters, 1)
	require.Equal(t, models.LocationPath, one.Parameters[0].Location)
	require.True(t, one.Parameters[0].Required)

	list := kinds[KindGetList]
	require.Equal(t, "SELECT id, name, bio, created_at FROM users LIMIT {{limit}} OFFSET {{offset}}", list.SQL)
	require.Equal(t, "100", *list.Parameters[0].Default)
	require.Equal(t, "0", *list.Parameters[1].Default)
	require.False(t, list.Parameters[0].Required)

	create := kinds[KindCreate]
	require.Equal(t, "POST", create.Method)
	require.Equal(t, "INSERT INTO users (name, bio, created_at) VALUES ({{name}}, {{bio}}, {{created_at}})", create.SQL)
	require.Len(t, create.Parameters, 3)
	require.True(t, create.Parameters[0].Required)
	require.False(t, create.Parameters[1].Required)
	require.Equal(t, map[string]any{"max": 100}, create.Parameters[0].Rule)

	update := kinds[KindUpdate]
	require.Equal(t, "PUT", update.Method)
	require.Equal(t, "/users/:id", update.Path)
	require.Equal(t, "UPDATE users SET name = {{name}}, bio = {{bio}}, created_at = {{created_at}} WHERE id = {{id}}", update.SQL)
	for _, p := range update.Parameters[1:] {
		require.Equal(t, models.LocationBody, p.Location)
		require.False(t, p.Required)
	}

	del := kinds[KindDelete]
	require.Equal(t, "DELETE FROM users WHERE id = {{id}}", del.SQL)

	page := kinds[KindPaginated]
	require.Equal(t, "/users/paginated", page.Path)
	require.Equal(t, "SELECT id, name, bio, created_at FROM users ORDER BY {{order_by}} {{order}} LIMIT {{limit}} OFFSET {{offset}}", page.SQL)
	require.Equal(t, "id", *page.Parameters[0].Default)
	require.Equal(t, "ASC", *page.Parameters[1].Default)

	search := kinds[KindSearch]
	require.Equal(t, "SELECT id, name, bio, created_at FROM users WHERE name LIKE {{search}} OR bio LIKE {{search}}", search.SQL)

	count := kinds[KindCount]
	require.Equal(t, "SELECT COUNT(*) AS total FROM users", count.SQL)
	require.Empty(t, count.Parameters)
}

func TestGenerateCRUD_ParametersMatchPlaceholders(t *testing.T) {
	for _, d := range GenerateCRUD(usersSchema(dialect.Postgres), "", "") {
		names := make([]string, len(d.Parameters))
		for i, p := range d.Parameters {
			names[i] = p.Name
		}
		require.ElementsMatch(t, params.Extract(d.SQL), names, d.Kind)
	}
}

func TestGenerateCRUD_ValidationRulesSkipAutoIncrementKey(t *testing.T) {
	rules := GenerateCRUD(usersSchema(dialect.MySQL), "", "")[0].ValidationRules
	require.NotContains(t, rules, "id")
	require.True(t, rules["name"].Required)
	require.Equal(t, 100, *rules["name"].MaxLength)
	require.False(t, rules["bio"].Required)
	require.Equal(t, models.TypeDate, rules["created_at"].Type)
}

func TestGenerateCRUD_NoPrimaryKey(t *testing.T) {
	schema := introspect.TableSchema{
		Dialect: dialect.Postgres,
		Table:   "audit_events",
		Columns: []introspect.Column{
			{Name: "event", RawType: "character varying", LogicalType: models.TypeString},
			{Name: "at", RawType: "timestamp", LogicalType: models.TypeDate},
		},
	}

	kinds := byKind(GenerateCRUD(schema, "Audit", "/audit/"))
	require.NotContains(t, kinds, KindGetOne)
	require.NotContains(t, kinds, KindUpdate)
	require.NotContains(t, kinds, KindDelete)
	require.Contains(t, kinds, KindGetList)
	require.Equal(t, "/audit", kinds[KindGetList].Path)
	require.Equal(t, "List Audit", kinds[KindGetList].Name)
	require.Equal(t, "id", *kinds[KindPaginated].Parameters[0].Default)
}

func TestGenerateCRUD_SearchWithoutTextColumns(t *testing.T) {
	schema := introspect.TableSchema{
		Dialect: dialect.MySQL,
		Table:   "metrics",
		Columns: []introspect.Column{
			{Name: "id", RawType: "int", LogicalType: models.TypeNumber, PrimaryKey: true},
			{Name: "value", RawType: "double", LogicalType: models.TypeNumber},
		},
	}
	search := byKind(GenerateCRUD(schema, "", ""))[KindSearch]
	require.Equal(t, "SELECT id, value FROM metrics", search.SQL)
	require.Empty(t, search.Parameters)
}

func TestGenerateCRUD_DialectPaging(t *testing.T) {
	mssql := byKind(GenerateCRUD(usersSchema(dialect.MSSQL), "", ""))
	require.Equal(t,
		"SELECT id, name, bio, created_at FROM users ORDER BY id OFFSET {{offset}} ROWS FETCH NEXT {{limit}} ROWS ONLY",
		mssql[KindGetList].SQL)

	oracle := byKind(GenerateCRUD(usersSchema(dialect.Oracle), "", ""))
	require.Equal(t,
		"SELECT id, name, bio, created_at FROM users ORDER BY {{order_by}} {{order}} OFFSET {{offset}} ROWS FETCH NEXT {{limit}} ROWS ONLY",
		oracle[KindPaginated].SQL)
}

func TestDraftToEndpoint(t *testing.T) {
	page := byKind(GenerateCRUD(usersSchema(dialect.MySQL), "", ""))[KindPaginated]
	ep, defs := page.ToEndpoint(3)

	require.Equal(t, models.StatusDraft, ep.Status)
	require.True(t, ep.AuthRequired)
	require.Equal(t, uint(3), ep.DatasourceID)
	require.Equal(t, "users", ep.Category)
	require.Len(t, defs, 4)
	require.Equal(t, 2, defs[2].Position)
	require.JSONEq(t, `{"enum": ["id", "name", "bio", "created_at"]}`, *defs[0].ValidationRule)
	require.JSONEq(t, `{"min": 1, "max": 1000}`, *defs[2].ValidationRule)

	rule, err := params.ParseRule(defs[2].ValidationRule)
	require.NoError(t, err)
	require.Equal(t, 1000.0, *rule.Max)
}
