// Package generator synthesises CRUD endpoint drafts from a table schema.
package generator

import (
	"encoding/json"
	"fmt"
	"strings"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/introspect"
	"dynamic-api/internal/models"
)

type Kind string

const (
	KindGetOne    Kind = "get-one"
	KindGetList   Kind = "get-list"
	KindCreate    Kind = "create"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindPaginated Kind = "paginated"
	KindSearch    Kind = "search"
	KindCount     Kind = "count"
)

const (
	defaultListLimit = "100"
	defaultPageLimit = "10"
)

type ParameterDraft struct {
	Name        string          `json:"name" yaml:"name"`
	Location    models.Location `json:"location" yaml:"location"`
	DataType    models.DataType `json:"type" yaml:"type"`
	Required    bool            `json:"required" yaml:"required"`
	Default     *string         `json:"default,omitempty" yaml:"default,omitempty"`
	Rule        map[string]any  `json:"rule,omitempty" yaml:"rule,omitempty"`
	Description string          `json:"description,omitempty" yaml:"description,omitempty"`
}

// FieldRule is the coarse per-column rule carried by every draft.
type FieldRule struct {
	Type      models.DataType `json:"type" yaml:"type"`
	Required  bool            `json:"required" yaml:"required"`
	MaxLength *int            `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
}

type Draft struct {
	Kind            Kind                 `json:"kind" yaml:"kind"`
	Name            string               `json:"name" yaml:"name"`
	Path            string               `json:"path" yaml:"path"`
	Method          string               `json:"method" yaml:"method"`
	SQL             string               `json:"sql" yaml:"sql"`
	Description     string               `json:"description" yaml:"description"`
	Category        string               `json:"category" yaml:"category"`
	Parameters      []ParameterDraft     `json:"parameters" yaml:"parameters"`
	ValidationRules map[string]FieldRule `json:"validationRules" yaml:"validation_rules"`
}

// ToEndpoint converts a draft into storable definitions. The endpoint starts
// as a draft that requires authentication.
func (d Draft) ToEndpoint(datasourceID uint) (models.Endpoint, []models.EndpointParameter) {
	ep := models.Endpoint{
		Name:         d.Name,
		Path:         d.Path,
		Method:       d.Method,
		SQLText:      d.SQL,
		Status:       models.StatusDraft,
		AuthRequired: true,
		Category:     d.Category,
		Description:  d.Description,
		DatasourceID: datasourceID,
	}

	params := make([]models.EndpointParameter, 0, len(d.Parameters))
	for i, p := range d.Parameters {
		param := models.EndpointParameter{
			Name:         p.Name,
			Location:     p.Location,
			DataType:     p.DataType,
			Required:     p.Required,
			DefaultValue: p.Default,
			Description:  p.Description,
			Position:     i,
		}
		if len(p.Rule) > 0 {
			if b, err := json.Marshal(p.Rule); err == nil {
				rule := string(b)
				param.ValidationRule = &rule
			}
		}
		params = append(params, param)
	}
	return ep, params
}

type builder struct {
	schema  introspect.TableSchema
	name    string
	base    string
	table   string
	columns string
	rules   map[string]FieldRule
	pk      introspect.Column
	hasPK   bool
}

// GenerateCRUD builds the drafts for a table. Update and delete need a
// primary key and are omitted without one, as is get-one.
func GenerateCRUD(schema introspect.TableSchema, nameHint, pathHint string) []Draft {
	b := newBuilder(schema, nameHint, pathHint)

	var drafts []Draft
	if b.hasPK {
		drafts = append(drafts, b.getOne())
	}
	drafts = append(drafts, b.getList(), b.create())
	if b.hasPK {
		if d, ok := b.update(); ok {
			drafts = append(drafts, d)
		}
		drafts = append(drafts, b.delete())
	}
	return append(drafts, b.paginated(), b.search(), b.count())
}

func newBuilder(schema introspect.TableSchema, nameHint, pathHint string) *builder {
	b := &builder{schema: schema, table: schema.Table, rules: make(map[string]FieldRule)}

	b.name = strings.TrimSpace(nameHint)
	if b.name == "" {
		b.name = schema.Table
	}

	b.base = strings.TrimSpace(pathHint)
	if b.base == "" {
		b.base = strings.ToLower(schema.Table)
	}
	b.base = "/" + strings.Trim(b.base, "/")

	names := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		names[i] = c.Name
		if c.PrimaryKey && c.AutoIncrement {
			continue
		}
		b.rules[c.Name] = FieldRule{Type: c.LogicalType, Required: !c.Nullable, MaxLength: c.MaxLength}
	}
	b.columns = strings.Join(names, ", ")
	b.pk, b.hasPK = schema.PrimaryKey()
	return b
}

func (b *builder) draft(kind Kind, name, method, path, sql, desc string, params ...ParameterDraft) Draft {
	if params == nil {
		params = []ParameterDraft{}
	}
	return Draft{
		Kind:            kind,
		Name:            name,
		Path:            path,
		Method:          method,
		SQL:             sql,
		Description:     desc,
		Category:        b.table,
		Parameters:      params,
		ValidationRules: b.rules,
	}
}

func (b *builder) keyParam() ParameterDraft {
	return ParameterDraft{
		Name:        b.pk.Name,
		Location:    models.LocationPath,
		DataType:    b.pk.LogicalType,
		Required:    true,
		Description: "Primary key " + b.pk.Name,
	}
}

func (b *builder) getOne() Draft {
	return b.draft(KindGetOne, fmt.Sprintf("Get %s by %s", b.name, b.pk.Name), "GET",
		fmt.Sprintf("%s/:%s", b.base, b.pk.Name),
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = {{%s}}", b.columns, b.table, b.pk.Name, b.pk.Name),
		fmt.Sprintf("Fetch one %s row by primary key", b.table),
		b.keyParam())
}

func (b *builder) getList() Draft {
	sql := fmt.Sprintf("SELECT %s FROM %s", b.columns, b.table)
	if b.needsOrderForPaging() {
		order := "(SELECT NULL)"
		if b.hasPK {
			order = b.pk.Name
		}
		sql += " ORDER BY " + order
	}
	return b.draft(KindGetList, "List "+b.name, "GET", b.base,
		sql+" "+b.paging("{{limit}}", "{{offset}}"),
		fmt.Sprintf("List %s rows", b.table),
		limitParam(defaultListLimit), offsetParam())
}

func (b *builder) create() Draft {
	var cols, values []string
	var params []ParameterDraft
	for _, c := range b.schema.Columns {
		if c.AutoIncrement {
			continue
		}
		cols = append(cols, c.Name)
		values = append(values, "{{"+c.Name+"}}")
		params = append(params, b.bodyParam(c, !c.Nullable))
	}
	return b.draft(KindCreate, "Create "+b.name, "POST", b.base,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", b.table, strings.Join(cols, ", "), strings.Join(values, ", ")),
		fmt.Sprintf("Insert a %s row", b.table),
		params...)
}

func (b *builder) update() (Draft, bool) {
	var sets []string
	params := []ParameterDraft{b.keyParam()}
	for _, c := range b.schema.Columns {
		if c.PrimaryKey || c.AutoIncrement {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = {{%s}}", c.Name, c.Name))
		params = append(params, b.bodyParam(c, false))
	}
	if len(sets) == 0 {
		return Draft{}, false
	}
	return b.draft(KindUpdate, "Update "+b.name, "PUT",
		fmt.Sprintf("%s/:%s", b.base, b.pk.Name),
		fmt.Sprintf("UPDATE %s SET %s WHERE %s = {{%s}}", b.table, strings.Join(sets, ", "), b.pk.Name, b.pk.Name),
		fmt.Sprintf("Update a %s row by primary key", b.table),
		params...), true
}

func (b *builder) delete() Draft {
	return b.draft(KindDelete, "Delete "+b.name, "DELETE",
		fmt.Sprintf("%s/:%s", b.base, b.pk.Name),
		fmt.Sprintf("DELETE FROM %s WHERE %s = {{%s}}", b.table, b.pk.Name, b.pk.Name),
		fmt.Sprintf("Delete a %s row by primary key", b.table),
		b.keyParam())
}

func (b *builder) paginated() Draft {
	orderBy := b.orderColumn()
	names := make([]any, 0, len(b.schema.Columns))
	for _, c := range b.schema.Columns {
		names = append(names, c.Name)
	}

	return b.draft(KindPaginated, fmt.Sprintf("List %s (paginated)", b.name), "GET", b.base+"/paginated",
		fmt.Sprintf("SELECT %s FROM %s ORDER BY {{order_by}} {{order}} %s", b.columns, b.table, b.paging("{{limit}}", "{{offset}}")),
		fmt.Sprintf("Page through %s rows in a chosen order", b.table),
		ParameterDraft{
			Name: "order_by", Location: models.LocationQuery, DataType: models.TypeString,
			Default: &orderBy, Rule: map[string]any{"enum": names}, Description: "Column to sort by",
		},
		ParameterDraft{
			Name: "order", Location: models.LocationQuery, DataType: models.TypeString,
			Default: strPtr("ASC"), Rule: map[string]any{"enum": []any{"ASC", "DESC", "asc", "desc"}},
			Description: "Sort direction",
		},
		limitParam(defaultPageLimit), offsetParam())
}

func (b *builder) search() Draft {
	var conds []string
	for _, c := range b.schema.Columns {
		if isText(c) {
			conds = append(conds, c.Name+" LIKE {{search}}")
		}
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", b.columns, b.table)
	var params []ParameterDraft
	if len(conds) > 0 {
		sql += " WHERE " + strings.Join(conds, " OR ")
		params = append(params, ParameterDraft{
			Name: "search", Location: models.LocationQuery, DataType: models.TypeString, Required: true,
			Description: "Text matched anywhere in the character columns",
		})
	}
	return b.draft(KindSearch, "Search "+b.name, "GET", b.base+"/search", sql,
		fmt.Sprintf("Search %s rows by text", b.table), params...)
}

func (b *builder) count() Draft {
	return b.draft(KindCount, "Count "+b.name, "GET", b.base+"/count",
		fmt.Sprintf("SELECT COUNT(*) AS total FROM %s", b.table),
		fmt.Sprintf("Count %s rows", b.table))
}

func (b *builder) bodyParam(c introspect.Column, required bool) ParameterDraft {
	p := ParameterDraft{
		Name:        c.Name,
		Location:    models.LocationBody,
		DataType:    c.LogicalType,
		Required:    required,
		Description: fmt.Sprintf("%s (%s)", c.Name, c.RawType),
	}
	if c.MaxLength != nil && c.LogicalType == models.TypeString {
		p.Rule = map[string]any{"max": *c.MaxLength}
	}
	return p
}

func (b *builder) orderColumn() string {
	if b.hasPK {
		return b.pk.Name
	}
	return "id"
}

// paging renders a limit/offset clause in the schema's dialect.
func (b *builder) paging(limit, offset string) string {
	switch b.schema.Dialect {
	case dialect.MSSQL, dialect.Oracle:
		return fmt.Sprintf("OFFSET %s ROWS FETCH NEXT %s ROWS ONLY", offset, limit)
	default:
		return fmt.Sprintf("LIMIT %s OFFSET %s", limit, offset)
	}
}

// SQL Server only accepts OFFSET after an ORDER BY.
func (b *builder) needsOrderForPaging() bool {
	return b.schema.Dialect == dialect.MSSQL
}

func limitParam(def string) ParameterDraft {
	return ParameterDraft{
		Name: "limit", Location: models.LocationQuery, DataType: models.TypeNumber,
		Default: strPtr(def), Rule: map[string]any{"min": 1, "max": 1000}, Description: "Maximum rows to return",
	}
}

func offsetParam() ParameterDraft {
	return ParameterDraft{
		Name: "offset", Location: models.LocationQuery, DataType: models.TypeNumber,
		Default: strPtr("0"), Rule: map[string]any{"min": 0}, Description: "Rows to skip",
	}
}

func isText(c introspect.Column) bool {
	t := strings.ToLower(c.RawType)
	return c.LogicalType == models.TypeString &&
		(strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "clob"))
}

func strPtr(s string) *string { return &s }
