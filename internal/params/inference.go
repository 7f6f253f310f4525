// Package params extracts, infers and validates the {{name}} parameters of
// stored SQL text.
package params

import (
	"fmt"
	"regexp"
	"strings"

	"dynamic-api/internal/models"
)

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

var (
	pathNames = map[string]bool{"id": true, "uuid": true, "pk": true, "primary_key": true}

	queryNames = map[string]bool{
		"limit": true, "offset": true, "order_by": true, "order": true, "sort": true,
		"search": true, "page": true, "size": true, "filter": true,
		"start_date": true, "end_date": true, "from": true, "to": true,
	}

	optionalNames = map[string]bool{
		"limit": true, "offset": true, "order_by": true, "order": true,
		"search": true, "page": true, "size": true, "filter": true,
	}

	writeVerbRe = regexp.MustCompile(`(?i)\b(INSERT|UPDATE)\b`)
)

// Checked in this order; the first family that matches decides the type.
var typeFamilies = []struct {
	dataType models.DataType
	patterns []*regexp.Regexp
}{
	{models.TypeNumber, compile(
		`id$`, `count$`, `total$`, `limit$`, `offset$`, `page$`, `size$`, `amount$`, `price$`,
		`quantity$`, `qty$`, `age$`, `number$`, `num$`, `year$`, `score$`, `rank$`, `^(min|max)_`,
	)},
	{models.TypeBoolean, compile(
		`^is_`, `^has_`, `^can_`, `^should_`, `^allow_`, `enabled$`, `active$`, `deleted$`, `visible$`,
		`verified$`, `published$`,
	)},
	{models.TypeDate, compile(
		`date$`, `time$`, `timestamp$`, `_at$`, `_on$`, `start$`, `end$`, `^(from|to|since|until)$`,
	)},
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Extract returns the distinct placeholder names of sqlText in order of first
// occurrence.
func Extract(sqlText string) []string {
	matches := placeholderRe.FindAllStringSubmatch(sqlText, -1)
	seen := make(map[string]bool, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Inferred holds the attributes guessed for a parameter from its name.
type Inferred struct {
	Location    models.Location
	DataType    models.DataType
	Required    bool
	Description string
}

func Infer(name, sqlText string) Inferred {
	lower := strings.ToLower(name)
	inf := Inferred{
		Location: inferLocation(lower, sqlText),
		DataType: inferType(lower),
		Required: inferRequired(lower),
	}
	inf.Description = describe(name, inf)
	return inf
}

func inferLocation(name, sqlText string) models.Location {
	switch {
	case pathNames[name] || strings.HasSuffix(name, "_id"):
		return models.LocationPath
	case queryNames[name]:
		return models.LocationQuery
	case writeVerbRe.MatchString(sqlText):
		return models.LocationBody
	default:
		return models.LocationQuery
	}
}

func inferType(name string) models.DataType {
	for _, family := range typeFamilies {
		for _, re := range family.patterns {
			if re.MatchString(name) {
				return family.dataType
			}
		}
	}
	return models.TypeString
}

func inferRequired(name string) bool {
	if optionalNames[name] {
		return false
	}
	return !strings.HasPrefix(name, "optional") && !strings.HasSuffix(name, "optional")
}

func describe(name string, inf Inferred) string {
	human := strings.ReplaceAll(name, "_", " ")
	if inf.Required {
		return fmt.Sprintf("%s (%s, %s)", human, inf.Location, inf.DataType)
	}
	return fmt.Sprintf("%s (%s, %s, optional)", human, inf.Location, inf.DataType)
}

// Definition turns an inference into a storable parameter definition.
func Definition(name, sqlText string) models.EndpointParameter {
	inf := Infer(name, sqlText)
	return models.EndpointParameter{
		Name:        name,
		Location:    inf.Location,
		DataType:    inf.DataType,
		Required:    inf.Required,
		Description: inf.Description,
	}
}

// Reconcile merges freshly extracted names with the stored definitions of the
// same endpoint. Stored attributes win for names present in both, new names
// are inferred from sqlText and names no longer referenced are dropped.
func Reconcile(extracted []string, stored []models.EndpointParameter, sqlText string) []models.EndpointParameter {
	byName := make(map[string]models.EndpointParameter, len(stored))
	for _, p := range stored {
		byName[p.Name] = p
	}

	merged := make([]models.EndpointParameter, 0, len(extracted))
	for i, name := range extracted {
		p, ok := byName[name]
		if !ok {
			p = Definition(name, sqlText)
		}
		p.ID = 0
		p.Position = i
		merged = append(merged, p)
	}
	return merged
}
