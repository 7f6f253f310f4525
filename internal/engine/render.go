package engine

import (
	"fmt"
	"regexp"
	"strings"

	"dynamic-api/internal/dialect"
)

const DefaultRowCap = 1000

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// rawParams are substituted verbatim because they stand for identifiers and
// keywords that drivers cannot bind. Values are not escaped.
var rawParams = map[string]bool{"order_by": true, "order": true, "limit": true}

// Render substitutes the placeholders of sqlText from bag. Raw parameters are
// spliced in as text, search becomes a quoted '%value%' pattern and every
// other occurrence becomes a bound placeholder whose value is appended in
// order. Placeholders without a bag entry are left untouched. A SELECT with
// no row limit gets the dialect's cap.
func Render(sqlText string, bag map[string]any, drv dialect.Driver, rowCap int) (string, []any) {
	if rowCap <= 0 {
		rowCap = DefaultRowCap
	}

	var args []any
	sql := placeholderRe.ReplaceAllStringFunc(sqlText, func(token string) string {
		name := token[2 : len(token)-2]
		value, ok := bag[name]
		if !ok {
			return token
		}
		switch {
		case rawParams[name]:
			return fmt.Sprint(value)
		case name == "search":
			return "'%" + strings.ReplaceAll(fmt.Sprint(value), "'", "''") + "%'"
		default:
			args = append(args, value)
			return drv.Placeholder(len(args))
		}
	})

	if args == nil {
		args = []any{}
	}
	return drv.ApplyRowCap(sql, rowCap), args
}
