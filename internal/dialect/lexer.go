package dialect

import "strings"

// skipOpaque returns the index just past the string literal, quoted
// identifier or comment that starts at query[i], or i when none starts there.
// Quotes are closed by their first undoubled occurrence; an unterminated
// span runs to the end of the query.
func skipOpaque(query string, i int) int {
	switch ch := query[i]; {
	case ch == '\'' || ch == '"':
		return skipQuoted(query, i, ch)
	case ch == '[':
		return skipQuoted(query, i, ']')
	case ch == '-' && i+1 < len(query) && query[i+1] == '-':
		if end := strings.IndexByte(query[i:], '\n'); end >= 0 {
			return i + end
		}
		return len(query)
	case ch == '/' && i+1 < len(query) && query[i+1] == '*':
		if end := strings.Index(query[i+2:], "*/"); end >= 0 {
			return i + 2 + end + 2
		}
		return len(query)
	}
	return i
}

func skipQuoted(query string, i int, closer byte) int {
	for j := i + 1; j < len(query); j++ {
		if query[j] != closer {
			continue
		}
		if j+1 < len(query) && query[j+1] == closer {
			j++
			continue
		}
		return j + 1
	}
	return len(query)
}

// maskOpaque blanks literals, quoted identifiers and comments so keyword
// scans only see statement text. Offsets are preserved.
func maskOpaque(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); {
		if end := skipOpaque(query, i); end > i {
			b.WriteString(strings.Repeat(" ", end-i))
			i = end
			continue
		}
		b.WriteByte(query[i])
		i++
	}
	return b.String()
}
