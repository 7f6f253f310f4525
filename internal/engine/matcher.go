package engine

import (
	"strings"

	"dynamic-api/internal/models"
)

func segments(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func isParameterized(segs []string) bool {
	for _, s := range segs {
		if strings.HasPrefix(s, ":") {
			return true
		}
	}
	return false
}

// Match finds the first published endpoint for method and path. Candidates
// must have the same number of segments; fixed paths are tried before
// parameterized ones, each group in the order given. The second result binds
// the :name segments of the winner.
func Match(endpoints []models.Endpoint, method, path string) (*models.Endpoint, map[string]string, bool) {
	reqSegs := segments(path)

	var fixed, parameterized []int
	for i := range endpoints {
		ep := &endpoints[i]
		if !ep.Published() || !strings.EqualFold(ep.Method, method) {
			continue
		}
		segs := segments(ep.Path)
		if len(segs) != len(reqSegs) {
			continue
		}
		if isParameterized(segs) {
			parameterized = append(parameterized, i)
		} else {
			fixed = append(fixed, i)
		}
	}

	for _, i := range append(fixed, parameterized...) {
		if bound, ok := bind(segments(endpoints[i].Path), reqSegs); ok {
			return &endpoints[i], bound, true
		}
	}
	return nil, nil, false
}

func bind(pattern, actual []string) (map[string]string, bool) {
	bound := make(map[string]string)
	for i, seg := range pattern {
		if strings.HasPrefix(seg, ":") {
			bound[seg[1:]] = actual[i]
			continue
		}
		if seg != actual[i] {
			return nil, false
		}
	}
	return bound, true
}
