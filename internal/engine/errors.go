package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrRouteNotFound          = errors.New("endpoint not found")
	ErrDatasourceInactive     = errors.New("datasource is not available")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrInvalidBody            = errors.New("invalid request body")
)

// ValidationError carries every field error found in a parameter bag.
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}
