package csvimport

import (
	"fmt"
	"strings"
)

// HeaderError reports a header row that lacks a required column.
type HeaderError struct {
	Field   string
	Headers []string
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("csv header has no column for required field %s (headers: %s)", e.Field, strings.Join(e.Headers, ", "))
}
