package httpserver

import (
	"regexp"
	"strconv"
)

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validIdent accepts chart numbers, session ids and job ids: non-empty,
// bounded, and limited to a conservative character set.
func validIdent(s string) bool {
	return s != "" && len(s) <= 100 && identPattern.MatchString(s)
}

// parsePagination reads offset/limit query values, falling back to defaults
// on absent or malformed input. Limits are capped by the repository.
func parsePagination(offsetStr, limitStr string) (offset, limit int) {
	if n, err := strconv.Atoi(offsetStr); err == nil && n >= 0 {
		offset = n
	}
	limit = 50
	if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
		limit = n
	}
	return offset, limit
}
